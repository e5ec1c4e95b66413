package services

import (
	"context"
	"strings"

	"github.com/casegate/casegate/modules/record/domain/ports"
	"github.com/casegate/casegate/pkg/apperr"
	"github.com/casegate/casegate/pkg/policy"
)

func (r *resolver) Get(ctx context.Context, scope *Scope, req GetRequest) (map[string]any, error) {
	if scope == nil {
		scope = NewScope("")
	}
	sch, table, err := r.entitySchema(req.Entity)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, apperr.NewUserInput("id is required")
	}
	requested := requestedFields(sch, req.Fields)

	rec, ident, err := r.loadJoined(ctx, scope, sch, id, requested)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.NewNotFound(sch.Entity(), id)
	}

	base, err := r.baseTargets(ctx, ident)
	if err != nil {
		return nil, err
	}
	owner := ownsRecord(sch, ident, rec)
	targets := withOwner(base, owner)

	if _, err := r.gate(ctx, table, targets, policy.ActionAccess, rec, owner); err != nil {
		return nil, err
	}
	return r.readShape(ctx, table, sch, targets, owner, rec, requested)
}

func (r *resolver) List(ctx context.Context, scope *Scope, req ListRequest) ([]map[string]any, error) {
	if scope == nil {
		scope = NewScope("")
	}
	sch, table, err := r.entitySchema(req.Entity)
	if err != nil {
		return nil, err
	}
	requested := requestedFields(sch, req.Fields)

	ident, err := r.identity(ctx, scope)
	if err != nil {
		return nil, err
	}
	base, err := r.baseTargets(ctx, ident)
	if err != nil {
		return nil, err
	}

	// The list-level access gate runs without an instance. A restriction set
	// here is an owner-scoping directive for the query, not a per-instance
	// check, so the shared gate helper does not apply.
	match, err := table.Evaluate(base, policy.ActionAccess, nil)
	if err != nil {
		r.logger.ErrorContext(ctx, "policy evaluation failed", "action", "access", "err", err)
		return nil, apperr.NewConfiguration("policy evaluation failed for access")
	}
	if !match.Allow {
		return nil, apperr.NewAuthorization("access denied")
	}

	ownerScoped := false
	if match.Restrictions != nil && !containsString(match.Restrictions, policy.RestrictionAll) {
		if !containsString(match.Restrictions, policy.RestrictionOwner) {
			return nil, apperr.NewAuthorization("access denied")
		}
		if ident == nil || ident.ID == "" {
			return nil, apperr.NewAuthorization("listing requires an authenticated caller")
		}
		if !sch.HasOwnerFields() {
			// Nothing can ever match an owner constraint here.
			return []map[string]any{}, nil
		}
		ownerScoped = true
	}

	query := ports.Query{Expand: sch.RelationFields(requested)}
	for field, raw := range req.Filters {
		multiple, ok := sch.Filterable(field)
		if !ok {
			continue
		}
		var value any
		switch v := raw.(type) {
		case []any:
			if !multiple || len(v) == 0 {
				continue
			}
			value = v
		case []string:
			if !multiple || len(v) == 0 {
				continue
			}
			vals := make([]any, 0, len(v))
			for _, s := range v {
				vals = append(vals, s)
			}
			value = vals
		default:
			value = raw
		}
		if query.Filters == nil {
			query.Filters = map[string]any{}
		}
		query.Filters[field] = value
	}
	for field, raw := range req.Sort {
		desc, ok := raw.(bool)
		if !ok || !sch.Sortable(field) {
			continue
		}
		if query.Sort == nil {
			query.Sort = map[string]bool{}
		}
		query.Sort[field] = desc
	}
	if ownerScoped {
		query.OwnerAny = sch.OwnerJoinFields()
		query.OwnerID = ident.ID
	}

	rows, err := r.records.Search(ctx, sch.Entity(), query)
	if err != nil {
		r.logger.ErrorContext(ctx, "record search failed", "entity", sch.Entity(), "err", err)
		return nil, apperr.NewEngine("record search", err)
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		row = scope.rememberRecord(row)
		owner := ownsRecord(sch, ident, row)
		shaped, err := r.readShape(ctx, table, sch, withOwner(base, owner), owner, row, requested)
		if err != nil {
			return nil, err
		}
		out = append(out, shaped)
	}
	return out, nil
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
