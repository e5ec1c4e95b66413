package services

import (
	"context"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/casegate/casegate/modules/record/domain/schema"
	"github.com/casegate/casegate/modules/record/domain/types"
	"github.com/casegate/casegate/pkg/apperr"
	"github.com/casegate/casegate/pkg/enums"
	"github.com/casegate/casegate/pkg/policy"
)

func (r *resolver) Create(ctx context.Context, scope *Scope, req CreateRequest) (map[string]any, error) {
	if scope == nil {
		scope = NewScope("")
	}
	sch, table, err := r.entitySchema(req.Entity)
	if err != nil {
		return nil, err
	}

	ident, err := r.identity(ctx, scope)
	if err != nil {
		return nil, err
	}

	id, err := newRecordID()
	if err != nil {
		return nil, err
	}
	now := timeNow().UTC()
	rec := &types.Record{ID: id, Entity: sch.Entity(), Created: now, Updated: now, Fields: map[string]any{}}
	for k, v := range req.Fields {
		rec.Fields[k] = v
	}

	base, err := r.baseTargets(ctx, ident)
	if err != nil {
		return nil, err
	}
	owner := ownsRecord(sch, ident, rec)
	targets := withOwner(base, owner)

	match, err := r.gate(ctx, table, targets, policy.ActionCreate, rec, owner)
	if err != nil {
		return nil, err
	}
	if bad := inputViolations(sch, match, req.Fields); len(bad) > 0 {
		return nil, apperr.NewAuthorization("fields not permitted", bad...)
	}

	// The core sets owner joins itself; they are not caller input.
	if ident != nil && ident.ID != "" {
		for _, join := range sch.OwnerJoinFields() {
			rec.SetField(join, ident.ID)
		}
	}
	if err := applyDefaults(sch, rec); err != nil {
		return nil, err
	}

	if err := r.records.Insert(ctx, rec); err != nil {
		r.logger.ErrorContext(ctx, "record insert failed", "entity", sch.Entity(), "id", rec.ID, "err", err)
		return nil, apperr.NewEngine("record insert", err)
	}
	scope.rememberRecord(rec)

	if key := sch.ProcessKey(); key != "" {
		if _, err := r.engine.StartProcess(ctx, key, rec.ID); err != nil {
			// The record stays persisted; there is no compensation here.
			r.logger.ErrorContext(ctx, "process start failed", "entity", sch.Entity(), "id", rec.ID, "process_key", key, "err", err)
			return nil, apperr.NewEngine("process start", err)
		}
	}
	return shapeBare(rec), nil
}

func (r *resolver) Update(ctx context.Context, scope *Scope, req UpdateRequest) (bool, error) {
	if scope == nil {
		scope = NewScope("")
	}
	sch, table, err := r.entitySchema(req.Entity)
	if err != nil {
		return false, err
	}
	if !sch.InputEnabled() {
		return false, apperr.NewConfiguration("entity " + strconv.Quote(sch.Entity()) + " does not accept input")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return false, apperr.NewUserInput("id is required")
	}

	rec, ident, err := r.loadJoined(ctx, scope, sch, id, nil)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, apperr.NewNotFound(sch.Entity(), id)
	}

	base, err := r.baseTargets(ctx, ident)
	if err != nil {
		return false, err
	}
	owner := ownsRecord(sch, ident, rec)
	targets := withOwner(base, owner)

	if _, err := r.gate(ctx, table, targets, policy.ActionAccess, rec, owner); err != nil {
		return false, err
	}
	match, err := r.gate(ctx, table, targets, policy.ActionWrite, rec, owner)
	if err != nil {
		return false, err
	}
	if bad := inputViolations(sch, match, req.Fields); len(bad) > 0 {
		return false, apperr.NewAuthorization("fields not permitted", bad...)
	}

	changed := false
	for k, v := range req.Fields {
		if cur, ok := rec.Field(k); ok && reflect.DeepEqual(cur, v) {
			continue
		}
		rec.SetField(k, v)
		changed = true
	}
	if changed {
		rec.Updated = timeNow().UTC()
		if err := r.records.Update(ctx, rec); err != nil {
			r.logger.ErrorContext(ctx, "record update failed", "entity", sch.Entity(), "id", rec.ID, "err", err)
			return false, apperr.NewEngine("record update", err)
		}
	}
	return true, nil
}

// inputViolations returns, sorted, every caller key outside the input ceiling
// or outside the match's field set. One violation rejects the whole call.
func inputViolations(sch *schema.Schema, match policy.Match, fields map[string]any) []string {
	var bad []string
	for k := range fields {
		if !sch.InputAllowed(k) || !match.FieldAllowed(k) {
			bad = append(bad, k)
		}
	}
	sort.Strings(bad)
	return bad
}

// applyDefaults fills still-unset fields from element defaults. Literal
// defaults apply as declared; enum defaults resolve through the process-wide
// enum registry and fail as configuration errors when unresolvable.
func applyDefaults(sch *schema.Schema, rec *types.Record) error {
	for _, e := range sch.Elements() {
		if _, ok := rec.Field(e.Field); ok {
			continue
		}
		switch {
		case e.Default != nil:
			rec.SetField(e.Field, e.Default)
		case e.DefaultEnum != "":
			v, ok, err := enums.Lookup(e.DefaultEnum, e.DefaultEnumKey)
			if err != nil {
				return apperr.NewConfiguration("enum " + strconv.Quote(e.DefaultEnum) + " not configured")
			}
			if !ok {
				return apperr.NewConfiguration("enum default " + e.DefaultEnum + "/" + e.DefaultEnumKey + " not found")
			}
			rec.SetField(e.Field, v)
		}
	}
	return nil
}
