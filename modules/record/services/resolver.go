package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	iamports "github.com/casegate/casegate/modules/iam/domain/ports"
	iamtypes "github.com/casegate/casegate/modules/iam/domain/types"
	"github.com/casegate/casegate/modules/record/domain/ports"
	"github.com/casegate/casegate/modules/record/domain/schema"
	"github.com/casegate/casegate/modules/record/domain/types"
	"github.com/casegate/casegate/pkg/apperr"
	"github.com/casegate/casegate/pkg/policy"
	"github.com/casegate/casegate/pkg/uuidv7"
)

const (
	targetAnonymous = "anonymous"
	targetUser      = "user"
	targetOwner     = "owner"
)

var (
	newRecordID = uuidv7.NewString
	timeNow     = time.Now
)

// metaFields are the response keys every caller may request regardless of
// policy. They are never redacted and never listed as restricted.
var metaFields = map[string]bool{
	"id":               true,
	"created":          true,
	"updated":          true,
	"tasks":            true,
	"restrictedFields": true,
}

// InstanceResolver mediates every operation on schema-driven records:
// field-level read redaction, policy gating, owner scoping and the workflow
// engine lifecycle. Handlers pass the per-request Scope explicitly.
type InstanceResolver interface {
	Get(ctx context.Context, scope *Scope, req GetRequest) (map[string]any, error)
	List(ctx context.Context, scope *Scope, req ListRequest) ([]map[string]any, error)
	Create(ctx context.Context, scope *Scope, req CreateRequest) (map[string]any, error)
	Update(ctx context.Context, scope *Scope, req UpdateRequest) (bool, error)
	Destroy(ctx context.Context, scope *Scope, req DestroyRequest) (bool, error)
	Tasks(ctx context.Context, scope *Scope, req TasksRequest) ([]ports.Task, error)
	CompleteTask(ctx context.Context, scope *Scope, req CompleteTaskRequest) (bool, error)
}

type GetRequest struct {
	Entity string
	ID     string
	Fields []string
}

type ListRequest struct {
	Entity  string
	Filters map[string]any
	Sort    map[string]any
	Fields  []string
}

type CreateRequest struct {
	Entity string
	Fields map[string]any
}

type UpdateRequest struct {
	Entity string
	ID     string
	Fields map[string]any
}

type DestroyRequest struct {
	Entity string
	ID     string
	Fields map[string]any
}

type TasksRequest struct {
	Entity string
	ID     string
}

type CompleteTaskRequest struct {
	Entity string
	ID     string
	TaskID string
	Fields map[string]any
}

// RoleExpander resolves the transitive role tags an identity's role slugs
// grant. pkg/authz implements it over the casbin grouping lines.
type RoleExpander interface {
	ExpandRoles(roles []string) ([]string, error)
}

type ResolverOptions struct {
	Records    ports.RecordStore
	Identities iamports.IdentityStore
	Engine     ports.ProcessEngine
	Schemas    *schema.Registry
	Roles      RoleExpander
	Logger     *slog.Logger
}

type resolver struct {
	records    ports.RecordStore
	identities iamports.IdentityStore
	engine     ports.ProcessEngine
	schemas    *schema.Registry
	roles      RoleExpander
	logger     *slog.Logger
}

func NewResolver(opts ResolverOptions) (InstanceResolver, error) {
	if opts.Records == nil {
		return nil, errors.New("services: record store is required")
	}
	if opts.Identities == nil {
		return nil, errors.New("services: identity store is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("services: process engine is required")
	}
	if opts.Schemas == nil {
		return nil, errors.New("services: schema registry is required")
	}
	if opts.Roles == nil {
		return nil, errors.New("services: role expander is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &resolver{
		records:    opts.Records,
		identities: opts.Identities,
		engine:     opts.Engine,
		schemas:    opts.Schemas,
		roles:      opts.Roles,
		logger:     logger,
	}, nil
}

// entitySchema resolves the entity's schema and rule table. An entity nobody
// configured is caller input trouble, not an internal fault.
func (r *resolver) entitySchema(entity string) (*schema.Schema, *policy.Table, error) {
	entity = strings.ToLower(strings.TrimSpace(entity))
	if entity == "" {
		return nil, nil, apperr.NewUserInput("entity is required")
	}
	sch, ok := r.schemas.Schema(entity)
	if !ok {
		return nil, nil, apperr.NewUserInput("unknown entity " + strconv.Quote(entity))
	}
	table, ok := r.schemas.Table(entity)
	if !ok {
		return nil, nil, apperr.NewConfiguration("entity " + strconv.Quote(entity) + " has no rule table")
	}
	return sch, table, nil
}

func (r *resolver) identity(ctx context.Context, scope *Scope) (*iamtypes.Identity, error) {
	if ident, ok := scope.cachedIdentity(); ok {
		return ident, nil
	}
	ref := strings.TrimSpace(scope.UserRef())
	if ref == "" {
		return scope.rememberIdentity(nil), nil
	}
	ident, err := r.identities.Find(ctx, ref)
	if err != nil {
		r.logger.ErrorContext(ctx, "identity lookup failed", "err", err)
		return nil, apperr.NewEngine("identity lookup", err)
	}
	return scope.rememberIdentity(ident), nil
}

// load consults the scope cache before the store and registers what it finds.
// Missing records come back nil with no error.
func (r *resolver) load(ctx context.Context, scope *Scope, sch *schema.Schema, id string, requested []string) (*types.Record, error) {
	entity := sch.Entity()
	if rec, ok := scope.cachedRecord(entity, id); ok {
		return rec, nil
	}
	rec, err := r.records.Find(ctx, entity, id, sch.RelationFields(requested))
	if err != nil {
		r.logger.ErrorContext(ctx, "record load failed", "entity", entity, "id", id, "err", err)
		return nil, apperr.NewEngine("record load", err)
	}
	if rec == nil {
		return nil, nil
	}
	return scope.rememberRecord(rec), nil
}

// loadJoined runs the record load and the identity resolution concurrently
// and joins before any policy work. requested drives eager relation loading.
func (r *resolver) loadJoined(ctx context.Context, scope *Scope, sch *schema.Schema, id string, requested []string) (*types.Record, *iamtypes.Identity, error) {
	group, gctx := errgroup.WithContext(ctx)
	var rec *types.Record
	var ident *iamtypes.Identity
	group.Go(func() error {
		var err error
		rec, err = r.load(gctx, scope, sch, id, requested)
		return err
	})
	group.Go(func() error {
		var err error
		ident, err = r.identity(gctx, scope)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return rec, ident, nil
}

// baseTargets is the instance-independent part of the target set: anonymous,
// plus user and every role tag (direct and inherited) when authenticated.
func (r *resolver) baseTargets(ctx context.Context, ident *iamtypes.Identity) ([]string, error) {
	out := []string{targetAnonymous}
	if ident == nil {
		return out, nil
	}
	expanded, err := r.roles.ExpandRoles(append([]string{targetUser}, ident.Roles...))
	if err != nil {
		r.logger.ErrorContext(ctx, "role expansion failed", "err", err)
		return nil, apperr.NewConfiguration("role expansion failed")
	}
	seen := map[string]bool{targetAnonymous: true}
	for _, role := range expanded {
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out, nil
}

// ownsRecord reports whether the identity's id sits in any owner join field.
// Computed fresh per (identity, record) pair.
func ownsRecord(sch *schema.Schema, ident *iamtypes.Identity, rec *types.Record) bool {
	if ident == nil || rec == nil || ident.ID == "" {
		return false
	}
	for _, join := range sch.OwnerJoinFields() {
		v, ok := rec.Field(join)
		if !ok {
			continue
		}
		if ownerValue(v) == ident.ID {
			return true
		}
	}
	return false
}

// ownerValue renders an owner join value the way the stores compare it: the
// jsonb text domain. Null reads as empty and never matches an identity id.
func ownerValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func withOwner(base []string, owner bool) []string {
	if !owner {
		return base
	}
	out := make([]string, 0, len(base)+1)
	out = append(out, base...)
	return append(out, targetOwner)
}

// policyRecord is the CEL/condition binding for one instance: its fields plus
// the fixed id attribute. Nil when no instance is in play.
func policyRecord(rec *types.Record) map[string]any {
	if rec == nil {
		return nil
	}
	out := make(map[string]any, len(rec.Fields)+1)
	for k, v := range rec.Fields {
		out[k] = v
	}
	out["id"] = rec.ID
	return out
}

// gate evaluates one action and applies the shared restriction rule: allow
// plus a restriction set satisfied by "all" or by ownership. Every operation
// funnels denials through here.
func (r *resolver) gate(ctx context.Context, table *policy.Table, targets []string, action policy.Action, rec *types.Record, owner bool) (policy.Match, error) {
	match, err := table.Evaluate(targets, action, policyRecord(rec))
	if err != nil {
		r.logger.ErrorContext(ctx, "policy evaluation failed", "action", string(action), "err", err)
		return policy.Match{}, apperr.NewConfiguration("policy evaluation failed for " + string(action))
	}
	if !match.Allow || !match.RestrictionsSatisfied(owner) {
		return policy.Match{}, apperr.NewAuthorization(string(action) + " denied")
	}
	return match, nil
}

// requestedFields normalizes the caller's field selection; an empty selection
// reads as every declared element.
func requestedFields(sch *schema.Schema, fields []string) []string {
	out := make([]string, 0, len(fields))
	seen := map[string]bool{}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	if len(out) > 0 {
		return out
	}
	for _, e := range sch.Elements() {
		out = append(out, e.Field)
	}
	return out
}

// shapeRecord builds the outward object: the fixed minimal attributes, every
// requested field that survives the ceiling and the allowed predicate, and a
// sorted restrictedFields list naming what policy withheld (omitted when
// empty). Relation fields embed their eager-loaded record.
func shapeRecord(sch *schema.Schema, rec *types.Record, requested []string, allowed func(string) bool) map[string]any {
	out := map[string]any{
		"id":      rec.ID,
		"created": rec.Created,
		"updated": rec.Updated,
	}
	var restricted []string
	for _, f := range requested {
		if metaFields[f] || !sch.ReadAllowed(f) {
			continue
		}
		if !allowed(f) {
			restricted = append(restricted, f)
			continue
		}
		if _, isRelation := sch.Relation(f); isRelation {
			if related, ok := rec.Related[f]; ok && related != nil {
				out[f] = shapeBare(related)
				continue
			}
		}
		if v, ok := rec.Field(f); ok {
			out[f] = v
		}
	}
	if len(restricted) > 0 {
		sort.Strings(restricted)
		out["restrictedFields"] = restricted
	}
	return out
}

// shapeBare renders a record with no policy filtering: the fixed attributes
// plus every field. Used for embedded relations and create results.
func shapeBare(rec *types.Record) map[string]any {
	out := map[string]any{
		"id":      rec.ID,
		"created": rec.Created,
		"updated": rec.Updated,
	}
	for k, v := range rec.Fields {
		out[k] = v
	}
	return out
}

// readShape runs the read evaluation for one instance and shapes it. A read
// match that fails the restriction rule strips the row to the minimal
// attributes instead of erroring; visibility legitimately differs per row.
func (r *resolver) readShape(ctx context.Context, table *policy.Table, sch *schema.Schema, targets []string, owner bool, rec *types.Record, requested []string) (map[string]any, error) {
	match, err := table.Evaluate(targets, policy.ActionRead, policyRecord(rec))
	if err != nil {
		r.logger.ErrorContext(ctx, "policy evaluation failed", "action", "read", "err", err)
		return nil, apperr.NewConfiguration("policy evaluation failed for read")
	}
	allowed := func(string) bool { return false }
	if match.Allow && match.RestrictionsSatisfied(owner) {
		allowed = match.FieldAllowed
	}
	return shapeRecord(sch, rec, requested, allowed), nil
}
