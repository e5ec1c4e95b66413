package services

import (
	"context"
	"sync"

	iamtypes "github.com/casegate/casegate/modules/iam/domain/types"
	"github.com/casegate/casegate/modules/record/domain/types"
)

// Scope is the per-request resolver context: the opaque caller ref, the
// memoized identity lookup, and the first-loader-wins record cache. One Scope
// serves exactly one inbound request and is never reused.
type Scope struct {
	userRef string

	mu             sync.Mutex
	identity       *iamtypes.Identity
	identityLoaded bool
	records        map[string]*types.Record
}

func NewScope(userRef string) *Scope {
	return &Scope{userRef: userRef, records: map[string]*types.Record{}}
}

func (s *Scope) UserRef() string { return s.userRef }

func (s *Scope) cachedIdentity() (*iamtypes.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.identityLoaded
}

// rememberIdentity memoizes the lookup result, nil included. The first writer
// wins; later callers get the memoized value back.
func (s *Scope) rememberIdentity(ident *iamtypes.Identity) *iamtypes.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identityLoaded {
		return s.identity
	}
	s.identity = ident
	s.identityLoaded = true
	return ident
}

func scopeRecordKey(entity string, id string) string { return entity + "/" + id }

func (s *Scope) cachedRecord(entity string, id string) (*types.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scopeRecordKey(entity, id)]
	return rec, ok
}

// rememberRecord registers a loaded record under entity/id. Write-once: when
// another loader got there first its record is returned instead.
func (s *Scope) rememberRecord(rec *types.Record) *types.Record {
	if rec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeRecordKey(rec.Entity, rec.ID)
	if existing, ok := s.records[key]; ok {
		return existing
	}
	s.records[key] = rec
	return rec
}

type scopeContextKey struct{}

func WithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFrom returns the request scope carried by the context, or nil when the
// request never passed through the auth middleware.
func ScopeFrom(ctx context.Context) *Scope {
	scope, _ := ctx.Value(scopeContextKey{}).(*Scope)
	return scope
}
