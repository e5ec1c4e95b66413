package persistence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/casegate/casegate/modules/iam/domain/ports"
	"github.com/casegate/casegate/modules/iam/domain/types"
)

type identityMemoryStore struct {
	mu    sync.RWMutex
	byRef map[string]types.Identity
}

// NewIdentityMemoryStore backs dev mode and tests. Seed identities are
// registered by ref.
func NewIdentityMemoryStore(seed ...types.Identity) ports.IdentityStore {
	s := &identityMemoryStore{byRef: map[string]types.Identity{}}
	for _, identity := range seed {
		s.byRef[strings.TrimSpace(identity.Ref)] = cloneIdentity(identity)
	}
	return s
}

func cloneIdentity(identity types.Identity) types.Identity {
	out := identity
	out.Roles = append([]string(nil), identity.Roles...)
	return out
}

func (s *identityMemoryStore) Find(_ context.Context, ref string) (*types.Identity, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.byRef[ref]
	if !ok {
		return nil, nil
	}
	out := cloneIdentity(identity)
	return &out, nil
}

func (s *identityMemoryStore) Insert(_ context.Context, identity types.Identity) error {
	if strings.TrimSpace(identity.ID) == "" {
		return errors.New("identity id is required")
	}
	ref := strings.TrimSpace(identity.Ref)
	if ref == "" {
		return errors.New("identity ref is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byRef[ref]; exists {
		return errors.New("identity ref already exists")
	}
	identity.Ref = ref
	s.byRef[ref] = cloneIdentity(identity)
	return nil
}

func (s *identityMemoryStore) List(_ context.Context) ([]types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Identity, 0, len(s.byRef))
	for _, identity := range s.byRef {
		out = append(out, cloneIdentity(identity))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}
