package ports

import (
	"context"

	"github.com/casegate/casegate/modules/iam/domain/types"
)

// IdentityStore maps opaque caller references to identities. Find returns
// (nil, nil) for an unknown ref; absence is not an error at this layer.
type IdentityStore interface {
	Find(ctx context.Context, ref string) (*types.Identity, error)
	Insert(ctx context.Context, identity types.Identity) error
	List(ctx context.Context) ([]types.Identity, error)
}
