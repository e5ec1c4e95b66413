package ports

import (
	"context"

	"github.com/casegate/casegate/modules/record/domain/types"
)

// Query shapes one Search call. Filters are equality predicates; a []any value
// means IN. OwnerAny, when non-empty, names the stored attributes of which at
// least one must equal OwnerID; the group OR-combines internally and
// AND-combines with Filters. Sort maps field name to descending. Expand names
// relation fields to eager-load on every row.
type Query struct {
	Filters  map[string]any
	OwnerAny []string
	OwnerID  string
	Sort     map[string]bool
	Expand   []string
}

// RecordStore persists instances. Find returns (nil, nil) when the id is
// unknown; absence is not an error at this layer. Rows are never deleted
// through this port.
type RecordStore interface {
	Find(ctx context.Context, entity string, id string, expand []string) (*types.Record, error)
	Search(ctx context.Context, entity string, q Query) ([]*types.Record, error)
	Insert(ctx context.Context, record *types.Record) error
	Update(ctx context.Context, record *types.Record) error
}
