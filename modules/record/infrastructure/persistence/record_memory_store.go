package persistence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/casegate/casegate/modules/record/domain/ports"
	"github.com/casegate/casegate/modules/record/domain/schema"
	"github.com/casegate/casegate/modules/record/domain/types"
)

type recordMemoryStore struct {
	mu      sync.RWMutex
	schemas *schema.Registry
	records map[string]map[string]*types.Record
}

// NewRecordMemoryStore backs dev mode and tests. The registry is consulted
// for relation targets during eager expansion.
func NewRecordMemoryStore(schemas *schema.Registry) ports.RecordStore {
	return &recordMemoryStore{schemas: schemas, records: map[string]map[string]*types.Record{}}
}

func cloneRecord(r *types.Record) *types.Record {
	out := *r
	out.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	out.Related = nil
	return &out
}

func (s *recordMemoryStore) Find(ctx context.Context, entity string, id string, expand []string) (*types.Record, error) {
	entity = strings.ToLower(strings.TrimSpace(entity))
	id = strings.TrimSpace(id)

	s.mu.RLock()
	stored, ok := s.records[entity][id]
	var out *types.Record
	if ok {
		out = cloneRecord(stored)
	}
	s.mu.RUnlock()

	if out == nil {
		return nil, nil
	}
	if err := s.expandRelated(ctx, out, expand); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *recordMemoryStore) expandRelated(ctx context.Context, r *types.Record, expand []string) error {
	if len(expand) == 0 {
		return nil
	}
	sch, ok := s.schemas.Schema(r.Entity)
	if !ok {
		return nil
	}
	for _, field := range expand {
		relEntity, ok := sch.Relation(field)
		if !ok {
			continue
		}
		relID, _ := r.Fields[field].(string)
		if strings.TrimSpace(relID) == "" {
			continue
		}
		related, err := s.Find(ctx, relEntity, relID, nil)
		if err != nil {
			return err
		}
		if related == nil {
			continue
		}
		if r.Related == nil {
			r.Related = map[string]*types.Record{}
		}
		r.Related[field] = related
	}
	return nil
}

func (s *recordMemoryStore) Search(ctx context.Context, entity string, q ports.Query) ([]*types.Record, error) {
	entity = strings.ToLower(strings.TrimSpace(entity))

	s.mu.RLock()
	var out []*types.Record
	for _, stored := range s.records[entity] {
		if !matchesQuery(stored, q) {
			continue
		}
		out = append(out, cloneRecord(stored))
	}
	s.mu.RUnlock()

	sortRecords(out, q.Sort)
	for _, r := range out {
		if err := s.expandRelated(ctx, r, q.Expand); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// matchesQuery mirrors the SQL the pg store generates: absent and null fields
// never match a predicate, filters AND-combine, the owner group ORs.
func matchesQuery(r *types.Record, q ports.Query) bool {
	for field, want := range q.Filters {
		got, ok := r.Fields[field]
		if !ok || got == nil {
			return false
		}
		text := textValue(got)
		if values, isList := want.([]any); isList {
			matched := false
			for _, v := range values {
				if text == textValue(v) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
			continue
		}
		if text != textValue(want) {
			return false
		}
	}

	if len(q.OwnerAny) > 0 {
		owned := false
		for _, field := range q.OwnerAny {
			got, ok := r.Fields[field]
			if !ok || got == nil {
				continue
			}
			if q.OwnerID != "" && textValue(got) == q.OwnerID {
				owned = true
				break
			}
		}
		if !owned {
			return false
		}
	}
	return true
}

func sortRecords(records []*types.Record, sortSpec map[string]bool) {
	keys := make([]string, 0, len(sortSpec))
	for k := range sortSpec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sort.SliceStable(records, func(i, j int) bool {
		for _, k := range keys {
			a := textValue(records[i].Fields[k])
			b := textValue(records[j].Fields[k])
			if a == b {
				continue
			}
			if sortSpec[k] {
				return a > b
			}
			return a < b
		}
		if !records[i].Created.Equal(records[j].Created) {
			return records[i].Created.Before(records[j].Created)
		}
		return records[i].ID < records[j].ID
	})
}

func (s *recordMemoryStore) Insert(_ context.Context, record *types.Record) error {
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return errors.New("record id is required")
	}
	entity := strings.ToLower(strings.TrimSpace(record.Entity))
	if entity == "" {
		return errors.New("record entity is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[entity] == nil {
		s.records[entity] = map[string]*types.Record{}
	}
	if _, exists := s.records[entity][record.ID]; exists {
		return errors.New("record id already exists")
	}
	stored := cloneRecord(record)
	stored.Entity = entity
	s.records[entity][record.ID] = stored
	return nil
}

func (s *recordMemoryStore) Update(_ context.Context, record *types.Record) error {
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return errors.New("record id is required")
	}
	entity := strings.ToLower(strings.TrimSpace(record.Entity))
	if entity == "" {
		return errors.New("record entity is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[entity][record.ID]; !exists {
		return errors.New("record not found")
	}
	stored := cloneRecord(record)
	stored.Entity = entity
	s.records[entity][record.ID] = stored
	return nil
}
