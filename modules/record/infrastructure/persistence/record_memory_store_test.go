package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/casegate/casegate/modules/record/domain/ports"
	"github.com/casegate/casegate/modules/record/domain/schema"
	"github.com/casegate/casegate/modules/record/domain/types"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r, err := schema.NewRegistry(
		schema.File{
			Entity: "claim",
			Elements: []schema.Element{
				{Field: "title", Filterable: true, Sortable: true},
				{Field: "status", State: true, Filterable: true, FilterMultiple: true},
				{Field: "reporter_id", Owner: true},
				{Field: "assignee_id", Owner: true},
				{Field: "document", Relation: true, RelationEntity: "document"},
			},
		},
		schema.File{
			Entity:   "document",
			Elements: []schema.Element{{Field: "name"}},
		},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func seedMemoryStore(t *testing.T) ports.RecordStore {
	t.Helper()
	ctx := context.Background()
	store := NewRecordMemoryStore(testRegistry(t))

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []*types.Record{
		{ID: "c1", Entity: "claim", Created: base, Updated: base, Fields: map[string]any{
			"title": "boiler", "status": "open", "reporter_id": "u-1", "document": "d1",
		}},
		{ID: "c2", Entity: "claim", Created: base.Add(time.Minute), Updated: base, Fields: map[string]any{
			"title": "awning", "status": "closed", "assignee_id": "u-1",
		}},
		{ID: "c3", Entity: "claim", Created: base.Add(2 * time.Minute), Updated: base, Fields: map[string]any{
			"title": "cellar", "status": "open", "reporter_id": "u-2",
		}},
		{ID: "d1", Entity: "document", Created: base, Updated: base, Fields: map[string]any{
			"name": "photo.pdf",
		}},
	}
	for _, r := range records {
		if err := store.Insert(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}
	return store
}

func TestRecordMemoryStore_Find(t *testing.T) {
	ctx := context.Background()
	store := seedMemoryStore(t)

	missing, err := store.Find(ctx, "claim", "nope", nil)
	if err != nil || missing != nil {
		t.Fatalf("missing=%v err=%v", missing, err)
	}

	got, err := store.Find(ctx, " Claim ", "c1", nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if got == nil || got.Fields["title"] != "boiler" {
		t.Fatalf("got=%+v", got)
	}

	got.Fields["title"] = "mutated"
	again, err := store.Find(ctx, "claim", "c1", nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if again.Fields["title"] != "boiler" {
		t.Fatal("store aliased returned fields")
	}

	expanded, err := store.Find(ctx, "claim", "c1", []string{"document", "title", "nope"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	rel := expanded.Related["document"]
	if rel == nil || rel.Fields["name"] != "photo.pdf" {
		t.Fatalf("related=%+v", rel)
	}

	noRel, err := store.Find(ctx, "claim", "c2", []string{"document"})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(noRel.Related) != 0 {
		t.Fatalf("related=%+v", noRel.Related)
	}
}

func TestRecordMemoryStore_SearchFilters(t *testing.T) {
	ctx := context.Background()
	store := seedMemoryStore(t)

	got, err := store.Search(ctx, "claim", ports.Query{Filters: map[string]any{"status": "open"}})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c3" {
		t.Fatalf("got=%v", recordIDs(got))
	}

	got, err = store.Search(ctx, "claim", ports.Query{Filters: map[string]any{"status": []any{"closed", "archived"}}})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 1 || got[0].ID != "c2" {
		t.Fatalf("got=%v", recordIDs(got))
	}

	got, err = store.Search(ctx, "claim", ports.Query{Filters: map[string]any{"nope": "x"}})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 0 {
		t.Fatalf("absent field matched: %v", recordIDs(got))
	}
}

func TestRecordMemoryStore_SearchOwner(t *testing.T) {
	ctx := context.Background()
	store := seedMemoryStore(t)

	got, err := store.Search(ctx, "claim", ports.Query{
		OwnerAny: []string{"reporter_id", "assignee_id"},
		OwnerID:  "u-1",
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 2 || got[0].ID != "c1" || got[1].ID != "c2" {
		t.Fatalf("got=%v", recordIDs(got))
	}

	got, err = store.Search(ctx, "claim", ports.Query{
		Filters:  map[string]any{"status": "open"},
		OwnerAny: []string{"reporter_id", "assignee_id"},
		OwnerID:  "u-1",
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("owner group must AND with filters: %v", recordIDs(got))
	}

	got, err = store.Search(ctx, "claim", ports.Query{
		OwnerAny: []string{"reporter_id"},
		OwnerID:  "",
	})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(got) != 0 {
		t.Fatalf("blank owner id matched rows: %v", recordIDs(got))
	}
}

func TestRecordMemoryStore_SearchSort(t *testing.T) {
	ctx := context.Background()
	store := seedMemoryStore(t)

	got, err := store.Search(ctx, "claim", ports.Query{Sort: map[string]bool{"title": false}})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if ids := recordIDs(got); ids != "c2,c1,c3" {
		t.Fatalf("asc ids=%s", ids)
	}

	got, err = store.Search(ctx, "claim", ports.Query{Sort: map[string]bool{"title": true}})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if ids := recordIDs(got); ids != "c3,c1,c2" {
		t.Fatalf("desc ids=%s", ids)
	}

	got, err = store.Search(ctx, "claim", ports.Query{})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if ids := recordIDs(got); ids != "c1,c2,c3" {
		t.Fatalf("default order ids=%s", ids)
	}
}

func TestRecordMemoryStore_InsertUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewRecordMemoryStore(testRegistry(t))

	if err := store.Insert(ctx, &types.Record{Entity: "claim"}); err == nil {
		t.Fatal("expected missing id error")
	}
	if err := store.Insert(ctx, &types.Record{ID: "c1"}); err == nil {
		t.Fatal("expected missing entity error")
	}
	if err := store.Update(ctx, &types.Record{ID: "c1", Entity: "claim"}); err == nil {
		t.Fatal("expected not-found error")
	}

	rec := &types.Record{ID: "c1", Entity: "claim", Fields: map[string]any{"title": "one"}}
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("err=%v", err)
	}
	if err := store.Insert(ctx, rec); err == nil {
		t.Fatal("expected duplicate id error")
	}

	rec.Fields["title"] = "two"
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("err=%v", err)
	}
	got, err := store.Find(ctx, "claim", "c1", nil)
	if err != nil || got == nil {
		t.Fatalf("got=%v err=%v", got, err)
	}
	if got.Fields["title"] != "two" {
		t.Fatalf("title=%v", got.Fields["title"])
	}
}

func recordIDs(records []*types.Record) string {
	out := ""
	for i, r := range records {
		if i > 0 {
			out += ","
		}
		out += r.ID
	}
	return out
}
