package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/casegate/casegate/modules/record/domain/ports"
	"github.com/casegate/casegate/modules/record/domain/schema"
	"github.com/casegate/casegate/modules/record/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type RecordPGStore struct {
	pool    pgBeginner
	schemas *schema.Registry
}

func NewRecordPGStore(pool pgBeginner, schemas *schema.Registry) ports.RecordStore {
	return &RecordPGStore{pool: pool, schemas: schemas}
}

var marshalFields = json.Marshal

func (s *RecordPGStore) Find(ctx context.Context, entity string, id string, expand []string) (*types.Record, error) {
	entity = strings.ToLower(strings.TrimSpace(entity))
	id = strings.TrimSpace(id)
	if entity == "" || id == "" {
		return nil, nil
	}
	if _, err := uuid.Parse(id); err != nil {
		// A malformed id cannot match a row; skip the query instead of
		// tripping the uuid cast.
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	record, err := scanRecord(tx.QueryRow(ctx, `
	SELECT id::text, entity_type, created, updated, fields
	FROM records
	WHERE entity_type = $1 AND id = $2::uuid
	`, entity, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if err := s.expandRelated(ctx, record, expand); err != nil {
		return nil, err
	}
	return record, nil
}

func scanRecord(row pgx.Row) (*types.Record, error) {
	var r types.Record
	var raw []byte
	if err := row.Scan(&r.ID, &r.Entity, &r.Created, &r.Updated, &raw); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &r.Fields); err != nil {
			return nil, err
		}
	}
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	return &r, nil
}

func (s *RecordPGStore) expandRelated(ctx context.Context, r *types.Record, expand []string) error {
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

func (s *RecordPGStore) Search(ctx context.Context, entity string, q ports.Query) ([]*types.Record, error) {
	entity = strings.ToLower(strings.TrimSpace(entity))
	if entity == "" {
		return nil, errors.New("entity is required")
	}

	query, args := buildSearchSQL(entity, q)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	for _, r := range out {
		if err := s.expandRelated(ctx, r, q.Expand); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// buildSearchSQL renders the dynamic WHERE/ORDER BY. Field names come from
// loaded schema config, never raw caller input; filter and owner values always
// travel as bind parameters compared in the ->> text domain.
func buildSearchSQL(entity string, q ports.Query) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id::text, entity_type, created, updated, fields FROM records WHERE entity_type = $1`)
	args := []any{entity}

	filterFields := make([]string, 0, len(q.Filters))
	for f := range q.Filters {
		filterFields = append(filterFields, f)
	}
	sort.Strings(filterFields)
	for _, f := range filterFields {
		switch v := q.Filters[f].(type) {
		case []any:
			vals := make([]string, 0, len(v))
			for _, item := range v {
				vals = append(vals, textValue(item))
			}
			args = append(args, vals)
			fmt.Fprintf(&b, " AND fields->>%s = ANY($%d)", quoteJSONKey(f), len(args))
		default:
			args = append(args, textValue(v))
			fmt.Fprintf(&b, " AND fields->>%s = $%d", quoteJSONKey(f), len(args))
		}
	}

	if len(q.OwnerAny) > 0 {
		args = append(args, q.OwnerID)
		n := len(args)
		parts := make([]string, 0, len(q.OwnerAny))
		for _, f := range q.OwnerAny {
			parts = append(parts, fmt.Sprintf("fields->>%s = $%d", quoteJSONKey(f), n))
		}
		fmt.Fprintf(&b, " AND (%s)", strings.Join(parts, " OR "))
	}

	b.WriteString(" ORDER BY ")
	sortKeys := make([]string, 0, len(q.Sort))
	for f := range q.Sort {
		sortKeys = append(sortKeys, f)
	}
	sort.Strings(sortKeys)
	for _, f := range sortKeys {
		dir := "ASC"
		if q.Sort[f] {
			dir = "DESC"
		}
		fmt.Fprintf(&b, "fields->>%s %s, ", quoteJSONKey(f), dir)
	}
	b.WriteString("created ASC, id ASC")

	return b.String(), args
}

func quoteJSONKey(field string) string {
	return "'" + strings.ReplaceAll(field, "'", "''") + "'"
}

func (s *RecordPGStore) Insert(ctx context.Context, record *types.Record) error {
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return errors.New("record id is required")
	}
	entity := strings.ToLower(strings.TrimSpace(record.Entity))
	if entity == "" {
		return errors.New("record entity is required")
	}
	raw, err := marshalFields(record.Fields)
	if err != nil {
		return err
	}
	if record.Fields == nil {
		raw = []byte(`{}`)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	INSERT INTO records (id, entity_type, created, updated, fields)
	VALUES ($1::uuid, $2, $3, $4, $5::jsonb)
	`, record.ID, entity, record.Created, record.Updated, raw); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *RecordPGStore) Update(ctx context.Context, record *types.Record) error {
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return errors.New("record id is required")
	}
	entity := strings.ToLower(strings.TrimSpace(record.Entity))
	if entity == "" {
		return errors.New("record entity is required")
	}
	raw, err := marshalFields(record.Fields)
	if err != nil {
		return err
	}
	if record.Fields == nil {
		raw = []byte(`{}`)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	UPDATE records
	SET updated = $3, fields = $4::jsonb
	WHERE entity_type = $2 AND id = $1::uuid
	`, record.ID, entity, record.Updated, raw); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
