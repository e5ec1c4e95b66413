package persistence

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/casegate/casegate/modules/iam/domain/ports"
	"github.com/casegate/casegate/modules/iam/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type IdentityPGStore struct {
	pool pgBeginner
}

func NewIdentityPGStore(pool pgBeginner) ports.IdentityStore {
	return &IdentityPGStore{pool: pool}
}

func (s *IdentityPGStore) Find(ctx context.Context, ref string) (*types.Identity, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var identity types.Identity
	err = tx.QueryRow(ctx, `
	SELECT id::text, ref, email, roles
	FROM identities
	WHERE ref = $1
	`, ref).Scan(&identity.ID, &identity.Ref, &identity.Email, &identity.Roles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &identity, nil
}

func (s *IdentityPGStore) Insert(ctx context.Context, identity types.Identity) error {
	if strings.TrimSpace(identity.ID) == "" {
		return errors.New("identity id is required")
	}
	if strings.TrimSpace(identity.Ref) == "" {
		return errors.New("identity ref is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
	INSERT INTO identities (id, ref, email, roles, created, updated)
	VALUES ($1::uuid, $2, $3, $4, now(), now())
	`, identity.ID, strings.TrimSpace(identity.Ref), identity.Email, identity.Roles); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *IdentityPGStore) List(ctx context.Context) ([]types.Identity, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
	SELECT id::text, ref, email, roles
	FROM identities
	ORDER BY ref ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Identity
	for rows.Next() {
		var identity types.Identity
		if err := rows.Scan(&identity.ID, &identity.Ref, &identity.Email, &identity.Roles); err != nil {
			return nil, err
		}
		out = append(out, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}
