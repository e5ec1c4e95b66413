package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	iamtypes "github.com/casegate/casegate/modules/iam/domain/types"
	iamstore "github.com/casegate/casegate/modules/iam/infrastructure/persistence"
)

type identityStoreStub struct {
	findFn   func(ctx context.Context, ref string) (*iamtypes.Identity, error)
	insertFn func(ctx context.Context, identity iamtypes.Identity) error
	listFn   func(ctx context.Context) ([]iamtypes.Identity, error)
}

func (s identityStoreStub) Find(ctx context.Context, ref string) (*iamtypes.Identity, error) {
	if s.findFn != nil {
		return s.findFn(ctx, ref)
	}
	return nil, nil
}

func (s identityStoreStub) Insert(ctx context.Context, identity iamtypes.Identity) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, identity)
	}
	return nil
}

func (s identityStoreStub) List(ctx context.Context) ([]iamtypes.Identity, error) {
	if s.listFn != nil {
		return s.listFn(ctx)
	}
	return []iamtypes.Identity{}, nil
}

func TestHandleIdentitiesAPI_Coverage(t *testing.T) {
	t.Run("method not allowed", func(t *testing.T) {
		req := recordsAPIRequest(http.MethodDelete, "/iam/api/identities", nil, "")
		rec := httptest.NewRecorder()
		handleIdentitiesAPI(rec, req, identityStoreStub{})
		if rec.Code != http.StatusMethodNotAllowed || responseCode(t, rec) != "method_not_allowed" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("list sorts by ref and keeps roles array", func(t *testing.T) {
		store := iamstore.NewIdentityMemoryStore(
			iamtypes.Identity{ID: "22222222-2222-7222-8222-222222222222", Ref: "ident-bob", Email: "bob@example.com"},
			iamtypes.Identity{ID: "11111111-1111-7111-8111-111111111111", Ref: "ident-alice", Email: "alice@example.com", Roles: []string{"user"}},
		)
		req := recordsAPIRequest(http.MethodGet, "/iam/api/identities", nil, "ident-alice")
		rec := httptest.NewRecorder()
		handleIdentitiesAPI(rec, req, store)
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var out identitiesResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatal(err)
		}
		if len(out.Identities) != 2 || out.Identities[0].Ref != "ident-alice" || out.Identities[1].Ref != "ident-bob" {
			t.Fatalf("body=%s", rec.Body.String())
		}
		if len(out.Identities[0].Roles) != 1 || out.Identities[0].Roles[0] != "user" {
			t.Fatalf("roles=%v", out.Identities[0].Roles)
		}
		if !strings.Contains(rec.Body.String(), `"roles":[]`) {
			t.Fatalf("body=%s", rec.Body.String())
		}
	})

	t.Run("list store error", func(t *testing.T) {
		req := recordsAPIRequest(http.MethodGet, "/iam/api/identities", nil, "")
		rec := httptest.NewRecorder()
		handleIdentitiesAPI(rec, req, identityStoreStub{listFn: func(context.Context) ([]iamtypes.Identity, error) {
			return nil, errors.New("down")
		}})
		if rec.Code != http.StatusInternalServerError || responseCode(t, rec) != "identity_error" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("create generates an id and persists", func(t *testing.T) {
		store := iamstore.NewIdentityMemoryStore()
		req := recordsAPIRequest(http.MethodPost, "/iam/api/identities", []byte(`{"ref":"ident-cara","email":" cara@example.com ","roles":["user"]}`), "ident-alice")
		rec := httptest.NewRecorder()
		handleIdentitiesAPI(rec, req, store)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var out identityItem
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatal(err)
		}
		if _, err := uuid.Parse(out.ID); err != nil {
			t.Fatalf("id=%q", out.ID)
		}
		if out.Ref != "ident-cara" || out.Email != "cara@example.com" {
			t.Fatalf("body=%s", rec.Body.String())
		}
		stored, err := store.Find(context.Background(), "ident-cara")
		if err != nil || stored == nil || stored.ID != out.ID {
			t.Fatalf("stored=%+v err=%v", stored, err)
		}
	})

	t.Run("create keeps explicit id", func(t *testing.T) {
		store := iamstore.NewIdentityMemoryStore()
		req := recordsAPIRequest(http.MethodPost, "/iam/api/identities", []byte(`{"id":"33333333-3333-7333-8333-333333333333","ref":"ident-dan"}`), "ident-alice")
		rec := httptest.NewRecorder()
		handleIdentitiesAPI(rec, req, store)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var out identityItem
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatal(err)
		}
		if out.ID != "33333333-3333-7333-8333-333333333333" {
			t.Fatalf("id=%q", out.ID)
		}
	})

	t.Run("create invalid json", func(t *testing.T) {
		req := recordsAPIRequest(http.MethodPost, "/iam/api/identities", []byte("{"), "ident-alice")
		rec := httptest.NewRecorder()
		handleIdentitiesAPI(rec, req, identityStoreStub{})
		if rec.Code != http.StatusUnprocessableEntity || responseCode(t, rec) != "invalid_json" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("create ref required", func(t *testing.T) {
		req := recordsAPIRequest(http.MethodPost, "/iam/api/identities", []byte(`{"ref":"  "}`), "ident-alice")
		rec := httptest.NewRecorder()
		handleIdentitiesAPI(rec, req, identityStoreStub{})
		if rec.Code != http.StatusUnprocessableEntity || responseCode(t, rec) != "invalid_request" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("create duplicate ref", func(t *testing.T) {
		store := iamstore.NewIdentityMemoryStore(
			iamtypes.Identity{ID: "11111111-1111-7111-8111-111111111111", Ref: "ident-cara"},
		)
		req := recordsAPIRequest(http.MethodPost, "/iam/api/identities", []byte(`{"ref":"ident-cara"}`), "ident-alice")
		rec := httptest.NewRecorder()
		handleIdentitiesAPI(rec, req, store)
		if rec.Code != http.StatusConflict || responseCode(t, rec) != "identity_conflict" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("create store error", func(t *testing.T) {
		req := recordsAPIRequest(http.MethodPost, "/iam/api/identities", []byte(`{"ref":"ident-cara"}`), "ident-alice")
		rec := httptest.NewRecorder()
		handleIdentitiesAPI(rec, req, identityStoreStub{insertFn: func(context.Context, iamtypes.Identity) error {
			return errors.New("down")
		}})
		if rec.Code != http.StatusInternalServerError || responseCode(t, rec) != "identity_error" {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}

func TestIsDuplicateIdentity(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505"}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "pg unique violation", err: pgErr, want: true},
		{name: "wrapped pg unique violation", err: fmt.Errorf("insert: %w", pgErr), want: true},
		{name: "pg other code", err: &pgconn.PgError{Code: "23503"}, want: false},
		{name: "memory sentinel", err: errors.New("identity ref already exists"), want: true},
		{name: "other", err: errors.New("boom"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isDuplicateIdentity(tc.err); got != tc.want {
				t.Fatalf("got=%v", got)
			}
		})
	}
}
