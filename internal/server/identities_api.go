package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/casegate/casegate/internal/routing"
	iamports "github.com/casegate/casegate/modules/iam/domain/ports"
	iamtypes "github.com/casegate/casegate/modules/iam/domain/types"
	"github.com/casegate/casegate/pkg/uuidv7"
)

type identityItem struct {
	ID    string   `json:"id"`
	Ref   string   `json:"ref"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

type identitiesResponse struct {
	Identities []identityItem `json:"identities"`
}

type identityCreatePayload struct {
	ID    string   `json:"id"`
	Ref   string   `json:"ref"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

func handleIdentitiesAPI(w http.ResponseWriter, r *http.Request, store iamports.IdentityStore) {
	switch r.Method {
	case http.MethodGet:
		handleIdentitiesListAPI(w, r, store)
	case http.MethodPost:
		handleIdentitiesCreateAPI(w, r, store)
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleIdentitiesListAPI(w http.ResponseWriter, r *http.Request, store iamports.IdentityStore) {
	identities, err := store.List(r.Context())
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "identity_error", "identity error")
		return
	}
	items := make([]identityItem, 0, len(identities))
	for _, identity := range identities {
		items = append(items, identityItemFromType(identity))
	}
	writeJSON(w, http.StatusOK, identitiesResponse{Identities: items})
}

func handleIdentitiesCreateAPI(w http.ResponseWriter, r *http.Request, store iamports.IdentityStore) {
	var req identityCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json body")
		return
	}
	req.Ref = strings.TrimSpace(req.Ref)
	if req.Ref == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_request", "ref is required")
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		generated, err := uuidv7.NewString()
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "identity_error", "identity error")
			return
		}
		id = generated
	}

	identity := iamtypes.Identity{
		ID:    id,
		Ref:   req.Ref,
		Email: strings.TrimSpace(req.Email),
		Roles: req.Roles,
	}
	if err := store.Insert(r.Context(), identity); err != nil {
		if isDuplicateIdentity(err) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, "identity_conflict", "identity ref already exists")
			return
		}
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "identity_error", "identity error")
		return
	}
	writeJSON(w, http.StatusCreated, identityItemFromType(identity))
}

func identityItemFromType(identity iamtypes.Identity) identityItem {
	roles := identity.Roles
	if roles == nil {
		roles = make([]string, 0)
	}
	return identityItem{
		ID:    identity.ID,
		Ref:   identity.Ref,
		Email: identity.Email,
		Roles: roles,
	}
}

// isDuplicateIdentity recognizes a ref collision from either store flavor:
// the pg unique violation or the memory store's sentinel message.
func isDuplicateIdentity(err error) bool {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "already exists")
}
