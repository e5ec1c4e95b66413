package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casegate/casegate/internal/routing"
	iamports "github.com/casegate/casegate/modules/iam/domain/ports"
	iampersistence "github.com/casegate/casegate/modules/iam/infrastructure/persistence"
	recordports "github.com/casegate/casegate/modules/record/domain/ports"
	"github.com/casegate/casegate/modules/record/domain/schema"
	"github.com/casegate/casegate/modules/record/infrastructure/flow"
	recordpersistence "github.com/casegate/casegate/modules/record/infrastructure/persistence"
	"github.com/casegate/casegate/modules/record/services"
	"github.com/casegate/casegate/pkg/authz"
	"github.com/casegate/casegate/pkg/enums"
)

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

type HandlerOptions struct {
	Records    recordports.RecordStore
	Identities iamports.IdentityStore
	Engine     recordports.ProcessEngine
	Schemas    *schema.Registry
	Authorizer *authz.Authorizer
	Logger     *slog.Logger
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}

	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	schemas := opts.Schemas
	if schemas == nil {
		dir := os.Getenv("ENTITY_CONFIG_DIR")
		if dir == "" {
			d, err := defaultEntityConfigDir()
			if err != nil {
				return nil, err
			}
			dir = d
		}
		loaded, err := schema.LoadDir(dir)
		if err != nil {
			return nil, err
		}
		schemas = loaded
	}

	if err := registerEnums(); err != nil {
		return nil, err
	}

	authorizer := opts.Authorizer
	if authorizer == nil {
		loaded, err := loadAuthorizer()
		if err != nil {
			return nil, err
		}
		authorizer = loaded
	}

	records := opts.Records
	identities := opts.Identities
	if records == nil || identities == nil {
		pool, err := pgxpool.New(context.Background(), dbDSNFromEnv())
		if err != nil {
			return nil, err
		}
		if records == nil {
			records = recordpersistence.NewRecordPGStore(pool, schemas)
		}
		if identities == nil {
			identities = iampersistence.NewIdentityPGStore(pool)
		}
	}

	engine := opts.Engine
	if engine == nil {
		client, err := flow.New(getenvDefault("FLOW_BASE_URL", "http://127.0.0.1:8090/engine-rest"))
		if err != nil {
			return nil, err
		}
		engine = client
	}

	resolver, err := services.NewResolver(services.ResolverOptions{
		Records:    records,
		Identities: identities,
		Engine:     engine,
		Schemas:    schemas,
		Roles:      authorizer,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/records/api/instance", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInstanceAPI(w, r, resolver)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/records/api/instances", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInstancesAPI(w, r, resolver)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/records/api/instances", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInstancesAPI(w, r, resolver)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/records/api/instances:update", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInstancesUpdateAPI(w, r, resolver)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/records/api/instances:destroy", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInstancesDestroyAPI(w, r, resolver)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/records/api/instance/tasks", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInstanceTasksAPI(w, r, resolver)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/records/api/tasks:complete", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTasksCompleteAPI(w, r, resolver)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/iam/api/identities", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleIdentitiesAPI(w, r, identities)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/identities", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleIdentitiesAPI(w, r, identities)
	}))

	return withUserScope(withAuthz(classifier, authorizer, router)), nil
}

// NewMux builds the fully wired handler and panics when construction
// fails. The server binary boots through it.
func NewMux() http.Handler {
	return MustNewHandler()
}

func MustNewHandler() http.Handler {
	h, err := NewHandler()
	if err != nil {
		panic(errors.New("server: failed to build handler: " + err.Error()))
	}
	return h
}

func registerEnums() error {
	path := os.Getenv("ENUMS_PATH")
	if path == "" {
		p, err := defaultEnumsPath()
		if err != nil {
			return err
		}
		path = p
	}
	source, err := enums.Load(path)
	if err != nil {
		return err
	}
	return enums.RegisterSource(source)
}

func defaultAllowlistPath() (string, error) {
	if p, ok := searchUpward("config/routing/allowlist.yaml"); ok {
		return p, nil
	}
	return "", errors.New("server: allowlist not found")
}

func defaultEntityConfigDir() (string, error) {
	if p, ok := searchUpward("config/entities"); ok {
		return p, nil
	}
	return "", errors.New("server: entity config dir not found")
}

func defaultEnumsPath() (string, error) {
	if p, ok := searchUpward("config/enums.yaml"); ok {
		return p, nil
	}
	return "", errors.New("server: enums config not found")
}

// searchUpward resolves a config path relative to the working directory,
// walking up so binaries and package tests find the repo config the same way.
func searchUpward(path string) (string, bool) {
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
		path = filepath.Join("..", path)
	}
	return "", false
}
