package server

import (
	"errors"
	"net/http"
	"os"

	"github.com/casegate/casegate/internal/routing"
	"github.com/casegate/casegate/modules/record/services"
	"github.com/casegate/casegate/pkg/authz"
)

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := defaultAuthzModelPath()
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := defaultAuthzPolicyPath()
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func defaultAuthzModelPath() (string, error) {
	if p, ok := searchUpward("config/access/model.conf"); ok {
		return p, nil
	}
	return "", errors.New("server: authz model not found")
}

func defaultAuthzPolicyPath() (string, error) {
	if p, ok := searchUpward("config/access/policy.csv"); ok {
		return p, nil
	}
	return "", errors.New("server: authz policy not found")
}

type authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

// withAuthz is the coarse route gate: it decides whether the caller class may
// reach an endpoint at all. Field- and instance-level decisions stay with the
// resolver behind it.
func withAuthz(classifier *routing.Classifier, a authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		if path == "/health" || path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		object, action, shouldCheck := authzRequirementForRoute(r.Method, path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		roleSlug := authz.RoleAnonymous
		if scope := services.ScopeFrom(r.Context()); scope != nil && scope.UserRef() != "" {
			roleSlug = authz.RoleUser
		}
		subject := authz.SubjectFromRoleSlug(roleSlug)

		allowed, enforced, err := a.Authorize(subject, authz.DomainAPI, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	switch path {
	case "/records/api/instance", "/records/api/instances":
		if method == http.MethodGet {
			return authz.ObjectRecordInstances, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectRecordInstances, authz.ActionWrite, true
		}
		return "", "", false
	case "/records/api/instances:update", "/records/api/instances:destroy":
		if method == http.MethodPost {
			return authz.ObjectRecordInstances, authz.ActionWrite, true
		}
		return "", "", false
	case "/records/api/instance/tasks":
		if method == http.MethodGet {
			return authz.ObjectRecordTasks, authz.ActionRead, true
		}
		return "", "", false
	case "/records/api/tasks:complete":
		if method == http.MethodPost {
			return authz.ObjectRecordTasks, authz.ActionWrite, true
		}
		return "", "", false
	case "/iam/api/identities":
		if method == http.MethodGet {
			return authz.ObjectIAMIdentities, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectIAMIdentities, authz.ActionWrite, true
		}
		return "", "", false
	default:
		return "", "", false
	}
}
