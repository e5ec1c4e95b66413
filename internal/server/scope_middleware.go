package server

import (
	"net/http"
	"strings"

	"github.com/casegate/casegate/modules/record/services"
)

// withUserScope opens the per-request resolver scope from the Authorization
// header. The bearer token is an opaque identity ref; nothing is looked up
// here, the resolver resolves it lazily once per scope.
func withUserScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := services.NewScope(bearerToken(r))
		next.ServeHTTP(w, r.WithContext(services.WithScope(r.Context(), scope)))
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
