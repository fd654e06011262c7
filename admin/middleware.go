package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/maxpert/tabletd/cfg"
)

const secretHeader = "X-Tabletd-Secret"

// AuthMiddleware guards tablet endpoints with admin.secret. An empty secret
// leaves the endpoints open.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.IsAdminAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		provided, problem := presentedSecret(r)
		if problem != "" {
			writeErrorResponse(w, http.StatusUnauthorized, problem)
			return
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.Config.Admin.Secret)) != 1 {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// presentedSecret reads the caller's secret from X-Tabletd-Secret, falling
// back to a bearer token.
func presentedSecret(r *http.Request) (string, string) {
	if s := r.Header.Get(secretHeader); s != "" {
		return s, ""
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", "missing authentication header"
	}

	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || scheme != "Bearer" {
		return "", "invalid authorization header format"
	}
	return token, ""
}
