package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"provenance.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	realm      = `Bearer realm="passport"`
)

// Verification is anonymous: the token itself is the capability.
const verifyPrefix = "/v1/verify/"

var publicPaths = map[string]bool{
	"/v1/auth/token": true,
	"/v1/info":       true,
	"/metrics":       true,
	"/healthz":       true,
	"/readyz":        true,
}

// withAuth resolves a bearer token into the request context. Public paths
// pass through untouched; everything else needs a valid token.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if a.svc.Tokens == nil {
			writeErrorCode(w, r, http.StatusServiceUnavailable, "AUTH_DISABLED", "authentication is not configured")
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", realm)
			writeErrorCode(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		claims, err := a.svc.Tokens.ParseAndValidate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", realm+`, error="invalid_token"`)
			writeErrorCode(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}

		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole admits requests whose principal holds at least one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.UserIDFromContext(r.Context()); !ok {
				w.Header().Set("WWW-Authenticate", realm)
				writeErrorCode(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
				return
			}
			if !auth.HasAnyRole(r.Context(), roles...) {
				w.Header().Set("WWW-Authenticate", realm+`, error="insufficient_scope"`)
				writeErrorCode(w, r, http.StatusForbidden, "FORBIDDEN", "requires role "+strings.Join(roles, " or "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	return publicPaths[path] || strings.HasPrefix(path, verifyPrefix)
}
