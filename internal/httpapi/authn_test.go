package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"provenance.org/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireRole(t *testing.T) {
	cases := []struct {
		name      string
		allowed   []string
		roles     []string
		anonymous bool
		want      int
	}{
		{name: "fulfillment issues", allowed: []string{auth.RoleFulfillment, auth.RoleAdmin}, roles: []string{auth.RoleFulfillment}, want: http.StatusOK},
		{name: "admin issues", allowed: []string{auth.RoleFulfillment, auth.RoleAdmin}, roles: []string{auth.RoleAdmin}, want: http.StatusOK},
		{name: "retail cannot issue", allowed: []string{auth.RoleFulfillment, auth.RoleAdmin}, roles: []string{auth.RoleRetail}, want: http.StatusForbidden},
		{name: "retail transfers", allowed: []string{auth.RoleRetail, auth.RoleAdmin}, roles: []string{auth.RoleRetail}, want: http.StatusOK},
		{name: "only admin revokes", allowed: []string{auth.RoleAdmin}, roles: []string{auth.RoleFulfillment, auth.RoleRetail}, want: http.StatusForbidden},
		{name: "no principal", allowed: []string{auth.RoleAdmin}, anonymous: true, want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/passports", nil)
			if !tc.anonymous {
				req = req.WithContext(auth.ContextWithUser(req.Context(), "user-1", tc.roles))
			}
			rr := httptest.NewRecorder()
			RequireRole(tc.allowed...)(okHandler()).ServeHTTP(rr, req)

			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
			if tc.want != http.StatusOK && rr.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("expected WWW-Authenticate header set")
			}
		})
	}
}

func TestWithAuth(t *testing.T) {
	tokens, err := auth.NewTokens(testSecret)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	valid, _, err := tokens.GenerateToken("ops-1", []string{auth.RoleAdmin}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	var seenUser string
	api := &API{svc: Services{Tokens: tokens}}
	h := api.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser, _ = auth.UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		path   string
		header string
		want   int
		user   string
	}{
		{name: "verify is public", path: "/v1/verify/ABCD", want: http.StatusOK},
		{name: "health is public", path: "/healthz", want: http.StatusOK},
		{name: "missing token", path: "/v1/passports", want: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/v1/passports", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "garbage token", path: "/v1/passports", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", path: "/v1/passports", header: "bearer " + valid, want: http.StatusOK, user: "ops-1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seenUser = ""
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set(authHeader, tc.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
			if seenUser != tc.user {
				t.Fatalf("principal %q, want %q", seenUser, tc.user)
			}
			if tc.want == http.StatusUnauthorized && !strings.HasPrefix(rr.Header().Get("WWW-Authenticate"), "Bearer") {
				t.Fatalf("unexpected challenge %q", rr.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestWithAuthDisabled(t *testing.T) {
	api := &API{}
	rr := httptest.NewRecorder()
	api.withAuth(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/passports/01J", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	api.withAuth(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/verify/ABCD", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("verification must not depend on auth, got %d", rr.Code)
	}
}
