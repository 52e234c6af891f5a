package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"provenance.org/internal/audit"
	"provenance.org/internal/auth"
	"provenance.org/internal/ledger"
)

// BootstrapHeader carries the operator key that unlocks token minting.
const BootstrapHeader = "X-Bootstrap-Key"

// tokenRequest asks for a service credential. TTLSeconds may only shorten
// the configured lifetime.
type tokenRequest struct {
	User       string   `json:"user"`
	Roles      []string `json:"roles"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (req tokenRequest) normalize(maxTTL time.Duration) (string, []string, time.Duration, error) {
	user := strings.TrimSpace(req.User)
	if user == "" {
		return "", nil, 0, ledger.Invalid("user", "is required")
	}
	roles := make([]string, 0, len(req.Roles))
	for _, role := range req.Roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if !auth.KnownRole(role) {
			return "", nil, 0, ledger.Invalid("roles", "unknown role "+role)
		}
		roles = append(roles, role)
	}
	if len(roles) == 0 {
		return "", nil, 0, ledger.Invalid("roles", "at least one role is required")
	}
	ttl := maxTTL
	switch {
	case req.TTLSeconds < 0:
		return "", nil, 0, ledger.Invalid("ttl_seconds", "must not be negative")
	case req.TTLSeconds > 0:
		if d := time.Duration(req.TTLSeconds) * time.Second; d < ttl {
			ttl = d
		}
	}
	return user, roles, ttl, nil
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.svc.Tokens == nil || a.bootstrapKey == "" {
		writeErrorCode(w, r, http.StatusForbidden, "FORBIDDEN", "token issuance disabled")
		return
	}
	presented := strings.TrimSpace(r.Header.Get(BootstrapHeader))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.bootstrapKey)) != 1 {
		_ = audit.LogEvent(r.Context(), "auth.token.denied", map[string]any{"remote_ip": clientIP(r)})
		writeErrorCode(w, r, http.StatusForbidden, "FORBIDDEN", "invalid bootstrap key")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	user, roles, ttl, err := req.normalize(a.tokenTTL)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	token, expiresAt, err := a.svc.Tokens.GenerateToken(user, roles, ttl)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user":       user,
		"roles":      roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, Roles: roles, ExpiresAt: expiresAt})
}
