package httpapi

import (
	"net/http"
	"strings"
	"time"

	"provenance.org/internal/audit"
	"provenance.org/internal/auth"
	"provenance.org/internal/custody"
	"provenance.org/internal/issuance"
	"provenance.org/internal/ledger"
	"provenance.org/internal/revocation"
	"provenance.org/internal/verify"
)

type issueResponse struct {
	Passport ledger.Passport `json:"passport"`
	Events   []ledger.Event  `json:"events"`
	QR       verify.QR       `json:"qr"`
}

type transferRequest struct {
	ActorReference   string     `json:"actor_reference"`
	EventKind        string     `json:"event_kind"`
	ExpectedSequence *uint64    `json:"expected_sequence,omitempty"`
	OccurredAt       *time.Time `json:"occurred_at,omitempty"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handlePassportsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.issuePassport(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handlePassportResource routes /v1/passports/{id}, /{ref}/transfers and /{id}/revoke.
func (a *API) handlePassportResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/passports/"), "/")
	if path == "" {
		writeErrorCode(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		RequireRole(auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.getPassport(w, r, parts[0])
		})).ServeHTTP(w, r)
	case len(parts) == 2 && parts[1] == "transfers":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		RequireRole(auth.RoleRetail, auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.transfer(w, r, parts[0])
		})).ServeHTTP(w, r)
	case len(parts) == 2 && parts[1] == "revoke":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		RequireRole(auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.revoke(w, r, parts[0])
		})).ServeHTTP(w, r)
	default:
		writeErrorCode(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
	}
}

func (a *API) issuePassport(w http.ResponseWriter, r *http.Request) {
	if a.svc.Issuance == nil {
		writeErrorCode(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", errServiceDisabled.Error())
		return
	}
	var cmd issuance.IssueCommand
	if err := decodeJSON(w, r, &cmd); err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if cmd.ManufacturerActor == "" {
		cmd.ManufacturerActor, _ = auth.UserIDFromContext(r.Context())
	}

	rec, err := a.svc.Issuance.Issue(r.Context(), cmd)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/passports/"+rec.Passport.ID)
	writeJSON(w, http.StatusCreated, issueResponse{
		Passport: rec.Passport,
		Events:   rec.Events,
		QR:       verify.BuildQR(a.baseURL(), rec.Passport.Token),
	})
}

func (a *API) getPassport(w http.ResponseWriter, r *http.Request, id string) {
	if a.svc.Verify == nil {
		writeErrorCode(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", errServiceDisabled.Error())
		return
	}
	insp, err := a.svc.Verify.Inspect(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, insp)
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request, rawRef string) {
	if a.svc.Custody == nil {
		writeErrorCode(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", errServiceDisabled.Error())
		return
	}
	ref, err := ledger.ParseRef(rawRef)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	kind, err := ledger.ParseEventKind(req.EventKind)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	cmd := custody.TransferCommand{
		Ref:              ref,
		ActorReference:   req.ActorReference,
		Kind:             kind,
		ExpectedSequence: req.ExpectedSequence,
	}
	if req.OccurredAt != nil {
		cmd.OccurredAt = *req.OccurredAt
	}

	ev, err := a.svc.Custody.Transfer(r.Context(), cmd)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (a *API) revoke(w http.ResponseWriter, r *http.Request, id string) {
	if a.svc.Revocation == nil {
		writeErrorCode(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", errServiceDisabled.Error())
		return
	}
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	reason, err := ledger.ParseRevocationReason(req.Reason)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())

	ack, err := a.svc.Revocation.Revoke(r.Context(), revocation.RevokeCommand{
		PassportID: id,
		Reason:     reason,
		Actor:      actor,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	// First revocations are audited from the commit notification.
	if !ack.Changed {
		_ = audit.LogEvent(r.Context(), "passport.revoke.noop", map[string]any{
			"passport_id": ack.PassportID,
			"reason":      string(ack.Reason),
		})
	}
	writeJSON(w, http.StatusOK, ack)
}

func (a *API) baseURL() string {
	if a.svc.Verify != nil {
		return a.svc.Verify.BaseURL()
	}
	return ""
}
