package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"provenance.org/internal/ledger"
	"provenance.org/internal/obs"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// apiError is the JSON body of every error response.
type apiError struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorCode(w, r, code, "", msg)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: code, RequestID: RequestIDFromContext(r.Context())})
}

// ledgerStatus maps a domain error to an HTTP status and stable error code.
func ledgerStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "PASSPORT_NOT_FOUND"
	case errors.Is(err, ledger.ErrRevoked):
		return http.StatusConflict, "PASSPORT_REVOKED"
	case errors.Is(err, ledger.ErrSequenceConflict):
		return http.StatusConflict, "SEQUENCE_CONFLICT"
	case errors.Is(err, ledger.ErrDuplicateOrder):
		return http.StatusConflict, "DUPLICATE_ORDER"
	case errors.Is(err, ledger.ErrTokenCollision), errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, "TOKEN_COLLISION"
	case errors.Is(err, ledger.ErrIllegalTransition):
		return http.StatusUnprocessableEntity, "ILLEGAL_TRANSITION"
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := ledgerStatus(err)
	body := apiError{Code: code, RequestID: RequestIDFromContext(r.Context())}
	var inv *ledger.InvalidInputError
	switch {
	case errors.As(err, &inv):
		body.Error = inv.Error()
		body.Field = inv.Field
	case status == http.StatusInternalServerError:
		obs.Error("request_failed", map[string]any{
			"request_id": body.RequestID,
			"path":       r.URL.Path,
			"error":      err,
		})
		body.Error = "internal error"
	case status == http.StatusServiceUnavailable:
		body.Error = "ledger temporarily unavailable"
		w.Header().Set("Retry-After", "1")
	default:
		body.Error = err.Error()
	}
	writeJSON(w, status, body)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
