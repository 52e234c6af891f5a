package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"provenance.org/internal/ledger"
	"provenance.org/internal/obs"
	"provenance.org/internal/verify"
)

const (
	qrSuffix      = "/qr.png"
	qrDefaultSize = 256
	qrMinSize     = 64
	qrMaxSize     = 1024
)

// verifyResponse adds transport fields to a public verification result.
// Every outcome, failures included, carries valid and the stable error code.
type verifyResponse struct {
	verify.Result
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeVerifyFailure answers a public lookup that produced no verdict.
func writeVerifyFailure(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, verifyResponse{
		Result:    verify.Result{Code: code, Message: msg},
		Error:     code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.svc.Verify == nil {
		writeVerifyFailure(w, r, http.StatusServiceUnavailable, verify.CodeUnavailable, errServiceDisabled.Error())
		return
	}
	token := strings.TrimPrefix(r.URL.Path, verifyPrefix)
	if strings.HasSuffix(token, qrSuffix) {
		a.verifyQR(w, r, strings.TrimSuffix(token, qrSuffix))
		return
	}
	if token == "" || strings.Contains(token, "/") {
		writeErrorCode(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}

	res, ok := a.runVerify(w, r, token)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	body := verifyResponse{Result: res, RequestID: RequestIDFromContext(r.Context())}
	status := http.StatusOK
	if res.Reason == verify.ReasonNotFound {
		status = http.StatusNotFound
		body.Error = verify.CodeNotFound
	}
	writeJSON(w, status, body)
}

func (a *API) verifyQR(w http.ResponseWriter, r *http.Request, token string) {
	size := qrDefaultSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < qrMinSize || n > qrMaxSize {
			writeErrorCode(w, r, http.StatusBadRequest, "INVALID_INPUT", "size must be between 64 and 1024")
			return
		}
		size = n
	}
	res, ok := a.runVerify(w, r, token)
	if !ok {
		return
	}
	if res.Reason == verify.ReasonNotFound {
		writeVerifyFailure(w, r, http.StatusNotFound, verify.CodeNotFound, verify.MessageNotFound)
		return
	}
	png, err := verify.RenderQR(a.svc.Verify.BaseURL(), ledger.NormalizeToken(token), size)
	if err != nil {
		writeVerifyFailure(w, r, http.StatusInternalServerError, verify.CodeFailed, "qr rendering failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(png)
	}
}

// runVerify writes the error response itself when the lookup failed.
func (a *API) runVerify(w http.ResponseWriter, r *http.Request, token string) (verify.Result, bool) {
	res, err := a.svc.Verify.Verify(r.Context(), token)
	switch {
	case err == nil:
		return res, true
	case errors.Is(err, ledger.ErrInvalidInput):
		handleLedgerError(w, r, err)
	case errors.Is(err, ledger.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		writeVerifyFailure(w, r, http.StatusServiceUnavailable, verify.CodeUnavailable, "verification temporarily unavailable")
	default:
		obs.Error("verification_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"error":      err,
		})
		writeVerifyFailure(w, r, http.StatusInternalServerError, verify.CodeFailed, "verification failed")
	}
	return verify.Result{}, false
}
