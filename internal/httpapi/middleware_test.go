package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"provenance.org/internal/auth"
	"provenance.org/internal/obs"
)

func verifyFrom(handler http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/verify/ABCDEFGH", nil)
	req.RemoteAddr = ip + ":1234"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req.Clone(context.Background()))
	return rr
}

func TestRateLimitPerClient(t *testing.T) {
	handler := RequestID(RateLimit(okHandler(), 1, 1))

	if rr := verifyFrom(handler, "10.0.0.1"); rr.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr.Code)
	}
	rr := verifyFrom(handler, "10.0.0.1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	var body apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body.Code != "RATE_LIMITED" || body.RequestID == "" {
		t.Fatalf("unexpected body: %+v", body)
	}

	// A scanner on one address does not starve another.
	if rr := verifyFrom(handler, "10.0.0.2"); rr.Code != http.StatusOK {
		t.Fatalf("expected other client 200, got %d", rr.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	cases := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{name: "minted", inbound: "", keep: false},
		{name: "sane inbound", inbound: "edge-7f3a.42", keep: true},
		{name: "hostile inbound", inbound: "x\r\nSet-Cookie: a=b", keep: false},
		{name: "oversized inbound", inbound: strings.Repeat("a", 65), keep: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tc.inbound != "" {
				req.Header.Set(RequestIDHeader, tc.inbound)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			got := rr.Header().Get(RequestIDHeader)
			if got == "" || got != seen {
				t.Fatalf("header %q, context %q", got, seen)
			}
			if tc.keep != (got == tc.inbound) {
				t.Fatalf("inbound %q kept=%v, got %q", tc.inbound, tc.keep, got)
			}
		})
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	logger := obs.Logger()
	origWriter := logger.Writer()
	logger.SetFlags(0)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(origWriter)

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})))

	req := httptest.NewRequest(http.MethodPost, "/v1/passports", nil)
	req.Header.Set("User-Agent", "fulfillment-worker")
	req.RemoteAddr = "127.0.0.1:1234"
	req = req.WithContext(auth.ContextWithUser(req.Context(), "svc-fulfillment", []string{auth.RoleFulfillment}))

	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "request_id", "method", "path", "status", "bytes", "duration_ms"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["msg"] != "request_complete" || entry["status"] != float64(http.StatusCreated) {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["user_id"] != "svc-fulfillment" {
		t.Fatalf("expected user id, got %v", entry["user_id"])
	}
	if entry["bytes"] != float64(len(`{"ok":true}`)) {
		t.Fatalf("unexpected bytes: %v", entry["bytes"])
	}
}

func TestMaxBodyBytes(t *testing.T) {
	var readErr error
	handler := MaxBodyBytes(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}), 8)

	req := httptest.NewRequest(http.MethodPost, "/v1/passports", strings.NewReader(`{"order_id":"too-long"}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if readErr == nil {
		t.Fatal("expected oversized body to fail")
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(CORS(okHandler(), "https://shop.example/"))

	cases := []struct {
		origin string
		allow  bool
	}{
		{origin: "https://shop.example", allow: true},
		{origin: "http://localhost:3000", allow: true},
		{origin: "https://evil.example", allow: false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/v1/verify/ABCD", nil)
		req.Header.Set("Origin", tc.origin)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		got := rr.Header().Get("Access-Control-Allow-Origin")
		if tc.allow != (got == tc.origin) {
			t.Fatalf("origin %q: allow header %q", tc.origin, got)
		}
		if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Fatal("missing nosniff")
		}
	}

	pre := httptest.NewRequest(http.MethodOptions, "/v1/passports", nil)
	pre.Header.Set("Origin", "https://shop.example")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, pre)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", rr.Code)
	}
}
