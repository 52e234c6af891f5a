package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"provenance.org/internal/ledger"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/verify/ABCD":                   "/v1/verify/:token",
		"/v1/verify/ABCD/qr.png":            "/v1/verify/:token/qr.png",
		"/v1/verify/ABCD/extra":             "/v1/verify/ABCD/extra",
		"/v1/passports":                     "/v1/passports",
		"/v1/passports/01J0/transfers":      "/v1/passports/:id/transfers",
		"/v1/passports/01J0/revoke":         "/v1/passports/:id/revoke",
		"/v1/passports/01J0?include=events": "/v1/passports/:id",
		"/v1/events/stream":                 "/v1/events/stream",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentUsesCanonicalLabels(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/verify/:token", "404"))
	for _, tok := range []string{"AAAA", "BBBB"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/verify/"+tok, nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/verify/:token", "404"))
	if after-before != 2 {
		t.Fatalf("expected two requests under one label, got %v", after-before)
	}
}

func TestLedgerMetricsCountsChanges(t *testing.T) {
	m := LedgerMetrics{}
	ev := ledger.Event{Kind: ledger.KindTransferredToCustomer}
	issued := testutil.ToFloat64(passportsIssued)
	moved := testutil.ToFloat64(custodyEvents.WithLabelValues(string(ledger.KindTransferredToCustomer)))
	lost := testutil.ToFloat64(revocations.WithLabelValues(string(ledger.ReasonLost)))

	ctx := context.Background()
	m.Committed(ctx, ledger.Change{Kind: ledger.ChangeIssued})
	m.Committed(ctx, ledger.Change{Kind: ledger.ChangeTransferred, Event: &ev})
	m.Committed(ctx, ledger.Change{Kind: ledger.ChangeRevoked, Passport: ledger.Passport{RevocationReason: ledger.ReasonLost}})

	if testutil.ToFloat64(passportsIssued)-issued != 1 {
		t.Fatal("issued not counted")
	}
	if testutil.ToFloat64(custodyEvents.WithLabelValues(string(ledger.KindTransferredToCustomer)))-moved != 1 {
		t.Fatal("custody event not counted")
	}
	if testutil.ToFloat64(revocations.WithLabelValues(string(ledger.ReasonLost)))-lost != 1 {
		t.Fatal("revocation not counted")
	}
}

func TestSetReady(t *testing.T) {
	SetReady(true)
	if testutil.ToFloat64(ready) != 1 {
		t.Fatal("ready gauge not set")
	}
	SetReady(false)
	if testutil.ToFloat64(ready) != 0 {
		t.Fatal("ready gauge not cleared")
	}
}

func TestLogWritesFixedKeys(t *testing.T) {
	l := Logger()
	original := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(original)

	Warn("cache_unavailable", map[string]any{"msg": "overridden?", "error": errors.New("dial tcp: refused")})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "cache_unavailable" {
		t.Fatalf("fixed keys wrong: %v", entry)
	}
	if !strings.Contains(entry["error"].(string), "refused") {
		t.Fatalf("error not stringified: %v", entry["error"])
	}
	if _, ok := entry["ts"].(string); !ok {
		t.Fatal("ts missing")
	}
}

func TestResolveBuild(t *testing.T) {
	b := ResolveBuild("1.2.3", "abc123")
	if b.Version != "1.2.3" || b.Commit != "abc123" || b.GoVersion == "" {
		t.Fatalf("unexpected build: %+v", b)
	}
	if got := ResolveBuild("1.2.3", "").Commit; got == "" {
		t.Fatal("commit must never be empty")
	}

	InitBuildInfo(b)
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("1.2.3", "abc123", b.GoVersion)); v != 1 {
		t.Fatalf("build info gauge = %v", v)
	}
}

func TestSetLevelFilters(t *testing.T) {
	l := Logger()
	original := l.Writer()
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(original)
	defer func() { _ = SetLevel("info") }()

	if err := SetLevel("loud"); err == nil {
		t.Fatal("expected unknown level error")
	}
	if err := SetLevel("WARN"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	Info("dropped", nil)
	Debug("dropped", nil)
	Error("kept", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"kept"`) {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
