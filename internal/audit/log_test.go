package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"provenance.org/internal/auth"
	"provenance.org/internal/ledger"
	"provenance.org/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	flags := logger.Flags()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() {
		logger.SetOutput(original)
		logger.SetFlags(flags)
	})
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []Entry {
	t.Helper()
	var out []Entry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("log not valid JSON: %v (%q)", err, line)
		}
		out = append(out, e)
	}
	return out
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithUser(ctx, "user-42", []string{"admin"})

	if err := LogEvent(ctx, "passport.lookup", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	entries := decodeLines(t, buf)
	if len(entries) != 1 {
		t.Fatalf("expected one line, got %d", len(entries))
	}
	e := entries[0]
	if e.Type != "audit" || e.Event != "passport.lookup" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.RequestID != "req-123" || e.UserID != "user-42" {
		t.Fatalf("missing correlation: %+v", e)
	}
	if e.Fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", e.Fields)
	}
}

func TestLogEventRequiresName(t *testing.T) {
	captureLog(t)
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event")
	}
}

func TestTrailCommitted(t *testing.T) {
	buf := captureLog(t)
	ctx := WithRequestID(context.Background(), "req-9")

	p := ledger.Passport{ID: "01J0PASSPORT", OrderID: "order-1", Token: "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"}
	genesis := ledger.Event{PassportID: p.ID, Sequence: 0, ActorReference: "atelier-1", Kind: ledger.KindIssued}
	transfer := ledger.Event{PassportID: p.ID, Sequence: 1, ActorReference: "store-7", Kind: ledger.KindTransferredToCustomer}
	revokedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	revoked := p
	revoked.Status = ledger.StatusRevoked
	revoked.RevokedAt = &revokedAt
	revoked.RevocationReason = ledger.ReasonLost
	revoked.RevokedBy = "admin-1"

	var trail Trail
	trail.Committed(ctx, ledger.Change{Kind: ledger.ChangeIssued, Passport: p, Event: &genesis})
	trail.Committed(ctx, ledger.Change{Kind: ledger.ChangeTransferred, Passport: p, Event: &transfer})
	trail.Committed(ctx, ledger.Change{Kind: ledger.ChangeRevoked, Passport: revoked})

	entries := decodeLines(t, buf)
	if len(entries) != 3 {
		t.Fatalf("expected three lines, got %d", len(entries))
	}
	want := []string{"passport.issued", "passport.custody.transferred_to_customer", "passport.revoked"}
	for i, e := range entries {
		if e.Event != want[i] {
			t.Fatalf("entry %d: event %q, want %q", i, e.Event, want[i])
		}
		if e.RequestID != "req-9" {
			t.Fatalf("entry %d: request id %q", i, e.RequestID)
		}
		if tok, _ := e.Fields["token"].(string); strings.Contains(tok, p.Token[:8]) {
			t.Fatalf("entry %d leaks token: %q", i, tok)
		}
	}
	if entries[0].Fields["order_id"] != "order-1" {
		t.Fatalf("issued entry missing order: %v", entries[0].Fields)
	}
	if entries[1].Fields["sequence"] != "1" || entries[1].Fields["actor"] != "store-7" {
		t.Fatalf("custody entry fields: %v", entries[1].Fields)
	}
	if entries[2].Fields["reason"] != "lost" || entries[2].Fields["revoked_by"] != "admin-1" {
		t.Fatalf("revoked entry fields: %v", entries[2].Fields)
	}
}

func TestTokenHint(t *testing.T) {
	cases := map[string]string{
		"":                                 "",
		"ABC":                              "***",
		"ABCDEFGHIJKLMNOPQRSTUVWXYZ234567": "...4567",
	}
	for in, want := range cases {
		if got := TokenHint(in); got != want {
			t.Errorf("TokenHint(%q) = %q, want %q", in, got, want)
		}
	}
}
