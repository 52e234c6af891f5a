// Package audit writes one JSON line per security-relevant action.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"provenance.org/internal/auth"
	"provenance.org/internal/ledger"
	"provenance.org/internal/obs"
)

type ctxKey struct{}

// Entry is the serialized form of an audit line.
type Entry struct {
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// WithRequestID attaches the request identifier used to correlate audit lines.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

func requestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

var now = time.Now

// LogEvent writes an audit entry enriched with the request and caller identity.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	e := Entry{
		TS:        now().UTC().Format(time.RFC3339Nano),
		Type:      "audit",
		Event:     event,
		RequestID: requestID(ctx),
		Fields:    make(map[string]any, len(fields)),
	}
	if ctx != nil {
		e.UserID, _ = auth.UserIDFromContext(ctx)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// TokenHint returns the last four characters of a token. Full tokens are
// bearer secrets for verification and never reach the audit stream.
func TokenHint(token string) string {
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return "..." + token[len(token)-4:]
}

// Trail records committed ledger changes as audit entries.
type Trail struct{}

func (Trail) Committed(ctx context.Context, c ledger.Change) {
	fields := map[string]any{
		"passport_id": c.Passport.ID,
		"token":       TokenHint(c.Passport.Token),
	}
	event := "passport." + string(c.Kind)
	switch c.Kind {
	case ledger.ChangeIssued:
		fields["order_id"] = c.Passport.OrderID
	case ledger.ChangeRevoked:
		fields["reason"] = string(c.Passport.RevocationReason)
		fields["revoked_by"] = c.Passport.RevokedBy
	}
	if c.Event != nil {
		if c.Kind == ledger.ChangeTransferred {
			event = "passport.custody." + string(c.Event.Kind)
		}
		fields["sequence"] = strconv.FormatUint(c.Event.Sequence, 10)
		fields["actor"] = c.Event.ActorReference
		fields["entry_hash"] = c.Event.EntryHash.String()
	}
	if err := LogEvent(ctx, event, fields); err != nil {
		obs.Error("audit_write_failed", map[string]any{"event": event, "error": err})
	}
}
