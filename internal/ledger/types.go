package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"provenance.org/internal/ids"
)

// MetadataVersion is the shape version stamped on newly issued passports.
// Readers must tolerate older versions; fields are only ever added.
const MetadataVersion = 1

// Status of a passport. Active is the only non-terminal state.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// EventKind describes a custody change.
type EventKind string

const (
	KindIssued                  EventKind = "issued"
	KindTransferredToCustomer   EventKind = "transferred_to_customer"
	KindTransferredToThirdParty EventKind = "transferred_to_third_party"
	KindReturned                EventKind = "returned"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindIssued, KindTransferredToCustomer, KindTransferredToThirdParty, KindReturned:
		return true
	}
	return false
}

// IsTransfer reports whether k moves custody to a new holder.
func (k EventKind) IsTransfer() bool {
	return k == KindTransferredToCustomer || k == KindTransferredToThirdParty
}

// ParseEventKind accepts the wire form case-insensitively.
func ParseEventKind(raw string) (EventKind, error) {
	k := EventKind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", Invalid("kind", fmt.Sprintf("unknown event kind %q", raw))
	}
	return k, nil
}

// RevocationReason explains why a passport was voided.
type RevocationReason string

const (
	ReasonLost                 RevocationReason = "lost"
	ReasonCounterfeitConfirmed RevocationReason = "counterfeit_confirmed"
	ReasonReissued             RevocationReason = "reissued"
)

// Valid reports whether r is a known reason.
func (r RevocationReason) Valid() bool {
	switch r {
	case ReasonLost, ReasonCounterfeitConfirmed, ReasonReissued:
		return true
	}
	return false
}

// ParseRevocationReason accepts the wire form case-insensitively.
func ParseRevocationReason(raw string) (RevocationReason, error) {
	r := RevocationReason(strings.ToLower(strings.TrimSpace(raw)))
	if r.Valid() {
		return r, nil
	}
	return "", Invalid("reason", fmt.Sprintf("unknown revocation reason %q", raw))
}

// Metadata holds category specific provenance attributes (origin, fabric, artisan...).
type Metadata map[string]any

// String returns the value of key when it is a string.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Clone returns a deep copy so callers cannot mutate stored state. Nested
// JSON containers (objects and arrays) are copied; scalar values keep their
// Go type. Durable stores persist metadata as JSON, so numbers read back from
// them are float64 regardless of what was issued.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Metadata(t).Clone())
	case Metadata:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}

// Passport is the provenance record of one physical unit.
type Passport struct {
	ID               string           `json:"id"`
	OrderID          string           `json:"order_id"`
	Token            string           `json:"token"`
	Status           Status           `json:"status"`
	Metadata         Metadata         `json:"metadata"`
	MetadataVersion  int              `json:"metadata_version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	RevokedAt        *time.Time       `json:"revoked_at,omitempty"`
	RevocationReason RevocationReason `json:"revocation_reason,omitempty"`
	RevokedBy        string           `json:"revoked_by,omitempty"`
}

// Revoked reports whether the passport reached its terminal state.
func (p Passport) Revoked() bool { return p.Status == StatusRevoked }

// Event is one entry of a passport's append-only custody history.
type Event struct {
	PassportID     string    `json:"passport_id"`
	Sequence       uint64    `json:"sequence"`
	ActorReference string    `json:"actor_reference"`
	Kind           EventKind `json:"event_kind"`
	PriorHash      Digest    `json:"prior_hash"`
	EntryHash      Digest    `json:"entry_hash"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Record is a passport together with its ordered event chain.
type Record struct {
	Passport Passport `json:"passport"`
	Events   []Event  `json:"events"`
}

// Tail returns the latest event. Records always carry at least the genesis event.
func (r Record) Tail() (Event, bool) {
	if len(r.Events) == 0 {
		return Event{}, false
	}
	return r.Events[len(r.Events)-1], true
}

// Revocation carries the facts stamped on a passport when it is voided.
type Revocation struct {
	Reason RevocationReason
	Actor  string
	At     time.Time
}

// Ref addresses a passport either by public token or by internal id.
type Ref struct {
	ID    string
	Token string
}

// ParseRef classifies raw as an internal id (ULID) or a public token.
func ParseRef(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, Invalid("ref", "passport reference is required")
	}
	if ids.Valid(raw) {
		return Ref{ID: raw}, nil
	}
	return Ref{Token: raw}, nil
}

// DigestSize is the width of chain digests (SHA-256).
const DigestSize = 32

// Digest is a fixed-width chain digest; JSON encodes as lowercase hex.
type Digest [DigestSize]byte

// ZeroDigest is the prior hash of every genesis event.
var ZeroDigest Digest

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d equals ZeroDigest.
func (d Digest) IsZero() bool { return d == ZeroDigest }

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// DigestFromBytes copies a stored column into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// NewID returns a fresh internal passport identifier.
func NewID() string { return ids.New() }
