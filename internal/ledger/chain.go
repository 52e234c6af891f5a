package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// canonicalTag versions the hashed encoding. Changing the field set requires a new tag.
const canonicalTag = "passport-event/v1"

// EventTimePrecision is the resolution persisted by the durable store.
// Timestamps are truncated before hashing so stored rows re-hash identically.
const EventTimePrecision = time.Microsecond

// Integrity of a recomputed chain.
type Integrity string

const (
	Intact      Integrity = "Intact"
	Compromised Integrity = "Compromised"
)

// Canonical encodes the hashed fields of e. Only public fields are bound, so the
// chain can be re-verified from the redacted verification view alone.
func Canonical(token string, e Event) []byte {
	buf := make([]byte, 0, 128)
	buf = appendField(buf, []byte(canonicalTag))
	buf = appendField(buf, []byte(token))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Sequence)
	buf = appendField(buf, seq[:])
	buf = appendField(buf, []byte(e.ActorReference))
	buf = appendField(buf, []byte(e.Kind))
	buf = appendField(buf, []byte(e.OccurredAt.UTC().Format(time.RFC3339Nano)))
	return buf
}

func appendField(buf, field []byte) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(field)))
	buf = append(buf, n[:]...)
	return append(buf, field...)
}

// ComputeEntryHash returns H(canonical(e) || e.PriorHash).
func ComputeEntryHash(token string, e Event) Digest {
	h := sha256.New()
	h.Write(Canonical(token, e))
	h.Write(e.PriorHash[:])
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Genesis builds the sealed sequence-0 event of a new passport.
func Genesis(passportID, token, actor string, at time.Time) Event {
	e := Event{
		PassportID:     passportID,
		Sequence:       0,
		ActorReference: actor,
		Kind:           KindIssued,
		PriorHash:      ZeroDigest,
		OccurredAt:     at.UTC().Truncate(EventTimePrecision),
	}
	e.EntryHash = ComputeEntryHash(token, e)
	return e
}

// Next builds the sealed event that follows tail.
func Next(tail Event, token, actor string, kind EventKind, at time.Time) Event {
	e := Event{
		PassportID:     tail.PassportID,
		Sequence:       tail.Sequence + 1,
		ActorReference: actor,
		Kind:           kind,
		PriorHash:      tail.EntryHash,
		OccurredAt:     at.UTC().Truncate(EventTimePrecision),
	}
	e.EntryHash = ComputeEntryHash(token, e)
	return e
}

// ChainReport is the outcome of recomputing a chain end to end.
type ChainReport struct {
	Integrity Integrity `json:"integrity"`
	Length    int       `json:"length"`
	BrokenAt  *uint64   `json:"broken_at,omitempty"`
	Problem   string    `json:"problem,omitempty"`
}

// Intact reports whether every link verified.
func (r ChainReport) Intact() bool { return r.Integrity == Intact }

// VerifyChain recomputes every entry hash and link of events, which must be
// ordered by sequence. The first failure is reported.
func VerifyChain(token string, events []Event) ChainReport {
	report := ChainReport{Integrity: Intact, Length: len(events)}
	if len(events) == 0 {
		report.Integrity = Compromised
		report.Problem = "chain has no genesis event"
		return report
	}
	prior := ZeroDigest
	for i, e := range events {
		fail := func(problem string) ChainReport {
			seq := e.Sequence
			report.Integrity = Compromised
			report.BrokenAt = &seq
			report.Problem = problem
			return report
		}
		if e.Sequence != uint64(i) {
			return fail(fmt.Sprintf("sequence gap: expected %d, found %d", i, e.Sequence))
		}
		if i == 0 && e.Kind != KindIssued {
			return fail("genesis event is not an issuance")
		}
		if i > 0 && e.Kind == KindIssued {
			return fail("issuance event after genesis")
		}
		if e.PriorHash != prior {
			return fail("prior hash does not link to previous entry")
		}
		if ComputeEntryHash(token, e) != e.EntryHash {
			return fail("entry hash does not match recomputed digest")
		}
		prior = e.EntryHash
	}
	return report
}
