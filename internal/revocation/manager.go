// Package revocation marks passports as no longer valid. Revocation never
// touches the custody chain.
package revocation

import (
	"context"
	"time"

	"provenance.org/internal/ledger"
)

// RevokeCommand is the caller's request.
type RevokeCommand struct {
	PassportID string                  `json:"passport_id"`
	Reason     ledger.RevocationReason `json:"reason"`
	Actor      string                  `json:"actor_reference"`
}

// Validate checks the command without touching storage.
func (c RevokeCommand) Validate() error {
	if err := ledger.ValidateReference("passport_id", c.PassportID); err != nil {
		return err
	}
	if !c.Reason.Valid() {
		return ledger.Invalid("reason", "must be one of lost, counterfeit_confirmed, reissued")
	}
	return ledger.ValidateReference("actor_reference", c.Actor)
}

// Ack confirms the passport's status after the call. Changed is false when
// the passport was already revoked, in which case RevokedAt and the stored
// reason are the original ones.
type Ack struct {
	PassportID string                  `json:"passport_id"`
	Status     ledger.Status           `json:"status"`
	Reason     ledger.RevocationReason `json:"reason"`
	RevokedAt  time.Time               `json:"revoked_at"`
	Changed    bool                    `json:"changed"`
}

// Manager applies revocations.
type Manager struct {
	store    ledger.Store
	notifier ledger.Notifier
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier is told about every state change.
func WithNotifier(n ledger.Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a Manager.
func New(store ledger.Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Revoke is idempotent: a second call succeeds without changing anything.
func (m *Manager) Revoke(ctx context.Context, cmd RevokeCommand) (Ack, error) {
	if err := cmd.Validate(); err != nil {
		return Ack{}, err
	}
	rev := ledger.Revocation{
		Reason: cmd.Reason,
		Actor:  cmd.Actor,
		At:     m.now().UTC().Truncate(ledger.EventTimePrecision),
	}
	p, changed, err := m.store.Revoke(ctx, cmd.PassportID, rev)
	if err != nil {
		return Ack{}, err
	}
	if changed && m.notifier != nil {
		m.notifier.Committed(ctx, ledger.Change{Kind: ledger.ChangeRevoked, Passport: p})
	}
	ack := Ack{PassportID: p.ID, Status: p.Status, Reason: p.RevocationReason, Changed: changed}
	if p.RevokedAt != nil {
		ack.RevokedAt = *p.RevokedAt
	}
	return ack, nil
}
