// Package custody appends ownership events to passport chains.
package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"provenance.org/internal/ledger"
)

const defaultAttempts = 3

// TransferCommand requests a custody change.
type TransferCommand struct {
	Ref            ledger.Ref
	ActorReference string
	Kind           ledger.EventKind
	// ExpectedSequence pins the tail the caller last observed. When set, a moved
	// tail surfaces ErrSequenceConflict instead of being retried.
	ExpectedSequence *uint64
	// OccurredAt defaults to now.
	OccurredAt time.Time
}

// Validate checks the command before any store access.
func (c TransferCommand) Validate() error {
	if c.Ref.ID == "" && c.Ref.Token == "" {
		return ledger.Invalid("ref", "passport reference is required")
	}
	if err := ledger.ValidateReference("actor_reference", c.ActorReference); err != nil {
		return err
	}
	if !c.Kind.Valid() {
		return ledger.Invalid("kind", fmt.Sprintf("unknown event kind %q", c.Kind))
	}
	return nil
}

// Engine appends custody events.
type Engine struct {
	store    ledger.Store
	notifier ledger.Notifier
	now      func() time.Time
	attempts int
	conflict func() // observed on every sequence conflict
}

// Option configures Engine.
type Option func(*Engine)

// WithNotifier registers an observer of appended events.
func WithNotifier(n ledger.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithAttempts bounds read-retry on sequence conflicts.
func WithAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithConflictHook is called on every sequence conflict, retried or not.
func WithConflictHook(fn func()) Option {
	return func(e *Engine) { e.conflict = fn }
}

// New constructs an Engine over store.
func New(store ledger.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		attempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transfer appends one event to the referenced passport's chain.
func (e *Engine) Transfer(ctx context.Context, cmd TransferCommand) (ledger.Event, error) {
	if err := cmd.Validate(); err != nil {
		return ledger.Event{}, err
	}
	attempts := e.attempts
	if cmd.ExpectedSequence != nil {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		ev, p, err := e.tryAppend(ctx, cmd)
		if err == nil {
			if e.notifier != nil {
				e.notifier.Committed(ctx, ledger.Change{Kind: ledger.ChangeTransferred, Passport: p, Event: &ev})
			}
			return ev, nil
		}
		if !errors.Is(err, ledger.ErrSequenceConflict) {
			return ledger.Event{}, err
		}
		if e.conflict != nil {
			e.conflict()
		}
		lastErr = err
	}
	return ledger.Event{}, lastErr
}

func (e *Engine) tryAppend(ctx context.Context, cmd TransferCommand) (ledger.Event, ledger.Passport, error) {
	rec, err := ledger.Get(ctx, e.store, cmd.Ref)
	if err != nil {
		return ledger.Event{}, ledger.Passport{}, err
	}
	if rec.Passport.Revoked() {
		return ledger.Event{}, ledger.Passport{}, ledger.ErrRevoked
	}
	tail, ok := rec.Tail()
	if !ok {
		return ledger.Event{}, ledger.Passport{}, fmt.Errorf("passport %s has no genesis event", rec.Passport.ID)
	}
	if cmd.ExpectedSequence != nil && *cmd.ExpectedSequence != tail.Sequence {
		return ledger.Event{}, ledger.Passport{}, ledger.ErrSequenceConflict
	}
	if err := CheckTransition(tail, cmd.Kind, cmd.ActorReference); err != nil {
		return ledger.Event{}, ledger.Passport{}, err
	}

	at := cmd.OccurredAt
	if at.IsZero() {
		at = e.now()
		if at.Before(tail.OccurredAt) {
			at = tail.OccurredAt
		}
	}
	if at.Before(tail.OccurredAt) {
		return ledger.Event{}, ledger.Passport{}, ledger.Invalid("occurred_at", "must not precede the previous event")
	}
	ev := ledger.Next(tail, rec.Passport.Token, cmd.ActorReference, cmd.Kind, at)
	ev.PassportID = rec.Passport.ID

	if err := e.store.AppendEvent(ctx, rec.Passport.ID, ev); err != nil {
		return ledger.Event{}, ledger.Passport{}, err
	}
	return ev, rec.Passport, nil
}
