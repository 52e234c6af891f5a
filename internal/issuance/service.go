// Package issuance creates passports for fulfilled order lines.
package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"provenance.org/internal/ledger"
)

const (
	defaultAttempts = 3
	maxMetadataSize = 16 << 10
)

// IssueCommand is the fulfillment system's request for a new passport.
type IssueCommand struct {
	OrderID           string          `json:"order_id"`
	Metadata          ledger.Metadata `json:"metadata"`
	ManufacturerActor string          `json:"manufacturer_actor"`
}

// Validate checks the command before any store access.
func (c IssueCommand) Validate() error {
	if err := ledger.ValidateReference("order_id", c.OrderID); err != nil {
		return err
	}
	if err := ledger.ValidateReference("manufacturer_actor", c.ManufacturerActor); err != nil {
		return err
	}
	raw, err := json.Marshal(c.Metadata)
	if err != nil {
		return ledger.Invalid("metadata", "must be JSON encodable")
	}
	if len(raw) > maxMetadataSize {
		return ledger.Invalid("metadata", fmt.Sprintf("exceeds %d bytes", maxMetadataSize))
	}
	for k, v := range c.Metadata {
		if strings.TrimSpace(k) == "" {
			return ledger.Invalid("metadata", "keys must not be blank")
		}
		switch k {
		case "origin", "fabric", "artisan", "certification":
			if _, ok := v.(string); !ok {
				return ledger.Invalid("metadata."+k, "must be a string")
			}
		}
	}
	return nil
}

// Service issues passports.
type Service struct {
	store    ledger.Store
	tokens   TokenSource
	notifier ledger.Notifier
	now      func() time.Time
	attempts int
}

// Option configures Service.
type Option func(*Service)

// WithTokenSource replaces the secure random token source.
func WithTokenSource(ts TokenSource) Option {
	return func(s *Service) {
		if ts != nil {
			s.tokens = ts
		}
	}
}

// WithNotifier registers an observer of issued passports.
func WithNotifier(n ledger.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAttempts bounds token collision retries.
func WithAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// New constructs a Service over store.
func New(store ledger.Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		tokens:   RandomTokens{},
		now:      func() time.Time { return time.Now().UTC() },
		attempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates the passport and its genesis event atomically. A token
// collision is retried with fresh randomness; every other failure is returned as is.
func (s *Service) Issue(ctx context.Context, cmd IssueCommand) (ledger.Record, error) {
	if err := cmd.Validate(); err != nil {
		return ledger.Record{}, err
	}
	now := s.now().UTC().Truncate(ledger.EventTimePrecision)

	for attempt := 0; attempt < s.attempts; attempt++ {
		token, err := s.tokens.NewToken()
		if err != nil {
			return ledger.Record{}, fmt.Errorf("generate token: %w", err)
		}
		p := ledger.Passport{
			ID:              ledger.NewID(),
			OrderID:         cmd.OrderID,
			Token:           token,
			Status:          ledger.StatusActive,
			Metadata:        cmd.Metadata.Clone(),
			MetadataVersion: ledger.MetadataVersion,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if p.Metadata == nil {
			p.Metadata = ledger.Metadata{}
		}
		genesis := ledger.Genesis(p.ID, token, cmd.ManufacturerActor, now)

		err = s.store.PutPassport(ctx, p, genesis)
		if errors.Is(err, ledger.ErrConflict) {
			continue
		}
		if err != nil {
			return ledger.Record{}, err
		}
		rec := ledger.Record{Passport: p, Events: []ledger.Event{genesis}}
		if s.notifier != nil {
			s.notifier.Committed(ctx, ledger.Change{Kind: ledger.ChangeIssued, Passport: p, Event: &genesis})
		}
		return rec, nil
	}
	return ledger.Record{}, fmt.Errorf("%w after %d attempts", ledger.ErrTokenCollision, s.attempts)
}
