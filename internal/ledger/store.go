package ledger

import (
	"context"
	"sync"
	"time"
)

// Store is the durable home of passports and their event chains.
//
// Implementations must commit a passport and its genesis event as one unit,
// and must give at-most-one-winner semantics on (passport id, sequence).
type Store interface {
	// PutPassport persists p with its genesis event. ErrConflict when the token is
	// taken, ErrDuplicateOrder when the order already has an active passport.
	PutPassport(ctx context.Context, p Passport, genesis Event) error
	GetByToken(ctx context.Context, token string) (Record, error)
	GetByID(ctx context.Context, id string) (Record, error)
	// AppendEvent adds e to the chain of passportID. ErrSequenceConflict when
	// e.Sequence does not immediately follow the stored tail, ErrRevoked when the
	// passport is revoked.
	AppendEvent(ctx context.Context, passportID string, e Event) error
	// Revoke flips an active passport to revoked. Revoking twice succeeds and
	// reports changed=false with the original revocation facts preserved.
	Revoke(ctx context.Context, passportID string, rev Revocation) (p Passport, changed bool, err error)
	Ping(ctx context.Context) error
}

// Get resolves ref against s.
func Get(ctx context.Context, s Store, ref Ref) (Record, error) {
	if ref.ID != "" {
		return s.GetByID(ctx, ref.ID)
	}
	return s.GetByToken(ctx, ref.Token)
}

// InMemory implements Store with in-process concurrency safety.
// Used by tests and single-node development runs.
type InMemory struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	byToken map[string]string // token -> id, never removed
	byOrder map[string]string // order id -> id of the active passport
	now     func() time.Time
}

type entry struct {
	passport Passport
	events   []Event
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:    make(map[string]*entry),
		byToken: make(map[string]string),
		byOrder: make(map[string]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) PutPassport(ctx context.Context, p Passport, genesis Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if genesis.Sequence != 0 || genesis.Kind != KindIssued {
		return Invalid("genesis", "genesis must be an issued event with sequence 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byToken[p.Token]; ok {
		return ErrConflict
	}
	if _, ok := s.byOrder[p.OrderID]; ok {
		return ErrDuplicateOrder
	}
	if _, ok := s.byID[p.ID]; ok {
		return ErrConflict
	}
	p.Metadata = p.Metadata.Clone()
	genesis.PassportID = p.ID
	s.byID[p.ID] = &entry{passport: p, events: []Event{genesis}}
	s.byToken[p.Token] = p.ID
	s.byOrder[p.OrderID] = p.ID
	return nil
}

func (s *InMemory) GetByToken(ctx context.Context, token string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[token]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.byID[id].record(), nil
}

func (s *InMemory) GetByID(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return e.record(), nil
}

func (s *InMemory) AppendEvent(ctx context.Context, passportID string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[passportID]
	if !ok {
		return ErrNotFound
	}
	if e.passport.Revoked() {
		return ErrRevoked
	}
	tail := e.events[len(e.events)-1]
	if ev.Sequence != tail.Sequence+1 {
		return ErrSequenceConflict
	}
	ev.PassportID = passportID
	e.events = append(e.events, ev)
	e.passport.UpdatedAt = s.now()
	return nil
}

func (s *InMemory) Revoke(ctx context.Context, passportID string, rev Revocation) (Passport, bool, error) {
	if err := ctx.Err(); err != nil {
		return Passport{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[passportID]
	if !ok {
		return Passport{}, false, ErrNotFound
	}
	if e.passport.Revoked() {
		return e.record().Passport, false, nil
	}
	at := rev.At.UTC()
	e.passport.Status = StatusRevoked
	e.passport.RevokedAt = &at
	e.passport.RevocationReason = rev.Reason
	e.passport.RevokedBy = rev.Actor
	e.passport.UpdatedAt = at
	delete(s.byOrder, e.passport.OrderID)
	return e.record().Passport, true, nil
}

func (s *InMemory) Ping(ctx context.Context) error { return ctx.Err() }

// record returns a copy detached from the store's internal state.
func (e *entry) record() Record {
	p := e.passport
	p.Metadata = e.passport.Metadata.Clone()
	if e.passport.RevokedAt != nil {
		at := *e.passport.RevokedAt
		p.RevokedAt = &at
	}
	events := make([]Event, len(e.events))
	copy(events, e.events)
	return Record{Passport: p, Events: events}
}
