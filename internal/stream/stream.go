// Package stream fans committed ledger changes out to live subscribers such
// as the admin SSE feed.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"provenance.org/internal/ledger"
)

// Event is one committed change as seen by subscribers.
type Event struct {
	Change     ledger.ChangeKind `json:"change"`
	PassportID string            `json:"passport_id"`
	Token      string            `json:"token"`
	Status     ledger.Status     `json:"status"`
	Sequence   *uint64           `json:"sequence,omitempty"`
	EventKind  ledger.EventKind  `json:"event_kind,omitempty"`
	Actor      string            `json:"actor_reference,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// FromChange projects a ledger change into a stream event.
func FromChange(c ledger.Change) Event {
	evt := Event{
		Change:     c.Kind,
		PassportID: c.Passport.ID,
		Token:      c.Passport.Token,
		Status:     c.Passport.Status,
		Timestamp:  c.Passport.UpdatedAt,
	}
	if c.Event != nil {
		seq := c.Event.Sequence
		evt.Sequence = &seq
		evt.EventKind = c.Event.Kind
		evt.Actor = c.Event.ActorReference
		evt.Timestamp = c.Event.OccurredAt
	}
	if c.Kind == ledger.ChangeRevoked {
		evt.Reason = string(c.Passport.RevocationReason)
		evt.Actor = c.Passport.RevokedBy
		if c.Passport.RevokedAt != nil {
			evt.Timestamp = *c.Passport.RevokedAt
		}
	}
	return evt
}

// Stream fans events out to all active subscribers.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	buffer  int
	dropped atomic.Uint64
}

// New initialises an empty stream. buffer is the per subscriber queue length.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the event out to all subscribers.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
			s.dropped.Add(1)
		}
	}
}

// Committed implements ledger.Notifier.
func (s *Stream) Committed(_ context.Context, c ledger.Change) {
	s.Publish(FromChange(c))
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
