package cache

import (
	"context"
	"sync"
	"time"

	"provenance.org/internal/ledger"
)

// minTombstoneAge keeps invalidation markers alive longer than any plausible
// store read, even with a very short TTL.
const minTombstoneAge = time.Minute

// Memory is a process-local cache for single replica deployments and tests.
//
// Every invalidation bumps a generation and leaves a tombstone for its token.
// A Set carrying a generation observed before that tombstone is dropped, so a
// reader that raced a commit cannot write the pre-commit record back.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	entries map[string]memEntry
	tombs   map[string]tombstone
	gen     uint64
	floor   uint64 // Sets observed below floor are dropped
}

type memEntry struct {
	rec     ledger.Record
	expires time.Time
}

type tombstone struct {
	gen uint64
	at  time.Time
}

// NewMemory returns a cache holding at most max records for ttl each.
func NewMemory(ttl time.Duration, max int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if max <= 0 {
		max = 10000
	}
	return &Memory{
		ttl:     ttl,
		max:     max,
		now:     time.Now,
		entries: make(map[string]memEntry),
		tombs:   make(map[string]tombstone),
	}
}

// Get returns the cached record and the generation to hand back to Set on a miss.
func (m *Memory) Get(_ context.Context, token string) (ledger.Record, bool, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := m.gen
	e, ok := m.entries[token]
	if !ok {
		return ledger.Record{}, false, gen, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, token)
		return ledger.Record{}, false, gen, nil
	}
	return clone(e.rec), true, gen, nil
}

// Set stores rec unless token was invalidated after gen was observed.
func (m *Memory) Set(_ context.Context, token string, rec ledger.Record, gen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen < m.floor {
		return nil
	}
	if t, ok := m.tombs[token]; ok && t.gen > gen {
		return nil
	}
	now := m.now()
	if len(m.entries) >= m.max {
		for k, e := range m.entries {
			if !now.Before(e.expires) {
				delete(m.entries, k)
			}
		}
		if len(m.entries) >= m.max {
			// still full: evict an arbitrary entry
			for k := range m.entries {
				delete(m.entries, k)
				break
			}
		}
	}
	m.entries[token] = memEntry{rec: clone(rec), expires: now.Add(m.ttl)}
	return nil
}

// Invalidate removes token and fences off Sets from reads that began earlier.
func (m *Memory) Invalidate(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.gen++
	delete(m.entries, token)
	m.tombs[token] = tombstone{gen: m.gen, at: now}
	if len(m.tombs) > m.max {
		m.pruneTombs(now)
	}
	return nil
}

// pruneTombs drops old tombstones and raises floor past them. When everything
// is recent, all are dropped and floor moves to the current generation.
func (m *Memory) pruneTombs(now time.Time) {
	age := m.ttl
	if age < minTombstoneAge {
		age = minTombstoneAge
	}
	for k, t := range m.tombs {
		if now.Sub(t.at) > age {
			if t.gen > m.floor {
				m.floor = t.gen
			}
			delete(m.tombs, k)
		}
	}
	if len(m.tombs) > m.max {
		m.floor = m.gen
		clear(m.tombs)
	}
}

// Committed drops the entry of the changed passport.
func (m *Memory) Committed(ctx context.Context, c ledger.Change) {
	_ = m.Invalidate(ctx, c.Passport.Token)
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func clone(rec ledger.Record) ledger.Record {
	out := rec
	out.Passport.Metadata = rec.Passport.Metadata.Clone()
	if rec.Passport.RevokedAt != nil {
		at := *rec.Passport.RevokedAt
		out.Passport.RevokedAt = &at
	}
	out.Events = append([]ledger.Event(nil), rec.Events...)
	return out
}
