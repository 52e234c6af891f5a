// Package cache keeps recently verified records close to the public lookup
// path. Entries are dropped whenever the ledger commits a change.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"provenance.org/internal/ledger"
	"provenance.org/internal/obs"
)

const (
	keyPrefix = "passport:verify:v1:"
	genPrefix = keyPrefix + "gen:"
)

// DefaultTTL bounds how long a cached record may be served.
const DefaultTTL = 30 * time.Second

// minGenTTL keeps generation counters alive well past any in-flight read.
const minGenTTL = 5 * time.Minute

// Key is the redis key of token.
func Key(token string) string { return keyPrefix + token }

// GenKey holds the invalidation counter of token. Tokens are base32, so the
// ':' in the prefix cannot collide with a record key.
func GenKey(token string) string { return genPrefix + token }

var errStale = errors.New("cache: token changed since read began")

// Redis is a verification cache shared by every replica.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// Dial parses url, connects and pings. An empty url returns nil, nil so callers
// can treat the cache as optional.
func Dial(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(client, ttl), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Get reads the record and the token's generation in one round trip.
func (r *Redis) Get(ctx context.Context, token string) (ledger.Record, bool, uint64, error) {
	var genCmd, recCmd *redis.StringCmd
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		genCmd = p.Get(ctx, GenKey(token))
		recCmd = p.Get(ctx, Key(token))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return ledger.Record{}, false, 0, err
	}
	gen, err := genCmd.Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return ledger.Record{}, false, 0, err
	}
	raw, err := recCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.Record{}, false, gen, nil
	}
	if err != nil {
		return ledger.Record{}, false, 0, err
	}
	var rec ledger.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A corrupt entry is a miss; the next Set overwrites it.
		return ledger.Record{}, false, gen, nil
	}
	return rec, true, gen, nil
}

// Set stores rec only while the token's generation still equals gen. WATCH
// aborts the write when an invalidation lands between the check and the SET.
func (r *Redis) Set(ctx context.Context, token string, rec ledger.Record, gen uint64) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, GenKey(token)).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, Key(token), raw, r.ttl)
			return nil
		})
		return err
	}, GenKey(token))
	if errors.Is(err, errStale) || errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// Invalidate removes token and bumps its generation atomically.
func (r *Redis) Invalidate(ctx context.Context, token string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, GenKey(token))
		p.Expire(ctx, GenKey(token), r.genTTL())
		p.Del(ctx, Key(token))
		return nil
	})
	return err
}

func (r *Redis) genTTL() time.Duration {
	if d := 10 * r.ttl; d > minGenTTL {
		return d
	}
	return minGenTTL
}

// Committed drops the entry of the changed passport. A failed invalidation
// leaves the entry to expire with its TTL and is logged.
func (r *Redis) Committed(ctx context.Context, c ledger.Change) {
	if err := r.Invalidate(context.WithoutCancel(ctx), c.Passport.Token); err != nil {
		obs.Warn("cache_invalidate_failed", map[string]any{
			"passport_id": c.Passport.ID,
			"change":      string(c.Kind),
			"error":       err,
		})
	}
}

// Ping reports whether redis is reachable.
func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }
