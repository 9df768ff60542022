package memory

import (
	"context"
	"time"

	"github.com/artpar/tollgate/domain/ratelimit"
	"github.com/artpar/tollgate/ports"
)

// RateLimitStore is a sharded in-memory rate counter store.
// Each identity's read-modify-write runs under its shard lock.
type RateLimitStore struct {
	counters *shardSet[ratelimit.Counter]
	now      func() time.Time
	cleanup  *time.Ticker
	done     chan struct{}
}

// RateLimitConfig configures the rate limit store.
type RateLimitConfig struct {
	NumShards       int           // Number of shards (default: 32)
	CleanupInterval time.Duration // How often to drop idle counters (default: 5m)
	Now             func() time.Time
}

// NewRateLimitStore creates a new sharded in-memory rate counter store.
func NewRateLimitStore(cfg RateLimitConfig) *RateLimitStore {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &RateLimitStore{
		counters: newShardSet[ratelimit.Counter](cfg.NumShards),
		now:      cfg.Now,
		done:     make(chan struct{}),
	}

	s.cleanup = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

// Get retrieves the current counter for an identity.
func (s *RateLimitStore) Get(ctx context.Context, id string) (ratelimit.Counter, error) {
	sh := s.counters.get(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.m[id], nil
}

// Update atomically reads the counter, applies fn and stores the result.
// If fn fails the stored counter is left untouched.
func (s *RateLimitStore) Update(ctx context.Context, id string, fn ports.CounterFunc) (ratelimit.Counter, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.Counter{}, err
	}
	sh := s.counters.get(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur := sh.m[id]
	next, err := fn(cur)
	if err != nil {
		return cur, err
	}
	sh.m[id] = next
	return next, nil
}

func (s *RateLimitStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

// Sweep drops counters whose day window has fully elapsed.
// Such counters would reset on next access anyway.
func (s *RateLimitStore) Sweep() int {
	cutoff := s.now().Add(-ratelimit.DaySize)
	removed := 0
	for _, sh := range s.counters.shards {
		sh.mu.Lock()
		for id, c := range sh.m {
			if c.Day.Start.Before(cutoff) {
				delete(sh.m, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Close stops the cleanup goroutine.
func (s *RateLimitStore) Close() error {
	close(s.done)
	s.cleanup.Stop()
	return nil
}

// Len returns the number of tracked identities (for testing).
func (s *RateLimitStore) Len() int {
	return s.counters.len()
}

// Ensure interface compliance.
var _ ports.RateLimitStore = (*RateLimitStore)(nil)
