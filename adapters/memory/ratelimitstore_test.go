package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/artpar/tollgate/adapters/memory"
	"github.com/artpar/tollgate/domain/ratelimit"
)

func TestRateLimitStore_DefaultConfig(t *testing.T) {
	store := memory.NewRateLimitStore(memory.RateLimitConfig{})
	defer store.Close()

	if store.Len() != 0 {
		t.Errorf("new store should be empty, got %d entries", store.Len())
	}
	c, err := store.Get(context.Background(), "missing")
	if err != nil || c != (ratelimit.Counter{}) {
		t.Errorf("Get(missing) = %+v, %v; want zero counter", c, err)
	}
}

func TestRateLimitStore_UpdateRejectionKeepsCounter(t *testing.T) {
	store := memory.NewRateLimitStore(memory.RateLimitConfig{})
	defer store.Close()
	ctx := context.Background()
	limits := ratelimit.Limits{PerMinute: 1}
	errRejected := errors.New("rejected")

	admit := func(c ratelimit.Counter) (ratelimit.Counter, error) {
		d, next := ratelimit.Admit(c, limits, baseTime)
		if !d.Allowed {
			return c, errRejected
		}
		return next, nil
	}

	if _, err := store.Update(ctx, "key-1", admit); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := store.Update(ctx, "key-1", admit); !errors.Is(err, errRejected) {
		t.Fatalf("second update err = %v, want rejection", err)
	}

	c, _ := store.Get(ctx, "key-1")
	if c.Minute.Count != 1 {
		t.Errorf("minute count = %d, want 1", c.Minute.Count)
	}
}

func TestRateLimitStore_ConcurrentAdmissions(t *testing.T) {
	store := memory.NewRateLimitStore(memory.RateLimitConfig{NumShards: 4})
	defer store.Close()
	ctx := context.Background()
	limits := ratelimit.Limits{PerMinute: 50}

	var (
		mu       sync.Mutex
		admitted int
		wg       sync.WaitGroup
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "key-1", func(c ratelimit.Counter) (ratelimit.Counter, error) {
				d, next := ratelimit.Admit(c, limits, baseTime)
				if !d.Allowed {
					return c, errors.New("limited")
				}
				return next, nil
			})
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 50 {
		t.Errorf("admitted = %d, want exactly 50", admitted)
	}
}

func TestRateLimitStore_Sweep(t *testing.T) {
	now := baseTime
	store := memory.NewRateLimitStore(memory.RateLimitConfig{
		CleanupInterval: time.Hour,
		Now:             func() time.Time { return now },
	})
	defer store.Close()
	ctx := context.Background()

	store.Update(ctx, "old", func(c ratelimit.Counter) (ratelimit.Counter, error) {
		_, next := ratelimit.Admit(c, ratelimit.Limits{}, baseTime.Add(-48*time.Hour))
		return next, nil
	})
	store.Update(ctx, "fresh", func(c ratelimit.Counter) (ratelimit.Counter, error) {
		_, next := ratelimit.Admit(c, ratelimit.Limits{}, baseTime)
		return next, nil
	})

	if removed := store.Sweep(); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}
