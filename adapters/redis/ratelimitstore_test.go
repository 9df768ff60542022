package redis_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/tollgate/adapters/redis"
	"github.com/artpar/tollgate/domain/ratelimit"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*redis.RateLimitStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.Dial(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return redis.NewRateLimitStore(client, "test:", 50), mr
}

func admitWith(limits ratelimit.Limits, now time.Time) func(ratelimit.Counter) (ratelimit.Counter, error) {
	return func(c ratelimit.Counter) (ratelimit.Counter, error) {
		d, next := ratelimit.Admit(c, limits, now)
		if !d.Allowed {
			return c, errors.New("limited")
		}
		return next, nil
	}
}

func TestDial_BadURL(t *testing.T) {
	_, err := redis.Dial(context.Background(), "http://localhost:6379")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestRateLimitStore_GetMissing(t *testing.T) {
	store, _ := newStore(t)

	c, err := store.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Counter{}, c)
}

func TestRateLimitStore_UpdateAndReject(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	admit := admitWith(ratelimit.Limits{PerMinute: 2}, baseTime)

	_, err := store.Update(ctx, "key-1", admit)
	require.NoError(t, err)
	c, err := store.Update(ctx, "key-1", admit)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Minute.Count)

	_, err = store.Update(ctx, "key-1", admit)
	require.Error(t, err)

	got, err := store.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Minute.Count, "rejection must not increment")
	assert.True(t, got.Minute.Start.Equal(baseTime))

	assert.True(t, mr.Exists("test:key-1"))
	assert.Greater(t, mr.TTL("test:key-1"), 24*time.Hour)
}

func TestRateLimitStore_ConcurrentUpdates(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	admit := admitWith(ratelimit.Limits{PerMinute: 5}, baseTime)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Update(ctx, "key-1", admit); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	c, err := store.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 5, c.Minute.Count)
}

func TestRateLimitStore_CorruptHash(t *testing.T) {
	store, mr := newStore(t)
	mr.HSet("test:bad", "mc", "not-a-number")

	_, err := store.Get(context.Background(), "bad")
	assert.Error(t, err)
}

func TestRateLimitStore_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := redis.NewRateLimitStore(client, "", 0)
	mr.Close()

	_, err := store.Update(context.Background(), "key-1", admitWith(ratelimit.Limits{}, baseTime))
	assert.Error(t, err)
}
