// Package redis provides a Redis-backed rate counter store, for deployments
// that keep rate state outside the process.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/artpar/tollgate/domain/ratelimit"
	"github.com/artpar/tollgate/ports"
	"github.com/go-redis/redis/v8"
)

// DefaultRetries bounds WATCH/MULTI attempts per update.
const DefaultRetries = 5

// counterTTL outlives the longest window so idle identities expire on their own.
const counterTTL = ratelimit.DaySize + time.Hour

// RateLimitStore implements ports.RateLimitStore on a Redis hash per identity.
// Updates are optimistic transactions: WATCH the key, compute, MULTI/EXEC.
type RateLimitStore struct {
	client  *redis.Client
	prefix  string
	retries int
}

// Dial parses a redis:// URL and verifies the connection.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRateLimitStore creates a store using client. Keys are namespaced by prefix.
func NewRateLimitStore(client *redis.Client, prefix string, retries int) *RateLimitStore {
	if prefix == "" {
		prefix = "tollgate:rl:"
	}
	if retries <= 0 {
		retries = DefaultRetries
	}
	return &RateLimitStore{client: client, prefix: prefix, retries: retries}
}

func (s *RateLimitStore) key(id string) string {
	return s.prefix + id
}

// Get returns the counter for id, zero if absent.
func (s *RateLimitStore) Get(ctx context.Context, id string) (ratelimit.Counter, error) {
	vals, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return ratelimit.Counter{}, err
	}
	return decode(vals)
}

// Update runs fn inside a WATCH/MULTI transaction. A concurrent write to the
// same key aborts EXEC and the update is retried on fresh state.
func (s *RateLimitStore) Update(ctx context.Context, id string, fn ports.CounterFunc) (ratelimit.Counter, error) {
	k := s.key(id)
	var result ratelimit.Counter

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, k).Result()
		if err != nil {
			return err
		}
		cur, err := decode(vals)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			result = cur
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, encode(next))
			pipe.Expire(ctx, k, counterTTL)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return ratelimit.Counter{}, fmt.Errorf("update rate counter %s: %w", id, ports.ErrConflict)
}

func encode(c ratelimit.Counter) map[string]interface{} {
	return map[string]interface{}{
		"mc": c.Minute.Count,
		"ms": nanos(c.Minute.Start),
		"hc": c.Hour.Count,
		"hs": nanos(c.Hour.Start),
		"dc": c.Day.Count,
		"ds": nanos(c.Day.Start),
	}
}

func decode(vals map[string]string) (ratelimit.Counter, error) {
	var c ratelimit.Counter
	if len(vals) == 0 {
		return c, nil
	}
	fields := []struct {
		name  string
		count *int
		start *time.Time
	}{
		{"m", &c.Minute.Count, &c.Minute.Start},
		{"h", &c.Hour.Count, &c.Hour.Start},
		{"d", &c.Day.Count, &c.Day.Start},
	}
	for _, f := range fields {
		n, err := strconv.Atoi(vals[f.name+"c"])
		if err != nil {
			return ratelimit.Counter{}, fmt.Errorf("decode %sc: %w", f.name, err)
		}
		ns, err := strconv.ParseInt(vals[f.name+"s"], 10, 64)
		if err != nil {
			return ratelimit.Counter{}, fmt.Errorf("decode %ss: %w", f.name, err)
		}
		*f.count = n
		if ns != 0 {
			*f.start = time.Unix(0, ns).UTC()
		}
	}
	return c, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Ensure interface compliance.
var _ ports.RateLimitStore = (*RateLimitStore)(nil)
