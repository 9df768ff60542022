package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/artpar/tollgate/domain/ratelimit"
	"github.com/artpar/tollgate/ports"
)

// RateLimitStore implements ports.RateLimitStore using SQLite with the same
// optimistic version check as BalanceStore.
type RateLimitStore struct {
	db      *DB
	retries int
}

// NewRateLimitStore creates a new SQLite rate counter store.
func NewRateLimitStore(db *DB, retries int) *RateLimitStore {
	if retries <= 0 {
		retries = DefaultRetries
	}
	return &RateLimitStore{db: db, retries: retries}
}

// Get retrieves the counter for an identity, zero if none exists.
func (s *RateLimitStore) Get(ctx context.Context, id string) (ratelimit.Counter, error) {
	c, _, err := s.get(ctx, id)
	return c, err
}

func (s *RateLimitStore) get(ctx context.Context, id string) (ratelimit.Counter, int64, error) {
	var (
		c                      ratelimit.Counter
		version                int64
		mStart, hStart, dStart int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT minute_count, minute_start, hour_count, hour_start, day_count, day_start, version
		FROM rate_counters WHERE id = ?
	`, id).Scan(&c.Minute.Count, &mStart, &c.Hour.Count, &hStart, &c.Day.Count, &dStart, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Counter{}, 0, nil
	}
	if err != nil {
		return ratelimit.Counter{}, 0, err
	}
	c.Minute.Start = fromNanos(mStart)
	c.Hour.Start = fromNanos(hStart)
	c.Day.Start = fromNanos(dStart)
	return c, version, nil
}

// Update runs fn as an optimistic read-modify-write for id.
// Version 0 means no row yet; the insert then races on the primary key.
func (s *RateLimitStore) Update(ctx context.Context, id string, fn ports.CounterFunc) (ratelimit.Counter, error) {
	for attempt := 0; attempt < s.retries; attempt++ {
		cur, version, err := s.get(ctx, id)
		if err != nil {
			return ratelimit.Counter{}, err
		}
		next, err := fn(cur)
		if err != nil {
			return cur, err
		}

		var n int64
		if version == 0 {
			n, err = s.insert(ctx, id, next)
		} else {
			n, err = s.swap(ctx, id, version, next)
		}
		if err != nil {
			return cur, err
		}
		if n == 1 {
			return next, nil
		}
	}
	return ratelimit.Counter{}, fmt.Errorf("update rate counter %s: %w", id, ports.ErrConflict)
}

func (s *RateLimitStore) insert(ctx context.Context, id string, c ratelimit.Counter) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_counters (id, minute_count, minute_start, hour_count, hour_start, day_count, day_start, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO NOTHING
	`, id, c.Minute.Count, toNanos(c.Minute.Start), c.Hour.Count, toNanos(c.Hour.Start),
		c.Day.Count, toNanos(c.Day.Start))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *RateLimitStore) swap(ctx context.Context, id string, version int64, c ratelimit.Counter) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rate_counters
		SET minute_count = ?, minute_start = ?, hour_count = ?, hour_start = ?,
		    day_count = ?, day_start = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, c.Minute.Count, toNanos(c.Minute.Start), c.Hour.Count, toNanos(c.Hour.Start),
		c.Day.Count, toNanos(c.Day.Start), id, version)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Ensure interface compliance.
var _ ports.RateLimitStore = (*RateLimitStore)(nil)
