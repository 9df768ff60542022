package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tollgate/domain/balance"
	"github.com/artpar/tollgate/domain/usage"
	"github.com/artpar/tollgate/ports"
)

// BalanceStore implements ports.BalanceStore using SQLite.
// Updates are optimistic: read the row, compute, then write only if the
// version is unchanged. A lost race re-reads and retries up to the budget.
type BalanceStore struct {
	db      *DB
	retries int
	now     func() time.Time
}

// NewBalanceStore creates a new SQLite balance store.
func NewBalanceStore(db *DB, retries int) *BalanceStore {
	if retries <= 0 {
		retries = DefaultRetries
	}
	return &BalanceStore{db: db, retries: retries, now: time.Now}
}

// Open creates the account if it does not exist.
func (s *BalanceStore) Open(ctx context.Context, userID string, trial int64) (balance.Account, error) {
	a := balance.Open(userID, trial, s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, current, total_purchased, total_used, holds, version, updated_at)
		VALUES (?, ?, ?, 0, '{}', 1, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, a.UserID, a.Current, a.TotalPurchased, toNanos(a.UpdatedAt))
	if err != nil {
		return balance.Account{}, fmt.Errorf("open balance %s: %w", userID, err)
	}
	return s.Get(ctx, userID)
}

// Get retrieves an account.
func (s *BalanceStore) Get(ctx context.Context, userID string) (balance.Account, error) {
	return getAccount(ctx, s.db, userID)
}

// Update runs fn as an optimistic read-modify-write. The record entries
// are inserted in the same transaction as the version-checked write.
func (s *BalanceStore) Update(ctx context.Context, userID string, fn ports.BalanceFunc, record ...usage.Entry) (balance.Account, error) {
	for attempt := 0; attempt < s.retries; attempt++ {
		cur, err := s.Get(ctx, userID)
		if err != nil {
			return balance.Account{}, err
		}

		next, err := fn(cur.Clone())
		if err != nil {
			return cur, err
		}
		next.UserID = userID
		next.Version = cur.Version + 1

		ok, err := s.compareAndSwap(ctx, cur.Version, next, record)
		if err != nil {
			return cur, err
		}
		if ok {
			return next, nil
		}
	}
	return balance.Account{}, fmt.Errorf("update balance %s: %w", userID, ports.ErrConflict)
}

func (s *BalanceStore) compareAndSwap(ctx context.Context, version int64, next balance.Account, record []usage.Entry) (bool, error) {
	holds, err := encodeHolds(next.Holds)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET current = ?, total_purchased = ?, total_used = ?, holds = ?, version = ?, updated_at = ?
		WHERE user_id = ? AND version = ?
	`, next.Current, next.TotalPurchased, next.TotalUsed, holds, next.Version, toNanos(next.UpdatedAt),
		next.UserID, version)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if len(record) > 0 {
		if err := appendEntries(ctx, tx, record); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// ReleaseAllHolds drops every outstanding hold.
func (s *BalanceStore) ReleaseAllHolds(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT holds FROM balances WHERE holds != '{}'`)
	if err != nil {
		return 0, err
	}
	released := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return 0, err
		}
		holds, err := decodeHolds(raw)
		if err != nil {
			rows.Close()
			return 0, err
		}
		released += len(holds)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE balances SET holds = '{}', version = version + 1, updated_at = ?
		WHERE holds != '{}'
	`, toNanos(s.now()))
	return released, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAccount(ctx context.Context, q querier, userID string) (balance.Account, error) {
	var (
		a         balance.Account
		holds     string
		updatedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, current, total_purchased, total_used, holds, version, updated_at
		FROM balances WHERE user_id = ?
	`, userID).Scan(&a.UserID, &a.Current, &a.TotalPurchased, &a.TotalUsed, &holds, &a.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return balance.Account{}, ports.ErrNotFound
	}
	if err != nil {
		return balance.Account{}, err
	}
	if a.Holds, err = decodeHolds(holds); err != nil {
		return balance.Account{}, fmt.Errorf("balance %s holds: %w", userID, err)
	}
	a.UpdatedAt = fromNanos(updatedAt)
	return a, nil
}

func encodeHolds(h map[string]int64) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	return string(b), err
}

func decodeHolds(raw string) (map[string]int64, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var h map[string]int64
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, err
	}
	return h, nil
}

// Ensure interface compliance.
var _ ports.BalanceStore = (*BalanceStore)(nil)
