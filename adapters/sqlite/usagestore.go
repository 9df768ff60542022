package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/artpar/tollgate/domain/usage"
	"github.com/artpar/tollgate/ports"
)

// UsageStore implements ports.UsageStore using SQLite.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Append stores entries in one transaction.
func (s *UsageStore) Append(ctx context.Context, entries ...usage.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := appendEntries(ctx, tx, entries); err != nil {
		return err
	}
	return tx.Commit()
}

// appendEntries inserts entries inside the caller's transaction.
// The balance store uses it to append usage atomically with a debit.
func appendEntries(ctx context.Context, tx *sql.Tx, entries []usage.Entry) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_entries (
			id, user_id, key_id, endpoint, method, tokens_consumed,
			request_bytes, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.ID, e.UserID, e.KeyID, e.Endpoint, e.Method, e.TokensConsumed,
			e.RequestBytes, e.LatencyMs, toNanos(e.CreatedAt),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// List returns entries matching the filter, newest first.
func (s *UsageStore) List(ctx context.Context, f usage.Filter) ([]usage.Entry, error) {
	where, args := filterClause(f)
	q := `SELECT id, user_id, key_id, endpoint, method, tokens_consumed, request_bytes, latency_ms, created_at
		FROM usage_entries` + where + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []usage.Entry
	for rows.Next() {
		var e usage.Entry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.KeyID, &e.Endpoint, &e.Method,
			&e.TokensConsumed, &e.RequestBytes, &e.LatencyMs, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = fromNanos(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summarize aggregates a user's entries in [since, until).
func (s *UsageStore) Summarize(ctx context.Context, userID string, since, until time.Time) (usage.Summary, error) {
	where, args := filterClause(usage.Filter{UserID: userID, Since: since, Until: until})

	summary := usage.Summary{
		UserID:      userID,
		PeriodStart: since,
		PeriodEnd:   until,
		ByEndpoint:  []usage.EndpointUsage{},
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(tokens_consumed), 0), CAST(COALESCE(AVG(latency_ms), 0) AS INTEGER)
		FROM usage_entries`+where, args...)
	if err := row.Scan(&summary.TotalRequests, &summary.TotalTokens, &summary.AvgLatencyMs); err != nil {
		return usage.Summary{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint, COUNT(*), COALESCE(SUM(tokens_consumed), 0)
		FROM usage_entries`+where+`
		GROUP BY endpoint
		ORDER BY SUM(tokens_consumed) DESC, endpoint
	`, args...)
	if err != nil {
		return usage.Summary{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var eu usage.EndpointUsage
		if err := rows.Scan(&eu.Endpoint, &eu.Requests, &eu.Tokens); err != nil {
			return usage.Summary{}, err
		}
		summary.ByEndpoint = append(summary.ByEndpoint, eu)
	}
	return summary, rows.Err()
}

// Prune deletes entries created before the cutoff.
func (s *UsageStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM usage_entries WHERE created_at < ?`, toNanos(before))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func filterClause(f usage.Filter) (string, []any) {
	var conds []string
	var args []any
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, toNanos(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, toNanos(f.Until))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
