package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/domain/ratelimit"
	"github.com/artpar/tollgate/ports"
)

// KeyStore implements ports.KeyStore using SQLite.
type KeyStore struct {
	db *DB
}

// NewKeyStore creates a new SQLite key store.
func NewKeyStore(db *DB) *KeyStore {
	return &KeyStore{db: db}
}

const keyColumns = `id, user_id, name, hash, prefix, class, per_minute, per_hour, per_day,
	is_active, created_at, expires_at, last_used_at, revoked_at`

// Create stores a new key.
func (s *KeyStore) Create(ctx context.Context, k key.Key) error {
	var perMinute, perHour, perDay sql.NullInt64
	if k.Limits != nil {
		perMinute = sql.NullInt64{Int64: int64(k.Limits.PerMinute), Valid: true}
		perHour = sql.NullInt64{Int64: int64(k.Limits.PerHour), Valid: true}
		perDay = sql.NullInt64{Int64: int64(k.Limits.PerDay), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (`+keyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, k.ID, k.UserID, k.Name, k.Hash, k.Prefix, k.Class, perMinute, perHour, perDay,
		k.IsActive, toNanos(k.CreatedAt), nullNanos(k.ExpiresAt), nullNanos(k.LastUsedAt), nullNanos(k.RevokedAt))
	return err
}

// GetByHash finds a key by its keyed hash.
func (s *KeyStore) GetByHash(ctx context.Context, hash string) (key.Key, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE hash = ?`, hash)
	return scanKey(row)
}

// Get retrieves a key by ID.
func (s *KeyStore) Get(ctx context.Context, id string) (key.Key, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// ListByUser returns all keys for a user, newest first.
func (s *KeyStore) ListByUser(ctx context.Context, userID string) ([]key.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys
		WHERE user_id = ?
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []key.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Revoke moves a key to its terminal revoked state.
// The WHERE clause makes the transition one-way at the row level.
func (s *KeyStore) Revoke(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = ?, is_active = 0
		WHERE id = ? AND revoked_at IS NULL
	`, toNanos(at), id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return key.ErrAlreadyRevoked
}

// TouchLastUsed updates the last used timestamp. Older touches never
// overwrite newer ones.
func (s *KeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = ?
		WHERE id = ? AND (last_used_at IS NULL OR last_used_at < ?)
	`, toNanos(at), id, toNanos(at))
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(row scanner) (key.Key, error) {
	var (
		k                           key.Key
		perMinute, perHour, perDay  sql.NullInt64
		createdAt                   int64
		expiresAt, lastUsed, revoke sql.NullInt64
	)
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.Hash, &k.Prefix, &k.Class,
		&perMinute, &perHour, &perDay, &k.IsActive,
		&createdAt, &expiresAt, &lastUsed, &revoke)
	if errors.Is(err, sql.ErrNoRows) {
		return key.Key{}, ports.ErrNotFound
	}
	if err != nil {
		return key.Key{}, err
	}

	if perMinute.Valid || perHour.Valid || perDay.Valid {
		k.Limits = &ratelimit.Limits{
			PerMinute: int(perMinute.Int64),
			PerHour:   int(perHour.Int64),
			PerDay:    int(perDay.Int64),
		}
	}
	k.CreatedAt = fromNanos(createdAt)
	k.ExpiresAt = timePtr(expiresAt)
	k.LastUsedAt = timePtr(lastUsed)
	k.RevokedAt = timePtr(revoke)
	return k, nil
}

// Ensure interface compliance.
var _ ports.KeyStore = (*KeyStore)(nil)
