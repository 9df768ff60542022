// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/tollgate/domain/balance"
	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/domain/ratelimit"
	"github.com/artpar/tollgate/domain/request"
	"github.com/artpar/tollgate/domain/usage"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic update kept losing to
	// concurrent writers until the retry budget ran out.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrTransient marks a handler failure that may succeed on retry.
	ErrTransient = errors.New("transient failure")
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Account Store Ports
// -----------------------------------------------------------------------------

// KeyStore persists API key records. Keys are never physically deleted.
type KeyStore interface {
	// Create stores a new key.
	Create(ctx context.Context, k key.Key) error

	// GetByHash finds a key by its keyed hash.
	GetByHash(ctx context.Context, hash string) (key.Key, error)

	// Get retrieves a key by ID.
	Get(ctx context.Context, id string) (key.Key, error)

	// ListByUser returns all keys for a user, newest first.
	ListByUser(ctx context.Context, userID string) ([]key.Key, error)

	// Revoke moves a key to its terminal revoked state.
	// Returns key.ErrAlreadyRevoked if it was revoked before.
	Revoke(ctx context.Context, id string, at time.Time) error

	// TouchLastUsed updates the last used timestamp.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// BalanceFunc computes the next account state from the current one.
// Returning an error aborts the update and nothing is written.
type BalanceFunc func(balance.Account) (balance.Account, error)

// BalanceStore persists token balances.
type BalanceStore interface {
	// Open creates the account with the trial balance if it does not exist,
	// and returns the current account either way.
	Open(ctx context.Context, userID string, trial int64) (balance.Account, error)

	// Get retrieves an account.
	Get(ctx context.Context, userID string) (balance.Account, error)

	// Update runs fn as a single serialized read-modify-write for userID.
	// The record entries are appended in the same atomic step as the write.
	Update(ctx context.Context, userID string, fn BalanceFunc, record ...usage.Entry) (balance.Account, error)

	// ReleaseAllHolds drops every outstanding hold. Called at startup, when
	// no request can still be in flight.
	ReleaseAllHolds(ctx context.Context) (int, error)
}

// UsageStore persists append-only usage entries.
type UsageStore interface {
	// Append stores entries.
	Append(ctx context.Context, entries ...usage.Entry) error

	// List returns entries matching the filter, newest first.
	List(ctx context.Context, f usage.Filter) ([]usage.Entry, error)

	// Summarize aggregates a user's entries in [since, until).
	Summarize(ctx context.Context, userID string, since, until time.Time) (usage.Summary, error)

	// Prune deletes entries created before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// CounterFunc computes the next rate counter from the current one.
// Returning an error aborts the update and nothing is written.
type CounterFunc func(ratelimit.Counter) (ratelimit.Counter, error)

// RateLimitStore persists per-identity rate counters.
type RateLimitStore interface {
	// Get returns the counter, or a zero counter if none exists.
	Get(ctx context.Context, id string) (ratelimit.Counter, error)

	// Update runs fn as a single serialized read-modify-write for id.
	Update(ctx context.Context, id string, fn CounterFunc) (ratelimit.Counter, error)
}

// -----------------------------------------------------------------------------
// Handler Port
// -----------------------------------------------------------------------------

// Upstream represents the business handler behind the pipeline.
// Errors wrapping ErrTransient may be retried.
type Upstream interface {
	Forward(ctx context.Context, req request.Request) (request.Response, error)
}
