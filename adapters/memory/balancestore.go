package memory

import (
	"context"
	"time"

	"github.com/artpar/tollgate/domain/balance"
	"github.com/artpar/tollgate/domain/usage"
	"github.com/artpar/tollgate/ports"
)

// BalanceStore is a sharded in-memory balance store.
// Every mutation of one user runs under that user's shard lock, so updates
// for a single user are totally ordered and different users rarely contend.
type BalanceStore struct {
	accounts *shardSet[balance.Account]
	usage    *UsageStore
	now      func() time.Time
}

// NewBalanceStore creates a balance store that appends usage entries to log.
func NewBalanceStore(log *UsageStore, numShards int) *BalanceStore {
	if log == nil {
		log = NewUsageStore()
	}
	return &BalanceStore{
		accounts: newShardSet[balance.Account](numShards),
		usage:    log,
		now:      time.Now,
	}
}

// Open creates the account if it does not exist.
func (s *BalanceStore) Open(ctx context.Context, userID string, trial int64) (balance.Account, error) {
	sh := s.accounts.get(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if a, ok := sh.m[userID]; ok {
		return a.Clone(), nil
	}
	a := balance.Open(userID, trial, s.now())
	a.Version = 1
	sh.m[userID] = a
	return a.Clone(), nil
}

// Get retrieves an account.
func (s *BalanceStore) Get(ctx context.Context, userID string) (balance.Account, error) {
	sh := s.accounts.get(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.m[userID]
	if !ok {
		return balance.Account{}, ports.ErrNotFound
	}
	return a.Clone(), nil
}

// Update applies fn under the user's shard lock. When fn succeeds the new
// account and the record entries become visible before the lock is released.
func (s *BalanceStore) Update(ctx context.Context, userID string, fn ports.BalanceFunc, record ...usage.Entry) (balance.Account, error) {
	if err := ctx.Err(); err != nil {
		return balance.Account{}, err
	}
	sh := s.accounts.get(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.m[userID]
	if !ok {
		return balance.Account{}, ports.ErrNotFound
	}
	next, err := fn(cur.Clone())
	if err != nil {
		return cur.Clone(), err
	}
	next.UserID = userID
	next.Version = cur.Version + 1
	if len(record) > 0 {
		if err := s.usage.Append(ctx, record...); err != nil {
			return cur.Clone(), err
		}
	}
	sh.m[userID] = next
	return next.Clone(), nil
}

// ReleaseAllHolds drops every outstanding hold.
func (s *BalanceStore) ReleaseAllHolds(ctx context.Context) (int, error) {
	released := 0
	for _, sh := range s.accounts.shards {
		sh.mu.Lock()
		for id, a := range sh.m {
			if len(a.Holds) == 0 {
				continue
			}
			released += len(a.Holds)
			a = a.Clone()
			a.Holds = nil
			a.Version++
			sh.m[id] = a
		}
		sh.mu.Unlock()
	}
	return released, nil
}

// Len returns the number of accounts (for testing).
func (s *BalanceStore) Len() int {
	return s.accounts.len()
}

// Ensure interface compliance.
var _ ports.BalanceStore = (*BalanceStore)(nil)
