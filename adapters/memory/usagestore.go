package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/tollgate/domain/usage"
	"github.com/artpar/tollgate/ports"
)

// UsageStore is an in-memory append-only usage log.
type UsageStore struct {
	mu      sync.RWMutex
	entries []usage.Entry
}

// NewUsageStore creates a new in-memory usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{
		entries: make([]usage.Entry, 0),
	}
}

// Append stores entries.
func (s *UsageStore) Append(ctx context.Context, entries ...usage.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, entries...)
	return nil
}

// List returns entries matching the filter, newest first.
func (s *UsageStore) List(ctx context.Context, f usage.Filter) ([]usage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []usage.Entry
	for _, e := range s.entries {
		if f.Matches(e) {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// Summarize aggregates a user's entries in [since, until).
func (s *UsageStore) Summarize(ctx context.Context, userID string, since, until time.Time) (usage.Summary, error) {
	entries, err := s.List(ctx, usage.Filter{UserID: userID, Since: since, Until: until})
	if err != nil {
		return usage.Summary{}, err
	}
	sum := usage.Aggregate(entries, since, until)
	sum.UserID = userID
	return sum, nil
}

// Prune deletes entries created before the cutoff.
func (s *UsageStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

// Len returns the number of stored entries (for testing).
func (s *UsageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
