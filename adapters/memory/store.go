package memory

import "time"

// Store bundles the in-memory Account Store components.
type Store struct {
	Keys       *KeyStore
	Balances   *BalanceStore
	Usage      *UsageStore
	RateLimits *RateLimitStore
}

// New creates an empty in-memory Account Store.
func New() *Store {
	log := NewUsageStore()
	return &Store{
		Keys:       NewKeyStore(),
		Balances:   NewBalanceStore(log, DefaultShards),
		Usage:      log,
		RateLimits: NewRateLimitStore(RateLimitConfig{CleanupInterval: 5 * time.Minute}),
	}
}

// Close stops background work.
func (s *Store) Close() error {
	return s.RateLimits.Close()
}
