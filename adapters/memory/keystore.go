// Package memory provides sharded in-memory Account Store implementations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/ports"
)

// KeyStore is an in-memory implementation of ports.KeyStore.
type KeyStore struct {
	mu     sync.RWMutex
	keys   map[string]key.Key // by ID
	byHash map[string]string  // hash -> ID
}

// NewKeyStore creates a new in-memory key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		keys:   make(map[string]key.Key),
		byHash: make(map[string]string),
	}
}

// Create stores a new key.
func (s *KeyStore) Create(ctx context.Context, k key.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[k.ID] = k
	s.byHash[k.Hash] = k.ID
	return nil
}

// GetByHash finds a key by its keyed hash.
func (s *KeyStore) GetByHash(ctx context.Context, hash string) (key.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return key.Key{}, ports.ErrNotFound
	}
	return s.keys[id], nil
}

// Get retrieves a key by ID.
func (s *KeyStore) Get(ctx context.Context, id string) (key.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[id]
	if !ok {
		return key.Key{}, ports.ErrNotFound
	}
	return k, nil
}

// ListByUser returns all keys for a user, newest first.
func (s *KeyStore) ListByUser(ctx context.Context, userID string) ([]key.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []key.Key
	for _, k := range s.keys {
		if k.UserID == userID {
			result = append(result, k)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Revoke moves a key to its terminal revoked state.
func (s *KeyStore) Revoke(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ports.ErrNotFound
	}
	revoked, err := key.Revoke(k, at)
	if err != nil {
		return err
	}
	s.keys[id] = revoked
	return nil
}

// TouchLastUsed updates the last used timestamp.
func (s *KeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ports.ErrNotFound
	}
	// Out-of-order touches never move the timestamp backwards.
	if k.LastUsedAt == nil || at.After(*k.LastUsedAt) {
		t := at
		k.LastUsedAt = &t
		s.keys[id] = k
	}
	return nil
}

// Ensure interface compliance.
var _ ports.KeyStore = (*KeyStore)(nil)
