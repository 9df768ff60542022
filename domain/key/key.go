// Package key provides API key value types and pure validation functions.
// This package has NO dependencies on I/O.
package key

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/artpar/tollgate/domain/ratelimit"
	"golang.org/x/crypto/blake2b"
)

// Key represents a stored API key record (immutable value type).
// Only the keyed hash of the raw key is ever stored.
type Key struct {
	ID         string
	UserID     string
	Name       string
	Hash       string // hex keyed BLAKE2b-256 of the raw key
	Prefix     string // first 12 chars, for display only
	Class      string // identity class used to pick rate limits
	Limits     *ratelimit.Limits
	IsActive   bool
	CreatedAt  time.Time
	ExpiresAt  *time.Time // nil = never expires
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Identity is the resolved caller attached to a request after authentication.
// It is derived from the key record on every request and never persisted.
type Identity struct {
	UserID string
	KeyID  string
	Class  string
	Limits *ratelimit.Limits // per-key override, nil = class limits
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id.UserID == "" && id.KeyID == ""
}

// Identity returns the identity a valid key resolves to.
func (k Key) Identity() Identity {
	return Identity{
		UserID: k.UserID,
		KeyID:  k.ID,
		Class:  k.Class,
		Limits: k.Limits,
	}
}

// Result represents the outcome of key validation (value type).
type Result struct {
	Valid  bool
	Key    Key    // Populated only if Valid=true
	Reason string // Populated only if Valid=false
}

// CreateParams contains parameters for issuing a new key.
type CreateParams struct {
	UserID    string
	Name      string
	Class     string
	Limits    *ratelimit.Limits
	ExpiresAt *time.Time
}

// Reasons for validation failure. They are logged, never returned to callers.
const (
	ReasonNotFound  = "key_not_found"
	ReasonExpired   = "key_expired"
	ReasonRevoked   = "key_revoked"
	ReasonInactive  = "key_inactive"
	ReasonBadFormat = "invalid_format"
)

// HashKey returns the lookup hash of a raw key.
// The secret keys the BLAKE2b digest so a leaked table cannot be brute forced offline.
func HashKey(rawKey, secret string) string {
	var k []byte
	if secret != "" {
		k = []byte(secret)
		if len(k) > blake2b.Size {
			sum := blake2b.Sum256(k)
			k = sum[:]
		}
	}
	h, err := blake2b.New256(k)
	if err != nil {
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	h.Write([]byte(rawKey))
	return hex.EncodeToString(h.Sum(nil))
}

// Generate creates a new API key with the given prefix.
// Returns the raw key (to give to the user once) and the record to store.
// The raw key is: prefix + 64 hex chars.
func Generate(prefix, secret string, now time.Time) (rawKey string, k Key) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	rawKey = prefix + hex.EncodeToString(randomBytes)

	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}

	k = Key{
		ID:        "key_" + hex.EncodeToString(idBytes),
		Hash:      HashKey(rawKey, secret),
		Prefix:    rawKey[:12],
		IsActive:  true,
		CreatedAt: now.UTC(),
	}
	return rawKey, k
}

// Apply returns a copy of the key with the create params applied.
func (k Key) Apply(p CreateParams) Key {
	k.UserID = p.UserID
	k.Name = p.Name
	k.Class = p.Class
	k.Limits = p.Limits
	k.ExpiresAt = p.ExpiresAt
	return k
}
