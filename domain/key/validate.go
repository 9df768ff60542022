package key

import (
	"errors"
	"strings"
	"time"
)

// ErrAlreadyRevoked is returned when revoking a key twice.
var ErrAlreadyRevoked = errors.New("key already revoked")

// Validate checks if a key is valid at the given time.
// This is a PURE function - no side effects, deterministic.
func Validate(k Key, now time.Time) Result {
	// Revocation is terminal and wins over every other state.
	if k.RevokedAt != nil {
		return Result{Valid: false, Reason: ReasonRevoked}
	}

	if !k.IsActive {
		return Result{Valid: false, Reason: ReasonInactive}
	}

	// Expiry is inclusive of the boundary instant.
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return Result{Valid: false, Reason: ReasonExpired}
	}

	return Result{Valid: true, Key: k}
}

// ValidateFormat checks if a raw API key has valid format.
// This is a PURE function.
func ValidateFormat(rawKey, expectedPrefix string) bool {
	if !strings.HasPrefix(rawKey, expectedPrefix) {
		return false
	}
	// prefix + 64 hex chars
	if len(rawKey) != len(expectedPrefix)+64 {
		return false
	}
	for _, c := range rawKey[len(expectedPrefix):] {
		if !isHex(c) {
			return false
		}
	}
	return true
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

// ParseBearer extracts the credential from an Authorization header value.
// Returns ("", false) for a missing or malformed header.
func ParseBearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

// Revoke returns the key in its terminal revoked state.
// There is no inverse: a revoked key is never reactivated.
func Revoke(k Key, at time.Time) (Key, error) {
	if k.RevokedAt != nil {
		return k, ErrAlreadyRevoked
	}
	t := at.UTC()
	k.RevokedAt = &t
	k.IsActive = false
	return k, nil
}
