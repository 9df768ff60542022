package key_test

import (
	"strings"
	"testing"
	"time"

	"github.com/artpar/tollgate/domain/key"
)

// Test fixtures
var (
	baseTime   = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	pastTime   = baseTime.Add(-24 * time.Hour)
	futureTime = baseTime.Add(24 * time.Hour)
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		key        key.Key
		now        time.Time
		wantValid  bool
		wantReason string
	}{
		{
			name:      "valid key",
			key:       key.Key{ID: "key-1", UserID: "user-1", IsActive: true, CreatedAt: pastTime},
			now:       baseTime,
			wantValid: true,
		},
		{
			name:      "valid key with future expiry",
			key:       key.Key{ID: "key-2", UserID: "user-1", IsActive: true, ExpiresAt: &futureTime},
			now:       baseTime,
			wantValid: true,
		},
		{
			name:       "expired key",
			key:        key.Key{ID: "key-3", UserID: "user-1", IsActive: true, ExpiresAt: &pastTime},
			now:        baseTime,
			wantReason: key.ReasonExpired,
		},
		{
			name:       "expiry boundary is exclusive",
			key:        key.Key{ID: "key-3b", UserID: "user-1", IsActive: true, ExpiresAt: &baseTime},
			now:        baseTime,
			wantReason: key.ReasonExpired,
		},
		{
			name:       "revoked key",
			key:        key.Key{ID: "key-4", UserID: "user-1", RevokedAt: &pastTime},
			now:        baseTime,
			wantReason: key.ReasonRevoked,
		},
		{
			name:       "revoked takes precedence over expired",
			key:        key.Key{ID: "key-5", UserID: "user-1", ExpiresAt: &pastTime, RevokedAt: &pastTime},
			now:        baseTime,
			wantReason: key.ReasonRevoked,
		},
		{
			name:       "inactive key",
			key:        key.Key{ID: "key-6", UserID: "user-1"},
			now:        baseTime,
			wantReason: key.ReasonInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := key.Validate(tt.key, tt.now)

			if result.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", result.Valid, tt.wantValid)
			}
			if result.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", result.Reason, tt.wantReason)
			}
			if tt.wantValid && result.Key.ID != tt.key.ID {
				t.Errorf("Key.ID = %q, want %q", result.Key.ID, tt.key.ID)
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	hex64 := strings.Repeat("ab", 32)

	tests := []struct {
		name   string
		rawKey string
		prefix string
		want   bool
	}{
		{"valid key", "tg_" + hex64, "tg_", true},
		{"wrong prefix", "xx_" + hex64, "tg_", false},
		{"too short", "tg_abc", "tg_", false},
		{"too long", "tg_" + hex64 + "0", "tg_", false},
		{"non hex body", "tg_" + strings.Repeat("zz", 32), "tg_", false},
		{"uppercase hex rejected", "tg_" + strings.Repeat("AB", 32), "tg_", false},
		{"empty", "", "tg_", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := key.ValidateFormat(tt.rawKey, tt.prefix); got != tt.want {
				t.Errorf("ValidateFormat(%q) = %v, want %v", tt.rawKey, got, tt.want)
			}
		})
	}
}

func TestParseBearer(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		wantOK bool
	}{
		{"bearer", "Bearer tg_abc", "tg_abc", true},
		{"lowercase scheme", "bearer tg_abc", "tg_abc", true},
		{"extra spaces", "  Bearer   tg_abc ", "tg_abc", true},
		{"missing", "", "", false},
		{"basic scheme", "Basic dXNlcjpwYXNz", "", false},
		{"no token", "Bearer", "", false},
		{"blank token", "Bearer    ", "", false},
		{"two tokens", "Bearer a b", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := key.ParseBearer(tt.header)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseBearer(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestGenerate(t *testing.T) {
	raw, k := key.Generate("tg_", "secret", baseTime)

	if !key.ValidateFormat(raw, "tg_") {
		t.Fatalf("generated key %q has invalid format", raw)
	}
	if k.Hash != key.HashKey(raw, "secret") {
		t.Error("stored hash does not match raw key")
	}
	if k.Hash == key.HashKey(raw, "other-secret") {
		t.Error("hash must depend on the secret")
	}
	if k.Prefix != raw[:12] {
		t.Errorf("Prefix = %q, want %q", k.Prefix, raw[:12])
	}
	if !k.IsActive {
		t.Error("new key should be active")
	}
	if !strings.HasPrefix(k.ID, "key_") {
		t.Errorf("ID = %q, want key_ prefix", k.ID)
	}

	raw2, k2 := key.Generate("tg_", "secret", baseTime)
	if raw == raw2 || k.ID == k2.ID {
		t.Error("two generated keys must differ")
	}
}

func TestHashKey_LongSecret(t *testing.T) {
	long := strings.Repeat("s", 100)
	h1 := key.HashKey("tg_x", long)
	h2 := key.HashKey("tg_x", long)
	if h1 != h2 || len(h1) != 64 {
		t.Errorf("hash not deterministic or wrong length: %q", h1)
	}
}

func TestRevoke(t *testing.T) {
	k := key.Key{ID: "key-1", IsActive: true}

	revoked, err := key.Revoke(k, baseTime)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revoked.IsActive || revoked.RevokedAt == nil {
		t.Fatal("revoked key should be inactive with RevokedAt set")
	}
	if r := key.Validate(revoked, baseTime); r.Valid || r.Reason != key.ReasonRevoked {
		t.Errorf("Validate(revoked) = %+v", r)
	}

	if _, err := key.Revoke(revoked, futureTime); err != key.ErrAlreadyRevoked {
		t.Errorf("second Revoke err = %v, want ErrAlreadyRevoked", err)
	}
}

func TestIdentity(t *testing.T) {
	k := key.Key{ID: "key-1", UserID: "user-1", Class: "pro"}
	id := k.Identity()
	if id.UserID != "user-1" || id.KeyID != "key-1" || id.Class != "pro" {
		t.Errorf("Identity = %+v", id)
	}
	if id.IsZero() {
		t.Error("resolved identity should not be zero")
	}
	if !(key.Identity{}).IsZero() {
		t.Error("empty identity should be zero")
	}
}
