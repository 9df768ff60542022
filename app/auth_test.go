package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/artpar/tollgate/adapters/clock"
	"github.com/artpar/tollgate/app"
	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/domain/request"
	"github.com/artpar/tollgate/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthStage_ResolveTouchesLastUsed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{trial: 10})
	raw, k := h.issue(t, "user-1")

	id, err := h.auth.Resolve(ctx, "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, key.Identity{UserID: "user-1", KeyID: k.ID}, id)

	h.auth.Wait()
	stored, err := h.store.Keys.Get(ctx, k.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastUsedAt)
	assert.True(t, stored.LastUsedAt.Equal(baseTime))
}

func TestAuthStage_WrongSecretDoesNotMatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{trial: 10})
	raw, _ := h.issue(t, "user-1")

	other := app.NewAuthStage(h.store.Keys, h.clock, zerolog.Nop(), app.AuthConfig{
		KeyPrefix: testPrefix,
		KeySecret: "another-secret",
	})
	_, err := other.Resolve(ctx, "Bearer "+raw)

	var er *request.ErrorResponse
	require.ErrorAs(t, err, &er)
	assert.Equal(t, request.CodeUnauthenticated, er.Code)
}

type failingKeys struct {
	ports.KeyStore
}

func (failingKeys) GetByHash(context.Context, string) (key.Key, error) {
	return key.Key{}, errors.New("database is locked")
}

func TestAuthStage_StoreFailureIsTransient(t *testing.T) {
	stage := app.NewAuthStage(failingKeys{}, clock.NewFake(baseTime), zerolog.Nop(), app.AuthConfig{KeyPrefix: testPrefix})
	raw := testPrefix + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

	_, err := stage.Resolve(context.Background(), "Bearer "+raw)

	var er *request.ErrorResponse
	require.ErrorAs(t, err, &er)
	assert.Equal(t, request.CodeTransient, er.Code)
	assert.Equal(t, "1", er.Headers["Retry-After"])
}

func TestAuthStage_ProcessAttachesIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{trial: 10})
	raw, k := h.issue(t, "user-1")

	var seen key.Identity
	out := h.auth.Process(ctx, predict(raw), func(ctx context.Context, req request.Request) app.Outcome {
		seen, _ = app.IdentityFrom(ctx)
		return app.Outcome{Response: request.Response{Status: 200}}
	})

	require.Nil(t, out.Err)
	assert.Equal(t, k.ID, seen.KeyID)
	assert.Equal(t, k.ID, out.Identity.KeyID)
}

func TestIdentityFrom_Empty(t *testing.T) {
	_, ok := app.IdentityFrom(context.Background())
	assert.False(t, ok)

	_, ok = app.IdentityFrom(app.WithIdentity(context.Background(), key.Identity{}))
	assert.False(t, ok)
}
