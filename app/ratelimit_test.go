package app_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/artpar/tollgate/adapters/clock"
	"github.com/artpar/tollgate/app"
	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/domain/ratelimit"
	"github.com/artpar/tollgate/domain/request"
	"github.com/artpar/tollgate/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitStage_LimitsFor(t *testing.T) {
	override := &ratelimit.Limits{PerMinute: 1}
	stage := app.NewRateLimitStage(nil, clock.NewFake(baseTime), zerolog.Nop(), nil, app.RateLimitConfig{
		Classes: map[string]ratelimit.Limits{
			"free": {PerMinute: 10, PerHour: 100, PerDay: 1000},
			"pro":  {PerMinute: 100, PerHour: 1000, PerDay: 10000},
		},
		DefaultClass: "free",
	})

	tests := []struct {
		name string
		id   key.Identity
		want ratelimit.Limits
	}{
		{"key override", key.Identity{KeyID: "k", Class: "pro", Limits: override}, *override},
		{"class", key.Identity{KeyID: "k", Class: "pro"}, ratelimit.Limits{PerMinute: 100, PerHour: 1000, PerDay: 10000}},
		{"unknown class", key.Identity{KeyID: "k", Class: "gold"}, ratelimit.Limits{PerMinute: 10, PerHour: 100, PerDay: 1000}},
		{"no class", key.Identity{KeyID: "k"}, ratelimit.Limits{PerMinute: 10, PerHour: 100, PerDay: 1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stage.LimitsFor(tt.id))
		})
	}
}

func TestRateLimitStage_HeadersAndWindowReset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{limits: ratelimit.Limits{PerMinute: 2, PerHour: 10}})
	id := key.Identity{UserID: "user-1", KeyID: "key-1"}
	ctx = app.WithIdentity(ctx, id)

	ok := func(ctx context.Context, req request.Request) app.Outcome {
		return app.Outcome{Response: request.Response{Status: 200}}
	}

	out := h.limiter.Process(ctx, request.Request{Path: "/api/x"}, ok)
	require.Nil(t, out.Err)
	assert.Equal(t, "2", out.Headers()["X-RateLimit-Limit"])
	assert.Equal(t, "1", out.Headers()["X-RateLimit-Remaining"])
	assert.Equal(t, ratelimit.WindowMinute, out.Headers()["X-RateLimit-Window"])
	assert.Equal(t, fmt.Sprint(baseTime.Add(time.Minute).Unix()), out.Headers()["X-RateLimit-Reset"])

	require.Nil(t, h.limiter.Process(ctx, request.Request{Path: "/api/x"}, ok).Err)
	out = h.limiter.Process(ctx, request.Request{Path: "/api/x"}, ok)
	require.NotNil(t, out.Err)
	assert.Equal(t, "60", out.Headers()["Retry-After"])

	h.clock.Advance(time.Minute)
	out = h.limiter.Process(ctx, request.Request{Path: "/api/x"}, ok)
	require.Nil(t, out.Err)

	status, err := h.limiter.Status(ctx, id)
	require.NoError(t, err)
	require.Len(t, status, 3)
	assert.Equal(t, 1, status[0].Count)
	assert.Equal(t, 3, status[1].Count)
	assert.Equal(t, 7, status[1].Remaining)
}

type conflictingCounters struct {
	ports.RateLimitStore
}

func (conflictingCounters) Update(context.Context, string, ports.CounterFunc) (ratelimit.Counter, error) {
	return ratelimit.Counter{}, fmt.Errorf("update rate counter: %w", ports.ErrConflict)
}

func TestRateLimitStage_ConflictIsTransient(t *testing.T) {
	obs := &recordingObserver{}
	stage := app.NewRateLimitStage(conflictingCounters{}, clock.NewFake(baseTime), zerolog.Nop(), obs, app.RateLimitConfig{})
	ctx := app.WithIdentity(context.Background(), key.Identity{UserID: "u", KeyID: "k"})

	out := stage.Process(ctx, request.Request{Path: "/api/x"}, func(context.Context, request.Request) app.Outcome {
		t.Fatal("next must not run")
		return app.Outcome{}
	})

	require.NotNil(t, out.Err)
	assert.Equal(t, request.CodeTransient, out.Err.Code)
	assert.Equal(t, int64(1), obs.conflicts.Load())
}
