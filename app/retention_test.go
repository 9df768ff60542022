package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/tollgate/adapters/clock"
	"github.com/artpar/tollgate/adapters/memory"
	"github.com/artpar/tollgate/app"
	"github.com/artpar/tollgate/domain/usage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pruneCounter struct{ total int64 }

func (p *pruneCounter) Pruned(n int64) { p.total += n }

func TestRetentionService_Prune(t *testing.T) {
	ctx := context.Background()
	store := memory.NewUsageStore()
	clk := clock.NewFake(baseTime)

	require.NoError(t, store.Append(ctx,
		usage.Entry{ID: "old", UserID: "u", CreatedAt: baseTime.Add(-31 * 24 * time.Hour)},
		usage.Entry{ID: "edge", UserID: "u", CreatedAt: baseTime.Add(-30 * 24 * time.Hour)},
		usage.Entry{ID: "new", UserID: "u", CreatedAt: baseTime.Add(-time.Hour)},
	))

	obs := &pruneCounter{}
	svc := app.NewRetentionService(store, clk, zerolog.Nop(), obs, app.RetentionConfig{RetentionDays: 30})

	n, err := svc.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), obs.total)
	assert.Equal(t, 2, store.Len())
}

func TestRetentionService_DisabledKeepsEverything(t *testing.T) {
	ctx := context.Background()
	store := memory.NewUsageStore()
	require.NoError(t, store.Append(ctx, usage.Entry{ID: "old", CreatedAt: baseTime.AddDate(-5, 0, 0)}))

	svc := app.NewRetentionService(store, clock.NewFake(baseTime), zerolog.Nop(), nil, app.RetentionConfig{})
	n, err := svc.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, svc.Start(ctx))
	_, scheduled := svc.NextRun()
	assert.False(t, scheduled)
}

func TestRetentionService_StartRejectsBadSchedule(t *testing.T) {
	svc := app.NewRetentionService(memory.NewUsageStore(), clock.NewFake(baseTime), zerolog.Nop(), nil,
		app.RetentionConfig{RetentionDays: 30, Schedule: "every day"})
	assert.Error(t, svc.Start(context.Background()))
}

func TestRetentionService_StartAndStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := app.NewRetentionService(memory.NewUsageStore(), clock.NewFake(baseTime), zerolog.Nop(), nil,
		app.RetentionConfig{RetentionDays: 30, Schedule: "0 3 * * *"})
	require.NoError(t, svc.Start(ctx))
	svc.Stop()
	_, scheduled := svc.NextRun()
	assert.False(t, scheduled)
}
