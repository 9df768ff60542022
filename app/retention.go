package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/tollgate/ports"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RetentionConfig configures usage pruning.
type RetentionConfig struct {
	RetentionDays int
	// Schedule is a standard cron expression, e.g. "0 3 * * *".
	// Empty disables scheduled pruning.
	Schedule string
}

// PruneObserver receives prune counts. *metrics.Collector implements it.
type PruneObserver interface {
	Pruned(n int64)
}

// RetentionService deletes usage entries older than the retention period.
type RetentionService struct {
	usage  ports.UsageStore
	clock  ports.Clock
	logger zerolog.Logger
	obs    PruneObserver
	cfg    RetentionConfig

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewRetentionService creates the retention service.
func NewRetentionService(store ports.UsageStore, clk ports.Clock, logger zerolog.Logger, obs PruneObserver, cfg RetentionConfig) *RetentionService {
	return &RetentionService{
		usage:  store,
		clock:  clk,
		logger: logger.With().Str("component", "retention").Logger(),
		obs:    obs,
		cfg:    cfg,
		cron:   cron.New(),
	}
}

// Prune deletes entries older than the retention period once.
// A non-positive retention keeps everything.
func (s *RetentionService) Prune(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	n, err := s.usage.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune usage before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if s.obs != nil && n > 0 {
		s.obs.Pruned(n)
	}
	return n, nil
}

// Start schedules pruning until ctx is done or Stop is called.
func (s *RetentionService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Schedule == "" || s.cfg.RetentionDays <= 0 {
		s.logger.Info().Msg("usage retention not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}
	if _, err := cron.ParseStandard(s.cfg.Schedule); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", s.cfg.Schedule, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("schedule pruning: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().
		Str("schedule", s.cfg.Schedule).
		Int("retention_days", s.cfg.RetentionDays).
		Msg("usage retention scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *RetentionService) run(ctx context.Context) {
	n, err := s.Prune(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled usage pruning failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Msg("usage entries pruned")
	} else {
		s.logger.Debug().Msg("usage pruning found nothing to delete")
	}
}

// Stop halts the scheduler and waits for a running prune to finish.
func (s *RetentionService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("usage retention scheduler stopped")
}

// NextRun returns the next scheduled prune, if any.
func (s *RetentionService) NextRun() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}
