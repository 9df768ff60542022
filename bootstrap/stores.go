package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/tollgate/adapters/memory"
	rlredis "github.com/artpar/tollgate/adapters/redis"
	"github.com/artpar/tollgate/adapters/sqlite"
	"github.com/artpar/tollgate/config"
	"github.com/artpar/tollgate/ports"
	"github.com/rs/zerolog"
)

// Stores is the Account Store selected by configuration.
type Stores struct {
	Keys       ports.KeyStore
	Balances   ports.BalanceStore
	Usage      ports.UsageStore
	RateLimits ports.RateLimitStore

	// DB is set for the sqlite drivers.
	DB *sqlite.DB

	closers []func() error
}

// OpenStores opens the Account Store described by cfg. The rate limit
// counters live in the same store unless rate_limit.store is redis.
func OpenStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Stores, error) {
	s := &Stores{}

	switch cfg.Database.Driver {
	case config.DriverMemory:
		mem := memory.New()
		s.Keys = mem.Keys
		s.Balances = mem.Balances
		s.Usage = mem.Usage
		s.RateLimits = mem.RateLimits
		s.closers = append(s.closers, mem.Close)
		logger.Warn().Msg("using in-memory account store, data is lost on restart")

	case config.DriverSQLite, config.DriverSQLite3:
		db, err := sqlite.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s.DB = db
		s.Keys = sqlite.NewKeyStore(db)
		s.Balances = sqlite.NewBalanceStore(db, cfg.Pipeline.StoreRetries)
		s.Usage = sqlite.NewUsageStore(db)
		s.RateLimits = sqlite.NewRateLimitStore(db, cfg.Pipeline.StoreRetries)
		s.closers = append(s.closers, db.Close)
		logger.Info().
			Str("driver", cfg.Database.Driver).
			Str("dsn", cfg.Database.DSN).
			Msg("database connected")

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	if cfg.RateLimit.Store == config.StoreRedis {
		client, err := rlredis.Dial(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.RateLimits = rlredis.NewRateLimitStore(client, cfg.RateLimit.RedisPrefix, cfg.Pipeline.StoreRetries)
		s.closers = append(s.closers, client.Close)
		logger.Info().Msg("rate limit counters in redis")
	}

	return s, nil
}

// Close releases every underlying connection.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
