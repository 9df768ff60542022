package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/artpar/tollgate/domain/balance"
	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/domain/ratelimit"
	"github.com/artpar/tollgate/domain/usage"
	"github.com/artpar/tollgate/ports"
	"github.com/rs/zerolog"
)

var (
	// ErrPurchaseLimit is returned when a top-up exceeds the configured maximum.
	ErrPurchaseLimit = errors.New("purchase exceeds maximum")
	// ErrInvalidDays is returned for a usage window outside 1..365 days.
	ErrInvalidDays = errors.New("days must be between 1 and 365")
	// ErrInvalidUser is returned when no user ID is given.
	ErrInvalidUser = errors.New("user id is required")
)

// AccountConfig configures the administrative primitives.
type AccountConfig struct {
	KeyPrefix    string
	KeySecret    string
	TrialBalance int64
	MaxPurchase  int64
}

// AccountDeps contains dependencies for AccountService.
type AccountDeps struct {
	Keys     ports.KeyStore
	Balances ports.BalanceStore
	Usage    ports.UsageStore
	Limiter  *RateLimitStage
	Clock    ports.Clock
}

// AccountService issues and revokes keys, tops up balances and reports usage.
type AccountService struct {
	keys     ports.KeyStore
	balances ports.BalanceStore
	usage    ports.UsageStore
	limiter  *RateLimitStage
	clock    ports.Clock
	logger   zerolog.Logger

	cfg atomic.Pointer[AccountConfig]
}

// NewAccountService creates the account service.
func NewAccountService(deps AccountDeps, logger zerolog.Logger, cfg AccountConfig) *AccountService {
	s := &AccountService{
		keys:     deps.Keys,
		balances: deps.Balances,
		usage:    deps.Usage,
		limiter:  deps.Limiter,
		clock:    deps.Clock,
		logger:   logger,
	}
	s.cfg.Store(&cfg)
	return s
}

// UpdateLimits swaps the trial balance and purchase cap.
func (s *AccountService) UpdateLimits(trial, maxPurchase int64) {
	cur := *s.cfg.Load()
	cur.TrialBalance = trial
	cur.MaxPurchase = maxPurchase
	s.cfg.Store(&cur)
}

// IssueKey creates a key for p.UserID and opens the user's account with the
// trial balance if it does not exist yet. The raw key is returned once.
func (s *AccountService) IssueKey(ctx context.Context, p key.CreateParams) (string, key.Key, error) {
	if p.UserID == "" {
		return "", key.Key{}, ErrInvalidUser
	}
	cfg := s.cfg.Load()

	if _, err := s.balances.Open(ctx, p.UserID, cfg.TrialBalance); err != nil {
		return "", key.Key{}, fmt.Errorf("open account: %w", err)
	}

	raw, k := key.Generate(cfg.KeyPrefix, cfg.KeySecret, s.clock.Now())
	k = k.Apply(p)
	if err := s.keys.Create(ctx, k); err != nil {
		return "", key.Key{}, fmt.Errorf("create key: %w", err)
	}

	s.logger.Info().
		Str("user_id", k.UserID).
		Str("key_id", k.ID).
		Str("class", k.Class).
		Msg("api key issued")
	return raw, k, nil
}

// RevokeKey revokes one of userID's keys. A key owned by someone else is
// reported as not found.
func (s *AccountService) RevokeKey(ctx context.Context, userID, keyID string) error {
	k, err := s.keys.Get(ctx, keyID)
	if err != nil {
		return err
	}
	if userID != "" && k.UserID != userID {
		return ports.ErrNotFound
	}
	if err := s.keys.Revoke(ctx, keyID, s.clock.Now()); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", k.UserID).Str("key_id", keyID).Msg("api key revoked")
	return nil
}

// ListKeys returns a user's keys, newest first.
func (s *AccountService) ListKeys(ctx context.Context, userID string) ([]key.Key, error) {
	return s.keys.ListByUser(ctx, userID)
}

// OpenAccount creates the account with the trial balance if needed.
func (s *AccountService) OpenAccount(ctx context.Context, userID string) (balance.Account, error) {
	if userID == "" {
		return balance.Account{}, ErrInvalidUser
	}
	return s.balances.Open(ctx, userID, s.cfg.Load().TrialBalance)
}

// TopUp credits purchased tokens. The amount must be positive and at most
// the configured maximum purchase.
func (s *AccountService) TopUp(ctx context.Context, userID string, amount int64) (balance.Account, error) {
	cfg := s.cfg.Load()
	if amount <= 0 {
		return balance.Account{}, balance.ErrInvalidAmount
	}
	if cfg.MaxPurchase > 0 && amount > cfg.MaxPurchase {
		return balance.Account{}, fmt.Errorf("%w of %d tokens", ErrPurchaseLimit, cfg.MaxPurchase)
	}
	if _, err := s.OpenAccount(ctx, userID); err != nil {
		return balance.Account{}, err
	}

	now := s.clock.Now()
	acct, err := s.balances.Update(ctx, userID, func(a balance.Account) (balance.Account, error) {
		return balance.Credit(a, amount, now)
	})
	if err != nil {
		return balance.Account{}, err
	}
	s.logger.Info().
		Str("user_id", userID).
		Int64("amount", amount).
		Int64("balance", acct.Current).
		Msg("tokens purchased")
	return acct, nil
}

// Balance returns the user's account.
func (s *AccountService) Balance(ctx context.Context, userID string) (balance.Account, error) {
	return s.balances.Get(ctx, userID)
}

// UsageStats summarizes the last days of usage.
func (s *AccountService) UsageStats(ctx context.Context, userID string, days int) (usage.Summary, error) {
	if days < 1 || days > usage.MaxStatsDays {
		return usage.Summary{}, ErrInvalidDays
	}
	since, until := usage.Window(days, s.clock.Now())
	return s.usage.Summarize(ctx, userID, since, until)
}

// RateLimitStatus reports the identity's window usage without counting a request.
func (s *AccountService) RateLimitStatus(ctx context.Context, id key.Identity) ([]ratelimit.WindowStatus, error) {
	return s.limiter.Status(ctx, id)
}
