package app

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/artpar/tollgate/domain/balance"
	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/domain/pathrule"
	"github.com/artpar/tollgate/domain/pricing"
	"github.com/artpar/tollgate/domain/request"
	"github.com/artpar/tollgate/domain/usage"
	"github.com/artpar/tollgate/ports"
	"github.com/rs/zerolog"
)

// Billing headers, set on every outcome of a billed path.
const (
	HeaderTokensQuoted     = "X-Tokens-Quoted"
	HeaderTokensCharged    = "X-Tokens-Charged"
	HeaderRemainingBalance = "X-Remaining-Balance"
)

// BillingConfig configures the Billing Stage. Hot-reloadable.
type BillingConfig struct {
	Rule    pathrule.Rule
	Pricing pricing.Table
}

// BillingStage reserves the quoted cost before the handler runs and
// settles it by the handler's outcome: commit on success, release otherwise.
type BillingStage struct {
	balances ports.BalanceStore
	clock    ports.Clock
	ids      ports.IDGenerator
	logger   zerolog.Logger
	obs      Observer

	cfg atomic.Pointer[BillingConfig]
}

// NewBillingStage creates the Billing Stage.
func NewBillingStage(balances ports.BalanceStore, clk ports.Clock, ids ports.IDGenerator, logger zerolog.Logger, obs Observer, cfg BillingConfig) *BillingStage {
	s := &BillingStage{
		balances: balances,
		clock:    clk,
		ids:      ids,
		logger:   logger.With().Str("stage", StageBilling).Logger(),
		obs:      observerOrNop(obs),
	}
	s.cfg.Store(&cfg)
	return s
}

// UpdateConfig swaps pricing and path rule. Safe to call while serving.
func (s *BillingStage) UpdateConfig(cfg BillingConfig) {
	s.cfg.Store(&cfg)
}

func (s *BillingStage) Name() string        { return StageBilling }
func (s *BillingStage) Rule() pathrule.Rule { return s.cfg.Load().Rule }

// Quote prices req with the current table.
func (s *BillingStage) Quote(req request.Request) pricing.Quote {
	return s.cfg.Load().Pricing.Quote(req.Method, req.Path, req.Body)
}

// Process bills the request for the identity attached by the auth stage.
func (s *BillingStage) Process(ctx context.Context, req request.Request, next Next) Outcome {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return missingIdentity(StageBilling)
	}
	return s.Guard(ctx, id, req, next)
}

// Guard reserves the quote, runs next, and settles. Next is never invoked
// when the reservation fails. No charge accompanies a non-2xx outcome.
func (s *BillingStage) Guard(ctx context.Context, id key.Identity, req request.Request, next Next) Outcome {
	q := s.Quote(req)
	holdID := s.ids.New()
	start := s.clock.Now()

	acct, err := s.balances.Update(ctx, id.UserID, func(a balance.Account) (balance.Account, error) {
		return balance.Reserve(a, holdID, q.Cost, start)
	})
	if err != nil {
		out := s.reserveFailed(id, q, err)
		setBillingHeaders(&out, q.Cost, 0, acct.Available())
		return out
	}

	settled := false
	defer func() {
		if !settled {
			s.release(context.WithoutCancel(ctx), id, holdID)
		}
	}()

	out := next(ctx, req)

	// Settlement must reflect the actual outcome even if the caller went away.
	sctx := context.WithoutCancel(ctx)
	settled = true

	if out.Err != nil || !out.Response.Success() {
		acct = s.release(sctx, id, holdID)
		setBillingHeaders(&out, q.Cost, 0, acct.Available())
		return out
	}

	now := s.clock.Now()
	latency := out.Response.LatencyMs
	if latency == 0 {
		latency = now.Sub(start).Milliseconds()
	}
	entry := usage.Entry{
		ID:           s.ids.New(),
		UserID:       id.UserID,
		KeyID:        id.KeyID,
		Endpoint:     req.Path,
		Method:       req.Method,
		RequestBytes: int64(len(req.Body)),
		LatencyMs:    latency,
		CreatedAt:    now,
	}

	var charged int64
	acct, err = s.balances.Update(sctx, id.UserID, func(a balance.Account) (balance.Account, error) {
		debited, cost, err := balance.Commit(a, holdID, now)
		charged = cost
		entry.TokensConsumed = cost
		return debited, err
	}, entry)
	if err != nil {
		// The handler already succeeded; its response is returned regardless.
		if errors.Is(err, ports.ErrConflict) {
			s.obs.Conflict(StageBilling)
		}
		s.logger.Error().Err(err).
			Str("user_id", id.UserID).
			Str("key_id", id.KeyID).
			Str("hold_id", holdID).
			Int64("cost", q.Cost).
			Msg("failed to commit charge")
		acct = s.release(sctx, id, holdID)
		setBillingHeaders(&out, q.Cost, 0, acct.Available())
		return out
	}

	s.obs.Charged(charged)
	setBillingHeaders(&out, q.Cost, charged, acct.Available())
	return out
}

func (s *BillingStage) reserveFailed(id key.Identity, q pricing.Quote, err error) Outcome {
	var insufficient *balance.InsufficientError
	switch {
	case errors.As(err, &insufficient):
		return reject(StageBilling, request.InsufficientBalance(insufficient.Required, insufficient.Available))
	case errors.Is(err, ports.ErrNotFound):
		return reject(StageBilling, request.InsufficientBalance(q.Cost, 0))
	case errors.Is(err, ports.ErrConflict):
		s.obs.Conflict(StageBilling)
	}
	s.logger.Error().Err(err).Str("user_id", id.UserID).Msg("failed to reserve tokens")
	return reject(StageBilling, request.Transient(""))
}

// release drops the hold and returns the resulting account. A failed
// release leaves the hold in place until the next startup sweep.
func (s *BillingStage) release(ctx context.Context, id key.Identity, holdID string) balance.Account {
	acct, err := s.balances.Update(ctx, id.UserID, func(a balance.Account) (balance.Account, error) {
		return balance.Release(a, holdID, s.clock.Now())
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("user_id", id.UserID).
			Str("hold_id", holdID).
			Msg("failed to release hold")
		if cur, gerr := s.balances.Get(ctx, id.UserID); gerr == nil {
			return cur
		}
		return acct
	}
	s.obs.Released()
	return acct
}

func setBillingHeaders(out *Outcome, quoted, charged, remaining int64) {
	out.SetHeader(HeaderTokensQuoted, itoa(quoted))
	out.SetHeader(HeaderTokensCharged, itoa(charged))
	out.SetHeader(HeaderRemainingBalance, itoa(remaining))
}
