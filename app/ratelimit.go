package app

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/domain/pathrule"
	"github.com/artpar/tollgate/domain/ratelimit"
	"github.com/artpar/tollgate/domain/request"
	"github.com/artpar/tollgate/ports"
	"github.com/rs/zerolog"
)

// RateLimitConfig configures the Rate Limiter. Hot-reloadable.
type RateLimitConfig struct {
	Rule         pathrule.Rule
	Classes      map[string]ratelimit.Limits
	DefaultClass string
}

// RateLimitStage admits or rejects requests per identity across the
// minute, hour and day windows.
type RateLimitStage struct {
	store  ports.RateLimitStore
	clock  ports.Clock
	logger zerolog.Logger
	obs    Observer

	cfg atomic.Pointer[RateLimitConfig]
}

// errOverLimit aborts a counter update so a rejection writes nothing.
var errOverLimit = errors.New("rate limit exceeded")

// NewRateLimitStage creates the Rate Limiter.
func NewRateLimitStage(store ports.RateLimitStore, clk ports.Clock, logger zerolog.Logger, obs Observer, cfg RateLimitConfig) *RateLimitStage {
	s := &RateLimitStage{
		store:  store,
		clock:  clk,
		logger: logger.With().Str("stage", StageRateLimit).Logger(),
		obs:    observerOrNop(obs),
	}
	s.cfg.Store(&cfg)
	return s
}

// UpdateConfig swaps the limits and path rule. Safe to call while serving.
func (s *RateLimitStage) UpdateConfig(cfg RateLimitConfig) {
	s.cfg.Store(&cfg)
}

func (s *RateLimitStage) Name() string        { return StageRateLimit }
func (s *RateLimitStage) Rule() pathrule.Rule { return s.cfg.Load().Rule }

// LimitsFor resolves the limits of an identity: the key's own override,
// else its class, else the default class.
func (s *RateLimitStage) LimitsFor(id key.Identity) ratelimit.Limits {
	if id.Limits != nil {
		return *id.Limits
	}
	cfg := s.cfg.Load()
	if l, ok := cfg.Classes[id.Class]; ok {
		return l
	}
	return cfg.Classes[cfg.DefaultClass]
}

// counterID scopes counters per API key.
func counterID(id key.Identity) string {
	return id.KeyID
}

// Admit runs one admission check for id. A rejection is a Decision with
// Allowed false and a nil error; the stored counter is left unchanged.
func (s *RateLimitStage) Admit(ctx context.Context, id key.Identity) (ratelimit.Decision, error) {
	limits := s.LimitsFor(id)
	var d ratelimit.Decision
	_, err := s.store.Update(ctx, counterID(id), func(c ratelimit.Counter) (ratelimit.Counter, error) {
		var next ratelimit.Counter
		d, next = ratelimit.Admit(c, limits, s.clock.Now())
		if !d.Allowed {
			return c, errOverLimit
		}
		return next, nil
	})
	if errors.Is(err, errOverLimit) {
		return d, nil
	}
	if err != nil {
		return ratelimit.Decision{}, err
	}
	return d, nil
}

// Status reports per-window usage for id without counting a request.
func (s *RateLimitStage) Status(ctx context.Context, id key.Identity) ([]ratelimit.WindowStatus, error) {
	c, err := s.store.Get(ctx, counterID(id))
	if err != nil {
		return nil, err
	}
	return ratelimit.Status(c, s.LimitsFor(id), s.clock.Now()), nil
}

// Process admits the request or rejects it with RateLimited.
func (s *RateLimitStage) Process(ctx context.Context, req request.Request, next Next) Outcome {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return missingIdentity(StageRateLimit)
	}

	d, err := s.Admit(ctx, id)
	if err != nil {
		if errors.Is(err, ports.ErrConflict) {
			s.obs.Conflict(StageRateLimit)
		}
		s.logger.Error().Err(err).Str("key_id", id.KeyID).Msg("rate counter update failed")
		return reject(StageRateLimit, request.Transient(""))
	}
	if !d.Allowed {
		s.logger.Debug().
			Str("key_id", id.KeyID).
			Str("window", d.Window).
			Int("limit", d.Limit).
			Msg("rate limited")
		out := reject(StageRateLimit, request.RateLimited(d.Window, d.Limit, ratelimit.RetryAfterSeconds(d.RetryAfter)))
		setRateHeaders(&out, d)
		return out
	}

	out := next(ctx, req)
	setRateHeaders(&out, d)
	return out
}

func setRateHeaders(out *Outcome, d ratelimit.Decision) {
	if d.Window == "" {
		return
	}
	out.SetHeader("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	out.SetHeader("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	out.SetHeader("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	out.SetHeader("X-RateLimit-Window", d.Window)
}
