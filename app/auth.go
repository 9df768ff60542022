package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/domain/pathrule"
	"github.com/artpar/tollgate/domain/request"
	"github.com/artpar/tollgate/ports"
	"github.com/rs/zerolog"
)

// AuthConfig configures the Authentication Gate.
type AuthConfig struct {
	KeyPrefix string
	KeySecret string
	Rule      pathrule.Rule
}

// AuthStage resolves a bearer credential to an identity.
type AuthStage struct {
	keys   ports.KeyStore
	clock  ports.Clock
	logger zerolog.Logger

	cfg     atomic.Pointer[AuthConfig]
	touches sync.WaitGroup
}

// NewAuthStage creates the Authentication Gate.
func NewAuthStage(keys ports.KeyStore, clk ports.Clock, logger zerolog.Logger, cfg AuthConfig) *AuthStage {
	s := &AuthStage{
		keys:   keys,
		clock:  clk,
		logger: logger.With().Str("stage", StageAuth).Logger(),
	}
	s.cfg.Store(&cfg)
	return s
}

// UpdateRule swaps the path rule. Safe to call while serving.
func (s *AuthStage) UpdateRule(rule pathrule.Rule) {
	cur := *s.cfg.Load()
	cur.Rule = rule
	s.cfg.Store(&cur)
}

func (s *AuthStage) Name() string        { return StageAuth }
func (s *AuthStage) Rule() pathrule.Rule { return s.cfg.Load().Rule }

// Resolve authenticates an Authorization header value.
// Every credential failure is the same Unauthenticated error; store
// failures other than not-found are Transient.
func (s *AuthStage) Resolve(ctx context.Context, header string) (key.Identity, error) {
	cfg := s.cfg.Load()

	raw, ok := key.ParseBearer(header)
	if !ok {
		return key.Identity{}, s.deny("missing_bearer")
	}
	if !key.ValidateFormat(raw, cfg.KeyPrefix) {
		return key.Identity{}, s.deny(key.ReasonBadFormat)
	}

	k, err := s.keys.GetByHash(ctx, key.HashKey(raw, cfg.KeySecret))
	if errors.Is(err, ports.ErrNotFound) {
		return key.Identity{}, s.deny(key.ReasonNotFound)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("key lookup failed")
		return key.Identity{}, request.Transient("")
	}

	now := s.clock.Now()
	if res := key.Validate(k, now); !res.Valid {
		s.logger.Debug().Str("key_id", k.ID).Str("reason", res.Reason).Msg("key rejected")
		return key.Identity{}, request.Unauthenticated()
	}

	s.touch(ctx, k.ID)
	return k.Identity(), nil
}

func (s *AuthStage) deny(reason string) error {
	s.logger.Debug().Str("reason", reason).Msg("credential rejected")
	return request.Unauthenticated()
}

// touch records last use in the background. Failures are logged only.
func (s *AuthStage) touch(ctx context.Context, keyID string) {
	at := s.clock.Now()
	bg := context.WithoutCancel(ctx)
	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		if err := s.keys.TouchLastUsed(bg, keyID, at); err != nil {
			s.logger.Warn().Err(err).Str("key_id", keyID).Msg("failed to update key last use")
		}
	}()
}

// Wait blocks until background last-use updates have finished.
func (s *AuthStage) Wait() {
	s.touches.Wait()
}

// Process authenticates req and attaches the identity for later stages.
func (s *AuthStage) Process(ctx context.Context, req request.Request, next Next) Outcome {
	id, err := s.Resolve(ctx, req.Authorization)
	if err != nil {
		var er *request.ErrorResponse
		if !errors.As(err, &er) {
			er = request.Transient("")
		}
		return reject(StageAuth, er)
	}
	out := next(WithIdentity(ctx, id), req)
	if out.Identity.IsZero() {
		out.Identity = id
	}
	return out
}
