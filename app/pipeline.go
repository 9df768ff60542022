package app

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/artpar/tollgate/domain/request"
	"github.com/artpar/tollgate/ports"
	"github.com/rs/zerolog"
)

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	// HandlerRetries is how many times a transient handler failure is
	// retried inside the billing boundary.
	HandlerRetries int
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
}

// Pipeline runs every request through Auth, RateLimit and Billing, in that
// order, before the handler. Each stage's path rule is evaluated on its own.
type Pipeline struct {
	stages []Stage
	pass   []State
	logger zerolog.Logger
	obs    Observer
	cfg    PipelineConfig
}

// NewPipeline composes the stages in their fixed order.
func NewPipeline(auth *AuthStage, limiter *RateLimitStage, billing *BillingStage, logger zerolog.Logger, obs Observer, cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		stages: []Stage{auth, limiter, billing},
		pass:   []State{Authenticated, RateChecked, Billed},
		logger: logger,
		obs:    observerOrNop(obs),
		cfg:    cfg,
	}
}

// Stages returns the stages in execution order.
func (p *Pipeline) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

// Handle runs req through the pipeline and, if every applicable stage
// admits it, through h.
func (p *Pipeline) Handle(ctx context.Context, req request.Request, h Handler) Outcome {
	lc := &Lifecycle{}
	p.advance(lc, Received)

	next := p.terminal(h)
	for i := len(p.stages) - 1; i >= 0; i-- {
		next = p.wrap(p.stages[i], p.pass[i], lc, next)
	}

	out := next(ctx, req)

	if out.Err != nil {
		p.obs.Rejected(out.Stage, out.Err.Code)
		if out.Stage != StageHandler {
			p.advance(lc, Rejected)
		}
		p.logger.Debug().
			Str("stage", out.Stage).
			Str("code", out.Err.Code).
			Str("path", req.Path).
			Str("trace_id", req.TraceID).
			Msg("request rejected")
	}
	p.advance(lc, Responded)
	out.Lifecycle = lc.States()
	return out
}

func (p *Pipeline) wrap(st Stage, pass State, lc *Lifecycle, inner Next) Next {
	return func(ctx context.Context, req request.Request) Outcome {
		if !st.Rule().Applies(req.Path) {
			return inner(ctx, req)
		}
		return st.Process(ctx, req, func(ctx context.Context, req request.Request) Outcome {
			p.advance(lc, pass)
			return inner(ctx, req)
		})
	}
}

func (p *Pipeline) advance(lc *Lifecycle, s State) {
	if err := lc.Advance(s); err != nil {
		p.logger.Error().Err(err).Msg("lifecycle violation")
	}
}

// terminal adapts h to Next, retrying transient failures. A panic in h
// becomes an upstream failure. An unset status means 200.
func (p *Pipeline) terminal(h Handler) Next {
	return func(ctx context.Context, req request.Request) (out Outcome) {
		id, _ := IdentityFrom(ctx)
		backoff := p.cfg.RetryBackoff

		defer func() {
			if rec := recover(); rec != nil {
				p.logger.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("path", req.Path).
					Str("trace_id", req.TraceID).
					Msg("handler panicked")
				out = Outcome{Err: request.UpstreamFailure(""), Stage: StageHandler, Identity: id}
			}
		}()

		for attempt := 0; ; attempt++ {
			resp, err := h(ctx, req)
			if err == nil {
				if resp.Status == 0 {
					resp.Status = http.StatusOK
				}
				return Outcome{Response: resp, Identity: id}
			}
			if !errors.Is(err, ports.ErrTransient) || attempt >= p.cfg.HandlerRetries || ctx.Err() != nil {
				return Outcome{Err: handlerError(err), Stage: StageHandler, Identity: id}
			}

			p.obs.Retried()
			p.logger.Debug().Err(err).Int("attempt", attempt+1).Str("path", req.Path).Msg("retrying handler")
			if backoff > 0 {
				select {
				case <-ctx.Done():
					return Outcome{Err: handlerError(err), Stage: StageHandler, Identity: id}
				case <-time.After(backoff):
				}
				backoff *= 2
			}
		}
	}
}

func handlerError(err error) *request.ErrorResponse {
	var er *request.ErrorResponse
	if errors.As(err, &er) {
		return er
	}
	return request.UpstreamFailure("")
}
