package app_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/tollgate/adapters/clock"
	"github.com/artpar/tollgate/adapters/idgen"
	"github.com/artpar/tollgate/adapters/memory"
	"github.com/artpar/tollgate/app"
	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/domain/pathrule"
	"github.com/artpar/tollgate/domain/pricing"
	"github.com/artpar/tollgate/domain/ratelimit"
	"github.com/artpar/tollgate/domain/request"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 30, 0, time.UTC)

const (
	testPrefix = "tg_"
	testSecret = "test-secret"
)

var apiRule = pathrule.Rule{Protected: []string{"/api/"}}

type harness struct {
	store    *memory.Store
	clock    *clock.Fake
	auth     *app.AuthStage
	limiter  *app.RateLimitStage
	billing  *app.BillingStage
	pipeline *app.Pipeline
	accounts *app.AccountService
	obs      *recordingObserver
}

type harnessOpts struct {
	trial   int64
	limits  ratelimit.Limits
	retries int
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	store := memory.New()
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(baseTime)
	ids := idgen.NewSequential("id-")
	logger := zerolog.Nop()
	obs := &recordingObserver{}

	auth := app.NewAuthStage(store.Keys, clk, logger, app.AuthConfig{
		KeyPrefix: testPrefix,
		KeySecret: testSecret,
		Rule:      apiRule,
	})
	t.Cleanup(auth.Wait)

	limiter := app.NewRateLimitStage(store.RateLimits, clk, logger, obs, app.RateLimitConfig{
		Rule:         apiRule,
		Classes:      map[string]ratelimit.Limits{"default": opts.limits},
		DefaultClass: "default",
	})
	billing := app.NewBillingStage(store.Balances, clk, ids, logger, obs, app.BillingConfig{
		Rule: apiRule,
		Pricing: pricing.Table{
			Default: 1,
			Endpoints: []pricing.Endpoint{
				{Path: "/api/predict", Method: "POST", Cost: 10},
				{Path: "/api/predict/batch", Method: "POST", Cost: 10, BatchField: "items"},
			},
		},
	})
	pipeline := app.NewPipeline(auth, limiter, billing, logger, obs, app.PipelineConfig{
		HandlerRetries: opts.retries,
	})
	accounts := app.NewAccountService(app.AccountDeps{
		Keys:     store.Keys,
		Balances: store.Balances,
		Usage:    store.Usage,
		Limiter:  limiter,
		Clock:    clk,
	}, logger, app.AccountConfig{
		KeyPrefix:    testPrefix,
		KeySecret:    testSecret,
		TrialBalance: opts.trial,
		MaxPurchase:  10000,
	})

	return &harness{
		store:    store,
		clock:    clk,
		auth:     auth,
		limiter:  limiter,
		billing:  billing,
		pipeline: pipeline,
		accounts: accounts,
		obs:      obs,
	}
}

func (h *harness) issue(t *testing.T, userID string) (string, key.Key) {
	t.Helper()
	raw, k, err := h.accounts.IssueKey(context.Background(), key.CreateParams{UserID: userID, Name: "test"})
	require.NoError(t, err)
	return raw, k
}

func predict(raw string) request.Request {
	return request.Request{
		Method:        "POST",
		Path:          "/api/predict",
		Authorization: "Bearer " + raw,
		Body:          []byte(`{"features":[1,2,3]}`),
	}
}

// countingHandler returns status for every call and counts invocations.
type countingHandler struct {
	calls  atomic.Int64
	status int
	err    error
}

func (c *countingHandler) Handle(ctx context.Context, req request.Request) (request.Response, error) {
	c.calls.Add(1)
	if c.err != nil {
		return request.Response{}, c.err
	}
	return request.Response{Status: c.status, Body: []byte(`{"prediction":0.5}`)}, nil
}

type recordingObserver struct {
	rejected  atomic.Int64
	charged   atomic.Int64
	released  atomic.Int64
	conflicts atomic.Int64
	retries   atomic.Int64
}

func (o *recordingObserver) Rejected(string, string) { o.rejected.Add(1) }
func (o *recordingObserver) Charged(n int64)         { o.charged.Add(n) }
func (o *recordingObserver) Released()               { o.released.Add(1) }
func (o *recordingObserver) Conflict(string)         { o.conflicts.Add(1) }
func (o *recordingObserver) Retried()                { o.retries.Add(1) }
