// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artpar/tollgate/adapters/clock"
	apihttp "github.com/artpar/tollgate/adapters/http"
	"github.com/artpar/tollgate/adapters/idgen"
	"github.com/artpar/tollgate/adapters/metrics"
	"github.com/artpar/tollgate/app"
	"github.com/artpar/tollgate/config"
	"github.com/artpar/tollgate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Options customizes application wiring.
type Options struct {
	// Version is reported by /version.
	Version string
	// Registry receives the metrics. Nil uses the default registerer.
	Registry *prometheus.Registry
	// Clock defaults to the wall clock.
	Clock ports.Clock
	// LogOutput defaults to stdout.
	LogOutput io.Writer
}

// Services holds the pipeline and the account primitives built on one store.
type Services struct {
	Auth      *app.AuthStage
	Limiter   *app.RateLimitStage
	Billing   *app.BillingStage
	Pipeline  *app.Pipeline
	Accounts  *app.AccountService
	Retention *app.RetentionService
}

// NewServices builds the stages from cfg. obs may be nil.
func NewServices(cfg *config.Config, stores *Stores, clk ports.Clock, logger zerolog.Logger, obs *metrics.Collector) *Services {
	var (
		observer      app.Observer
		pruneObserver app.PruneObserver
	)
	if obs != nil {
		observer = obs
		pruneObserver = obs
	}

	auth := app.NewAuthStage(stores.Keys, clk, logger, authConfig(cfg))
	limiter := app.NewRateLimitStage(stores.RateLimits, clk, logger, observer, rateLimitConfig(cfg))
	billing := app.NewBillingStage(stores.Balances, clk, idgen.UUID{Prefix: "use_"}, logger, observer, billingConfig(cfg))
	pipeline := app.NewPipeline(auth, limiter, billing, logger, observer, app.PipelineConfig{
		HandlerRetries: cfg.Pipeline.HandlerRetries,
		RetryBackoff:   cfg.Pipeline.RetryBackoff,
	})
	accounts := app.NewAccountService(app.AccountDeps{
		Keys:     stores.Keys,
		Balances: stores.Balances,
		Usage:    stores.Usage,
		Limiter:  limiter,
		Clock:    clk,
	}, logger, app.AccountConfig{
		KeyPrefix:    cfg.Auth.KeyPrefix,
		KeySecret:    cfg.Auth.KeySecret,
		TrialBalance: cfg.Billing.TrialBalance,
		MaxPurchase:  cfg.Billing.MaxPurchase,
	})
	retention := app.NewRetentionService(stores.Usage, clk, logger, pruneObserver, app.RetentionConfig{
		RetentionDays: cfg.Usage.RetentionDays,
		Schedule:      cfg.Usage.PruneSchedule,
	})

	return &Services{
		Auth:      auth,
		Limiter:   limiter,
		Billing:   billing,
		Pipeline:  pipeline,
		Accounts:  accounts,
		Retention: retention,
	}
}

// Apply pushes the reloadable parts of cfg into running stages.
func (s *Services) Apply(cfg *config.Config) {
	s.Auth.UpdateRule(cfg.Auth.Rule)
	s.Limiter.UpdateConfig(rateLimitConfig(cfg))
	s.Billing.UpdateConfig(billingConfig(cfg))
	s.Accounts.UpdateLimits(cfg.Billing.TrialBalance, cfg.Billing.MaxPurchase)
}

func authConfig(cfg *config.Config) app.AuthConfig {
	return app.AuthConfig{
		KeyPrefix: cfg.Auth.KeyPrefix,
		KeySecret: cfg.Auth.KeySecret,
		Rule:      cfg.Auth.Rule,
	}
}

func rateLimitConfig(cfg *config.Config) app.RateLimitConfig {
	return app.RateLimitConfig{
		Rule:         cfg.RateLimit.Rule,
		Classes:      cfg.RateLimit.Classes,
		DefaultClass: cfg.RateLimit.DefaultClass,
	}
}

func billingConfig(cfg *config.Config) app.BillingConfig {
	return app.BillingConfig{
		Rule:    cfg.Billing.Rule,
		Pricing: cfg.Billing.Pricing(),
	}
}

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Holder
	Stores     *Stores
	Services   *Services
	Metrics    *metrics.Collector
	HTTPServer *http.Server

	upstream *apihttp.UpstreamClient
	cancel   context.CancelFunc
}

// New creates and initializes the application.
func New(ctx context.Context, holder *config.Holder, opts Options) (*App, error) {
	cfg := holder.Get()

	out := opts.LogOutput
	if out == nil {
		out = os.Stdout
	}
	logger := NewLogger(cfg.Logging, out)
	logger.Info().Msg("initializing tollgate")

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	a := &App{Logger: logger, Config: holder}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if opts.Registry != nil {
			a.Metrics = metrics.NewWithRegistry(opts.Registry)
			metricsHandler = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
		} else {
			a.Metrics = metrics.New()
			metricsHandler = promhttp.Handler()
		}
		holder.SetObserver(a.Metrics)
		logger.Info().Str("path", cfg.Metrics.Path).Msg("prometheus metrics enabled")
	}

	stores, err := OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	a.Stores = stores
	a.Services = NewServices(cfg, stores, clk, logger, a.Metrics)

	// Holds belong to requests of a previous process. None can still settle.
	released, err := stores.Balances.ReleaseAllHolds(ctx)
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("release stale holds: %w", err)
	}
	if released > 0 {
		logger.Warn().Int("accounts", released).Msg("released stale balance holds")
	}

	var upstreamObs apihttp.UpstreamObserver
	if a.Metrics != nil {
		upstreamObs = a.Metrics
	}
	a.upstream, err = apihttp.NewUpstreamClient(apihttp.UpstreamConfig{
		BaseURL:         cfg.Upstream.URL,
		Timeout:         cfg.Upstream.Timeout,
		MaxIdleConns:    cfg.Upstream.MaxIdleConns,
		IdleConnTimeout: cfg.Upstream.IdleConnTimeout,
	}, upstreamObs)
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	router := apihttp.NewRouter(apihttp.RouterConfig{
		Gate:           apihttp.NewGateHandler(a.Services.Pipeline, logger),
		Billing:        apihttp.NewBillingHandler(a.Services.Accounts, clk, logger),
		Upstream:       a.upstream.Forward,
		Health:         apihttp.NewHealthHandler(a.upstream),
		Version:        opts.Version,
		Metrics:        a.Metrics,
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		CORS: apihttp.CORSConfig{
			Enabled:          cfg.CORS.Enabled,
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger)

	a.HTTPServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	holder.OnChange(func(c *config.Config) {
		a.Services.Apply(c)
		setLevel(c.Logging.Level)
	})

	return a, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.HTTPServer.Handler
}

// Start begins background work: config watching and usage retention.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.Config.Path() != "" {
		if err := a.Config.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watch unavailable")
		}
		a.Config.WatchSignals()
	}

	if err := a.Services.Retention.Start(ctx); err != nil {
		return fmt.Errorf("start retention: %w", err)
	}
	return nil
}

// Run serves HTTP until SIGINT or SIGTERM, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		a.Logger.Info().Msg("context canceled, shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application. In-flight requests finish
// and settle before the stores close.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.cancel != nil {
		a.cancel()
	}
	a.Config.Stop()

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.Services != nil {
		a.Services.Retention.Stop()
		a.Services.Auth.Wait()
	}

	if a.upstream != nil {
		a.upstream.Close()
	}

	if a.Stores != nil {
		if err := a.Stores.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("store close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	setLevel(cfg.Level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func setLevel(levelStr string) {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || levelStr == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
