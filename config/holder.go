package config

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ErrNoConfigFile is returned by Reload on a holder built without a file.
var ErrNoConfigFile = errors.New("configuration was not loaded from a file")

// reloadDebounce coalesces the bursts of events editors emit on save.
const reloadDebounce = 100 * time.Millisecond

// ReloadObserver records reload outcomes. *metrics.Collector implements it.
type ReloadObserver interface {
	Reloaded(err error)
}

// Holder serves the live configuration. Pricing, rate limit classes, path
// rules and balance limits reload in place; settings bound at startup keep
// their running values until restart.
type Holder struct {
	mu       sync.RWMutex
	config   *Config
	path     string
	logger   zerolog.Logger
	onChange []func(*Config)
	observer ReloadObserver

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHolder loads path and returns a holder that can reload it.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	return &Holder{
		config: cfg,
		path:   absPath,
		logger: logger.With().Str("component", "config").Logger(),
		stopCh: make(chan struct{}),
	}, nil
}

// NewStaticHolder wraps a configuration that has no backing file, such as
// one built by LoadFromEnv. It never reloads.
func NewStaticHolder(cfg *Config, logger zerolog.Logger) *Holder {
	return &Holder{
		config: cfg,
		logger: logger.With().Str("component", "config").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Get returns the current configuration. Callers must not modify it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Path returns the backing file, "" for a static holder.
func (h *Holder) Path() string {
	return h.path
}

// SetObserver registers the reload observer.
func (h *Holder) SetObserver(obs ReloadObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = obs
}

// OnChange registers fn to run after every successful reload.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// Reload re-reads the file. An invalid file leaves the running
// configuration untouched and no listener runs.
func (h *Holder) Reload() error {
	if h.path == "" {
		return ErrNoConfigFile
	}

	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("path", h.path).Msg("config reload failed, keeping running config")
		h.observe(err)
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.config
	for _, f := range restartFields {
		if f.changed(prev, next) {
			h.logger.Warn().Str("field", f.name).Msg("setting changed but takes effect after restart")
			f.keep(prev, next)
		}
	}
	h.config = next
	listeners := append([]func(*Config){}, h.onChange...)
	h.mu.Unlock()

	h.logChanges(prev, next)
	for _, fn := range listeners {
		fn(next)
	}

	h.observe(nil)
	h.logger.Info().Str("path", h.path).Msg("configuration reloaded")
	return nil
}

func (h *Holder) observe(err error) {
	h.mu.RLock()
	obs := h.observer
	h.mu.RUnlock()
	if obs != nil {
		obs.Reloaded(err)
	}
}

// WatchFile reloads whenever the file is written or replaced. The parent
// directory is watched so atomic saves (write to temp, rename) are seen.
func (h *Holder) WatchFile() error {
	if h.path == "" {
		return ErrNoConfigFile
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	h.watcher = watcher

	go h.watchLoop(watcher)

	h.logger.Info().Str("path", h.path).Msg("watching config file for changes")
	return nil
}

// WatchSignals reloads on SIGHUP until Stop.
func (h *Holder) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-sigCh:
				h.logger.Info().Msg("received SIGHUP, reloading config")
				h.Reload()
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop ends file and signal watching. Safe to call more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.watcher != nil {
			h.watcher.Close()
		}
	})
}

func (h *Holder) watchLoop(w *fsnotify.Watcher) {
	name := filepath.Base(h.path)
	var pending <-chan time.Time

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			h.logger.Debug().Str("event", ev.Op.String()).Msg("config file changed")
			pending = time.After(reloadDebounce)

		case <-pending:
			pending = nil
			h.Reload()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")

		case <-h.stopCh:
			return
		}
	}
}

func (h *Holder) logChanges(prev, next *Config) {
	if prev.Logging.Level != next.Logging.Level {
		h.logger.Info().
			Str("old", prev.Logging.Level).
			Str("new", next.Logging.Level).
			Msg("log level changed")
	}

	if prev.Billing.DefaultCost != next.Billing.DefaultCost || !reflect.DeepEqual(prev.Billing.Endpoints, next.Billing.Endpoints) {
		h.logger.Info().
			Int("endpoints", len(next.Billing.Endpoints)).
			Int64("default_cost", next.Billing.DefaultCost).
			Msg("pricing changed")
	}

	if prev.RateLimit.DefaultClass != next.RateLimit.DefaultClass || !reflect.DeepEqual(prev.RateLimit.Classes, next.RateLimit.Classes) {
		h.logger.Info().
			Int("classes", len(next.RateLimit.Classes)).
			Str("default_class", next.RateLimit.DefaultClass).
			Msg("rate limit classes changed")
	}

	if prev.Billing.TrialBalance != next.Billing.TrialBalance || prev.Billing.MaxPurchase != next.Billing.MaxPurchase {
		h.logger.Info().
			Int64("trial_balance", next.Billing.TrialBalance).
			Int64("max_purchase", next.Billing.MaxPurchase).
			Msg("balance limits changed")
	}
}

// restartField is a setting bound when the process starts. Reload keeps
// its running value.
type restartField struct {
	name    string
	changed func(prev, next *Config) bool
	keep    func(prev, next *Config)
}

var restartFields = []restartField{
	{
		name:    "server",
		changed: func(p, n *Config) bool { return p.Server != n.Server },
		keep:    func(p, n *Config) { n.Server = p.Server },
	},
	{
		name:    "upstream",
		changed: func(p, n *Config) bool { return p.Upstream != n.Upstream },
		keep:    func(p, n *Config) { n.Upstream = p.Upstream },
	},
	{
		name:    "auth.key_prefix",
		changed: func(p, n *Config) bool { return p.Auth.KeyPrefix != n.Auth.KeyPrefix },
		keep:    func(p, n *Config) { n.Auth.KeyPrefix = p.Auth.KeyPrefix },
	},
	{
		name:    "auth.key_secret",
		changed: func(p, n *Config) bool { return p.Auth.KeySecret != n.Auth.KeySecret },
		keep:    func(p, n *Config) { n.Auth.KeySecret = p.Auth.KeySecret },
	},
	{
		name:    "database",
		changed: func(p, n *Config) bool { return p.Database != n.Database },
		keep:    func(p, n *Config) { n.Database = p.Database },
	},
	{
		name: "rate_limit.store",
		changed: func(p, n *Config) bool {
			return p.RateLimit.Store != n.RateLimit.Store ||
				p.RateLimit.RedisURL != n.RateLimit.RedisURL ||
				p.RateLimit.RedisPrefix != n.RateLimit.RedisPrefix
		},
		keep: func(p, n *Config) {
			n.RateLimit.Store = p.RateLimit.Store
			n.RateLimit.RedisURL = p.RateLimit.RedisURL
			n.RateLimit.RedisPrefix = p.RateLimit.RedisPrefix
		},
	},
	{
		name:    "pipeline",
		changed: func(p, n *Config) bool { return p.Pipeline != n.Pipeline },
		keep:    func(p, n *Config) { n.Pipeline = p.Pipeline },
	},
	{
		name:    "usage",
		changed: func(p, n *Config) bool { return p.Usage != n.Usage },
		keep:    func(p, n *Config) { n.Usage = p.Usage },
	},
	{
		name:    "metrics",
		changed: func(p, n *Config) bool { return p.Metrics != n.Metrics },
		keep:    func(p, n *Config) { n.Metrics = p.Metrics },
	},
	{
		name:    "cors",
		changed: func(p, n *Config) bool { return !reflect.DeepEqual(p.CORS, n.CORS) },
		keep:    func(p, n *Config) { n.CORS = p.CORS },
	},
}

// ReloadableFields lists the settings a reload applies in place.
func ReloadableFields() []string {
	return []string{
		"auth.rule",
		"rate_limit.rule",
		"rate_limit.classes",
		"rate_limit.default_class",
		"billing.rule",
		"billing.default_cost",
		"billing.endpoints",
		"billing.trial_balance",
		"billing.max_purchase",
		"logging.level",
	}
}

// NonReloadableFields lists the settings that need a restart.
func NonReloadableFields() []string {
	names := make([]string, len(restartFields))
	for i, f := range restartFields {
		names[i] = f.name
	}
	return names
}
