// Package metrics provides Prometheus metrics collection for tollgate.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tollgate"

// Collector holds all Prometheus metrics for tollgate.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Pipeline metrics
	Rejections     *prometheus.CounterVec
	TokensCharged  prometheus.Counter
	HoldsReleased  prometheus.Counter
	StoreConflicts *prometheus.CounterVec

	// Upstream metrics
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	UpstreamRetries  prometheus.Counter

	// Maintenance metrics
	UsagePruned        prometheus.Counter
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default Prometheus registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Requests rejected by a pipeline stage",
			},
			[]string{"stage", "code"},
		),
		TokensCharged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_charged_total",
				Help:      "Tokens debited for successful requests",
			},
		),
		HoldsReleased: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "holds_released_total",
				Help:      "Balance holds released without charge",
			},
		),
		StoreConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_conflicts_total",
				Help:      "Store updates that exhausted their optimistic retries",
			},
			[]string{"store"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Upstream request duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "status"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Total number of upstream errors",
			},
			[]string{"type"},
		),
		UpstreamRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_retries_total",
				Help:      "Handler attempts retried after a transient failure",
			},
		),
		UsagePruned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_entries_pruned_total",
				Help:      "Usage entries deleted by retention",
			},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// ObserveRequest records a finished HTTP request.
func (c *Collector) ObserveRequest(method, path string, status int, d time.Duration) {
	s := strconv.Itoa(status)
	c.RequestsTotal.WithLabelValues(method, path, s).Inc()
	c.RequestDuration.WithLabelValues(method, s).Observe(d.Seconds())
}

// ObserveUpstream records one upstream call. errType is "" on success.
func (c *Collector) ObserveUpstream(method string, status int, d time.Duration, errType string) {
	c.UpstreamDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(d.Seconds())
	if errType != "" {
		c.UpstreamErrors.WithLabelValues(errType).Inc()
	}
}

// The methods below satisfy app.Observer.

// Rejected counts a stage rejection.
func (c *Collector) Rejected(stage, code string) {
	c.Rejections.WithLabelValues(stage, code).Inc()
}

// Charged counts debited tokens.
func (c *Collector) Charged(tokens int64) {
	c.TokensCharged.Add(float64(tokens))
}

// Released counts a hold dropped without charge.
func (c *Collector) Released() {
	c.HoldsReleased.Inc()
}

// Conflict counts an exhausted optimistic retry.
func (c *Collector) Conflict(store string) {
	c.StoreConflicts.WithLabelValues(store).Inc()
}

// Retried counts a retried handler attempt.
func (c *Collector) Retried() {
	c.UpstreamRetries.Inc()
}

// Pruned counts usage entries removed by retention.
func (c *Collector) Pruned(n int64) {
	c.UsagePruned.Add(float64(n))
}

// Reloaded records a config reload outcome.
func (c *Collector) Reloaded(err error) {
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.SetToCurrentTime()
}
