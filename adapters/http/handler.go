// Package http provides the HTTP transport in front of the pipeline.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/tollgate/adapters/metrics"
	"github.com/artpar/tollgate/app"
	"github.com/artpar/tollgate/domain/request"
	"github.com/artpar/tollgate/pkg/jsonapi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds request bodies read into memory. Larger bodies are
// rejected before the pipeline runs.
const maxBodyBytes = 10 << 20

// VersionResponse is the /version body.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// GateHandler runs HTTP requests through the pipeline.
type GateHandler struct {
	pipeline *app.Pipeline
	logger   zerolog.Logger
}

// NewGateHandler creates a pipeline-backed HTTP handler factory.
func NewGateHandler(p *app.Pipeline, logger zerolog.Logger) *GateHandler {
	return &GateHandler{pipeline: p, logger: logger}
}

// Serve returns an http.HandlerFunc that runs the pipeline with h as the
// terminal handler.
func (g *GateHandler) Serve(h app.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				g.logger.Warn().
					Str("path", r.URL.Path).
					Int64("limit", tooLarge.Limit).
					Msg("request body too large")
				jsonapi.WriteError(w, jsonapi.NewError(http.StatusRequestEntityTooLarge, "payload_too_large").
					Detail("Request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes").
					Build())
				return
			}
			if err != nil {
				g.logger.Error().Err(err).Msg("failed to read request body")
				jsonapi.WriteError(w, jsonapi.ErrBadRequest("Failed to read request body"))
				return
			}
		}

		req := request.Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Headers:       extractHeaders(r),
			Body:          body,
			Authorization: r.Header.Get("Authorization"),
			RemoteIP:      extractIP(r),
			UserAgent:     r.UserAgent(),
			TraceID:       middleware.GetReqID(ctx),
		}

		start := time.Now()
		out := g.pipeline.Handle(ctx, req, h)
		g.logRequest(req, out, time.Since(start))
		writeOutcome(w, out)
	}
}

func (g *GateHandler) logRequest(req request.Request, out app.Outcome, d time.Duration) {
	event := g.logger.Info()
	if out.Err != nil {
		event = g.logger.Warn().
			Str("stage", out.Stage).
			Str("error_code", out.Err.Code)
	}
	event.
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", out.Status()).
		Str("remote_ip", req.RemoteIP).
		Str("trace_id", req.TraceID).
		Dur("duration", d)
	if !out.Identity.IsZero() {
		event.
			Str("user_id", out.Identity.UserID).
			Str("key_id", out.Identity.KeyID)
	}
	event.Msg("gate request")
}

func writeOutcome(w http.ResponseWriter, out app.Outcome) {
	for k, v := range out.Headers() {
		w.Header().Set(k, v)
	}
	if out.Err != nil {
		writeError(w, out.Err)
		return
	}
	status := out.Response.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(out.Response.Body) > 0 {
		w.Write(out.Response.Body)
	}
}

// writeError writes a JSON:API error response. The "field" and
// "parameter" meta entries become the error source.
func writeError(w http.ResponseWriter, err *request.ErrorResponse) {
	b := jsonapi.NewError(err.Status, err.Code).Detail(err.Message)
	if err.Code == request.CodeUnauthenticated {
		b.Header("Authorization")
	}
	for k, v := range err.Meta {
		s, _ := v.(string)
		switch {
		case k == "field" && s != "":
			b.Pointer("/" + s)
		case k == "parameter" && s != "":
			b.Parameter(s)
		default:
			b.Meta(k, v)
		}
	}
	jsonapi.WriteError(w, b.Build())
}

// extractHeaders copies forwardable headers. Credentials and hop-by-hop
// headers are dropped so the upstream never sees the caller's key.
func extractHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string)
	for k, v := range r.Header {
		lower := strings.ToLower(k)
		if lower == "authorization" || lower == "cookie" || isHopByHop(k) {
			continue
		}
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}

// extractIP returns the client IP. middleware.RealIP has already applied
// X-Forwarded-For and X-Real-IP to RemoteAddr.
func extractIP(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// HealthChecker checks upstream health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	upstream HealthChecker
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(upstream HealthChecker) *HealthHandler {
	return &HealthHandler{upstream: upstream}
}

// Liveness returns a simple liveness check.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness checks that the upstream is reachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.upstream != nil {
		if err := h.upstream.HealthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// VersionHandler returns a handler reporting the build version.
func VersionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, VersionResponse{Version: version, Service: "tollgate"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// CORSConfig configures cross-origin access.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
}

// RouterConfig holds the router's collaborators.
type RouterConfig struct {
	Gate     *GateHandler
	Billing  *BillingHandler
	Upstream app.Handler
	Health   *HealthHandler
	Version  string
	Metrics  *metrics.Collector
	// MetricsHandler serves MetricsPath; defaults to promhttp.Handler()
	// when Metrics is set.
	MetricsHandler http.Handler
	MetricsPath    string
	CORS           CORSConfig
	RequestTimeout time.Duration
}

// NewRouter creates the main HTTP router.
func NewRouter(cfg RouterConfig, logger zerolog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	if cfg.CORS.Enabled {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			ExposedHeaders: []string{
				"Retry-After",
				"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-RateLimit-Window",
				app.HeaderTokensQuoted, app.HeaderTokensCharged, app.HeaderRemainingBalance,
			},
		}).Handler)
	}
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	health := cfg.Health
	if health == nil {
		health = NewHealthHandler(nil)
	}
	r.Get("/health", health.Liveness)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Get("/version", VersionHandler(cfg.Version))

	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if cfg.MetricsHandler != nil {
		r.Handle(metricsPath, cfg.MetricsHandler)
	} else if cfg.Metrics != nil {
		r.Handle(metricsPath, promhttp.Handler())
	}

	if cfg.Billing != nil {
		r.Route("/billing", func(br chi.Router) {
			br.Post("/purchase-tokens", cfg.Gate.Serve(cfg.Billing.PurchaseTokens))
			br.Get("/balance", cfg.Gate.Serve(cfg.Billing.Balance))
			br.Get("/usage-stats", cfg.Gate.Serve(cfg.Billing.UsageStats))
			br.Get("/rate-limit-status", cfg.Gate.Serve(cfg.Billing.RateLimitStatus))
			br.Get("/keys", cfg.Gate.Serve(cfg.Billing.ListKeys))
			br.Post("/keys", cfg.Gate.Serve(cfg.Billing.IssueKey))
			br.Delete("/keys/{id}", cfg.Gate.Serve(cfg.Billing.RevokeKey))
		})
	}

	if cfg.Upstream != nil {
		r.HandleFunc("/api/*", cfg.Gate.Serve(cfg.Upstream))
	}

	return r
}

// NewMetricsMiddleware creates middleware that records request metrics.
// The path label is the matched route pattern to bound cardinality.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			path := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					path = p
				}
			}
			m.ObserveRequest(r.Method, path, ww.Status(), time.Since(start))
		})
	}
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func parseDays(query string, def int) (int, bool) {
	if query == "" {
		return def, true
	}
	n, err := strconv.Atoi(query)
	return n, err == nil
}
