package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/artpar/tollgate/domain/request"
	"github.com/artpar/tollgate/ports"
)

// UpstreamObserver records upstream calls. *metrics.Collector implements it.
type UpstreamObserver interface {
	ObserveUpstream(method string, status int, d time.Duration, errType string)
}

// UpstreamClient forwards admitted requests to the prediction service.
type UpstreamClient struct {
	client  *http.Client
	baseURL *url.URL
	obs     UpstreamObserver
}

// UpstreamConfig contains configuration for the upstream client.
type UpstreamConfig struct {
	BaseURL         string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// NewUpstreamClient creates a new upstream HTTP client. obs may be nil.
func NewUpstreamClient(cfg UpstreamConfig, obs UpstreamObserver) (*UpstreamClient, error) {
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}

	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
	}

	return &UpstreamClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL: baseURL,
		obs:     obs,
	}, nil
}

// Forward sends a request to the upstream and returns the response.
// A failure to reach the upstream wraps ports.ErrTransient unless the
// caller's context ended first.
func (u *UpstreamClient) Forward(ctx context.Context, req request.Request) (request.Response, error) {
	start := time.Now()

	upstreamURL := u.baseURL.ResolveReference(&url.URL{
		Path:     req.Path,
		RawQuery: req.Query,
	})

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, upstreamURL.String(), body)
	if err != nil {
		return request.Response{}, fmt.Errorf("create request: %w", err)
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.RemoteIP != "" {
		httpReq.Header.Set("X-Forwarded-For", req.RemoteIP)
	}
	if req.TraceID != "" {
		httpReq.Header.Set("X-Request-ID", req.TraceID)
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		u.observe(req.Method, 0, start, "network")
		if ctx.Err() != nil {
			return request.Response{}, fmt.Errorf("execute request: %w", err)
		}
		return request.Response{}, fmt.Errorf("execute request: %w: %w", ports.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20)) // 50MB limit
	if err != nil {
		u.observe(req.Method, resp.StatusCode, start, "read")
		return request.Response{}, fmt.Errorf("read response: %w", err)
	}

	errType := ""
	if resp.StatusCode >= 500 {
		errType = "status"
	}
	u.observe(req.Method, resp.StatusCode, start, errType)

	return request.Response{
		Status:       resp.StatusCode,
		Headers:      responseHeaders(resp.Header),
		Body:         respBody,
		LatencyMs:    time.Since(start).Milliseconds(),
		UpstreamAddr: u.baseURL.Host,
	}, nil
}

func (u *UpstreamClient) observe(method string, status int, start time.Time, errType string) {
	if u.obs != nil {
		u.obs.ObserveUpstream(method, status, time.Since(start), errType)
	}
}

// HealthCheck verifies the upstream is reachable.
// Any response, even a 404, counts as reachable.
func (u *UpstreamClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.baseURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close closes idle upstream connections.
func (u *UpstreamClient) Close() error {
	u.client.CloseIdleConnections()
	return nil
}

// isHopByHop reports headers that must not be forwarded.
func isHopByHop(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
		"te", "trailers", "transfer-encoding", "upgrade":
		return true
	}
	return false
}

func responseHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for k, v := range h {
		if isHopByHop(k) || len(v) == 0 {
			continue
		}
		headers[k] = v[0]
	}
	return headers
}

// Ensure interface compliance.
var _ ports.Upstream = (*UpstreamClient)(nil)
