package http_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/artpar/tollgate/adapters/clock"
	apihttp "github.com/artpar/tollgate/adapters/http"
	"github.com/artpar/tollgate/adapters/idgen"
	"github.com/artpar/tollgate/adapters/memory"
	"github.com/artpar/tollgate/adapters/metrics"
	"github.com/artpar/tollgate/app"
	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/domain/pathrule"
	"github.com/artpar/tollgate/domain/pricing"
	"github.com/artpar/tollgate/domain/ratelimit"
	"github.com/artpar/tollgate/domain/request"
	"github.com/artpar/tollgate/pkg/jsonapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 30, 0, time.UTC)

type gateway struct {
	server   *httptest.Server
	gate     *apihttp.GateHandler
	accounts *app.AccountService
	calls    *atomic.Int64
}

func newGateway(t *testing.T, trial int64) *gateway {
	t.Helper()

	var calls atomic.Int64
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "" {
			t.Error("Authorization must not reach the upstream")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"prediction":0.5}`))
	}))
	t.Cleanup(model.Close)

	store := memory.New()
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(baseTime)
	logger := zerolog.Nop()
	reg := prometheus.NewRegistry()
	collector := metrics.NewWithRegistry(reg)

	gated := pathrule.Rule{Protected: []string{"/api/", "/billing/"}}
	auth := app.NewAuthStage(store.Keys, clk, logger, app.AuthConfig{
		KeyPrefix: "tg_",
		KeySecret: "test-secret",
		Rule:      gated,
	})
	t.Cleanup(auth.Wait)

	limiter := app.NewRateLimitStage(store.RateLimits, clk, logger, collector, app.RateLimitConfig{
		Rule:         gated,
		Classes:      map[string]ratelimit.Limits{"free": {PerMinute: 100, PerHour: 1000, PerDay: 10000}},
		DefaultClass: "free",
	})
	billing := app.NewBillingStage(store.Balances, clk, idgen.NewSequential("use-"), logger, collector, app.BillingConfig{
		Rule: pathrule.Rule{Protected: []string{"/api/"}, Unmatched: pathrule.Skip},
		Pricing: pricing.Table{
			Default:   1,
			Endpoints: []pricing.Endpoint{{Path: "/api/predict", Method: "POST", Cost: 10}},
		},
	})
	pipeline := app.NewPipeline(auth, limiter, billing, logger, collector, app.PipelineConfig{})
	accounts := app.NewAccountService(app.AccountDeps{
		Keys:     store.Keys,
		Balances: store.Balances,
		Usage:    store.Usage,
		Limiter:  limiter,
		Clock:    clk,
	}, logger, app.AccountConfig{
		KeyPrefix:    "tg_",
		KeySecret:    "test-secret",
		TrialBalance: trial,
		MaxPurchase:  10000,
	})

	upstream, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{BaseURL: model.URL}, collector)
	if err != nil {
		t.Fatalf("NewUpstreamClient: %v", err)
	}
	t.Cleanup(func() { upstream.Close() })

	gate := apihttp.NewGateHandler(pipeline, logger)
	router := apihttp.NewRouter(apihttp.RouterConfig{
		Gate:           gate,
		Billing:        apihttp.NewBillingHandler(accounts, clk, logger),
		Upstream:       upstream.Forward,
		Health:         apihttp.NewHealthHandler(upstream),
		Version:        "1.2.3",
		Metrics:        collector,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, logger)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gateway{server: server, gate: gate, accounts: accounts, calls: &calls}
}

func (g *gateway) issue(t *testing.T, userID string) string {
	t.Helper()
	raw, _, err := g.accounts.IssueKey(context.Background(), key.CreateParams{UserID: userID, Name: "test"})
	if err != nil {
		t.Fatalf("IssueKey: %v", err)
	}
	return raw
}

func (g *gateway) do(t *testing.T, method, path, rawKey, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, g.server.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if rawKey != "" {
		req.Header.Set("Authorization", "Bearer "+rawKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) jsonapi.Document {
	t.Helper()
	var doc jsonapi.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return doc
}

func attributes(t *testing.T, doc jsonapi.Document) map[string]any {
	t.Helper()
	data, ok := doc.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %#v, want a resource", doc.Data)
	}
	attrs, _ := data["attributes"].(map[string]any)
	return attrs
}

func TestGate_ForwardsAndBills(t *testing.T) {
	g := newGateway(t, 100)
	raw := g.issue(t, "user-1")

	resp := g.do(t, "POST", "/api/predict", raw, `{"features":[1,2,3]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"prediction":0.5}` {
		t.Errorf("body = %s", body)
	}

	wantHeaders := map[string]string{
		app.HeaderTokensQuoted:     "10",
		app.HeaderTokensCharged:    "10",
		app.HeaderRemainingBalance: "90",
		"X-RateLimit-Limit":        "100",
		"X-RateLimit-Remaining":    "99",
		"Content-Type":             "application/json",
	}
	for k, v := range wantHeaders {
		if got := resp.Header.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if g.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", g.calls.Load())
	}
}

func TestGate_RejectionsAreJSONAPIErrors(t *testing.T) {
	g := newGateway(t, 5)
	raw := g.issue(t, "user-1")

	tests := []struct {
		name       string
		rawKey     string
		wantStatus int
		wantCode   string
		wantHeader string
	}{
		{"missing key", "", http.StatusUnauthorized, "unauthenticated", "WWW-Authenticate"},
		{"unknown key", "tg_" + strings.Repeat("0", 64), http.StatusUnauthorized, "unauthenticated", "WWW-Authenticate"},
		{"insufficient balance", raw, http.StatusPaymentRequired, "insufficient_balance", app.HeaderRemainingBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := g.do(t, "POST", "/api/predict", tt.rawKey, `{}`)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if ct := resp.Header.Get("Content-Type"); ct != jsonapi.ContentType {
				t.Errorf("Content-Type = %q", ct)
			}
			if resp.Header.Get(tt.wantHeader) == "" {
				t.Errorf("missing %s header", tt.wantHeader)
			}
			doc := decode(t, resp)
			if len(doc.Errors) != 1 || doc.Errors[0].Code != tt.wantCode {
				t.Errorf("errors = %+v, want code %s", doc.Errors, tt.wantCode)
			}
		})
	}

	if g.calls.Load() != 0 {
		t.Errorf("upstream calls = %d, rejected requests must not reach it", g.calls.Load())
	}
}

func TestGate_InsufficientBalanceMeta(t *testing.T) {
	g := newGateway(t, 5)
	raw := g.issue(t, "user-1")

	doc := decode(t, g.do(t, "POST", "/api/predict", raw, `{}`))
	meta := doc.Errors[0].Meta
	if meta["required"] != float64(10) || meta["available"] != float64(5) {
		t.Errorf("meta = %v, want required 10 available 5", meta)
	}
}

func TestGate_OversizedBodyIsRejected(t *testing.T) {
	g := newGateway(t, 100)
	raw := g.issue(t, "user-1")

	var handled atomic.Int64
	h := g.gate.Serve(func(ctx context.Context, req request.Request) (request.Response, error) {
		handled.Add(1)
		return request.Response{Status: http.StatusOK}, nil
	})

	items := strings.Repeat(`{"a":1},`, (10<<20)/8)
	body := `{"items":[` + items + `{"a":1}]}`
	req := httptest.NewRequest("POST", "/api/predict", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != jsonapi.ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	var doc jsonapi.Document
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Errors) != 1 || doc.Errors[0].Code != "payload_too_large" {
		t.Errorf("errors = %+v, want payload_too_large", doc.Errors)
	}
	if handled.Load() != 0 {
		t.Error("handler must not run for a truncated body")
	}

	acct, err := g.accounts.Balance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if acct.Current != 100 || len(acct.Holds) != 0 {
		t.Errorf("balance = %d holds = %d, want 100 and none", acct.Current, len(acct.Holds))
	}
}

func TestBillingRoutes_BalanceAndPurchase(t *testing.T) {
	g := newGateway(t, 100)
	raw := g.issue(t, "user-1")

	attrs := attributes(t, decode(t, g.do(t, "GET", "/billing/balance", raw, "")))
	if attrs["current_balance"] != float64(100) || attrs["available"] != float64(100) {
		t.Errorf("balance attrs = %v", attrs)
	}

	resp := g.do(t, "POST", "/billing/purchase-tokens", raw, `{"amount":250}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purchase status = %d", resp.StatusCode)
	}
	attrs = attributes(t, decode(t, resp))
	if attrs["current_balance"] != float64(350) || attrs["total_purchased"] != float64(350) {
		t.Errorf("after purchase attrs = %v", attrs)
	}

	for _, body := range []string{`{"amount":0}`, `{"amount":-1}`, `{"amount":10001}`} {
		resp := g.do(t, "POST", "/billing/purchase-tokens", raw, body)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("%s: status = %d, want 422", body, resp.StatusCode)
			continue
		}
		doc := decode(t, resp)
		if src := doc.Errors[0].Source; src == nil || src.Pointer != "/amount" {
			t.Errorf("%s: source = %+v, want pointer /amount", body, src)
		}
	}

	resp = g.do(t, "POST", "/billing/purchase-tokens", raw, `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", resp.StatusCode)
	}

	// Billing routes are authenticated but never charged.
	resp = g.do(t, "GET", "/billing/balance", raw, "")
	if resp.Header.Get(app.HeaderTokensCharged) != "" {
		t.Error("billing routes must not pass through the billing stage")
	}
	if resp.Header.Get("X-RateLimit-Limit") == "" {
		t.Error("billing routes are rate limited")
	}

	if resp := g.do(t, "GET", "/billing/balance", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("anonymous balance status = %d, want 401", resp.StatusCode)
	}
}

func TestBillingRoutes_UsageStats(t *testing.T) {
	g := newGateway(t, 100)
	raw := g.issue(t, "user-1")

	for i := 0; i < 2; i++ {
		if resp := g.do(t, "POST", "/api/predict", raw, `{}`); resp.StatusCode != http.StatusOK {
			t.Fatalf("predict status = %d", resp.StatusCode)
		}
	}

	attrs := attributes(t, decode(t, g.do(t, "GET", "/billing/usage-stats?days=7", raw, "")))
	if attrs["total_requests"] != float64(2) || attrs["total_tokens"] != float64(20) || attrs["period_days"] != float64(7) {
		t.Errorf("usage attrs = %v", attrs)
	}

	tests := []struct {
		query      string
		wantStatus int
	}{
		{"", http.StatusOK},
		{"?days=365", http.StatusOK},
		{"?days=0", http.StatusUnprocessableEntity},
		{"?days=366", http.StatusUnprocessableEntity},
		{"?days=week", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if resp := g.do(t, "GET", "/billing/usage-stats"+tt.query, raw, ""); resp.StatusCode != tt.wantStatus {
			t.Errorf("usage-stats%s status = %d, want %d", tt.query, resp.StatusCode, tt.wantStatus)
		}
	}
}

func TestBillingRoutes_RateLimitStatus(t *testing.T) {
	g := newGateway(t, 100)
	raw := g.issue(t, "user-1")

	doc := decode(t, g.do(t, "GET", "/billing/rate-limit-status", raw, ""))
	windows, ok := doc.Data.([]any)
	if !ok || len(windows) != 3 {
		t.Fatalf("data = %#v, want three windows", doc.Data)
	}
	first := windows[0].(map[string]any)["attributes"].(map[string]any)
	// The status request itself was counted by the rate limit stage.
	if first["count"] != float64(1) || first["limit"] != float64(100) {
		t.Errorf("minute window = %v", first)
	}
}

func TestBillingRoutes_KeyLifecycle(t *testing.T) {
	g := newGateway(t, 100)
	raw := g.issue(t, "user-1")

	resp := g.do(t, "POST", "/billing/keys", raw, `{"name":"ci","expires_in_days":30}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue status = %d, want 201", resp.StatusCode)
	}
	doc := decode(t, resp)
	attrs := attributes(t, doc)
	second, _ := attrs["key"].(string)
	if !key.ValidateFormat(second, "tg_") {
		t.Fatalf("issued key %q has the wrong format", second)
	}
	if attrs["name"] != "ci" || attrs["expires_at"] == nil {
		t.Errorf("issued attrs = %v", attrs)
	}
	secondID := doc.Data.(map[string]any)["id"].(string)

	listed := decode(t, g.do(t, "GET", "/billing/keys", second, ""))
	keys, _ := listed.Data.([]any)
	if len(keys) != 2 {
		t.Fatalf("listed %d keys, want 2", len(keys))
	}
	for _, k := range keys {
		attrs := k.(map[string]any)["attributes"].(map[string]any)
		if _, ok := attrs["hash"]; ok {
			t.Error("key hash must never be rendered")
		}
		if _, ok := attrs["key"]; ok {
			t.Error("raw key must only be returned at issue time")
		}
	}

	if resp := g.do(t, "DELETE", "/billing/keys/key_missing", raw, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("revoke missing status = %d, want 404", resp.StatusCode)
	}
	if resp := g.do(t, "DELETE", "/billing/keys/"+secondID, raw, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status = %d, want 204", resp.StatusCode)
	}
	if resp := g.do(t, "DELETE", "/billing/keys/"+secondID, raw, ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("second revoke status = %d, want 409", resp.StatusCode)
	}
	if resp := g.do(t, "GET", "/billing/balance", second, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked key status = %d, want 401", resp.StatusCode)
	}
}

func TestBillingRoutes_CannotRevokeOtherUsersKey(t *testing.T) {
	g := newGateway(t, 100)
	alice := g.issue(t, "alice")
	_, bobKey, err := g.accounts.IssueKey(context.Background(), key.CreateParams{UserID: "bob"})
	if err != nil {
		t.Fatalf("IssueKey: %v", err)
	}

	if resp := g.do(t, "DELETE", "/billing/keys/"+bobKey.ID, alice, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthAndVersion(t *testing.T) {
	g := newGateway(t, 0)

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/health", http.StatusOK, `"status":"ok"`},
		{"/health/ready", http.StatusOK, `"status":"ok"`},
		{"/version", http.StatusOK, `"version":"1.2.3"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := g.do(t, "GET", tt.path, "", "")
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			body, _ := io.ReadAll(resp.Body)
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", body, tt.wantBody)
			}
		})
	}
}

func TestReadiness_UpstreamDown(t *testing.T) {
	h := apihttp.NewHealthHandler(failingChecker{})
	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest("GET", "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

type failingChecker struct{}

func (failingChecker) HealthCheck(context.Context) error { return io.ErrUnexpectedEOF }

func TestMetricsEndpoint(t *testing.T) {
	g := newGateway(t, 100)
	raw := g.issue(t, "user-1")
	g.do(t, "POST", "/api/predict", raw, `{}`)
	g.do(t, "POST", "/api/predict", "", `{}`)

	body, _ := io.ReadAll(g.do(t, "GET", "/metrics", "", "").Body)
	for _, want := range []string{
		`tollgate_requests_total{method="POST",path="/api/*",status="200"} 1`,
		`tollgate_requests_total{method="POST",path="/api/*",status="401"} 1`,
		`tollgate_tokens_charged_total 10`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
