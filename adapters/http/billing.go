package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/artpar/tollgate/app"
	"github.com/artpar/tollgate/domain/balance"
	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/domain/ratelimit"
	"github.com/artpar/tollgate/domain/request"
	"github.com/artpar/tollgate/pkg/jsonapi"
	"github.com/artpar/tollgate/ports"
	"github.com/rs/zerolog"
)

// Resource types rendered by the billing routes.
const (
	TypeBalance   = "balances"
	TypeUsage     = "usage_stats"
	TypeRateLimit = "rate_limits"
	TypeKey       = "api_keys"
)

const keysPath = "/billing/keys/"

// BillingHandler serves the caller-facing account routes. Each method is
// an app.Handler run behind the auth and rate limit stages, so the
// caller's identity is always in the context.
type BillingHandler struct {
	accounts *app.AccountService
	clock    ports.Clock
	logger   zerolog.Logger
}

// NewBillingHandler creates the billing route handlers.
func NewBillingHandler(accounts *app.AccountService, clk ports.Clock, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{accounts: accounts, clock: clk, logger: logger}
}

type purchaseRequest struct {
	Amount int64 `json:"amount"`
}

type issueKeyRequest struct {
	Name          string `json:"name"`
	ExpiresInDays int    `json:"expires_in_days"`
}

// PurchaseTokens credits the caller's balance.
func (h *BillingHandler) PurchaseTokens(ctx context.Context, req request.Request) (request.Response, error) {
	id, err := identity(ctx)
	if err != nil {
		return request.Response{}, err
	}

	var body purchaseRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return request.Response{}, badRequest("Invalid JSON body")
	}

	acct, err := h.accounts.TopUp(ctx, id.UserID, body.Amount)
	switch {
	case errors.Is(err, balance.ErrInvalidAmount):
		return request.Response{}, validation("amount", "must be positive")
	case errors.Is(err, app.ErrPurchaseLimit):
		return request.Response{}, validation("amount", err.Error())
	case err != nil:
		return request.Response{}, h.internal(err, "top up")
	}

	return resourceResponse(http.StatusOK, balanceResource(acct).
		Meta("purchased", body.Amount).
		Build())
}

// Balance reports the caller's balance.
func (h *BillingHandler) Balance(ctx context.Context, req request.Request) (request.Response, error) {
	id, err := identity(ctx)
	if err != nil {
		return request.Response{}, err
	}

	acct, err := h.accounts.Balance(ctx, id.UserID)
	if errors.Is(err, ports.ErrNotFound) {
		acct = balance.Account{UserID: id.UserID}
	} else if err != nil {
		return request.Response{}, h.internal(err, "load balance")
	}
	return resourceResponse(http.StatusOK, balanceResource(acct).Build())
}

// UsageStats summarizes the caller's usage over ?days= (default 30).
func (h *BillingHandler) UsageStats(ctx context.Context, req request.Request) (request.Response, error) {
	id, err := identity(ctx)
	if err != nil {
		return request.Response{}, err
	}

	q, _ := url.ParseQuery(req.Query)
	days, ok := parseDays(q.Get("days"), 30)
	if !ok {
		return request.Response{}, invalidParam("days", "must be an integer", http.StatusBadRequest)
	}

	sum, err := h.accounts.UsageStats(ctx, id.UserID, days)
	if errors.Is(err, app.ErrInvalidDays) {
		return request.Response{}, invalidParam("days", err.Error(), http.StatusUnprocessableEntity)
	} else if err != nil {
		return request.Response{}, h.internal(err, "usage stats")
	}

	byEndpoint := make([]map[string]any, 0, len(sum.ByEndpoint))
	for _, e := range sum.ByEndpoint {
		byEndpoint = append(byEndpoint, map[string]any{
			"endpoint": e.Endpoint,
			"requests": e.Requests,
			"tokens":   e.Tokens,
		})
	}

	res := jsonapi.NewResource(TypeUsage, id.UserID).
		Attr("period_days", days).
		Time("period_start", &sum.PeriodStart).
		Time("period_end", &sum.PeriodEnd).
		Attr("total_requests", sum.TotalRequests).
		Attr("total_tokens", sum.TotalTokens).
		Attr("avg_latency_ms", sum.AvgLatencyMs).
		Attr("by_endpoint", byEndpoint).
		Build()
	return resourceResponse(http.StatusOK, res)
}

// RateLimitStatus reports the caller's window counters without consuming them.
func (h *BillingHandler) RateLimitStatus(ctx context.Context, req request.Request) (request.Response, error) {
	id, err := identity(ctx)
	if err != nil {
		return request.Response{}, err
	}

	status, err := h.accounts.RateLimitStatus(ctx, id)
	if err != nil {
		return request.Response{}, h.internal(err, "rate limit status")
	}

	resources := make([]jsonapi.Resource, 0, len(status))
	for _, w := range status {
		resources = append(resources, rateLimitResource(id.KeyID, w))
	}
	return collectionResponse(resources)
}

// ListKeys lists the caller's keys. Hashes are never rendered.
func (h *BillingHandler) ListKeys(ctx context.Context, req request.Request) (request.Response, error) {
	id, err := identity(ctx)
	if err != nil {
		return request.Response{}, err
	}

	keys, err := h.accounts.ListKeys(ctx, id.UserID)
	if err != nil {
		return request.Response{}, h.internal(err, "list keys")
	}

	resources := make([]jsonapi.Resource, 0, len(keys))
	for _, k := range keys {
		resources = append(resources, keyResource(k).Build())
	}
	return collectionResponse(resources)
}

// IssueKey creates a new key for the caller. The raw key is returned once.
func (h *BillingHandler) IssueKey(ctx context.Context, req request.Request) (request.Response, error) {
	id, err := identity(ctx)
	if err != nil {
		return request.Response{}, err
	}

	var body issueKeyRequest
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return request.Response{}, badRequest("Invalid JSON body")
		}
	}
	if body.ExpiresInDays < 0 {
		return request.Response{}, validation("expires_in_days", "must not be negative")
	}

	params := key.CreateParams{
		UserID: id.UserID,
		Name:   body.Name,
		Class:  id.Class,
	}
	if body.ExpiresInDays > 0 {
		exp := h.clock.Now().Add(time.Duration(body.ExpiresInDays) * 24 * time.Hour)
		params.ExpiresAt = &exp
	}

	raw, k, err := h.accounts.IssueKey(ctx, params)
	if err != nil {
		return request.Response{}, h.internal(err, "issue key")
	}

	return resourceResponse(http.StatusCreated, keyResource(k).
		Attr("key", raw).
		Meta("message", "Store this key securely. It will not be shown again.").
		Build())
}

// RevokeKey revokes one of the caller's keys.
func (h *BillingHandler) RevokeKey(ctx context.Context, req request.Request) (request.Response, error) {
	id, err := identity(ctx)
	if err != nil {
		return request.Response{}, err
	}

	keyID := strings.TrimPrefix(req.Path, keysPath)
	if keyID == "" || keyID == req.Path || strings.Contains(keyID, "/") {
		return request.Response{}, badRequest("Key ID is required")
	}

	err = h.accounts.RevokeKey(ctx, id.UserID, keyID)
	switch {
	case errors.Is(err, ports.ErrNotFound):
		return request.Response{}, notFound("API key")
	case errors.Is(err, key.ErrAlreadyRevoked):
		return request.Response{}, &request.ErrorResponse{
			Status:  http.StatusConflict,
			Code:    "already_revoked",
			Message: "API key is already revoked",
		}
	case err != nil:
		return request.Response{}, h.internal(err, "revoke key")
	}

	return request.Response{Status: http.StatusNoContent}, nil
}

func (h *BillingHandler) internal(err error, op string) error {
	h.logger.Error().Err(err).Str("op", op).Msg("billing route failed")
	return &request.ErrorResponse{
		Status:  http.StatusInternalServerError,
		Code:    "internal_error",
		Message: "An unexpected error occurred",
	}
}

func identity(ctx context.Context) (key.Identity, error) {
	id, ok := app.IdentityFrom(ctx)
	if !ok {
		return key.Identity{}, request.ConfigurationError("billing route reached without identity")
	}
	return id, nil
}

func balanceResource(a balance.Account) *jsonapi.ResourceBuilder {
	return jsonapi.NewResource(TypeBalance, a.UserID).
		Attr("current_balance", a.Current).
		Attr("total_purchased", a.TotalPurchased).
		Attr("total_used", a.TotalUsed).
		Attr("available", a.Available()).
		Time("updated_at", &a.UpdatedAt)
}

func rateLimitResource(keyID string, w ratelimit.WindowStatus) jsonapi.Resource {
	return jsonapi.NewResource(TypeRateLimit, keyID+":"+w.Window).
		Attr("window", w.Window).
		Attr("limit", w.Limit).
		Attr("count", w.Count).
		Attr("remaining", w.Remaining).
		Time("reset_at", &w.ResetAt).
		Build()
}

func keyResource(k key.Key) *jsonapi.ResourceBuilder {
	return jsonapi.NewResource(TypeKey, k.ID).
		Attr("name", k.Name).
		Attr("prefix", k.Prefix).
		Attr("class", k.Class).
		Attr("is_active", k.IsActive).
		Time("created_at", &k.CreatedAt).
		Time("expires_at", k.ExpiresAt).
		Time("last_used_at", k.LastUsedAt).
		Time("revoked_at", k.RevokedAt)
}

func resourceResponse(status int, r jsonapi.Resource) (request.Response, error) {
	return documentResponse(status, jsonapi.Single(r))
}

func collectionResponse(resources []jsonapi.Resource) (request.Response, error) {
	return documentResponse(http.StatusOK, jsonapi.Collection(resources))
}

func documentResponse(status int, doc jsonapi.Document) (request.Response, error) {
	body, err := jsonapi.Encode(doc)
	if err != nil {
		return request.Response{}, err
	}
	return request.Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": jsonapi.ContentType},
		Body:    body,
	}, nil
}

func badRequest(detail string) *request.ErrorResponse {
	return &request.ErrorResponse{Status: http.StatusBadRequest, Code: "bad_request", Message: detail}
}

func notFound(resource string) *request.ErrorResponse {
	return &request.ErrorResponse{Status: http.StatusNotFound, Code: "not_found", Message: resource + " not found"}
}

func validation(field, msg string) *request.ErrorResponse {
	return &request.ErrorResponse{
		Status:  http.StatusUnprocessableEntity,
		Code:    "validation_error",
		Message: msg,
		Meta:    map[string]any{"field": field},
	}
}

func invalidParam(param, msg string, status int) *request.ErrorResponse {
	code := "validation_error"
	if status == http.StatusBadRequest {
		code = "bad_request"
	}
	return &request.ErrorResponse{
		Status:  status,
		Code:    code,
		Message: param + " " + msg,
		Meta:    map[string]any{"parameter": param},
	}
}
