// Package request provides the value types that flow through the pipeline.
package request

import (
	"fmt"
	"net/http"
)

// Request represents an inbound request (value type).
// This is extracted from HTTP and passed through the stages.
type Request struct {
	Method        string
	Path          string
	Query         string
	Headers       map[string]string
	Body          []byte
	Authorization string

	RemoteIP  string
	UserAgent string
	TraceID   string
}

// Response represents the outcome returned to the caller (value type).
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte

	LatencyMs    int64
	UpstreamAddr string
}

// Success reports whether the response is a 2xx.
func (r Response) Success() bool {
	return r.Status >= 200 && r.Status < 300
}

// SetHeader sets a response header, allocating the map if needed.
func (r *Response) SetHeader(k, v string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[k] = v
}

// Error codes, one per rejection class.
const (
	CodeUnauthenticated     = "unauthenticated"
	CodeRateLimited         = "rate_limited"
	CodeInsufficientBalance = "insufficient_balance"
	CodeUpstreamFailure     = "upstream_failure"
	CodeConfigurationError  = "configuration_error"
	CodeTransient           = "transient_failure"
)

// ErrorResponse is a terminal rejection produced by a stage (value type).
// It implements error so stages can return it directly.
type ErrorResponse struct {
	Status  int
	Code    string
	Message string
	Meta    map[string]any
	Headers map[string]string
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// WithHeader returns a copy of e with header k set.
func (e *ErrorResponse) WithHeader(k, v string) *ErrorResponse {
	c := *e
	c.Headers = make(map[string]string, len(e.Headers)+1)
	for hk, hv := range e.Headers {
		c.Headers[hk] = hv
	}
	c.Headers[k] = v
	return &c
}

// Unauthenticated is the single observable outcome of every auth failure.
// The message never reveals which check failed.
func Unauthenticated() *ErrorResponse {
	return &ErrorResponse{
		Status:  http.StatusUnauthorized,
		Code:    CodeUnauthenticated,
		Message: "Invalid or missing API key",
		Headers: map[string]string{"WWW-Authenticate": "Bearer"},
	}
}

// RateLimited rejects a request that would exceed a window.
func RateLimited(window string, limit, retryAfterSecs int) *ErrorResponse {
	return &ErrorResponse{
		Status:  http.StatusTooManyRequests,
		Code:    CodeRateLimited,
		Message: fmt.Sprintf("Rate limit exceeded: %d requests per %s", limit, window),
		Meta: map[string]any{
			"window":      window,
			"limit":       limit,
			"retry_after": retryAfterSecs,
		},
		Headers: map[string]string{"Retry-After": fmt.Sprint(retryAfterSecs)},
	}
}

// InsufficientBalance rejects a request whose quote exceeds the available balance.
func InsufficientBalance(required, available int64) *ErrorResponse {
	return &ErrorResponse{
		Status:  http.StatusPaymentRequired,
		Code:    CodeInsufficientBalance,
		Message: fmt.Sprintf("Insufficient token balance. Required: %d, Available: %d", required, available),
		Meta: map[string]any{
			"required":  required,
			"available": available,
		},
	}
}

// UpstreamFailure reports a handler that could not produce a response.
func UpstreamFailure(msg string) *ErrorResponse {
	if msg == "" {
		msg = "Upstream service unavailable"
	}
	return &ErrorResponse{
		Status:  http.StatusBadGateway,
		Code:    CodeUpstreamFailure,
		Message: msg,
	}
}

// ConfigurationError fails a request closed when the pipeline is miswired.
func ConfigurationError(msg string) *ErrorResponse {
	return &ErrorResponse{
		Status:  http.StatusInternalServerError,
		Code:    CodeConfigurationError,
		Message: msg,
	}
}

// Transient reports store contention that outlasted the retry budget.
func Transient(msg string) *ErrorResponse {
	if msg == "" {
		msg = "Temporarily unable to process request, retry shortly"
	}
	return &ErrorResponse{
		Status:  http.StatusServiceUnavailable,
		Code:    CodeTransient,
		Message: msg,
		Headers: map[string]string{"Retry-After": "1"},
	}
}

// AsResponse renders an ErrorResponse as a Response without a body.
// The transport layer is responsible for encoding the error document.
func (e *ErrorResponse) AsResponse() Response {
	r := Response{Status: e.Status}
	for k, v := range e.Headers {
		r.SetHeader(k, v)
	}
	return r
}
