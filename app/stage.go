// Package app provides the pipeline stages and the application services
// that orchestrate domain logic with the Account Store.
package app

import (
	"context"
	"fmt"
	"strconv"

	"github.com/artpar/tollgate/domain/key"
	"github.com/artpar/tollgate/domain/pathrule"
	"github.com/artpar/tollgate/domain/request"
)

// Stage names, as reported in logs and metrics.
const (
	StageAuth      = "auth"
	StageRateLimit = "rate_limit"
	StageBilling   = "billing"
	StageHandler   = "handler"
)

// Outcome is the result of running a request through part of the pipeline.
// Exactly one of Response or Err describes what the caller receives.
type Outcome struct {
	Response request.Response
	Err      *request.ErrorResponse

	// Stage names the stage that produced Err.
	Stage     string
	Identity  key.Identity
	Lifecycle []State
}

// Status returns the HTTP status the caller will see.
func (o Outcome) Status() int {
	if o.Err != nil {
		return o.Err.Status
	}
	return o.Response.Status
}

// Headers returns the headers the caller will see.
func (o Outcome) Headers() map[string]string {
	if o.Err != nil {
		return o.Err.Headers
	}
	return o.Response.Headers
}

// SetHeader sets a header on whichever of Response or Err is returned.
func (o *Outcome) SetHeader(k, v string) {
	if o.Err != nil {
		o.Err = o.Err.WithHeader(k, v)
		return
	}
	o.Response.SetHeader(k, v)
}

func reject(stage string, err *request.ErrorResponse) Outcome {
	return Outcome{Err: err, Stage: stage}
}

// Next continues the pipeline after a stage admits a request.
type Next func(ctx context.Context, req request.Request) Outcome

// Handler is the business handler at the end of the pipeline.
// Errors wrapping ports.ErrTransient are retried; an *request.ErrorResponse
// is returned to the caller as is; any other error is an upstream failure.
type Handler func(ctx context.Context, req request.Request) (request.Response, error)

// Stage is one guard in the pipeline.
type Stage interface {
	// Name identifies the stage in logs and metrics.
	Name() string

	// Rule decides which paths the stage applies to.
	Rule() pathrule.Rule

	// Process either rejects the request or calls next exactly once.
	Process(ctx context.Context, req request.Request, next Next) Outcome
}

type identityKey struct{}

// WithIdentity attaches the authenticated identity to ctx.
func WithIdentity(ctx context.Context, id key.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by the auth stage.
func IdentityFrom(ctx context.Context) (key.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(key.Identity)
	return id, ok && !id.IsZero()
}

// missingIdentity fails a stage closed when it applies to a path but no
// upstream stage attached an identity.
func missingIdentity(stage string) Outcome {
	return reject(stage, request.ConfigurationError(
		fmt.Sprintf("%s stage requires an authenticated identity", stage)))
}

// Observer receives pipeline events. *metrics.Collector implements it.
type Observer interface {
	Rejected(stage, code string)
	Charged(tokens int64)
	Released()
	Conflict(store string)
	Retried()
}

type nopObserver struct{}

func (nopObserver) Rejected(string, string) {}
func (nopObserver) Charged(int64)           {}
func (nopObserver) Released()               {}
func (nopObserver) Conflict(string)         {}
func (nopObserver) Retried()                {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
