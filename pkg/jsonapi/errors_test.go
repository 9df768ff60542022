package jsonapi

import (
	"net/http"
	"testing"
)

func TestErrorBuilder(t *testing.T) {
	err := NewError(http.StatusTooManyRequests, "rate_limited").
		Detail("limit of 2 per minute exceeded").
		Meta("retry_after", 30).
		Header("Authorization").
		Build()

	if err.Status != "429" {
		t.Errorf("Status = %q, want 429", err.Status)
	}
	if err.Title != "Too Many Requests" {
		t.Errorf("Title = %q", err.Title)
	}
	if err.Meta["retry_after"] != 30 {
		t.Errorf("Meta = %v", err.Meta)
	}
	if err.Source == nil || err.Source.Header != "Authorization" {
		t.Errorf("Source = %+v", err.Source)
	}
}

func TestErrorBuilder_Source(t *testing.T) {
	err := NewError(http.StatusUnprocessableEntity, "validation_error").
		Pointer("/amount").
		Parameter("days").
		Build()

	if err.Source.Pointer != "/amount" || err.Source.Parameter != "days" {
		t.Errorf("Source = %+v", err.Source)
	}
}

func TestErrInternal(t *testing.T) {
	err := ErrInternal()
	if err.Status != "500" || err.Code != "internal_error" || err.Detail == "" {
		t.Errorf("ErrInternal() = %+v", err)
	}
}
