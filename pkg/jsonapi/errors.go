package jsonapi

import (
	"net/http"
	"strconv"
)

// ErrorBuilder assembles an Error.
type ErrorBuilder struct {
	err Error
}

// NewError starts an error with the given status and code. The title is
// the status text.
func NewError(status int, code string) *ErrorBuilder {
	return &ErrorBuilder{
		err: Error{
			Status: strconv.Itoa(status),
			Code:   code,
			Title:  http.StatusText(status),
		},
	}
}

// Detail sets the human-readable explanation.
func (b *ErrorBuilder) Detail(detail string) *ErrorBuilder {
	b.err.Detail = detail
	return b
}

// Pointer names the offending field of the JSON body, e.g. "/amount".
func (b *ErrorBuilder) Pointer(pointer string) *ErrorBuilder {
	b.source().Pointer = pointer
	return b
}

// Parameter names the offending query parameter.
func (b *ErrorBuilder) Parameter(param string) *ErrorBuilder {
	b.source().Parameter = param
	return b
}

// Header names the offending request header.
func (b *ErrorBuilder) Header(header string) *ErrorBuilder {
	b.source().Header = header
	return b
}

func (b *ErrorBuilder) source() *ErrorSource {
	if b.err.Source == nil {
		b.err.Source = &ErrorSource{}
	}
	return b.err.Source
}

// Meta sets an error meta entry.
func (b *ErrorBuilder) Meta(key string, value any) *ErrorBuilder {
	if b.err.Meta == nil {
		b.err.Meta = make(Meta)
	}
	b.err.Meta[key] = value
	return b
}

// Build returns the error.
func (b *ErrorBuilder) Build() Error {
	return b.err
}

// ErrBadRequest is a 400 with the given detail.
func ErrBadRequest(detail string) Error {
	return NewError(http.StatusBadRequest, "bad_request").Detail(detail).Build()
}

// ErrInternal is a generic 500.
func ErrInternal() Error {
	return NewError(http.StatusInternalServerError, "internal_error").
		Detail("An unexpected error occurred").
		Build()
}
