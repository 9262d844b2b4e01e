// Package apierr defines the error taxonomy shared by the provider execution
// layer, the knowledge search engine and the HTTP boundary.
//
// Every error kind is a concrete struct so callers can classify failures with
// [errors.As] after any amount of wrapping. [HTTPStatus] maps a (possibly
// wrapped) error to the status code the HTTP layer responds with.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ValidationError reports a missing or malformed caller-supplied parameter.
// It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Validation returns a ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports that the addressed entity does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// NotFound returns a NotFoundError.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// UpstreamError reports a non-2xx answer from a third-party API.
type UpstreamError struct {
	// Service names the upstream, e.g. "dashscope" or "kimi".
	Service string
	// Status is the HTTP status the upstream returned.
	Status int
	// Body is the (possibly truncated) response body.
	Body string
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s API error: %d %s", e.Service, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += " - " + e.Body
	}
	return msg
}

// ParseError reports an unrecognised or malformed payload.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "parse " + e.What
	}
	return fmt.Sprintf("parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse returns a ParseError describing what failed to parse.
func Parse(what string, err error) error {
	return &ParseError{What: what, Err: err}
}

// TimeoutError reports that a bounded polling loop ran out of attempts.
type TimeoutError struct {
	Operation string
	Attempts  int
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %d seconds (%d attempts)",
		e.Operation, int(e.Elapsed.Round(time.Second)/time.Second), e.Attempts)
}

// HTTPStatus maps err to the status code written at the HTTP boundary.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		nf *NotFoundError
		ue *UpstreamError
		pe *ParseError
		te *TimeoutError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &te):
		return http.StatusGatewayTimeout
	case errors.As(err, &ue), errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
