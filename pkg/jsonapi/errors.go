package jsonapi

import (
	"fmt"
	"strconv"
)

// ErrorBuilder provides a fluent API for building Error objects.
type ErrorBuilder struct {
	err Error
}

// NewError creates a new ErrorBuilder with the given status, code, and title.
func NewError(status int, code, title string) *ErrorBuilder {
	return &ErrorBuilder{
		err: Error{
			Status: strconv.Itoa(status),
			Code:   code,
			Title:  title,
		},
	}
}

// Detail sets the error detail message.
func (b *ErrorBuilder) Detail(detail string) *ErrorBuilder {
	b.err.Detail = detail
	return b
}

// Detailf sets the error detail message with formatting.
func (b *ErrorBuilder) Detailf(format string, args ...any) *ErrorBuilder {
	b.err.Detail = fmt.Sprintf(format, args...)
	return b
}

// Pointer sets the JSON pointer to the source of the error.
// Example: "/dailyLimit"
func (b *ErrorBuilder) Pointer(pointer string) *ErrorBuilder {
	if b.err.Source == nil {
		b.err.Source = &ErrorSource{}
	}
	b.err.Source.Pointer = pointer
	return b
}

// Parameter sets the path or query parameter that caused the error.
func (b *ErrorBuilder) Parameter(param string) *ErrorBuilder {
	if b.err.Source == nil {
		b.err.Source = &ErrorSource{}
	}
	b.err.Source.Parameter = param
	return b
}

// Meta adds metadata to the error.
func (b *ErrorBuilder) Meta(key string, value any) *ErrorBuilder {
	if b.err.Meta == nil {
		b.err.Meta = make(Meta)
	}
	b.err.Meta[key] = value
	return b
}

// Build returns the constructed Error.
func (b *ErrorBuilder) Build() Error {
	return b.err
}

// StatusCode returns the HTTP status code as an int.
func (e Error) StatusCode() int {
	code, _ := strconv.Atoi(e.Status)
	return code
}

// Common error constructors

// ErrBadRequest creates a 400 Bad Request error.
func ErrBadRequest(detail string) Error {
	return NewError(400, "bad_request", "Bad Request").Detail(detail).Build()
}

// ErrUnauthorized creates a 401 Unauthorized error.
func ErrUnauthorized(detail string) Error {
	if detail == "" {
		detail = "Authentication required"
	}
	return NewError(401, "unauthorized", "Unauthorized").Detail(detail).Build()
}

// ErrNotFound creates a 404 Not Found error.
func ErrNotFound(resourceType string) Error {
	return NewError(404, "not_found", "Not Found").
		Detailf("The requested %s was not found", resourceType).
		Build()
}

// ErrNotFoundWithID creates a 404 Not Found error with resource ID.
func ErrNotFoundWithID(resourceType, id string) Error {
	return NewError(404, "not_found", "Not Found").
		Detailf("The %s with ID '%s' was not found", resourceType, id).
		Build()
}

// ErrValidation creates a 422 Unprocessable Entity error for validation failures.
func ErrValidation(field, message string) Error {
	return NewError(422, "validation_error", "Validation Failed").
		Detail(message).
		Pointer("/" + field).
		Build()
}

// ErrRateLimited creates a 429 Too Many Requests error.
func ErrRateLimited(detail string) Error {
	if detail == "" {
		detail = "Rate limit exceeded"
	}
	return NewError(429, "rate_limit_exceeded", "Too Many Requests").Detail(detail).Build()
}

// ErrInternal creates a 500 Internal Server Error.
func ErrInternal(detail string) Error {
	if detail == "" {
		detail = "An internal error occurred"
	}
	return NewError(500, "internal_error", "Internal Server Error").Detail(detail).Build()
}

// ErrBadGateway creates a 502 error for a failed upstream call.
func ErrBadGateway(detail string) Error {
	return NewError(502, "upstream_error", "Bad Gateway").Detail(detail).Build()
}

// ErrServiceUnavailable creates a 503 Service Unavailable error.
func ErrServiceUnavailable(detail string) Error {
	if detail == "" {
		detail = "Service temporarily unavailable"
	}
	return NewError(503, "service_unavailable", "Service Unavailable").Detail(detail).Build()
}

// -----------------------------------------------------------------------------
// Quota Errors
// -----------------------------------------------------------------------------

// ErrUnknownAction creates a 404 error for an action missing from the catalog.
func ErrUnknownAction(name string) Error {
	return NewError(404, "unknown_action", "Unknown Action").
		Detailf("Action '%s' is not in the catalog", name).
		Parameter("action").
		Build()
}

// ErrQuotaExceeded creates a 429 error carrying the denial reason.
func ErrQuotaExceeded(reason string, remainingMinutes int64) Error {
	b := NewError(429, "quota_exceeded", "Quota Exceeded").Detail(reason)
	if remainingMinutes > 0 {
		b.Meta("remainingMinutes", remainingMinutes)
	}
	return b.Build()
}

// ErrInvalidSettings creates a 422 error for rejected quota settings.
func ErrInvalidSettings(detail string) Error {
	return NewError(422, "invalid_settings", "Invalid Settings").Detail(detail).Build()
}
