// Defines structured API errors shared by the backend and the client.

package models

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sort"
)

// ErrorCode defines specific error types for the API.
type ErrorCode string

const (
	// ErrorCodeValidationFailed is returned when input data fails validation.
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	// ErrorCodeMissingField is returned when a required field is missing.
	ErrorCodeMissingField ErrorCode = "MISSING_FIELD"
	// ErrorCodeInvalidFilter is returned when a filter expression does not parse.
	ErrorCodeInvalidFilter ErrorCode = "INVALID_FILTER"
	// ErrorCodeNotFound is returned when a resource is not found.
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodeTableNotFound is returned when a table is not found.
	ErrorCodeTableNotFound ErrorCode = "TABLE_NOT_FOUND"
	// ErrorCodeTagUnchanged is returned by servers that report a tag already
	// present on set, or already absent on unset.
	ErrorCodeTagUnchanged ErrorCode = "TAG_UNCHANGED"
	// ErrorCodeRateLimitExceeded is returned when a client is throttled.
	ErrorCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	// ErrorCodePayloadTooLarge is returned when the request body is too big.
	ErrorCodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	// ErrorCodeStorageError is returned when a storage operation fails.
	ErrorCodeStorageError ErrorCode = "STORAGE_ERROR"
	// ErrorCodeInternal is returned when an unexpected server error occurs.
	ErrorCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ErrorDetails defines the structured error information in a response.
type ErrorDetails struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorResponse is the standard API error response.
type ErrorResponse struct {
	Error   ErrorDetails   `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorWithStatus is an error that includes an HTTP status code and error code.
type ErrorWithStatus interface {
	Error() string
	StatusCode() int
	Code() ErrorCode
	Details() map[string]any
}

// APIError is a concrete error type with status code, code, and optional details.
type APIError struct {
	statusCode int
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// NewAPIError creates a new APIError with the given status code and message.
func NewAPIError(statusCode int, code ErrorCode, message string) *APIError {
	return &APIError{
		statusCode: statusCode,
		code:       code,
		message:    message,
		details:    make(map[string]any),
	}
}

// WithDetails adds details to the error.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	maps.Copy(e.details, details)
	return e
}

// WithDetail adds a single detail to the error.
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *APIError) Wrap(err error) *APIError {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Message returns the message without the wrapped error.
func (e *APIError) Message() string {
	return e.message
}

// StatusCode returns the HTTP status code.
func (e *APIError) StatusCode() int {
	return e.statusCode
}

// Code returns the error code.
func (e *APIError) Code() ErrorCode {
	return e.code
}

// Details returns additional error details.
func (e *APIError) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *APIError) Unwrap() error {
	return e.wrappedErr
}

// FieldErrors returns the per-field validation messages carried in the
// details, keyed by form field name. Non-string details are ignored.
func (e *APIError) FieldErrors() map[string]string {
	if e.code != ErrorCodeValidationFailed && e.code != ErrorCodeMissingField {
		return nil
	}
	out := make(map[string]string, len(e.details))
	for k, v := range e.details {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Summary renders the error as one line suitable for a transient
// notification when there is no form to attach field errors to.
func (e *APIError) Summary() string {
	fields := e.FieldErrors()
	if len(fields) == 0 {
		return e.message
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := e.message
	for _, k := range keys {
		s += fmt.Sprintf("; %s: %s", k, fields[k])
	}
	return s
}

// TransportError reports that no usable response was received.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

// IsTagUnchanged reports whether err is an idempotent tag conflict, which
// callers must treat as success.
func IsTagUnchanged(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code() == ErrorCodeTagUnchanged
}

// NotFound creates a 404 Not Found error.
func NotFound(resource string) *APIError {
	return NewAPIError(http.StatusNotFound, ErrorCodeNotFound, resource+" not found")
}

// BadRequest creates a 400 Bad Request error.
func BadRequest(message string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrorCodeValidationFailed, message)
}

// MissingField creates a 400 Bad Request error for a missing field.
func MissingField(fieldName string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrorCodeMissingField, "Missing required field: "+fieldName).
		WithDetail(fieldName, "required")
}

// InvalidField creates a 400 Bad Request error for a single invalid field.
func InvalidField(fieldName, reason string) *APIError {
	return BadRequest("Invalid form data").WithDetail(fieldName, reason)
}

// InvalidFilter creates a 400 error for a filter expression that does not parse.
func InvalidFilter(err error) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrorCodeInvalidFilter, "Invalid filter").Wrap(err)
}

// TableNotFound creates a 404 error for an unknown table.
func TableNotFound(name string) *APIError {
	return NewAPIError(http.StatusNotFound, ErrorCodeTableNotFound, "table "+name+" not found")
}

// PayloadTooLarge creates a 413 error.
func PayloadTooLarge(limit int64) *APIError {
	return NewAPIError(http.StatusRequestEntityTooLarge, ErrorCodePayloadTooLarge, "Request body too large").
		WithDetail("max_bytes", limit)
}

// RateLimitExceeded creates a 429 error.
func RateLimitExceeded(retryAfter int) *APIError {
	return NewAPIError(http.StatusTooManyRequests, ErrorCodeRateLimitExceeded, "Rate limit exceeded").
		WithDetail("retry_after", retryAfter)
}

// Internal returns a 500 Internal Server Error.
func Internal(message string) *APIError {
	return NewAPIError(http.StatusInternalServerError, ErrorCodeInternal, message)
}

// InternalWithError creates a 500 error wrapping an underlying error.
func InternalWithError(message string, err error) *APIError {
	return Internal(message).Wrap(err)
}

// TagUnchanged creates a 409 error for a tag mutation that changed nothing.
func TagUnchanged(message string) *APIError {
	return NewAPIError(http.StatusConflict, ErrorCodeTagUnchanged, message)
}
