// Package apperr defines the error taxonomy shared by the extension host.
//
// Every error that crosses a component boundary is an *Error carrying the
// HTTP status it should surface as and the fixed numeric code of the wire
// envelope {status, code, message}. Components wrap lower-level failures
// with %w so callers can still errors.As into the taxonomy.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Wire envelope codes. These are part of the public API surface and must
// not change between releases.
const (
	CodeInternal     = -1
	CodeUnauthorized = 1
	CodeForbidden    = 2
	CodeBadRequest   = 3
)

// Error is a typed error with an HTTP surface.
type Error struct {
	Status  int    `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`

	cause error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// BadRequest reports a caller mistake: bad manifest, unknown id, schema
// violation. Recoverable by fixing the request.
func BadRequest(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a missing, unknown or expired API key.
func Unauthorized(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports a key that is valid but lacks the required scope.
func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusForbidden, Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// Internal reports host-side failures: capability resolution with no
// candidate, supervisor wrong-state, persistence errors.
func Internal(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause while keeping the surface of e.
func Wrap(e *Error, cause error) *Error {
	out := *e
	out.cause = cause
	return &out
}

// From normalizes an arbitrary error into the taxonomy. Errors that are
// already *Error pass through; everything else surfaces as Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: err.Error(), cause: err}
}

// IsBadRequest reports whether err surfaces as a 400.
func IsBadRequest(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == CodeBadRequest
}

// IsUnauthorized reports whether err surfaces as a 401.
func IsUnauthorized(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == CodeUnauthorized
}

// IsInternal reports whether err surfaces as a 500.
func IsInternal(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == CodeInternal
}

// WriteJSON writes the envelope to an HTTP response.
func WriteJSON(w http.ResponseWriter, err error) {
	ae := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)
	_ = json.NewEncoder(w).Encode(ae)
}
