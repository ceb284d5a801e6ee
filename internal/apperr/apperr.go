// Package apperr defines the typed errors that cross package boundaries and
// their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindGone
	KindRateLimited
	KindChannel
	KindAggregate
)

// Machine-readable codes carried in the "error" field of API responses.
const (
	CodeValidation       = "ValidationError"
	CodeFolderTooDeep    = "FolderTooDeep"
	CodeMissingURL       = "MissingURL"
	CodeUnauthorized     = "Unauthorized"
	CodeForbidden        = "Forbidden"
	CodeQuotaExceeded    = "QuotaExceeded"
	CodeShareDisabled    = "ShareDisabled"
	CodeWrongPassword    = "WrongPassword"
	CodeNotFound         = "NotFound"
	CodeFileExists       = "FileExists"
	CodeShareExpired     = "ShareExpired"
	CodeViewsExhausted   = "ViewsExhausted"
	CodeRateLimited      = "RateLimited"
	CodeChannelFailed    = "ChannelError"
	CodeAllChannelsFail  = "AggregateUploadError"
	CodeInternal         = "InternalError"
	CodeChannelNotConfig = "ChannelNotConfigured"
)

// Error is the application error type.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Suggestion string
	Details    map[string]string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind onto an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func newErr(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation returns a 400 error.
func Validation(code, format string, args ...any) *Error {
	return newErr(KindValidation, code, format, args...)
}

// Unauthorized returns a 401 error.
func Unauthorized(code, format string, args ...any) *Error {
	return newErr(KindUnauthorized, code, format, args...)
}

// Forbidden returns a 403 error.
func Forbidden(code, format string, args ...any) *Error {
	return newErr(KindForbidden, code, format, args...)
}

// NotFound returns a 404 error.
func NotFound(format string, args ...any) *Error {
	return newErr(KindNotFound, CodeNotFound, format, args...)
}

// Conflict returns a 409 error with a suggested alternative.
func Conflict(code, suggestion, format string, args ...any) *Error {
	e := newErr(KindConflict, code, format, args...)
	e.Suggestion = suggestion
	return e
}

// Gone returns a 410 error.
func Gone(code, format string, args ...any) *Error {
	return newErr(KindGone, code, format, args...)
}

// Internal wraps err as a 500 error.
func Internal(err error, format string, args ...any) *Error {
	e := newErr(KindInternal, CodeInternal, format, args...)
	e.Err = err
	return e
}

// Channel wraps a transport failure from one channel adapter. Channel errors
// are recovered by the dispatcher and only surface inside an aggregate.
func Channel(channel string, err error) *Error {
	return &Error{
		Kind:    KindChannel,
		Code:    CodeChannelFailed,
		Message: "channel " + channel + " failed",
		Details: map[string]string{channel: err.Error()},
		Err:     err,
	}
}

// Aggregate builds the error returned when every attempted channel failed.
// attempts maps channel name to its failure message.
func Aggregate(attempts map[string]string) *Error {
	names := make([]string, 0, len(attempts))
	for name := range attempts {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Error{
		Kind:    KindAggregate,
		Code:    CodeAllChannelsFail,
		Message: "upload failed on all channels: " + strings.Join(names, ", "),
		Details: attempts,
	}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// StatusOf returns the HTTP status for any error.
func StatusOf(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
