// Package apierr defines the tagged error kinds shared by the credential,
// admission and conversion layers. Callers classify failures with KindOf and
// switch on the result instead of matching concrete error types.
package apierr

import (
	"errors"
	"net/http"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalid
	KindDuplicateName
	KindNotFound
	KindAuthFailure
	KindAuthorization
	KindRateLimited
	KindStoreUnavailable
	KindConversionFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindDuplicateName:
		return "duplicate_name"
	case KindNotFound:
		return "not_found"
	case KindAuthFailure:
		return "auth_failure"
	case KindAuthorization:
		return "authorization_failure"
	case KindRateLimited:
		return "rate_limited"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindConversionFailed:
		return "conversion_failed"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a kind to the status code surfaced to HTTP callers.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalid:
		return http.StatusBadRequest
	case KindDuplicateName:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindConversionFailed:
		return http.StatusUnprocessableEntity
	case KindStoreUnavailable, KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Op names the operation that failed, Msg is
// safe to show to callers, and Err is the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
		if e.Err != nil {
			b.WriteString(": ")
			b.WriteString(e.Err.Error())
		}
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an error of the given kind with a caller-safe message.
func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-safe message for err. Unclassified and
// store-level failures collapse to a generic message so driver details
// never reach clients.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal server error"
	}
	switch e.Kind {
	case KindUnknown, KindStoreUnavailable:
		return "internal server error"
	}
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.String()
}
