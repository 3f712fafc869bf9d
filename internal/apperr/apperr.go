// Package apperr is the error taxonomy shared by the engine and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindPaymentRequired
	KindConflict
	KindInvalidSignature
	KindRateLimited
	KindServiceUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindPaymentRequired:
		return "payment_required"
	case KindConflict:
		return "conflict"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindRateLimited:
		return "rate_limited"
	case KindServiceUnavailable:
		return "service_unavailable"
	default:
		return "internal_error"
	}
}

// Status maps a kind onto its HTTP status.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindInvalidSignature:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a kind, a stable code and a client-safe message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func New(kind Kind, code, msg string) *Error {
	if code == "" {
		code = kind.String()
	}
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind Kind, code, msg string, err error) *Error {
	e := New(kind, code, msg)
	e.Err = err
	return e
}

func Validation(msg string) *Error { return New(KindValidation, "validation_failed", msg) }

func Forbidden(msg string) *Error { return New(KindForbidden, "forbidden", msg) }

func NotFound(what string) *Error { return New(KindNotFound, "not_found", what+" not found") }

func Conflict(code, msg string) *Error { return New(KindConflict, code, msg) }

func PaymentRequired(code, msg string) *Error { return New(KindPaymentRequired, code, msg) }

func RateLimited(msg string) *Error { return New(KindRateLimited, "rate_limited", msg) }

func InvalidSignature(msg string) *Error { return New(KindInvalidSignature, "invalid_signature", msg) }

func Unavailable(msg string, err error) *Error {
	return Wrap(KindServiceUnavailable, "payment_provider_unavailable", msg, err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
