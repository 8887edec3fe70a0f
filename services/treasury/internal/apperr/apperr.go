// Package apperr is the error taxonomy shared by every treasury component.
//
// Each failure carries a Kind (the class of problem, used for transport
// mapping) and a stable Code (used by clients and tests). Sentinels are
// declared by the package that raises them and matched with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindAuthorization Kind = "AUTHORIZATION"
	KindState         Kind = "STATE"
	KindResourceLimit Kind = "RESOURCE_LIMIT"
	KindTreasury      Kind = "TREASURY"
	KindReentrancy    Kind = "REENTRANCY"
	KindNotFound      Kind = "NOT_FOUND"
	KindInternal      Kind = "INTERNAL"
)

// HTTPStatus is the transport status for a kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindState:
		return http.StatusConflict
	case KindResourceLimit:
		return http.StatusTooManyRequests
	case KindTreasury:
		return http.StatusPaymentRequired
	case KindReentrancy:
		return http.StatusLocked
	case KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Is matches on Code so that a sentinel and a re-created error with the same
// code compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// Wrap annotates a sentinel with call-site detail while keeping it matchable.
func Wrap(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}

var (
	ErrUnauthorized  = New(KindAuthorization, "UNAUTHORIZED", "caller lacks the required role")
	ErrInvalidStatus = New(KindState, "INVALID_STATUS", "subject is not in the status this operation requires")
	ErrNotFound      = New(KindNotFound, "NOT_FOUND", "no such subject")
	ErrReentrantCall = New(KindReentrancy, "REENTRANT_CALL", "operation rejected while a transfer is in flight")
	ErrZeroAddress   = New(KindValidation, "ZERO_ADDRESS", "identity must be non-empty")
	ErrOverflow      = New(KindValidation, "BUDGET_OVERFLOW", "arithmetic overflow")
)
