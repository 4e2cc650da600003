// Package apperr provides the structured error taxonomy shared by the ledger,
// settings and race packages. Every error returned across a package boundary
// carries a Kind (how callers should react) and a Code (what happened).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the broad class of an error.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindInvalidInput
	KindInsufficientFunds
	KindPreconditionFailed
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid_input"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind to the façade's response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInvalidInput, KindInsufficientFunds, KindPreconditionFailed:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Code is a machine-readable error code.
type Code string

const (
	CodeInternal          Code = "INTERNAL"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"

	// Ledger
	CodePlayerNotFound  Code = "PLAYER_NOT_FOUND"
	CodeAccountNotFound Code = "ACCOUNT_NOT_FOUND"
	CodeNoActiveAccount Code = "NO_ACTIVE_ACCOUNT"
	CodeAccountClosed   Code = "ACCOUNT_CLOSED"

	// Races
	CodeNoActiveRace    Code = "NO_ACTIVE_RACE"
	CodeRaceNotFound    Code = "RACE_NOT_FOUND"
	CodeRaceAlreadyOpen Code = "RACE_ALREADY_OPEN"
	CodeAlreadyEnrolled Code = "ALREADY_ENROLLED"
	CodeNotEnrolled     Code = "NOT_ENROLLED"
	CodeAlreadyWinner   Code = "ALREADY_WINNER"
	CodePositionTaken   Code = "POSITION_TAKEN"
	CodeWinner1Required Code = "WINNER1_REQUIRED"
)

var codeKinds = map[Code]Kind{
	CodeInternal:          KindInternal,
	CodeInvalidInput:      KindInvalidInput,
	CodeUnauthorized:      KindUnauthorized,
	CodeInsufficientFunds: KindInsufficientFunds,
	CodePlayerNotFound:    KindNotFound,
	CodeAccountNotFound:   KindNotFound,
	CodeNoActiveAccount:   KindNotFound,
	CodeAccountClosed:     KindPreconditionFailed,
	CodeNoActiveRace:      KindNotFound,
	CodeRaceNotFound:      KindNotFound,
	CodeRaceAlreadyOpen:   KindConflict,
	CodeAlreadyEnrolled:   KindConflict,
	CodeNotEnrolled:       KindConflict,
	CodeAlreadyWinner:     KindConflict,
	CodePositionTaken:     KindConflict,
	CodeWinner1Required:   KindPreconditionFailed,
}

// Kind returns the kind a code belongs to.
func (c Code) Kind() Kind {
	if k, ok := codeKinds[c]; ok {
		return k
	}
	return KindInternal
}

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string // human readable, safe to show to callers
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Code == CodeInternal {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Kind returns the error's kind.
func (e *Error) Kind() Kind { return e.Code.Kind() }

// New creates an error with a code and a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Internal wraps a store or infrastructure failure.
func Internal(cause error, op string) *Error {
	return &Error{Code: CodeInternal, Message: op + " failed", Cause: cause}
}

// Invalid is shorthand for an InvalidInput error.
func Invalid(format string, args ...any) *Error {
	return New(CodeInvalidInput, format, args...)
}

// Sentinels for errors.Is comparisons.
var (
	ErrNoActiveRace    = &Error{Code: CodeNoActiveRace}
	ErrPlayerNotFound  = &Error{Code: CodePlayerNotFound}
	ErrAlreadyEnrolled = &Error{Code: CodeAlreadyEnrolled}
	ErrNoActiveAccount = &Error{Code: CodeNoActiveAccount}
	ErrNotEnrolled     = &Error{Code: CodeNotEnrolled}
	ErrAlreadyWinner   = &Error{Code: CodeAlreadyWinner}
	ErrPositionTaken   = &Error{Code: CodePositionTaken}
	ErrWinner1Required = &Error{Code: CodeWinner1Required}
	ErrRaceAlreadyOpen = &Error{Code: CodeRaceAlreadyOpen}
	ErrInsufficient    = &Error{Code: CodeInsufficientFunds}
)

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err; errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind()
	}
	return KindInternal
}

// CodeOf returns the code of err, or CodeInternal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}
