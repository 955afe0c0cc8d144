// Package apperror defines the error taxonomy shared by every registry and
// handler, and the mapping from error kinds to HTTP status codes.
//
// Registries return *Error values; handlers translate them with HTTPStatus
// and Body. Anything that is not an *Error is treated as Internal and its
// text never reaches the client.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
	KindCapacity
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCapacity:
		return "capacity"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Stable error codes surfaced in the JSON body.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeAlreadyInGame      = "already_in_game"
	CodeGameNotJoinable    = "game_not_joinable"
	CodeGameFull           = "game_full"
	CodeInvalidTransition  = "invalid_transition"
	CodeAlreadyJoined      = "already_joined"
	CodeTournamentFull     = "tournament_full"
	CodeTournamentStarted  = "tournament_started"
	CodeNotInTournament    = "not_in_tournament"
	CodeNotEnoughPlayers   = "not_enough_players"
	CodeInvalidOrExpired   = "invalid_or_expired"
	CodeTooManyConnections = "too_many_connections"
	CodeAtCapacity         = "at_capacity"
	CodeRateLimited        = "rate_limited"
	CodeWorkerTimeout      = "worker_timeout"
	CodeInternal           = "internal_error"
)

// Error is the typed error returned by registries and coordinators.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, or by kind when the target has no code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout
}

func newError(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newError(KindValidation, CodeInvalidRequest, format, args...)
}

func Unauthenticated(format string, args ...interface{}) *Error {
	return newError(KindUnauthenticated, CodeUnauthorized, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return newError(KindForbidden, CodeForbidden, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newError(KindNotFound, CodeNotFound, format, args...)
}

// Conflict builds a state conflict with a specific code.
func Conflict(code, format string, args ...interface{}) *Error {
	return newError(KindConflict, code, format, args...)
}

// Capacity builds a capacity denial with a specific code.
func Capacity(code, format string, args ...interface{}) *Error {
	return newError(KindCapacity, code, format, args...)
}

func Timeout(format string, args ...interface{}) *Error {
	return newError(KindTimeout, CodeWorkerTimeout, format, args...)
}

// Internal wraps an unexpected failure. The wrapped error is logged, never shown.
func Internal(err error, format string, args ...interface{}) *Error {
	e := newError(KindInternal, CodeInternal, format, args...)
	e.Err = err
	return e
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAlreadyInGame      = &Error{Code: CodeAlreadyInGame}
	ErrAlreadyJoined      = &Error{Code: CodeAlreadyJoined}
	ErrTournamentFull     = &Error{Code: CodeTournamentFull}
	ErrTournamentStarted  = &Error{Code: CodeTournamentStarted}
	ErrNotInTournament    = &Error{Code: CodeNotInTournament}
	ErrInvalidOrExpired   = &Error{Code: CodeInvalidOrExpired}
	ErrTooManyConnections = &Error{Code: CodeTooManyConnections}
	ErrAtCapacity         = &Error{Code: CodeAtCapacity}
	ErrCapacity           = &Error{Kind: KindCapacity}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrInvalidTransition  = &Error{Code: CodeInvalidTransition}
	ErrForbidden          = &Error{Kind: KindForbidden}
)

// KindOf returns the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code surfaced by handlers.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		switch e.Code {
		case CodeTournamentStarted, CodeNotInTournament:
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case KindCapacity:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Response is the stable JSON error shape.
type Response struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Body renders err for a client. Internal errors get a generic message.
func Body(err error) Response {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return Response{Error: CodeInternal, Message: "internal server error"}
	}
	return Response{Error: e.Code, Message: e.Message, Retryable: e.Retryable()}
}
