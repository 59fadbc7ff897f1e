package domain

import (
	"errors"
	"time"
)

// Kind classifies a failure for the transport layer.
type Kind string

const (
	KindInternal        Kind = "internal"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindValidation      Kind = "validation"
	KindUnavailable     Kind = "unavailable"
	KindRateLimited     Kind = "rate_limited"
)

// Error carries a Kind, a message catalogue key and an optional cause.
type Error struct {
	Kind       Kind
	Code       string // message catalogue key, e.g. "match.not_found"
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Code != "":
		return e.Code
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, code, msg string) *Error { return &Error{Kind: k, Code: code, Message: msg} }

func Unauthenticated(code, msg string) *Error { return newErr(KindUnauthenticated, code, msg) }
func Forbidden(code, msg string) *Error       { return newErr(KindForbidden, code, msg) }
func NotFound(code, msg string) *Error        { return newErr(KindNotFound, code, msg) }
func Conflict(code, msg string) *Error        { return newErr(KindConflict, code, msg) }
func Validation(code, msg string) *Error      { return newErr(KindValidation, code, msg) }
func Unavailable(code, msg string) *Error     { return newErr(KindUnavailable, code, msg) }

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Code: "rate.limited", Message: "too many requests", RetryAfter: retryAfter}
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "server.error", Message: "internal error", Err: err}
}

// KindOf returns the Kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// Common failures shared by several components.
var (
	ErrNoSession      = Unauthenticated("session.invalid", "invalid session")
	ErrNotParticipant = Forbidden("match.forbidden", "not a participant of this match")
	ErrMatchNotFound  = NotFound("match.not_found", "match not found")
	ErrMatchIDMissing = Validation("match.id_missing", "match id is required")
	ErrMatchIDInvalid = Validation("match.id_invalid", "match id is invalid")
	ErrMatchTerminal  = Conflict("match.terminal", "match is over")
	ErrMatchInactive  = Conflict("match.inactive", "match is not active")
	ErrCorruptHistory = Unavailable("match.history_invalid", "match history is invalid")
	ErrMultiplayerOff = Unavailable("match.unavailable", "multiplayer is not available")
	ErrReadyOff       = Unavailable("match.ready_unavailable", "start synchronisation is not available")
	ErrPresenceOff    = Unavailable("match.presence_unavailable", "presence is not available")

	ErrBadSquare    = Validation("move.bad_square", "invalid square")
	ErrBadPromotion = Validation("move.bad_promotion", "invalid promotion piece")
	ErrNotYourTurn  = Conflict("move.not_your_turn", "not your turn")
	ErrIllegalMove  = Conflict("move.illegal", "illegal move")
	ErrBadResult    = Validation("match.bad_result", "result must be resign, draw or timeout")
	ErrBadMessage   = Validation("chat.invalid", "message must be 1 to 280 characters")
	ErrChatOff      = Unavailable("chat.unavailable", "chat is not available")
	ErrQueueOff     = Unavailable("queue.unavailable", "matchmaking is not available")
)
