// Package apperr carries an explicit error kind from the service layer to the
// HTTP layer so handlers never have to inspect error text.
package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	Invalid
	Unauthorized
	Forbidden
	PendingApproval
	Banned
	InsufficientCredits
	NotFound
	ExternalFailure
	Conflict
	RateLimited
)

var kindNames = map[Kind]string{
	Internal:            "internal",
	Invalid:             "invalid",
	Unauthorized:        "unauthorized",
	Forbidden:           "forbidden",
	PendingApproval:     "pending_approval",
	Banned:              "banned",
	InsufficientCredits: "insufficient_credits",
	NotFound:            "not_found",
	ExternalFailure:     "external_failure",
	Conflict:            "conflict",
	RateLimited:         "rate_limited",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal"
}

// Status maps a kind to the HTTP status code returned to clients.
func (k Kind) Status() int {
	switch k {
	case Invalid:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden, PendingApproval, Banned:
		return http.StatusForbidden
	case InsufficientCredits:
		return http.StatusPaymentRequired
	case NotFound:
		return http.StatusNotFound
	case ExternalFailure:
		return http.StatusBadGateway
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error tagged with a Kind. Msg is safe to show to the caller.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a tagged error with no cause. Package-level sentinels are built
// with New so errors.Is keeps working through wrapping.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags cause with kind. The cause is kept for logging; msg is what the
// caller sees.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Message returns the caller-facing message for err. Untagged errors get a
// generic message so internal details never leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return "internal error"
}

// Write renders err as {"error": ..., "kind": ...} with the mapped status.
func Write(w http.ResponseWriter, err error) {
	WriteWith(w, err, nil)
}

// WriteWith is Write plus extra fields merged into the body.
func WriteWith(w http.ResponseWriter, err error, extra map[string]any) {
	kind := KindOf(err)
	body := map[string]any{"error": Message(err), "kind": kind.String()}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.Status())
	_ = json.NewEncoder(w).Encode(body)
}
