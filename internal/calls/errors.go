package calls

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden              = errors.New("forbidden")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrCallClosed             = errors.New("call closed")
	ErrJoinRejected           = errors.New("join rejected")
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")
	ErrPeerConnectionFailed   = errors.New("peer connection failed")
	ErrPersistenceFailed      = errors.New("persistence failed")
	ErrCallNotFound           = errors.New("call not found")
	ErrNotJoined              = errors.New("not joined")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrBusy                   = errors.New("call busy")
)

// Code is the stable wire identifier of an error class.
type Code string

const (
	CodeForbidden              Code = "forbidden"
	CodeInvalidTransition      Code = "invalid_transition"
	CodeCallClosed             Code = "call_closed"
	CodeJoinRejected           Code = "join_rejected"
	CodeMediaAcquisitionFailed Code = "media_acquisition_failed"
	CodePeerConnectionFailed   Code = "peer_connection_failed"
	CodePersistenceFailed      Code = "persistence_failed"
	CodeNotFound               Code = "not_found"
	CodeNotJoined              Code = "not_joined"
	CodeInvalidRequest         Code = "invalid_request"
	CodeBusy                   Code = "busy"
	CodeInternal               Code = "internal"
)

var sentinelCodes = []struct {
	sentinel error
	code     Code
}{
	{ErrForbidden, CodeForbidden},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrCallClosed, CodeCallClosed},
	{ErrJoinRejected, CodeJoinRejected},
	{ErrMediaAcquisitionFailed, CodeMediaAcquisitionFailed},
	{ErrPeerConnectionFailed, CodePeerConnectionFailed},
	{ErrPersistenceFailed, CodePersistenceFailed},
	{ErrCallNotFound, CodeNotFound},
	{ErrNotJoined, CodeNotJoined},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrBusy, CodeBusy},
}

// Error carries a taxonomy sentinel together with a human readable reason.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fail wraps a sentinel with a reason.
func Fail(sentinel error, reason string) error {
	return &Error{Code: CodeOf(sentinel), Reason: reason, Err: sentinel}
}

// Failf is Fail with formatting.
func Failf(sentinel error, format string, args ...any) error {
	return Fail(sentinel, fmt.Sprintf(format, args...))
}

// CodeOf maps any error to its wire code. Unclassified errors are internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Code != "" {
		return typed.Code
	}
	for _, entry := range sentinelCodes {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeInternal
}

// ReasonOf returns the specific reason attached to err, falling back to its message.
func ReasonOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) && typed.Reason != "" {
		return typed.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// GenericMessage is what non-host originators see for a failure class.
func GenericMessage(code Code) string {
	switch code {
	case CodeForbidden:
		return "action not permitted"
	case CodeCallClosed:
		return "call has ended"
	case CodeJoinRejected:
		return "unable to join call"
	case CodeNotJoined:
		return "join the call first"
	case CodeBusy:
		return "call is busy, retry shortly"
	default:
		return "request failed"
	}
}

// FromCode rebuilds an error received over the wire so errors.Is matches the
// sentinel of its class.
func FromCode(code Code, message string) error {
	for _, entry := range sentinelCodes {
		if entry.code == code {
			return &Error{Code: code, Reason: message, Err: entry.sentinel}
		}
	}
	return &Error{Code: code, Reason: message, Err: fmt.Errorf("%s", code)}
}
