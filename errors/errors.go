package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

/*
Code classifies an error by what the caller can do about it. The paged search engine never retries on its own,
so the code is the only thing a caller needs to decide whether to open a fresh session, fix its arguments, or give up.
*/
type Code int

const (
	// Unknown is the zero value: an error that did not come from this module.
	Unknown Code = iota
	// InvalidArgument - malformed request parameters (negative page size, tampered cookie). Local and non-retryable.
	InvalidArgument
	// SizeLimitExceeded - total or per-page entry count exceeds a resolved limit.
	SizeLimitExceeded
	// AdminLimitExceeded - ID-list-scan or lookthrough cap exceeded.
	AdminLimitExceeded
	// CriticalExtensionUnavailable - the server cannot honour a control that was marked critical.
	CriticalExtensionUnavailable
	// TimeLimitExceeded - the server gave up evaluating a page because of its time limit.
	TimeLimitExceeded
	// TimedOut - the client stopped waiting for a round trip.
	TimedOut
	// Cancelled - the session was abandoned before (or while) the call ran.
	Cancelled
	// ProtocolViolation - the server broke an invariant of the paged results exchange.
	ProtocolViolation
	// NotReady - aggregated results were requested before the session completed.
	NotReady
	// SessionClosed - an operation other than inspection was attempted on a terminal session.
	SessionClosed
	// Server - any other non-success result code returned by the directory.
	Server
)

var codeNames = map[Code]string{
	Unknown:                      "unknown",
	InvalidArgument:              "invalid argument",
	SizeLimitExceeded:            "size limit exceeded",
	AdminLimitExceeded:           "admin limit exceeded",
	CriticalExtensionUnavailable: "critical extension unavailable",
	TimeLimitExceeded:            "time limit exceeded",
	TimedOut:                     "timed out",
	Cancelled:                    "cancelled",
	ProtocolViolation:            "protocol violation",
	NotReady:                     "not ready",
	SessionClosed:                "session closed",
	Server:                       "server error",
}

// String returns the human readable name of the code.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// MarshalJSON renders the code by name so logged errors stay readable.
func (c Code) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

/*
Error is the error type returned by every package in this module.
Messages accumulate as the error is wrapped on its way up, Err keeps the original cause (if any).
*/
type Error struct {
	Code     Code     `json:"code"`
	Messages []string `json:"messages,omitempty"`
	Err      error    `json:"-"`
}

// Error renders "<code>: <messages joined by ': '>: <cause>".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	for _, m := range e.Messages {
		b.WriteString(": ")
		b.WriteString(m)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

/*
Is reports whether target is an *Error with the same code. This lets package level sentinels such as
paging.ErrTimedOut match any error of that class, whatever messages were attached on the way.
*/
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code and formatted message.
func New(code Code, msg string, args ...any) error {
	e := &Error{Code: code}
	if msg != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
	}
	return e
}

// Sentinel returns a message-less error of the given class, suitable for errors.Is comparisons.
func Sentinel(code Code) error {
	return &Error{Code: code}
}

/*
Wrap attaches a code and message to err.
If err is already an *Error its messages are kept and the code is replaced (when code is not Unknown), otherwise a new
*Error is created with err as the cause. Wrapping a nil error returns nil.
*/
func Wrap(err error, code Code, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		cp := &Error{Code: e.Code, Messages: append([]string(nil), e.Messages...), Err: e.Err}
		if code != Unknown {
			cp.Code = code
		}
		if msg != "" {
			cp.Messages = append([]string{fmt.Sprintf(msg, args...)}, cp.Messages...)
		}
		return cp
	}
	e = &Error{Code: code, Err: err}
	if msg != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
	}
	return e
}

// Extract returns the *Error inside err, or a new Unknown-coded *Error wrapping it.
func Extract(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return &Error{Code: Unknown, Err: err}
}

// CodeOf returns the code carried by err, Unknown for foreign errors and nil.
func CodeOf(err error) Code {
	if err == nil {
		return Unknown
	}
	return Extract(err).Code
}

// Is and As are re-exported so callers importing this package under the name "errors" keep the stdlib helpers.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
