// Package relayerr defines the error taxonomy shared by the relay's
// codec, upstream client, session and registry layers.
package relayerr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindConnect        Kind = "connect"
	KindAuth           Kind = "auth"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindNetwork        Kind = "network"
	KindSendTimeout    Kind = "send_timeout"
	KindFrameTooLarge  Kind = "frame_too_large"
	KindMalformedFrame Kind = "malformed_frame"
	KindRegistryFull   Kind = "registry_full"
	KindSessionTimeout Kind = "session_timeout"
	KindStreamClosed   Kind = "stream_closed"
)

// Sentinels for errors.Is matching. Any *Error with the same Kind matches.
var (
	ErrConnect        = &Error{Kind: KindConnect}
	ErrAuth           = &Error{Kind: KindAuth}
	ErrQuotaExceeded  = &Error{Kind: KindQuotaExceeded}
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrSendTimeout    = &Error{Kind: KindSendTimeout}
	ErrFrameTooLarge  = &Error{Kind: KindFrameTooLarge}
	ErrMalformedFrame = &Error{Kind: KindMalformedFrame}
	ErrRegistryFull   = &Error{Kind: KindRegistryFull}
	ErrSessionTimeout = &Error{Kind: KindSessionTimeout}
	ErrStreamClosed   = &Error{Kind: KindStreamClosed}
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ConnectError is returned when an upstream stream could not be opened.
// Err carries the classified cause of the final attempt.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("upstream connect failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	return target == ErrConnect
}

// KindOf reports the first Kind found in err's chain. A bare ConnectError
// with an unclassified cause reports KindConnect.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) && re != nil {
		return re.Kind
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return KindConnect
	}
	return ""
}

// Retryable reports whether a dial failure may succeed on another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindAuth:
		return true
	default:
		return false
	}
}

func IsCodecError(err error) bool {
	switch KindOf(err) {
	case KindFrameTooLarge, KindMalformedFrame:
		return true
	default:
		return false
	}
}
