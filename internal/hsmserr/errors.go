/*
 * MIT License
 *
 * Copyright (c) 2025 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package hsmserr

import (
	"errors"
	"fmt"
	"time"
)

// Error is the shared error type for every HSMS transport package. It
// carries a Kind for programmatic matching plus optional fields that
// only apply to a subset of kinds (Timer, RetryAfter).
type Error struct {
	kind       Kind
	msg        string
	cause      error
	timer      TimerName
	retryAfter time.Duration
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Timer returns the timer that expired, or TimerNone if this is not a
// Timeout error.
func (e *Error) Timer() TimerName { return e.timer }

// RetryAfter returns the duration the caller should wait before retrying,
// valid only for CircuitOpen errors.
func (e *Error) RetryAfter() time.Duration { return e.retryAfter }

// Is implements errors.Is matching by Kind: two *Error values match if
// their Kind is equal, regardless of message or cause.
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return o.kind == e.kind
	}
	return false
}

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{kind: k, msg: msg, cause: cause}
}

// NotConnected builds the error returned when an operation requires the
// Connected or Selected state and the connection is in neither.
func NotConnected(msg string) *Error { return newErr(KindNotConnected, msg, nil) }

// InvalidState builds the error returned when an event is not valid from
// the connection's current state (e.g. SELECT while not Connected).
func InvalidState(msg string) *Error { return newErr(KindInvalidState, msg, nil) }

// Timeout builds a Timeout error tagged with the timer that fired.
func Timeout(which TimerName, cause error) *Error {
	e := newErr(KindTimeout, "timed out waiting for "+which.String(), cause)
	e.timer = which
	return e
}

// MalformedFrame builds a codec error for a structurally invalid header.
func MalformedFrame(msg string) *Error { return newErr(KindMalformedFrame, msg, nil) }

// FrameTooLarge builds a codec error for a frame exceeding max_frame_bytes.
func FrameTooLarge(msg string) *Error { return newErr(KindFrameTooLarge, msg, nil) }

// BufferTooSmall builds a codec error for an encode destination slice
// that cannot hold the frame.
func BufferTooSmall(msg string) *Error { return newErr(KindBufferTooSmall, msg, nil) }

// EndOfStream builds the error raised when the peer closes the socket.
func EndOfStream(msg string) *Error { return newErr(KindEndOfStream, msg, nil) }

// IO wraps a transport-level socket error.
func IO(cause error) *Error { return newErr(KindIO, "socket error", cause) }

// Canceled builds the error surfaced when a caller's context is canceled;
// it always takes precedence over a concurrently expiring timeout.
func Canceled(cause error) *Error { return newErr(KindCanceled, "operation canceled", cause) }

// CircuitOpen builds the error returned by the fast-reject path of the
// circuit breaker, carrying the remaining time until the breaker probes
// HalfOpen again.
func CircuitOpen(retryAfter time.Duration) *Error {
	e := newErr(KindCircuitOpen, "circuit breaker open", nil)
	e.retryAfter = retryAfter
	return e
}

// SelectionRejected builds the error surfaced when the peer answers a
// SelectReq with RejectReq.
func SelectionRejected(msg string) *Error { return newErr(KindSelectionRejected, msg, nil) }

// PoolExhausted builds the error returned when a pool checkout cannot be
// satisfied within connection_timeout.
func PoolExhausted(msg string) *Error { return newErr(KindPoolExhausted, msg, nil) }

// Is reports whether err carries the given Kind, compatible with the
// standard errors.Is dispatch.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}

// KindOf extracts err's Kind, or KindUnknown if err is nil or was not
// built by this package. Callers use it to branch on Transient/
// ConnectionFatal without an errors.As at every call site.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}
