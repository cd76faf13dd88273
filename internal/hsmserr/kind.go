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

// Package hsmserr implements the error taxonomy shared by every HSMS
// transport component (codec, raw connection, state machine, breaker,
// resilient connection, pool). It mirrors the shape of the teacher's
// errors package (typed Error interface, Is/As compatible, constructor
// functions) but trades numeric HTTP-style codes for a small closed Kind
// enum, since the transport's error taxonomy carries structured payloads
// (which timer expired, how long to retry after) rather than arbitrary
// hierarchies.
package hsmserr

// Kind classifies a transport error. Kinds are stable and may be matched
// with Is/As; they are never derived from string messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotConnected
	KindInvalidState
	KindTimeout
	KindMalformedFrame
	KindFrameTooLarge
	KindBufferTooSmall
	KindEndOfStream
	KindIO
	KindCanceled
	KindCircuitOpen
	KindSelectionRejected
	KindPoolExhausted
)

func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "not_connected"
	case KindInvalidState:
		return "invalid_state"
	case KindTimeout:
		return "timeout"
	case KindMalformedFrame:
		return "malformed_frame"
	case KindFrameTooLarge:
		return "frame_too_large"
	case KindBufferTooSmall:
		return "buffer_too_small"
	case KindEndOfStream:
		return "end_of_stream"
	case KindIO:
		return "io"
	case KindCanceled:
		return "canceled"
	case KindCircuitOpen:
		return "circuit_open"
	case KindSelectionRejected:
		return "selection_rejected"
	case KindPoolExhausted:
		return "pool_exhausted"
	default:
		return "unknown"
	}
}

// TimerName identifies which SEMI timer produced a Timeout error.
type TimerName int

const (
	TimerNone TimerName = iota
	TimerT3
	TimerT5
	TimerT6
	TimerT7
	TimerT8
	TimerConnectionWait
)

func (t TimerName) String() string {
	switch t {
	case TimerT3:
		return "T3"
	case TimerT5:
		return "T5"
	case TimerT6:
		return "T6"
	case TimerT7:
		return "T7"
	case TimerT8:
		return "T8"
	case TimerConnectionWait:
		return "ConnectionWait"
	default:
		return "none"
	}
}

// Transient reports whether an error of this kind is eligible for retry
// by the resilient connection's retry policy (spec §4.4 classification).
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindIO, KindCanceled:
		return true
	default:
		return false
	}
}

// ConnectionFatal reports whether an error of this kind must trigger a
// CONNECTION_LOST escalation on the owning raw connection (spec §4.2/§7).
func (k Kind) ConnectionFatal() bool {
	switch k {
	case KindIO, KindEndOfStream, KindMalformedFrame, KindFrameTooLarge:
		return true
	default:
		return false
	}
}
