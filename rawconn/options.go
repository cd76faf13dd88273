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

// Package rawconn owns exactly one TCP socket: Active dials it, Passive
// accepts it, and a reader goroutine plus a mutex-gated writer drive the
// framed I/O described by spec §4.2. It knows nothing about Select,
// retries, or circuit breaking; those belong to the resilient connection
// (package resilient) that wraps it.
package rawconn

import (
	"time"

	"github.com/nabbar/hsms-transport/codec"
)

// Mode selects which side of the TCP handshake this connection plays
// (spec §3 ConnectionMode). Immutable once constructed.
type Mode int

const (
	Active Mode = iota
	Passive
)

// Options configures timers and codec limits (spec §6.2).
type Options struct {
	// T5Ms bounds one connect (Active) or accept (Passive) attempt.
	T5Ms int
	// T8Ms bounds the gap between successive bytes of a single frame
	// once reading has begun.
	T8Ms int
	// MaxFrameBytes caps a decoded frame's declared total_length and an
	// encoded frame's payload length.
	MaxFrameBytes uint32
	// Layout selects the codec's header byte interpretation (spec §9
	// Open Question); LayoutCurrent is the default.
	Layout codec.Layout
}

// WithDefaults fills zero fields with the spec's stated defaults
// (spec §3 Timers).
func (o Options) WithDefaults() Options {
	if o.T5Ms == 0 {
		o.T5Ms = 10_000
	}
	if o.T8Ms == 0 {
		o.T8Ms = 5_000
	}
	if o.MaxFrameBytes == 0 {
		o.MaxFrameBytes = codec.DefaultMaxFrameBytes
	}
	return o
}

func (o Options) t5() time.Duration { return time.Duration(o.T5Ms) * time.Millisecond }
func (o Options) t8() time.Duration { return time.Duration(o.T8Ms) * time.Millisecond }
