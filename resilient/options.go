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

// Package resilient implements the supervisor of spec §4.4: it composes
// a raw connection, the connection state machine, the circuit breaker,
// and the health monitor into one self-reconnecting, Select-handshaking,
// linktesting HSMS endpoint.
package resilient

import (
	"time"

	"github.com/nabbar/hsms-transport/codec"
	"github.com/nabbar/hsms-transport/internal/obsmetrics"
	"github.com/nabbar/hsms-transport/rawconn"
)

// Options configures a resilient Connection (spec §6.2).
type Options struct {
	// Raw connection / codec timers.
	T5Ms          int
	T8Ms          int
	MaxFrameBytes uint32
	Layout        codec.Layout

	// Control-protocol timers.
	T3Ms int // reply timeout for request/reply
	T6Ms int // Select/Deselect/Linktest reply timeout
	T7Ms int // not-selected timeout once Connected

	// Retry / reconnect.
	MaxRetryAttempts     int
	RetryBaseDelayMs     int
	MaxReconnectAttempts int

	// Linktest / health.
	LinktestIntervalMs   int
	HealthCheckIntervalMs int

	// Circuit breaker.
	CircuitThreshold    uint64
	CircuitOpenDuration time.Duration
	HalfOpenTestDelay   time.Duration

	// Priority queue.
	MaxConcurrentOperations int64

	// Wide32BitSystemBytes switches Select's system_bytes generation
	// from the SEMI-compatible 16-bit range [1, 65536) to the full
	// 32-bit range (spec §9 Open Question).
	Wide32BitSystemBytes bool

	// Metrics, if set, receives breaker transitions, reconnect attempts
	// and frame counters for this connection. Nil disables collection.
	Metrics *obsmetrics.Metrics
}

// WithDefaults fills zero fields with the spec's stated defaults.
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
	if o.T3Ms == 0 {
		o.T3Ms = 45_000
	}
	if o.T6Ms == 0 {
		o.T6Ms = 5_000
	}
	if o.T7Ms == 0 {
		o.T7Ms = 10_000
	}
	if o.MaxRetryAttempts == 0 {
		o.MaxRetryAttempts = 3
	}
	if o.RetryBaseDelayMs == 0 {
		o.RetryBaseDelayMs = 1_000
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 0 // 0 means unbounded reconnection
	}
	if o.LinktestIntervalMs == 0 {
		o.LinktestIntervalMs = 30_000
	}
	if o.HealthCheckIntervalMs == 0 {
		o.HealthCheckIntervalMs = 5_000
	}
	if o.CircuitThreshold == 0 {
		o.CircuitThreshold = 3
	}
	if o.CircuitOpenDuration == 0 {
		o.CircuitOpenDuration = 30 * time.Second
	}
	if o.HalfOpenTestDelay == 0 {
		o.HalfOpenTestDelay = time.Second
	}
	if o.MaxConcurrentOperations == 0 {
		o.MaxConcurrentOperations = 100
	}
	return o
}

func (o Options) t3() time.Duration { return time.Duration(o.T3Ms) * time.Millisecond }
func (o Options) t6() time.Duration { return time.Duration(o.T6Ms) * time.Millisecond }
func (o Options) t7() time.Duration { return time.Duration(o.T7Ms) * time.Millisecond }

func (o Options) rawOptions() rawconn.Options {
	return rawconn.Options{
		T5Ms:          o.T5Ms,
		T8Ms:          o.T8Ms,
		MaxFrameBytes: o.MaxFrameBytes,
		Layout:        o.Layout,
	}
}

func (o Options) retryBackoff(attempt int) time.Duration {
	base := time.Duration(o.RetryBaseDelayMs) * time.Millisecond
	capped := attempt
	if capped > 3 {
		capped = 3
	}
	return base * time.Duration(1<<uint(capped-1))
}

// systemBytesMax returns the exclusive upper bound for generated Select
// system_bytes values: 65536 (16-bit, default) or 1<<32 (wide mode).
func (o Options) systemBytesMax() int64 {
	if o.Wide32BitSystemBytes {
		return int64(1) << 32
	}
	return 65536
}
