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

// Package breaker implements the thread-safe circuit breaker of spec
// §4.5: Closed/Open/HalfOpen with a lock-free fast path for state reads
// and atomic counters, and a writer-exclusive lock only around the
// transition itself.
package breaker

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nabbar/hsms-transport/internal/hsmserr"
)

// State is the breaker's tagged variant.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Closed"
	}
}

// Stats is a point-in-time snapshot of the breaker's counters.
type Stats struct {
	State         State
	FailureCount  uint64
	SuccessCount  uint64
	OpenedAt      time.Time
	LastFailureAt time.Time
}

// Config configures a Breaker's thresholds.
type Config struct {
	FailureThreshold uint64
	OpenDuration     time.Duration
	HalfOpenDelay    time.Duration
	// Jitter adds up to this extra duration to OpenDuration, to avoid a
	// thundering herd of callers probing HalfOpen at the exact same
	// instant (spec §3 ResourceAvailability invariants).
	Jitter time.Duration
	// OnTransition is invoked after every state change, outside any
	// internal lock.
	OnTransition func(from, to State)
}

// Breaker is the circuit breaker described by spec §4.5. Reads of state
// are atomic; transitions, and the Open-state check of openedAt, take mu.
type Breaker struct {
	cfg Config

	state int32 // atomic State

	failureCount atomic.Uint64
	successCount atomic.Uint64

	mu            sync.Mutex
	openedAt      time.Time
	lastFailureAt time.Time
}

// New builds a Breaker starting Closed.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.OpenDuration == 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.HalfOpenDelay == 0 {
		cfg.HalfOpenDelay = time.Second
	}
	return &Breaker{cfg: cfg}
}

// State returns the current state via an atomic load. It has no side
// effects: the Open->HalfOpen transition happens only inside Execute.
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

func (b *Breaker) jitteredOpenDuration() time.Duration {
	d := b.cfg.OpenDuration
	if b.cfg.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.cfg.Jitter) + 1))
	}
	return d
}

// shouldRejectFast is the admission check: if Closed or HalfOpen, admit
// without taking any lock (HalfOpen single-probe semantics are enforced
// by the caller, see priorityqueue); if Open, take b.mu to read openedAt
// and reject while the open duration has not elapsed.
func (b *Breaker) shouldRejectFast() (reject bool, retryAfter time.Duration) {
	if b.State() != Open {
		return false, 0
	}

	b.mu.Lock()
	opened := b.openedAt
	b.mu.Unlock()

	elapsed := time.Since(opened)
	dur := b.jitteredOpenDuration()
	if elapsed < dur {
		return true, dur - elapsed
	}

	b.tryTransitionToHalfOpen()
	return b.State() != HalfOpen, 0
}

// tryTransitionToHalfOpen re-checks under the lock that the elapsed
// duration still holds (another goroutine may have already flipped the
// state), clears counters, and applies the half-open test delay before
// admitting the single probe (spec §4.5).
func (b *Breaker) tryTransitionToHalfOpen() {
	b.mu.Lock()
	if State(atomic.LoadInt32(&b.state)) != Open {
		b.mu.Unlock()
		return
	}
	if time.Since(b.openedAt) < b.cfg.OpenDuration {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if b.cfg.HalfOpenDelay > 0 {
		time.Sleep(b.cfg.HalfOpenDelay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if State(atomic.LoadInt32(&b.state)) != Open {
		return
	}
	b.failureCount.Store(0)
	b.successCount.Store(0)
	b.setStateLocked(HalfOpen)
}

func (b *Breaker) setStateLocked(to State) {
	from := State(atomic.LoadInt32(&b.state))
	if from == to {
		return
	}
	atomic.StoreInt32(&b.state, int32(to))
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(from, to)
	}
}

// Execute runs op if the breaker admits it, and records the outcome. A
// fast-rejected call returns CircuitOpen and does not itself count as a
// failure (spec §7).
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if reject, retryAfter := b.shouldRejectFast(); reject {
		return hsmserr.CircuitOpen(retryAfter)
	}

	err := op(ctx)
	if err != nil {
		if hsmserr.Is(err, hsmserr.KindCanceled) {
			return err
		}
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// RecordSuccess records a success; in HalfOpen this closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.successCount.Add(1)
	if b.State() == HalfOpen {
		b.mu.Lock()
		b.setStateLocked(Closed)
		b.failureCount.Store(0)
		b.successCount.Store(0)
		b.mu.Unlock()
	}
}

// RecordFailure records a failure; in HalfOpen this reopens the breaker
// immediately; in Closed it opens once FailureThreshold is reached.
func (b *Breaker) RecordFailure(cause error) {
	b.mu.Lock()
	b.lastFailureAt = time.Now()
	b.mu.Unlock()

	n := b.failureCount.Add(1)

	switch b.State() {
	case HalfOpen:
		b.open()
	case Closed:
		if n >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = time.Now()
	b.setStateLocked(Open)
}

// Reset clears all counters and forces Closed, per spec §3 ("Counters
// reset on ... Reset()").
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount.Store(0)
	b.successCount.Store(0)
	b.setStateLocked(Closed)
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:         b.State(),
		FailureCount:  b.failureCount.Load(),
		SuccessCount:  b.successCount.Load(),
		OpenedAt:      b.openedAt,
		LastFailureAt: b.lastFailureAt,
	}
}
