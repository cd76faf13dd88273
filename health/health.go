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

// Package health implements the rolling connection health monitor of
// spec §4.6: a success/failure tally over a capped ring of recent events
// that derives a coarse Status, with an on-change-only notification.
package health

import (
	"sync"
	"time"
)

// Status is the coarse health classification derived from the rolling
// success rate (spec §4.6).
type Status int

const (
	Unknown Status = iota
	Healthy
	Degraded
	Poor
	Critical
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "Healthy"
	case Degraded:
		return "Degraded"
	case Poor:
		return "Poor"
	case Critical:
		return "Critical"
	default:
		return "Unknown"
	}
}

type event struct {
	ok bool
	at time.Time
}

// Snapshot is a point-in-time view of the monitor's counters.
type Snapshot struct {
	SuccessCount  uint64
	FailureCount  uint64
	LastSuccessAt time.Time
	LastFailureAt time.Time
	SuccessRate   float64
	Status        Status
}

const ringCap = 100

// Monitor tracks rolling health for one connection. Not safe to copy
// after first use; share a pointer.
type Monitor struct {
	mu sync.Mutex

	successCount uint64
	failureCount uint64

	lastSuccessAt time.Time
	lastFailureAt time.Time

	ring    [ringCap]event
	ringPos int
	ringLen int

	status Status

	// OnChange fires outside the lock whenever Status actually changes.
	OnChange func(Status)

	criticalAfterIdle time.Duration
}

// New builds a Monitor. criticalAfterIdle (default 5 minutes per spec
// §4.6) forces Critical when no success has been recorded recently.
func New(criticalAfterIdle time.Duration) *Monitor {
	if criticalAfterIdle <= 0 {
		criticalAfterIdle = 5 * time.Minute
	}
	return &Monitor{status: Unknown, criticalAfterIdle: criticalAfterIdle}
}

func (m *Monitor) pushLocked(ok bool) {
	m.ring[m.ringPos] = event{ok: ok, at: time.Now()}
	m.ringPos = (m.ringPos + 1) % ringCap
	if m.ringLen < ringCap {
		m.ringLen++
	}
}

// RecordSuccess records a success and re-evaluates Status.
func (m *Monitor) RecordSuccess() {
	m.record(true)
}

// RecordFailure records a failure and re-evaluates Status.
func (m *Monitor) RecordFailure() {
	m.record(false)
}

func (m *Monitor) record(ok bool) {
	m.mu.Lock()
	now := time.Now()
	if ok {
		m.successCount++
		m.lastSuccessAt = now
	} else {
		m.failureCount++
		m.lastFailureAt = now
	}
	m.pushLocked(ok)
	from := m.status
	to := m.evaluateLocked()
	m.status = to
	m.mu.Unlock()

	if from != to && m.OnChange != nil {
		m.OnChange(to)
	}
}

// evaluateLocked maps the rolling success rate to a Status, per the
// table in spec §4.6. Must be called with m.mu held.
func (m *Monitor) evaluateLocked() Status {
	if m.ringLen == 0 {
		return Unknown
	}

	ok := 0
	for i := 0; i < m.ringLen; i++ {
		if m.ring[i].ok {
			ok++
		}
	}
	rate := float64(ok) / float64(m.ringLen)

	if !m.lastSuccessAt.IsZero() && time.Since(m.lastSuccessAt) > m.criticalAfterIdle {
		return Critical
	}

	switch {
	case rate > 0.95:
		return Healthy
	case rate > 0.80:
		return Degraded
	case rate > 0.50:
		return Poor
	default:
		return Critical
	}
}

// Snapshot returns the monitor's current counters and derived Status.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	rate := 0.0
	if m.ringLen > 0 {
		ok := 0
		for i := 0; i < m.ringLen; i++ {
			if m.ring[i].ok {
				ok++
			}
		}
		rate = float64(ok) / float64(m.ringLen)
	}

	return Snapshot{
		SuccessCount:  m.successCount,
		FailureCount:  m.failureCount,
		LastSuccessAt: m.lastSuccessAt,
		LastFailureAt: m.lastFailureAt,
		SuccessRate:   rate,
		Status:        m.status,
	}
}
