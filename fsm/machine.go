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

package fsm

import (
	"sync"
	"time"

	"github.com/nabbar/hsms-transport/internal/hsmserr"
)

// Actions are the entry/exit side effects the owner (raw connection or
// resilient connection) supplies; the machine invokes them synchronously
// on the goroutine that drove the transition, after releasing its
// transition lock, so an action may itself call SendEvent. Actions of
// transitions driven from different goroutines (for example a T7 or
// backoff timer) can run concurrently.
type Actions struct {
	DoConnect         func()
	StartReceive      func()
	ResetRetry        func()
	IncRetry          func()
	ReportError       func(err error)
	DoDisconnect      func()
	TimeoutNotSelected func()
}

// Backoff computes the wait before retrying connection attempt k
// (1-based), per spec §4.7: base_delay * 2^(k-1).
type Backoff func(attempt int) time.Duration

// Listener receives every actual state change (no self-notifications).
type Listener func(from, to State)

// Unsubscribe removes a previously registered Listener.
type Unsubscribe func()

// Machine is the HSMS connection state machine (spec §4.3). A zero
// Machine is not usable; construct with New.
type Machine struct {
	mu    sync.Mutex
	state State

	maxRetries int
	retryCount int
	backoff    Backoff

	t7Duration time.Duration
	t7Timer    *time.Timer

	retryTimer *time.Timer

	actions Actions

	subMu     sync.Mutex
	listeners map[int]Listener
	nextSub   int
}

// Config configures a Machine's guards and timers.
type Config struct {
	MaxRetries int
	Backoff    Backoff
	T7         time.Duration
	Actions    Actions
}

// New builds a Machine in NotConnected.
func New(cfg Config) *Machine {
	if cfg.Backoff == nil {
		cfg.Backoff = func(attempt int) time.Duration {
			return time.Second * time.Duration(1<<uint(attempt-1))
		}
	}
	return &Machine{
		state:      NotConnected,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		t7Duration: cfg.T7,
		actions:    cfg.Actions,
		listeners:  make(map[int]Listener),
	}
}

// State returns the current state. Safe for concurrent use.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers l to be invoked on every actual state change; it
// never runs for a no-op transition (old == new). Listeners run on the
// goroutine that drove the transition, after its entry action returns:
// transitions driven from different goroutines (for example a T7 or
// backoff timer) can invoke listeners concurrently, and a transition
// triggered from inside an entry action is notified before the
// transition whose entry action triggered it.
func (m *Machine) Subscribe(l Listener) Unsubscribe {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.listeners[id] = l
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.listeners, id)
		m.subMu.Unlock()
	}
}

func (m *Machine) notify(from, to State) {
	if from == to {
		return
	}
	m.subMu.Lock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.subMu.Unlock()
	for _, l := range ls {
		l(from, to)
	}
}

// SendEvent drives the transition table (spec §4.3). It returns
// InvalidState if the event has no transition from the current state.
func (m *Machine) SendEvent(ev Event) error {
	return m.transition(ev, nil)
}

// SendError is SendEvent(EvError) with the triggering cause threaded
// through to the ReportError action.
func (m *Machine) SendError(cause error) error {
	return m.transition(EvError, cause)
}

func (m *Machine) transition(ev Event, cause error) error {
	m.mu.Lock()

	from := m.state
	to, ok := m.next(from, ev)
	if !ok {
		m.mu.Unlock()
		return hsmserr.InvalidState("event " + ev.String() + " is not valid from state " + from.String())
	}

	m.stopTimersLocked()
	m.state = to
	fire := m.prepareEntryLocked(to, ev, cause)

	m.mu.Unlock()

	// Entry actions run unlocked: they may be slow (network I/O) or may
	// themselves call back into SendEvent, which would deadlock on a
	// non-reentrant mutex if run while m.mu is held.
	if fire != nil {
		fire()
	}
	m.notify(from, to)
	return nil
}

// next implements the transition table of spec §4.3. The bool return is
// false when ev has no transition defined from from.
func (m *Machine) next(from State, ev Event) (State, bool) {
	switch from {
	case NotConnected:
		if ev == EvConnect {
			return Connecting, true
		}
	case Connecting:
		switch ev {
		case EvConnected:
			return Connected, true
		case EvConnectFailed:
			if m.retryCount < m.maxRetries {
				return WaitingRetry, true
			}
			return Error, true
		case EvCancel:
			return NotConnected, true
		}
	case WaitingRetry:
		switch ev {
		case evRetryReady:
			return Connecting, true
		case EvCancel:
			return NotConnected, true
		}
	case Connected:
		switch ev {
		case EvSelect:
			return Selected, true
		case EvDisconnect:
			return Disconnecting, true
		case EvConnectionLost, EvError:
			return Error, true
		case evT7Expired:
			return Error, true
		}
	case Selected:
		switch ev {
		case EvDeselect:
			return Connected, true
		case EvDisconnect:
			return Disconnecting, true
		case EvConnectionLost, EvError:
			return Error, true
		}
	case Disconnecting:
		if ev == EvDisconnected {
			return NotConnected, true
		}
	case Error:
		switch ev {
		case EvReconnect:
			return Connecting, true
		case EvReset:
			return NotConnected, true
		}
	}
	return from, false
}

// prepareEntryLocked arms whatever timers the destination state needs
// and returns a closure invoking the destination state's entry action,
// to be called after m.mu is released. Must be called with m.mu held;
// the returned closure must NOT be called until unlocked.
func (m *Machine) prepareEntryLocked(to State, ev Event, cause error) func() {
	switch to {
	case Connecting:
		if ev == EvReconnect {
			// A fresh episode after Error gets its own local retry
			// sub-loop, per spec §4.3/§4.7: the counter started by the
			// previous episode must not carry over.
			m.retryCount = 0
		}
		return m.actions.DoConnect
	case Connected:
		m.retryCount = 0
		if m.t7Duration > 0 {
			m.t7Timer = time.AfterFunc(m.t7Duration, func() {
				_ = m.transition(evT7Expired, nil)
			})
		}
		return func() {
			if m.actions.StartReceive != nil {
				m.actions.StartReceive()
			}
			if m.actions.ResetRetry != nil {
				m.actions.ResetRetry()
			}
		}
	case WaitingRetry:
		m.retryCount++
		attempt := m.retryCount
		m.retryTimer = time.AfterFunc(m.backoff(attempt), func() {
			_ = m.transition(evRetryReady, nil)
		})
		return m.actions.IncRetry
	case Error:
		if ev == evT7Expired {
			return func() {
				if m.actions.TimeoutNotSelected != nil {
					m.actions.TimeoutNotSelected()
				}
				if m.actions.ReportError != nil {
					m.actions.ReportError(hsmserr.Timeout(hsmserr.TimerT7, nil))
				}
			}
		}
		return func() {
			if m.actions.ReportError != nil {
				m.actions.ReportError(cause)
			}
		}
	case NotConnected:
		if ev == EvReset {
			m.retryCount = 0
		}
		if ev == EvDisconnected {
			return m.actions.DoDisconnect
		}
	}
	return nil
}

// stopTimersLocked cancels any pending T7/backoff timer on transition
// away from the state that armed it. Must be called with m.mu held.
func (m *Machine) stopTimersLocked() {
	if m.t7Timer != nil {
		m.t7Timer.Stop()
		m.t7Timer = nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// ExhaustRetries forces the local retry counter to its configured
// maximum, so the next EvConnectFailed in Connecting escalates straight
// to Error instead of entering another WaitingRetry cycle. Callers use
// this when they classify the failure as connection-fatal rather than
// transient (spec §4.4/§7).
func (m *Machine) ExhaustRetries() {
	m.mu.Lock()
	m.retryCount = m.maxRetries
	m.mu.Unlock()
}

// Reset forces the machine back to NotConnected from any state, stopping
// its timers and clearing retry state. Unlike EvReset, which is only
// valid from Error, it needs no particular source state.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.stopTimersLocked()
	from := m.state
	m.state = NotConnected
	m.retryCount = 0
	m.mu.Unlock()
	m.notify(from, NotConnected)
}
