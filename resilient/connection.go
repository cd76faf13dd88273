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

package resilient

import (
	"context"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nabbar/hsms-transport/bufpool"
	"github.com/nabbar/hsms-transport/breaker"
	"github.com/nabbar/hsms-transport/codec"
	"github.com/nabbar/hsms-transport/fsm"
	"github.com/nabbar/hsms-transport/health"
	"github.com/nabbar/hsms-transport/internal/hsmserr"
	"github.com/nabbar/hsms-transport/internal/obslog"
	"github.com/nabbar/hsms-transport/priorityqueue"
	"github.com/nabbar/hsms-transport/rawconn"
)

// Priority re-exports priorityqueue.Priority so callers of Send/Request
// never need to import the queue package directly.
type Priority = priorityqueue.Priority

const (
	PriorityCritical = priorityqueue.Critical
	PriorityHigh     = priorityqueue.High
	PriorityNormal   = priorityqueue.Normal
	PriorityLow      = priorityqueue.Low
	PriorityBulk     = priorityqueue.Bulk
)

type pendingTxn struct {
	want codec.MessageType
	ch   chan codec.Frame
}

// Connection is the self-reconnecting, Select-handshaking HSMS endpoint
// of spec §4.4. It composes a rawconn.Connection (rebuilt on every
// reconnect), an fsm.Machine, a breaker.Breaker, a health.Monitor and a
// priorityqueue.Queue.
type Connection struct {
	id       string
	mode     rawconn.Mode
	address  string
	listener net.Listener // Passive only; re-used across reconnects
	opts     Options
	pool     *bufpool.Pool
	log      obslog.Logger

	machine *fsm.Machine
	breaker *breaker.Breaker
	health  *health.Monitor
	queue   *priorityqueue.Queue

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	raw        *rawconn.Connection
	linktestStop chan struct{}

	pendingMu sync.Mutex
	pending   map[uint32]*pendingTxn

	sysBytes atomic.Uint32

	reconnects    atomic.Int64
	manualStop    atomic.Bool
	firstResultCh chan error
	firstResultOn sync.Once

	onFrame       func(codec.Frame)
	onState       func(from, to fsm.State)
	onHealth      func(health.Snapshot)
	onError       func(error)
	onReconnected func()
}

// New builds a resilient Connection bound to address, not yet connected.
// For Passive mode, ln is the listener the supervisor accepts from on
// every (re)connect attempt; the caller owns its lifetime.
func New(mode rawconn.Mode, address string, ln net.Listener, opts Options, log obslog.Logger) *Connection {
	opts = opts.WithDefaults()
	if log == nil {
		log = obslog.Noop()
	}

	id := uuid.NewString()
	c := &Connection{
		id:            id,
		mode:          mode,
		address:       address,
		listener:      ln,
		opts:          opts,
		pool:          bufpool.New(int(opts.MaxFrameBytes)),
		log:           log.With(obslog.Fields{"conn_id": id}),
		health:        health.New(5 * time.Minute),
		pending:       make(map[uint32]*pendingTxn),
		firstResultCh: make(chan error, 1),
	}

	c.breaker = breaker.New(breaker.Config{
		FailureThreshold: opts.CircuitThreshold,
		OpenDuration:     opts.CircuitOpenDuration,
		HalfOpenDelay:    opts.HalfOpenTestDelay,
		Jitter:           opts.CircuitOpenDuration / 10,
		OnTransition: func(from, to breaker.State) {
			log.Info("breaker.transition", obslog.Fields{"from": from.String(), "to": to.String()})
			if opts.Metrics != nil {
				opts.Metrics.BreakerTransitions.WithLabelValues(to.String()).Inc()
			}
		},
	})

	maxRetries := opts.MaxRetryAttempts
	machine := fsm.New(fsm.Config{
		MaxRetries: maxRetries,
		Backoff:    opts.retryBackoff,
		T7:         opts.t7(),
		Actions: fsm.Actions{
			DoConnect:          c.doConnect,
			StartReceive:       c.onConnectedEntry,
			ResetRetry:         func() { c.reconnects.Store(0) },
			IncRetry:           func() { log.Debug("conn.retry", nil) },
			ReportError:        c.onErrorEntry,
			DoDisconnect:       c.onDisconnectedEntry,
			TimeoutNotSelected: func() { log.Warn("conn.t7_expired", nil) },
		},
	})
	c.machine = machine
	machine.Subscribe(c.notifyState)

	c.health.OnChange = func(s health.Status) {
		if c.onHealth != nil {
			c.onHealth(c.health.Snapshot())
		}
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.queue = priorityqueue.New(c.ctx, priorityqueue.Config{
		Breaker:          c.breaker,
		MaxConcurrentOps: c.opts.MaxConcurrentOperations,
	})

	return c
}

// OnFrame registers the callback invoked for every decoded DataMessage
// that is not the reply to a pending Request, in wire order. Control messages (Select/Deselect/Linktest/Reject
// replies) are intercepted internally and never reach this callback.
func (c *Connection) OnFrame(f func(codec.Frame)) { c.onFrame = f }

// OnState registers the callback invoked on every fsm.State change.
func (c *Connection) OnState(f func(from, to fsm.State)) { c.onState = f }

// OnHealth registers the callback invoked whenever the rolling health
// Status changes.
func (c *Connection) OnHealth(f func(health.Snapshot)) { c.onHealth = f }

// OnError registers the callback invoked for connection-fatal and
// reconnect-exhaustion errors.
func (c *Connection) OnError(f func(error)) { c.onError = f }

// OnReconnected registers the callback invoked after a dropped
// connection successfully re-Selects.
func (c *Connection) OnReconnected(f func()) { c.onReconnected = f }

func (c *Connection) notifyState(from, to fsm.State) {
	c.log.Info("conn.state", obslog.Fields{"from": from.String(), "to": to.String()})
	if c.onState != nil {
		c.onState(from, to)
	}
}

// Connect starts the supervisor loop and blocks until the first Select
// handshake succeeds, the context is canceled, or the retry budget for
// the very first attempt is exhausted. Subsequent, automatic
// reconnections after a later connection loss do not block callers;
// observe them via OnState/OnReconnected.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.machine.SendEvent(fsm.EvConnect); err != nil {
		return err
	}

	select {
	case err := <-c.firstResultCh:
		return err
	case <-ctx.Done():
		return hsmserr.Canceled(ctx.Err())
	}
}

func (c *Connection) signalFirstResult(err error) {
	c.firstResultOn.Do(func() {
		c.firstResultCh <- err
	})
}

// doConnect is the fsm entry action for Connecting: it builds a fresh
// rawconn.Connection and dials (Active) or accepts (Passive) under the
// circuit breaker, reporting the outcome back through
// SendEvent/SendError (spec §4.4 step 1-2: "Execute inner_connect()
// under retry wrapping circuit breaker (circuit breaker is outer; retry
// is inner...)").
func (c *Connection) doConnect() {
	raw := rawconn.New(c.mode, c.address, c.opts.rawOptions(), c.pool, c.log)
	raw.OnFrame(c.handleFrame)
	raw.OnExit(c.handleExit)

	err := c.breaker.Execute(c.ctx, func(ctx context.Context) error {
		switch c.mode {
		case rawconn.Active:
			return raw.Connect(ctx)
		case rawconn.Passive:
			return raw.Accept(ctx, c.listener)
		}
		return nil
	})

	if err != nil {
		c.health.RecordFailure()
		if c.opts.Metrics != nil {
			c.opts.Metrics.ReconnectAttempts.WithLabelValues(c.address).Inc()
		}
		// A connect failure classified connection-fatal (malformed/too
		// large frames seen while negotiating, not a plain dial/I/O
		// error) skips the local WaitingRetry sub-loop and escalates
		// straight to Error's outer reconnect backoff.
		if hsmserr.KindOf(err).ConnectionFatal() && !hsmserr.KindOf(err).Transient() {
			c.machine.ExhaustRetries()
		}
		_ = c.machine.SendEvent(fsm.EvConnectFailed)
		if attempts := c.reconnects.Add(1); c.opts.MaxReconnectAttempts > 0 && attempts >= int64(c.opts.MaxReconnectAttempts) {
			c.signalFirstResult(err)
		}
		return
	}

	c.mu.Lock()
	c.raw = raw
	c.mu.Unlock()

	_ = c.machine.SendEvent(fsm.EvConnected)
}

// onConnectedEntry is the fsm entry action for Connected: it starts the
// reader loop, then performs the Select handshake asynchronously so the
// (possibly slow) network round trip never runs under the fsm's lock.
func (c *Connection) onConnectedEntry() {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	if raw == nil {
		return
	}
	raw.StartReceive(c.ctx)

	// ResetRetry zeroes c.reconnects right after this entry action
	// returns, so whether this is a reconnect is read now.
	reconnecting := c.reconnects.Load() > 0

	go func() {
		if err := c.doSelect(); err != nil {
			c.health.RecordFailure()
			if c.onError != nil {
				c.onError(err)
			}
			_ = c.machine.SendEvent(fsm.EvConnectionLost)
			c.signalFirstResult(err)
			return
		}

		c.health.RecordSuccess()
		_ = c.machine.SendEvent(fsm.EvSelect)
		c.startLinktest()

		if reconnecting && c.onReconnected != nil {
			c.onReconnected()
		}
		c.signalFirstResult(nil)
	}()
}

// onErrorEntry is the fsm entry action for Error: it reports cause, then
// schedules an unconditional reconnect attempt unless the manual-stop
// flag is set or the reconnect budget is exhausted.
func (c *Connection) onErrorEntry(cause error) {
	c.stopLinktest()
	c.closeRawLocked()

	if cause != nil && c.onError != nil {
		c.onError(cause)
	}

	if c.manualStop.Load() {
		return
	}

	attempt := c.reconnects.Add(1)
	if c.opts.MaxReconnectAttempts > 0 && attempt > int64(c.opts.MaxReconnectAttempts) {
		c.signalFirstResult(hsmserr.NotConnected("reconnect attempts exhausted"))
		return
	}

	delay := c.opts.retryBackoff(int(math.Min(float64(attempt), 3)))
	c.log.HCLog().Debug("scheduling reconnect", "attempt", attempt, "delay", delay.String(), "cause", cause)
	time.AfterFunc(delay, func() {
		_ = c.machine.SendEvent(fsm.EvReconnect)
	})
}

func (c *Connection) onDisconnectedEntry() {
	c.stopLinktest()
	c.closeRawLocked()
}

func (c *Connection) closeRawLocked() {
	c.mu.Lock()
	raw := c.raw
	c.raw = nil
	c.mu.Unlock()
	if raw != nil {
		_ = raw.Close()
	}
}

// handleExit is the rawconn.Connection OnExit callback: the reader loop
// ended, so the socket is dead regardless of cause. Transient causes
// (timeout, I/O, cancellation) are logged at Warn since a reconnect is
// routine; any other connection-fatal cause (end of stream, malformed
// or oversized frame) is logged at Error since it indicates the peer or
// the wire is misbehaving (spec §4.2/§7 classification).
func (c *Connection) handleExit(err error) {
	if c.manualStop.Load() {
		return
	}
	if err == nil {
		_ = c.machine.SendEvent(fsm.EvConnectionLost)
		return
	}

	kind := hsmserr.KindOf(err)
	if kind.Transient() {
		c.log.Warn("conn.lost", obslog.Fields{"error": err.Error()})
	} else if kind.ConnectionFatal() {
		c.log.Error("conn.fatal", obslog.Fields{"error": err.Error()})
	}
	_ = c.machine.SendError(err)
}

// handleFrame is the rawconn.Connection OnFrame callback: a frame whose
// SystemBytes matches a registered waiter of the same class (control
// reply for a control request, DataMessage for a Request) is routed to
// that waiter; other control frames are consumed here, and other data
// frames reach the application callback.
func (c *Connection) handleFrame(f codec.Frame) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.FramesReceived.WithLabelValues(c.address, f.MessageType.String()).Inc()
	}

	c.pendingMu.Lock()
	p, ok := c.pending[f.SystemBytes]
	if ok && p.want.IsControl() == f.MessageType.IsControl() {
		delete(c.pending, f.SystemBytes)
	} else {
		ok = false
	}
	c.pendingMu.Unlock()

	if ok {
		p.ch <- f
		return
	}

	if f.MessageType.IsControl() {
		if f.MessageType == codec.SeparateReq {
			_ = c.machine.SendEvent(fsm.EvConnectionLost)
		}
		return
	}

	if c.onFrame != nil {
		c.onFrame(f)
	}
}

func (c *Connection) nextSystemBytes() uint32 {
	max := c.opts.systemBytesMax()
	for {
		v := int64(c.sysBytes.Add(1)) % max
		if v != 0 {
			return uint32(v)
		}
	}
}

func (c *Connection) registerWaiter(sysBytes uint32, want codec.MessageType) *pendingTxn {
	p := &pendingTxn{want: want, ch: make(chan codec.Frame, 1)}
	c.pendingMu.Lock()
	c.pending[sysBytes] = p
	c.pendingMu.Unlock()
	return p
}

func (c *Connection) unregisterWaiter(sysBytes uint32) {
	c.pendingMu.Lock()
	delete(c.pending, sysBytes)
	c.pendingMu.Unlock()
}

// doSelect performs the SelectReq/SelectRsp handshake bounded by T6
// (spec §4.4a). Control traffic is sent directly on the raw socket,
// bypassing the priority queue and breaker: it IS the health probe.
func (c *Connection) doSelect() error {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	if raw == nil {
		return hsmserr.NotConnected("no active socket")
	}

	sb := c.nextSystemBytes()
	waiter := c.registerWaiter(sb, codec.SelectRsp)
	defer c.unregisterWaiter(sb)

	req := codec.New(codec.ControlSessionID, 0, 0, codec.SelectReq, sb, nil)
	if err := raw.Send(req); err != nil {
		return err
	}

	select {
	case rsp := <-waiter.ch:
		if rsp.MessageType == codec.RejectReq || (len(rsp.Data) > 0 && rsp.Data[0] != 0) {
			return hsmserr.SelectionRejected("peer rejected Select")
		}
		return nil
	case <-time.After(c.opts.t6()):
		return hsmserr.Timeout(hsmserr.TimerT6, nil)
	case <-c.ctx.Done():
		return hsmserr.Canceled(c.ctx.Err())
	}
}

// startLinktest launches the periodic Linktest keep-alive loop while
// Selected (spec §4.4/§3 Timers: linktest_interval).
func (c *Connection) startLinktest() {
	c.mu.Lock()
	if c.linktestStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.linktestStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(c.opts.LinktestIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if err := c.sendLinktest(); err != nil {
					c.health.RecordFailure()
					_ = c.machine.SendError(err)
					return
				}
				c.health.RecordSuccess()
			}
		}
	}()
}

func (c *Connection) stopLinktest() {
	c.mu.Lock()
	stop := c.linktestStop
	c.linktestStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (c *Connection) sendLinktest() error {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	if raw == nil {
		return hsmserr.NotConnected("no active socket")
	}

	sb := c.nextSystemBytes()
	waiter := c.registerWaiter(sb, codec.LinktestRsp)
	defer c.unregisterWaiter(sb)

	req := codec.New(codec.ControlSessionID, 0, 0, codec.LinktestReq, sb, nil)
	if err := raw.Send(req); err != nil {
		return err
	}

	select {
	case <-waiter.ch:
		return nil
	case <-time.After(c.opts.t6()):
		return hsmserr.Timeout(hsmserr.TimerT6, nil)
	}
}

// Send submits a DataMessage for delivery, subject to the priority
// queue's concurrency gate and the circuit breaker (spec §4.4/§4.7).
func (c *Connection) Send(ctx context.Context, f codec.Frame, p Priority) error {
	if c.machine.State() != fsm.Selected {
		return hsmserr.NotConnected("connection is not Selected")
	}
	return c.queue.Submit(ctx, p, func(ctx context.Context) error {
		c.mu.Lock()
		raw := c.raw
		c.mu.Unlock()
		if raw == nil {
			return hsmserr.NotConnected("no active socket")
		}
		err := raw.Send(f)
		if err != nil {
			c.health.RecordFailure()
			return err
		}
		c.health.RecordSuccess()
		if c.opts.Metrics != nil {
			c.opts.Metrics.FramesSent.WithLabelValues(c.address, f.MessageType.String()).Inc()
		}
		return nil
	})
}

// Request sends a DataMessage and waits for the reply correlated by
// SystemBytes, bounded by T3 (spec §4.4/§3 Timers).
func (c *Connection) Request(ctx context.Context, f codec.Frame, p Priority) (codec.Frame, error) {
	if c.machine.State() != fsm.Selected {
		return codec.Frame{}, hsmserr.NotConnected("connection is not Selected")
	}

	waiter := c.registerWaiter(f.SystemBytes, codec.DataMessage)
	defer c.unregisterWaiter(f.SystemBytes)

	if err := c.Send(ctx, f, p); err != nil {
		return codec.Frame{}, err
	}

	select {
	case rsp := <-waiter.ch:
		return rsp, nil
	case <-time.After(c.opts.t3()):
		return codec.Frame{}, hsmserr.Timeout(hsmserr.TimerT3, nil)
	case <-ctx.Done():
		return codec.Frame{}, hsmserr.Canceled(ctx.Err())
	}
}

// Disconnect performs a best-effort Deselect, then tears the connection
// down and stops the supervisor's automatic reconnection (spec §4.4).
func (c *Connection) Disconnect(ctx context.Context) error {
	c.manualStop.Store(true)

	if c.machine.State() == fsm.Selected {
		_ = c.deselect(ctx)
	}

	_ = c.machine.SendEvent(fsm.EvDisconnect)
	_ = c.machine.SendEvent(fsm.EvDisconnected)

	if c.queue != nil {
		c.queue.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Connection) deselect(ctx context.Context) error {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	if raw == nil {
		return hsmserr.NotConnected("no active socket")
	}

	sb := c.nextSystemBytes()
	waiter := c.registerWaiter(sb, codec.DeselectRsp)
	defer c.unregisterWaiter(sb)

	req := codec.New(codec.ControlSessionID, 0, 0, codec.DeselectReq, sb, nil)
	if err := raw.Send(req); err != nil {
		return err
	}

	select {
	case <-waiter.ch:
		return nil
	case <-time.After(c.opts.t6()):
		return hsmserr.Timeout(hsmserr.TimerT6, nil)
	case <-ctx.Done():
		return hsmserr.Canceled(ctx.Err())
	}
}

// ID returns this connection's unique diagnostic identifier, stable for
// its lifetime even across reconnects.
func (c *Connection) ID() string { return c.id }

// State returns the connection's current fsm.State.
func (c *Connection) State() fsm.State { return c.machine.State() }

// Health returns the current rolling health Snapshot.
func (c *Connection) Health() health.Snapshot { return c.health.Snapshot() }

// BreakerStats returns the current circuit breaker Stats.
func (c *Connection) BreakerStats() breaker.Stats { return c.breaker.Stats() }
