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

// Package pool implements the connection pool of spec §4.8: a bounded
// set of resilient.Connection entries, reused across checkouts, topped
// up to a configured minimum in the background and reaped when idle.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nabbar/hsms-transport/fsm"
	"github.com/nabbar/hsms-transport/internal/hsmserr"
	"github.com/nabbar/hsms-transport/internal/obslog"
	"github.com/nabbar/hsms-transport/internal/obsmetrics"
	"github.com/nabbar/hsms-transport/resilient"
)

// Factory builds one resilient.Connection for the pool to manage. The
// pool never constructs connections itself since the Active/Passive
// dial parameters are deployment-specific.
type Factory func() *resilient.Connection

// Config configures a Pool's sizing and lifecycle timers (spec §6.2).
type Config struct {
	MinSize           int
	MaxSize           int
	ConnectionTimeout time.Duration
	CleanupInterval   time.Duration
	IdleTimeout       time.Duration

	// Endpoint and Mode label this pool's occupancy gauges; both are
	// free-form and only matter when Metrics is set.
	Endpoint string
	Mode     string
	Metrics  *obsmetrics.Metrics
}

// WithDefaults fills zero fields with the spec's stated defaults.
func (c Config) WithDefaults() Config {
	if c.MaxSize == 0 {
		c.MaxSize = 10
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	return c
}

// entry wraps one pooled connection with its checkout bookkeeping.
type entry struct {
	conn      *resilient.Connection
	available bool
	lastIdle  time.Time
}

// Pool is the bounded resilient-connection pool of spec §4.8.
type Pool struct {
	cfg     Config
	factory Factory
	log     obslog.Logger

	mu      sync.Mutex
	entries []*entry
	size    int // optimistic in-flight-or-live count, reconciled under mu

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Pool, starts its background minimum-size filler and idle
// reaper, and returns immediately; entries are created lazily/async.
func New(cfg Config, factory Factory, log obslog.Logger) *Pool {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = obslog.Noop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go p.run()
	return p
}

// run drives the minimum-size filler and idle reaper on CleanupInterval
// ticks (spec §4.8).
func (p *Pool) run() {
	defer close(p.done)

	p.fillToMinimum()

	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
			p.fillToMinimum()
		}
	}
}

// fillToMinimum tops the pool up to MinSize. The size counter is
// incremented optimistically before each connection attempt completes,
// so concurrent fill passes never overshoot MinSize; a failed attempt
// decrements it back (the "optimistic-increment reconciliation" of
// spec §4.8).
func (p *Pool) fillToMinimum() {
	for {
		p.mu.Lock()
		if p.size >= p.cfg.MinSize || p.size >= p.cfg.MaxSize {
			p.mu.Unlock()
			return
		}
		p.size++
		p.mu.Unlock()

		conn := p.factory()
		if err := conn.Connect(context.Background()); err != nil {
			p.log.Warn("pool.fill_failed", obslog.Fields{"error": err.Error()})
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		p.entries = append(p.entries, &entry{conn: conn, available: true, lastIdle: time.Now()})
		p.mu.Unlock()
		p.log.Info("pool.filled", obslog.Fields{"size": p.size})
		p.reportGauges()
	}
}

// reapIdle closes and drops entries that have been available for longer
// than IdleTimeout, down to no fewer than MinSize live entries (spec
// §4.8).
func (p *Pool) reapIdle() {
	var toClose []*resilient.Connection

	p.mu.Lock()
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.available && time.Since(e.lastIdle) > p.cfg.IdleTimeout && len(kept)+len(toClose) >= p.cfg.MinSize {
			toClose = append(toClose, e.conn)
			p.size--
			continue
		}
		kept = append(kept, e)
	}
	p.entries = kept
	p.mu.Unlock()

	for _, c := range toClose {
		if err := c.Disconnect(context.Background()); err != nil {
			p.log.Warn("pool.reap_disconnect_failed", obslog.Fields{"error": err.Error()})
		}
	}
	if len(toClose) > 0 {
		p.log.Info("pool.reaped", obslog.Fields{"count": len(toClose)})
	}
	p.reportGauges()
}

// Get checks out a connection: an idle, healthy entry if one exists, a
// freshly created entry if the pool is under MaxSize, or else it polls
// every 100ms until one frees up or ConnectionTimeout elapses (spec
// §4.8).
func (p *Pool) Get(ctx context.Context) (*resilient.Connection, error) {
	deadline := time.Now().Add(p.cfg.ConnectionTimeout)

	for {
		if c, ok := p.tryAcquireIdle(); ok {
			p.reportGauges()
			return c, nil
		}

		if c, ok, err := p.tryCreate(); ok {
			p.reportGauges()
			if err != nil {
				return nil, err
			}
			return c, nil
		}

		if time.Now().After(deadline) {
			return nil, hsmserr.PoolExhausted("no connection available within connection_timeout")
		}

		select {
		case <-ctx.Done():
			return nil, hsmserr.Canceled(ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// tryAcquireIdle returns the first idle entry whose connection is still
// Selected, discarding (and retrying against) any idle entry it finds
// unhealthy.
func (p *Pool) tryAcquireIdle() (*resilient.Connection, bool) {
	for {
		p.mu.Lock()
		var found *entry
		for _, e := range p.entries {
			if e.available {
				found = e
				break
			}
		}
		if found == nil {
			p.mu.Unlock()
			return nil, false
		}

		if found.conn.State() != fsm.Selected {
			p.removeEntryLocked(found)
			p.size--
			p.mu.Unlock()
			_ = found.conn.Disconnect(context.Background())
			continue
		}

		found.available = false
		p.mu.Unlock()
		return found.conn, true
	}
}

func (p *Pool) removeEntryLocked(target *entry) {
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e != target {
			kept = append(kept, e)
		}
	}
	p.entries = kept
}

// tryCreate creates a new entry if the pool has room under MaxSize. The
// ok return is false when the pool is already at capacity (the caller
// should poll instead); when ok is true, err carries a connect failure
// if one occurred.
func (p *Pool) tryCreate() (*resilient.Connection, bool, error) {
	p.mu.Lock()
	if p.size >= p.cfg.MaxSize {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.size++
	p.mu.Unlock()

	conn := p.factory()
	if err := conn.Connect(context.Background()); err != nil {
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		return nil, true, err
	}

	p.mu.Lock()
	p.entries = append(p.entries, &entry{conn: conn, available: false})
	p.mu.Unlock()
	return conn, true, nil
}

// Put returns conn to the pool as available, or discards it (and
// reconciles the size counter) if it is no longer Selected.
func (p *Pool) Put(conn *resilient.Connection) {
	p.mu.Lock()
	for _, e := range p.entries {
		if e.conn == conn {
			if conn.State() != fsm.Selected {
				p.removeEntryLocked(e)
				p.size--
				p.mu.Unlock()
				go func() { _ = conn.Disconnect(context.Background()) }()
				p.reportGauges()
				return
			}
			e.available = true
			e.lastIdle = time.Now()
			p.mu.Unlock()
			p.reportGauges()
			return
		}
	}
	p.mu.Unlock()
}

// Close tears down every pooled connection, aggregating best-effort
// disconnect failures with go-multierror rather than stopping at the
// first one (spec §4.8: shutdown must not abandon later connections
// because an earlier one failed to close cleanly).
func (p *Pool) Close() error {
	p.cancel()
	<-p.done

	p.mu.Lock()
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	var result *multierror.Error
	for _, e := range entries {
		if err := e.conn.Disconnect(context.Background()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Size returns the pool's current optimistic live-or-in-flight count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// reportGauges publishes the pool's current in-use/available occupancy
// to Metrics, if configured (spec §6.3).
func (p *Pool) reportGauges() {
	if p.cfg.Metrics == nil {
		return
	}

	p.mu.Lock()
	var inUse, available int
	for _, e := range p.entries {
		if e.available {
			available++
		} else {
			inUse++
		}
	}
	p.mu.Unlock()

	p.cfg.Metrics.PoolInUse.WithLabelValues(p.cfg.Endpoint, p.cfg.Mode).Set(float64(inUse))
	p.cfg.Metrics.PoolAvailable.WithLabelValues(p.cfg.Endpoint, p.cfg.Mode).Set(float64(available))
}
