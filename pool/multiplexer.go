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

package pool

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/nabbar/hsms-transport/internal/obslog"
	"github.com/nabbar/hsms-transport/resilient"
)

// Key identifies one (endpoint, mode) sub-pool, the granularity spec
// §4.8 pools at ("Keyed by (endpoint, role); per-key sub-pool").
type Key struct {
	Endpoint string
	Mode     string
}

// FactoryFor builds the Factory a sub-pool uses to create connections
// for one Key, since Active/Passive dial parameters differ per endpoint.
type FactoryFor func(key Key) Factory

// Multiplexer is the keyed connection pool of spec §4.8: one Pool per
// (endpoint, mode), created lazily on first Get and sharing a common
// sizing Config otherwise. Endpoint/Mode in cfg are overridden per key.
type Multiplexer struct {
	cfg     Config
	factory FactoryFor
	log     obslog.Logger

	mu    sync.Mutex
	pools map[Key]*Pool
}

// NewMultiplexer builds a Multiplexer. Sub-pools are created lazily, one
// per distinct Key seen by Get.
func NewMultiplexer(cfg Config, factory FactoryFor, log obslog.Logger) *Multiplexer {
	return &Multiplexer{
		cfg:     cfg,
		factory: factory,
		log:     log,
		pools:   make(map[Key]*Pool),
	}
}

// Get checks out a connection from key's sub-pool, creating that
// sub-pool (and starting its background filler/reaper) on first use
// (spec §4.8 "get(endpoint, mode, ct) → PooledConnection").
func (m *Multiplexer) Get(ctx context.Context, key Key) (*resilient.Connection, error) {
	return m.poolFor(key).Get(ctx)
}

// Put returns conn to key's sub-pool. It is a no-op if key's sub-pool
// was never created (conn could not have come from it).
func (m *Multiplexer) Put(key Key, conn *resilient.Connection) {
	m.mu.Lock()
	p := m.pools[key]
	m.mu.Unlock()
	if p != nil {
		p.Put(conn)
	}
}

// Size returns key's sub-pool's current optimistic live-or-in-flight
// count, or 0 if that sub-pool was never created.
func (m *Multiplexer) Size(key Key) int {
	m.mu.Lock()
	p := m.pools[key]
	m.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.Size()
}

func (m *Multiplexer) poolFor(key Key) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[key]; ok {
		return p
	}

	cfg := m.cfg
	cfg.Endpoint = key.Endpoint
	cfg.Mode = key.Mode
	p := New(cfg, m.factory(key), m.log)
	m.pools[key] = p
	return p
}

// Close tears down every sub-pool, aggregating best-effort failures with
// go-multierror rather than stopping at the first one (same shutdown
// contract as Pool.Close).
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[Key]*Pool)
	m.mu.Unlock()

	var result *multierror.Error
	for _, p := range pools {
		if err := p.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
