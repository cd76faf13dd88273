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

package pool_test

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/hsms-transport/pool"
	"github.com/nabbar/hsms-transport/rawconn"
	"github.com/nabbar/hsms-transport/resilient"
)

func fastResilientOptions() resilient.Options {
	return resilient.Options{
		T5Ms:               500,
		T6Ms:               500,
		T3Ms:               500,
		T7Ms:               500,
		MaxRetryAttempts:   2,
		RetryBaseDelayMs:   20,
		LinktestIntervalMs: 30_000,
	}
}

func factoryFor(peer *fakePeer, built *atomic.Int64) pool.Factory {
	return func() *resilient.Connection {
		built.Add(1)
		return resilient.New(rawconn.Active, peer.addr(), nil, fastResilientOptions(), nil)
	}
}

var _ = Describe("Pool", func() {
	It("fills to MinSize in the background", func() {
		peer := newFakePeer()
		defer peer.close()

		var built atomic.Int64
		p := pool.New(pool.Config{MinSize: 2, MaxSize: 5, CleanupInterval: time.Hour}, factoryFor(peer, &built), nil)
		defer p.Close()

		Eventually(p.Size, 2*time.Second, 10*time.Millisecond).Should(Equal(2))
	})

	It("Get returns an idle entry before creating a new one", func() {
		peer := newFakePeer()
		defer peer.close()

		var built atomic.Int64
		p := pool.New(pool.Config{MinSize: 1, MaxSize: 5, CleanupInterval: time.Hour}, factoryFor(peer, &built), nil)
		defer p.Close()

		Eventually(p.Size, 2*time.Second, 10*time.Millisecond).Should(Equal(1))

		c, err := p.Get(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(built.Load()).To(Equal(int64(1)))
		p.Put(c)
	})

	It("creates up to MaxSize and then blocks until Put frees a slot", func() {
		peer := newFakePeer()
		defer peer.close()

		var built atomic.Int64
		p := pool.New(pool.Config{MinSize: 0, MaxSize: 1, CleanupInterval: time.Hour, ConnectionTimeout: 2 * time.Second}, factoryFor(peer, &built), nil)
		defer p.Close()

		c1, err := p.Get(context.Background())
		Expect(err).ToNot(HaveOccurred())

		got := make(chan *resilient.Connection, 1)
		go func() {
			c2, err := p.Get(context.Background())
			if err == nil {
				got <- c2
			}
		}()

		Consistently(got, 100*time.Millisecond).ShouldNot(Receive())
		p.Put(c1)
		Eventually(got, 2*time.Second).Should(Receive())
	})

	It("returns PoolExhausted once ConnectionTimeout elapses with no free slot", func() {
		peer := newFakePeer()
		defer peer.close()

		var built atomic.Int64
		p := pool.New(pool.Config{MinSize: 0, MaxSize: 1, CleanupInterval: time.Hour, ConnectionTimeout: 100 * time.Millisecond}, factoryFor(peer, &built), nil)
		defer p.Close()

		_, err := p.Get(context.Background())
		Expect(err).ToNot(HaveOccurred())

		_, err = p.Get(context.Background())
		Expect(err).To(HaveOccurred())
	})

	It("reaps idle entries above MinSize after IdleTimeout", func() {
		peer := newFakePeer()
		defer peer.close()

		var built atomic.Int64
		p := pool.New(pool.Config{
			MinSize:         1,
			MaxSize:         5,
			CleanupInterval: 20 * time.Millisecond,
			IdleTimeout:     30 * time.Millisecond,
		}, factoryFor(peer, &built), nil)
		defer p.Close()

		Eventually(p.Size, 2*time.Second, 10*time.Millisecond).Should(Equal(1))

		c, err := p.Get(context.Background())
		Expect(err).ToNot(HaveOccurred())
		c2, err := p.Get(context.Background())
		Expect(err).ToNot(HaveOccurred())
		p.Put(c)
		p.Put(c2)

		Eventually(p.Size, 2*time.Second, 20*time.Millisecond).Should(Equal(1))
	})

	It("Close disconnects every pooled connection and aggregates errors", func() {
		peer := newFakePeer()
		defer peer.close()

		var built atomic.Int64
		p := pool.New(pool.Config{MinSize: 2, MaxSize: 5, CleanupInterval: time.Hour}, factoryFor(peer, &built), nil)

		Eventually(p.Size, 2*time.Second, 10*time.Millisecond).Should(Equal(2))
		Expect(p.Close()).To(Succeed())
	})
})
