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

var _ = Describe("Multiplexer", func() {
	It("keeps separate sub-pools per (endpoint, mode) key", func() {
		peerA := newFakePeer()
		defer peerA.close()
		peerB := newFakePeer()
		defer peerB.close()

		var builtA, builtB atomic.Int64
		keyA := pool.Key{Endpoint: peerA.addr(), Mode: "active"}
		keyB := pool.Key{Endpoint: peerB.addr(), Mode: "active"}

		mux := pool.NewMultiplexer(pool.Config{MinSize: 0, MaxSize: 2}, func(k pool.Key) pool.Factory {
			return func() *resilient.Connection {
				if k == keyA {
					builtA.Add(1)
				} else {
					builtB.Add(1)
				}
				return resilient.New(rawconn.Active, k.Endpoint, nil, fastResilientOptions(), nil)
			}
		}, nil)
		defer mux.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		cA, err := mux.Get(ctx, keyA)
		Expect(err).ToNot(HaveOccurred())
		cB, err := mux.Get(ctx, keyB)
		Expect(err).ToNot(HaveOccurred())

		Expect(builtA.Load()).To(Equal(int64(1)))
		Expect(builtB.Load()).To(Equal(int64(1)))
		Expect(mux.Size(keyA)).To(Equal(1))
		Expect(mux.Size(keyB)).To(Equal(1))

		mux.Put(keyA, cA)
		mux.Put(keyB, cB)

		cA2, err := mux.Get(ctx, keyA)
		Expect(err).ToNot(HaveOccurred())
		Expect(cA2).To(Equal(cA))
		Expect(builtA.Load()).To(Equal(int64(1)), "the idle entry from keyA's sub-pool must be reused, not keyB's")
	})

	It("Close tears down every sub-pool it created", func() {
		peer := newFakePeer()
		defer peer.close()

		key := pool.Key{Endpoint: peer.addr(), Mode: "active"}
		mux := pool.NewMultiplexer(pool.Config{MinSize: 0, MaxSize: 1}, func(pool.Key) pool.Factory {
			return func() *resilient.Connection {
				return resilient.New(rawconn.Active, peer.addr(), nil, fastResilientOptions(), nil)
			}
		}, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := mux.Get(ctx, key)
		Expect(err).ToNot(HaveOccurred())

		Expect(mux.Close()).To(Succeed())
		Expect(mux.Size(key)).To(Equal(0))
	})
})
