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

package resilient_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nabbar/hsms-transport/breaker"
	"github.com/nabbar/hsms-transport/codec"
	"github.com/nabbar/hsms-transport/fsm"
	"github.com/nabbar/hsms-transport/internal/hsmserr"
	"github.com/nabbar/hsms-transport/internal/obsmetrics"
	"github.com/nabbar/hsms-transport/rawconn"
	"github.com/nabbar/hsms-transport/resilient"
)

func fastOptions() resilient.Options {
	return resilient.Options{
		T5Ms:                 500,
		T6Ms:                 500,
		T3Ms:                 500,
		T7Ms:                 500,
		MaxRetryAttempts:     2,
		RetryBaseDelayMs:     20,
		MaxReconnectAttempts: 0,
		LinktestIntervalMs:   30_000,
	}
}

var _ = Describe("Connection", func() {
	It("connects and reaches Selected against a responding peer", func() {
		peer := newFakePeer()
		defer peer.close()
		go peer.serveOne()

		c := resilient.New(rawconn.Active, peer.addr(), nil, fastOptions(), nil)
		defer c.Disconnect(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(c.Connect(ctx)).To(Succeed())
		Expect(c.State()).To(Equal(fsm.Selected))
	})

	It("round-trips a Request through the selected connection", func() {
		peer := newFakePeer()
		defer peer.close()
		go peer.serveOne()

		c := resilient.New(rawconn.Active, peer.addr(), nil, fastOptions(), nil)
		defer c.Disconnect(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(c.Connect(ctx)).To(Succeed())

		req := codec.New(1, 1, 1, codec.DataMessage, 777, []byte("payload"))
		rsp, err := c.Request(context.Background(), req, resilient.PriorityNormal)
		Expect(err).ToNot(HaveOccurred())
		Expect(rsp.SystemBytes).To(Equal(uint32(777)))
		Expect(rsp.Data).To(Equal([]byte("payload")))
	})

	It("rejects Send/Request while not yet Selected", func() {
		c := resilient.New(rawconn.Active, "127.0.0.1:1", nil, fastOptions(), nil)
		defer c.Disconnect(context.Background())

		err := c.Send(context.Background(), codec.New(1, 1, 1, codec.DataMessage, 1, nil), resilient.PriorityNormal)
		Expect(err).To(HaveOccurred())
	})

	It("reconnects and fires OnReconnected after the peer drops and comes back", func() {
		peer := newFakePeer()
		defer peer.close()
		go peer.serveOne()

		opts := fastOptions()
		opts.RetryBaseDelayMs = 10
		c := resilient.New(rawconn.Active, peer.addr(), nil, opts, nil)
		defer c.Disconnect(context.Background())

		reconnected := make(chan struct{}, 1)
		c.OnReconnected(func() {
			select {
			case reconnected <- struct{}{}:
			default:
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(c.Connect(ctx)).To(Succeed())

		peer.dropConn()
		go peer.serveOne()

		Eventually(reconnected, 5*time.Second).Should(Receive())
		Eventually(c.State, 5*time.Second).Should(Equal(fsm.Selected))
	})

	It("does not auto-reconnect after an explicit Disconnect", func() {
		peer := newFakePeer()
		defer peer.close()
		go peer.serveOne()

		c := resilient.New(rawconn.Active, peer.addr(), nil, fastOptions(), nil)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(c.Connect(ctx)).To(Succeed())

		Expect(c.Disconnect(context.Background())).To(Succeed())
		Consistently(c.State, 200*time.Millisecond, 20*time.Millisecond).ShouldNot(Equal(fsm.Selected))
	})

	It("reports frames sent/received through the configured Metrics bundle", func() {
		peer := newFakePeer()
		defer peer.close()
		go peer.serveOne()

		m := obsmetrics.New("hsms_resilient_test")
		opts := fastOptions()
		opts.Metrics = m
		c := resilient.New(rawconn.Active, peer.addr(), nil, opts, nil)
		defer c.Disconnect(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(c.Connect(ctx)).To(Succeed())

		req := codec.New(1, 1, 1, codec.DataMessage, 321, []byte("x"))
		_, err := c.Request(context.Background(), req, resilient.PriorityNormal)
		Expect(err).ToNot(HaveOccurred())

		Expect(testutil.ToFloat64(m.FramesSent.WithLabelValues(peer.addr(), codec.DataMessage.String()))).To(BeNumerically(">=", 1))
		Expect(testutil.ToFloat64(m.FramesReceived.WithLabelValues(peer.addr(), codec.DataMessage.String()))).To(BeNumerically(">=", 1))
	})

	It("fails the handshake with SelectionRejected when the peer answers SelectReq with RejectReq", func() {
		peer := newFakePeer()
		defer peer.close()
		peer.rejectNextSelect()
		go peer.serveOne()

		opts := fastOptions()
		opts.MaxReconnectAttempts = 1
		c := resilient.New(rawconn.Active, peer.addr(), nil, opts, nil)
		defer c.Disconnect(context.Background())

		errs := make(chan error, 1)
		c.OnError(func(err error) {
			select {
			case errs <- err:
			default:
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(c.Connect(ctx)).ToNot(Succeed())

		var gotErr error
		Eventually(errs, 2*time.Second).Should(Receive(&gotErr))
		Expect(hsmserr.Is(gotErr, hsmserr.KindSelectionRejected)).To(BeTrue())
	})

	It("moves to Error once T7 expires without completing Select", func() {
		peer := newFakePeer()
		defer peer.close()
		peer.withholdNextSelect()
		go peer.serveOne()

		opts := fastOptions()
		opts.T7Ms = 50
		opts.MaxReconnectAttempts = 1
		c := resilient.New(rawconn.Active, peer.addr(), nil, opts, nil)
		defer c.Disconnect(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Connect(ctx)

		Eventually(c.State, 2*time.Second).Should(Equal(fsm.Error))
	})

	It("opens the circuit breaker after three consecutive connection failures", func() {
		opts := fastOptions()
		opts.MaxReconnectAttempts = 3
		opts.MaxRetryAttempts = 0
		opts.RetryBaseDelayMs = 5
		opts.CircuitThreshold = 3
		opts.T5Ms = 50

		c := resilient.New(rawconn.Active, "127.0.0.1:1", nil, opts, nil)
		defer c.Disconnect(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.Connect(ctx)

		Eventually(func() breaker.State { return c.BreakerStats().State }, 2*time.Second).Should(Equal(breaker.Open))
	})

	It("fails Connect once the initial reconnect budget is exhausted against a dead address", func() {
		opts := fastOptions()
		opts.MaxReconnectAttempts = 2
		opts.RetryBaseDelayMs = 5
		opts.T5Ms = 50

		c := resilient.New(rawconn.Active, "127.0.0.1:1", nil, opts, nil)
		defer c.Disconnect(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err := c.Connect(ctx)
		Expect(err).To(HaveOccurred())
	})
})
