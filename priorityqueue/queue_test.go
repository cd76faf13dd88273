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

package priorityqueue_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/hsms-transport/breaker"
	"github.com/nabbar/hsms-transport/internal/hsmserr"
	"github.com/nabbar/hsms-transport/priorityqueue"
)

var _ = Describe("Queue", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	It("runs a submitted job and returns its result", func() {
		q := priorityqueue.New(ctx, priorityqueue.Config{MaxConcurrentOps: 4})
		defer q.Close()

		err := q.Submit(context.Background(), priorityqueue.Normal, func(context.Context) error { return nil })
		Expect(err).ToNot(HaveOccurred())
	})

	It("propagates the operation's error", func() {
		q := priorityqueue.New(ctx, priorityqueue.Config{MaxConcurrentOps: 4})
		defer q.Close()

		boom := errors.New("boom")
		err := q.Submit(context.Background(), priorityqueue.Normal, func(context.Context) error { return boom })
		Expect(err).To(Equal(boom))
	})

	It("drains jobs dispatched under a single concurrency slot in priority order", func() {
		q := priorityqueue.New(ctx, priorityqueue.Config{MaxConcurrentOps: 1})
		defer q.Close()

		release := make(chan struct{})
		blockerStarted := make(chan struct{})

		var mu sync.Mutex
		var order []string

		go func() {
			_ = q.Submit(context.Background(), priorityqueue.Normal, func(context.Context) error {
				close(blockerStarted)
				<-release
				return nil
			})
		}()
		<-blockerStarted

		var wg sync.WaitGroup
		submit := func(name string, p priorityqueue.Priority) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = q.Submit(context.Background(), p, func(context.Context) error {
					mu.Lock()
					order = append(order, name)
					mu.Unlock()
					return nil
				})
			}()
		}

		submit("bulk", priorityqueue.Bulk)
		submit("low", priorityqueue.Low)
		submit("critical", priorityqueue.Critical)
		submit("high", priorityqueue.High)
		time.Sleep(50 * time.Millisecond)

		close(release)
		wg.Wait()

		mu.Lock()
		defer mu.Unlock()
		Expect(order).To(Equal([]string{"critical", "high", "low", "bulk"}))
	})

	It("fast-rejects with CircuitOpen without invoking op while the breaker is Open", func() {
		b := breaker.New(breaker.Config{FailureThreshold: 1, OpenDuration: time.Hour})
		_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
		Expect(b.State()).To(Equal(breaker.Open))

		q := priorityqueue.New(ctx, priorityqueue.Config{Breaker: b, MaxConcurrentOps: 4})
		defer q.Close()

		invoked := false
		err := q.Submit(context.Background(), priorityqueue.Normal, func(context.Context) error { invoked = true; return nil })
		Expect(invoked).To(BeFalse())
		Expect(hsmserr.Is(err, hsmserr.KindCircuitOpen)).To(BeTrue())
	})

	It("admits only a single HalfOpen probe and rejects the rest with CircuitOpen", func() {
		b := breaker.New(breaker.Config{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond, HalfOpenDelay: 0})
		_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
		Expect(b.State()).To(Equal(breaker.Open))
		time.Sleep(15 * time.Millisecond)

		q := priorityqueue.New(ctx, priorityqueue.Config{Breaker: b, MaxConcurrentOps: 4})
		defer q.Close()

		probeRelease := make(chan struct{})
		probeStarted := make(chan struct{})

		var wg sync.WaitGroup
		var rejected int
		var mu sync.Mutex

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Submit(context.Background(), priorityqueue.Critical, func(context.Context) error {
				close(probeStarted)
				<-probeRelease
				return nil
			})
		}()
		<-probeStarted

		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := q.Submit(context.Background(), priorityqueue.Normal, func(context.Context) error { return nil })
				if hsmserr.Is(err, hsmserr.KindCircuitOpen) {
					mu.Lock()
					rejected++
					mu.Unlock()
				}
			}()
		}
		time.Sleep(30 * time.Millisecond)
		close(probeRelease)
		wg.Wait()

		mu.Lock()
		defer mu.Unlock()
		Expect(rejected).To(Equal(3))
	})

	It("fails still-queued jobs with Canceled once Close is called", func() {
		q := priorityqueue.New(ctx, priorityqueue.Config{MaxConcurrentOps: 1})

		release := make(chan struct{})
		blockerStarted := make(chan struct{})
		go func() {
			_ = q.Submit(context.Background(), priorityqueue.Normal, func(context.Context) error {
				close(blockerStarted)
				<-release
				return nil
			})
		}()
		<-blockerStarted

		errCh := make(chan error, 1)
		go func() {
			errCh <- q.Submit(context.Background(), priorityqueue.Low, func(context.Context) error { return nil })
		}()
		time.Sleep(20 * time.Millisecond)

		q.Close()
		Eventually(errCh, time.Second).Should(Receive(HaveOccurred()))
		close(release)
	})
})
