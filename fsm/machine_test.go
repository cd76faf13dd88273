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

package fsm_test

import (
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/hsms-transport/fsm"
)

var _ = Describe("Machine", func() {
	It("starts in NotConnected", func() {
		m := fsm.New(fsm.Config{})
		Expect(m.State()).To(Equal(fsm.NotConnected))
	})

	It("rejects an event with no transition from the current state", func() {
		m := fsm.New(fsm.Config{})
		err := m.SendEvent(fsm.EvSelect)
		Expect(err).To(HaveOccurred())
		Expect(m.State()).To(Equal(fsm.NotConnected))
	})

	It("runs DoConnect as the Connecting entry action", func() {
		var called atomic.Bool
		m := fsm.New(fsm.Config{Actions: fsm.Actions{
			DoConnect: func() { called.Store(true) },
		}})

		Expect(m.SendEvent(fsm.EvConnect)).To(Succeed())
		Eventually(called.Load).Should(BeTrue())
		Expect(m.State()).To(Equal(fsm.Connecting))
	})

	It("notifies subscribers exactly once per actual transition", func() {
		m := fsm.New(fsm.Config{})
		var transitions []string
		m.Subscribe(func(from, to fsm.State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		})

		Expect(m.SendEvent(fsm.EvConnect)).To(Succeed())
		Expect(m.SendEvent(fsm.EvConnected)).To(Succeed())

		Expect(transitions).To(Equal([]string{
			"NotConnected->Connecting",
			"Connecting->Connected",
		}))
	})

	It("moves Connecting->WaitingRetry->Connecting on repeated connect failures within the retry budget", func() {
		m := fsm.New(fsm.Config{
			MaxRetries: 2,
			Backoff:    func(int) time.Duration { return time.Millisecond },
		})

		Expect(m.SendEvent(fsm.EvConnect)).To(Succeed())
		Expect(m.SendEvent(fsm.EvConnectFailed)).To(Succeed())
		Expect(m.State()).To(Equal(fsm.WaitingRetry))

		Eventually(m.State, time.Second, time.Millisecond).Should(Equal(fsm.Connecting))
	})

	It("moves to Error once the retry budget is exhausted", func() {
		m := fsm.New(fsm.Config{MaxRetries: 0})
		Expect(m.SendEvent(fsm.EvConnect)).To(Succeed())
		Expect(m.SendEvent(fsm.EvConnectFailed)).To(Succeed())
		Expect(m.State()).To(Equal(fsm.Error))
	})

	It("allows Connected->Selected->Connected via SELECT/DESELECT", func() {
		m := fsm.New(fsm.Config{})
		Expect(m.SendEvent(fsm.EvConnect)).To(Succeed())
		Expect(m.SendEvent(fsm.EvConnected)).To(Succeed())
		Expect(m.SendEvent(fsm.EvSelect)).To(Succeed())
		Expect(m.State()).To(Equal(fsm.Selected))
		Expect(m.SendEvent(fsm.EvDeselect)).To(Succeed())
		Expect(m.State()).To(Equal(fsm.Connected))
	})

	It("reports the cause via ReportError on ERROR from Selected", func() {
		var got error
		m := fsm.New(fsm.Config{Actions: fsm.Actions{
			ReportError: func(err error) { got = err },
		}})
		Expect(m.SendEvent(fsm.EvConnect)).To(Succeed())
		Expect(m.SendEvent(fsm.EvConnected)).To(Succeed())
		Expect(m.SendEvent(fsm.EvSelect)).To(Succeed())

		cause := errors.New("boom")
		Expect(m.SendError(cause)).To(Succeed())
		Expect(m.State()).To(Equal(fsm.Error))
		Eventually(func() error { return got }).Should(Equal(cause))
	})

	It("RESET from Error returns to NotConnected and clears retry count", func() {
		m := fsm.New(fsm.Config{MaxRetries: 0})
		Expect(m.SendEvent(fsm.EvConnect)).To(Succeed())
		Expect(m.SendEvent(fsm.EvConnectFailed)).To(Succeed())
		Expect(m.State()).To(Equal(fsm.Error))

		Expect(m.SendEvent(fsm.EvReset)).To(Succeed())
		Expect(m.State()).To(Equal(fsm.NotConnected))
	})

	It("gives a fresh episode its own local retry budget after Error->EvReconnect", func() {
		m := fsm.New(fsm.Config{
			MaxRetries: 1,
			Backoff:    func(int) time.Duration { return time.Millisecond },
		})

		Expect(m.SendEvent(fsm.EvConnect)).To(Succeed())
		Expect(m.SendEvent(fsm.EvConnectFailed)).To(Succeed())
		Expect(m.State()).To(Equal(fsm.WaitingRetry))
		Eventually(m.State, time.Second, time.Millisecond).Should(Equal(fsm.Connecting))

		Expect(m.SendEvent(fsm.EvConnectFailed)).To(Succeed())
		Expect(m.State()).To(Equal(fsm.Error))

		Expect(m.SendEvent(fsm.EvReconnect)).To(Succeed())
		Expect(m.State()).To(Equal(fsm.Connecting))
		Expect(m.SendEvent(fsm.EvConnectFailed)).To(Succeed())
		Expect(m.State()).To(Equal(fsm.WaitingRetry))
	})

	It("ExhaustRetries forces the next EvConnectFailed straight to Error", func() {
		m := fsm.New(fsm.Config{MaxRetries: 3})
		Expect(m.SendEvent(fsm.EvConnect)).To(Succeed())

		m.ExhaustRetries()
		Expect(m.SendEvent(fsm.EvConnectFailed)).To(Succeed())
		Expect(m.State()).To(Equal(fsm.Error))
	})

	It("never fires a no-op transition's listener when old equals new", func() {
		m := fsm.New(fsm.Config{})
		calls := 0
		m.Subscribe(func(from, to fsm.State) { calls++ })
		Expect(m.SendEvent(fsm.EvCancel)).To(HaveOccurred()) // invalid from NotConnected
		m.Reset()                                            // NotConnected -> NotConnected
		Expect(calls).To(Equal(0))
	})
})
