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

// Package priorityqueue implements the bounded, priority-ordered
// execution queue of spec §4.7: five FIFO levels feeding a single
// dispatcher that gates admission through a circuit breaker and a
// max-concurrency semaphore, plus the HalfOpen single-probe rule. The
// concurrency gates are golang.org/x/sync/semaphore.Weighted, the same
// primitive the teacher's semaphore/sem package wraps.
package priorityqueue

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nabbar/hsms-transport/breaker"
	"github.com/nabbar/hsms-transport/internal/hsmserr"
)

// Priority levels, highest first (spec §4.7).
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Bulk

	numPriorities = int(Bulk) + 1
)

type job struct {
	ctx       context.Context
	priority  Priority
	op        func(context.Context) error
	done      chan error
	usesProbe bool
}

// Config configures a Queue. The half-open probe slot itself always has
// exactly 1 permit (spec §4.7); the breaker's HalfOpenDelay configures
// how long the breaker waits before offering that slot at all.
type Config struct {
	Breaker          *breaker.Breaker
	MaxConcurrentOps int64
}

// Queue is the priority execution queue of spec §4.7.
type Queue struct {
	breaker *breaker.Breaker

	mu     sync.Mutex
	levels [numPriorities]*list.List
	wake   chan struct{}

	sem      *semaphore.Weighted
	probeSem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Queue and starts its dispatcher loop. Call Close to stop
// it; all in-flight operations are allowed to finish but no new ones are
// dispatched once Close is called.
func New(parent context.Context, cfg Config) *Queue {
	if cfg.MaxConcurrentOps <= 0 {
		cfg.MaxConcurrentOps = 100
	}

	ctx, cancel := context.WithCancel(parent)
	q := &Queue{
		breaker:  cfg.Breaker,
		wake:     make(chan struct{}, 1),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentOps),
		probeSem: semaphore.NewWeighted(1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for i := range q.levels {
		q.levels[i] = list.New()
	}

	go q.dispatch()
	return q
}

// Close stops the dispatcher loop. Jobs already admitted keep running;
// jobs still queued are failed with Canceled.
func (q *Queue) Close() {
	q.cancel()
	<-q.done
}

// Submit enqueues op at the given priority and blocks until it has run
// (or been rejected/canceled), returning its result.
func (q *Queue) Submit(ctx context.Context, p Priority, op func(context.Context) error) error {
	j := &job{ctx: ctx, priority: p, op: op, done: make(chan error, 1)}

	q.mu.Lock()
	if q.ctx.Err() != nil {
		q.mu.Unlock()
		return hsmserr.Canceled(q.ctx.Err())
	}
	q.levels[p].PushBack(j)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return hsmserr.Canceled(ctx.Err())
	}
}

// dispatch is the single loop picking from the highest-priority
// non-empty level, subject to the concurrency semaphore and the HalfOpen
// single-probe rule (spec §4.7).
func (q *Queue) dispatch() {
	defer close(q.done)

	for {
		progressed := q.dispatchReady()
		if progressed {
			continue
		}

		select {
		case <-q.ctx.Done():
			q.drain()
			return
		case <-q.wake:
		}
	}
}

// dispatchReady scans levels Critical..Bulk and admits every job it can
// under current concurrency/breaker constraints. It returns true if at
// least one job was admitted, so the caller can keep looping without
// blocking on wake; jobs the breaker rejects are failed inside popReady
// without ending the scan.
func (q *Queue) dispatchReady() bool {
	progressed := false

	for {
		j, ok := q.popReady()
		if !ok {
			break
		}
		progressed = true
		go q.run(j)
	}

	return progressed
}

// popReady removes and returns the next job this dispatcher tick can
// admit: it must hold a concurrency slot and, while the breaker is not
// Closed, the single probe slot. While the breaker is Open or HalfOpen,
// non-Critical jobs, and Critical jobs that find the probe slot taken,
// are popped and failed immediately with CircuitOpen without keeping a
// concurrency slot, and the scan goes on. A Critical job admitted while
// the breaker is Open reaches breaker.Execute, which itself rejects it
// until the open duration has elapsed.
func (q *Queue) popReady() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := 0; p < numPriorities; p++ {
		lvl := q.levels[p]
		front := lvl.Front()
		if front == nil {
			continue
		}
		j := front.Value.(*job)

		if q.breaker != nil && q.breaker.State() != breaker.Closed && Priority(p) != Critical {
			lvl.Remove(front)
			j.done <- hsmserr.CircuitOpen(0)
			p-- // examine this level's new front
			continue
		}

		if !q.sem.TryAcquire(1) {
			continue
		}

		if q.breaker != nil && q.breaker.State() != breaker.Closed {
			if !q.probeSem.TryAcquire(1) {
				q.sem.Release(1)
				lvl.Remove(front)
				j.done <- hsmserr.CircuitOpen(0)
				p--
				continue
			}
			j.usesProbe = true
		}

		lvl.Remove(front)
		return j, true
	}
	return nil, false
}

func (q *Queue) run(j *job) {
	// Wake the dispatcher once this job's slots are released, so jobs
	// left queued for want of a slot are picked up.
	defer func() {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}()
	defer q.sem.Release(1)
	defer func() {
		if j.usesProbe {
			q.probeSem.Release(1)
		}
	}()

	if q.breaker != nil {
		j.done <- q.breaker.Execute(j.ctx, j.op)
		return
	}
	j.done <- j.op(j.ctx)
}

// drain fails every still-queued job with Canceled once the queue is
// closing, so no Submit call is left blocked forever.
func (q *Queue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, lvl := range q.levels {
		for e := lvl.Front(); e != nil; e = e.Next() {
			j := e.Value.(*job)
			j.done <- hsmserr.Canceled(q.ctx.Err())
		}
		lvl.Init()
	}
}
