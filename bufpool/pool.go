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

// Package bufpool implements the size-classed scratch buffer pool shared
// by the codec and the raw connection's reader/writer (spec §4.1). Size
// classes are powers of two from 4 KiB up; Return always clears before
// the underlying sync.Pool accepts the slice back, so a reused buffer
// never leaks a previous frame's bytes into the next one.
package bufpool

import "sync"

const minClassShift = 12 // 4 KiB

// Pool is a process-wide, size-classed byte slice pool.
type Pool struct {
	classes []*sync.Pool
	maxSize int
}

// New builds a Pool with classes from 4 KiB up to and including maxSize
// rounded up to the next power of two. Buffers larger than the top class
// are allocated directly and not pooled.
func New(maxSize int) *Pool {
	if maxSize < 1<<minClassShift {
		maxSize = 1 << minClassShift
	}

	top := minClassShift
	for (1 << top) < maxSize {
		top++
	}

	p := &Pool{maxSize: 1 << top}
	for shift := minClassShift; shift <= top; shift++ {
		size := 1 << shift
		p.classes = append(p.classes, &sync.Pool{
			New: func() interface{} { return make([]byte, size) },
		})
	}
	return p
}

func (p *Pool) classFor(n int) (*sync.Pool, int) {
	for i, c := range p.classes {
		size := 1 << (minClassShift + i)
		if n <= size {
			return c, size
		}
	}
	return nil, 0
}

// Rent returns a scratch buffer of length n (its capacity may exceed n
// to fit a size class). Buffers larger than the pool's top class are
// allocated fresh and not tracked.
func (p *Pool) Rent(n int) []byte {
	cl, size := p.classFor(n)
	if cl == nil {
		return make([]byte, n)
	}
	buf := cl.Get().([]byte)
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	return buf[:n]
}

// Return clears buf (mandatory, spec §4.1: "clearing is mandatory on
// return to prevent cross-frame leakage") and returns it to its size
// class pool. Buffers not originally rented from a size class (larger
// than the top class) are dropped for the GC to collect.
func (p *Pool) Return(buf []byte) {
	c := cap(buf)
	for i := len(p.classes) - 1; i >= 0; i-- {
		size := 1 << (minClassShift + i)
		if c == size {
			full := buf[:size]
			for j := range full {
				full[j] = 0
			}
			p.classes[i].Put(full)
			return
		}
	}
	// not a pool-owned size class; nothing to return.
}

// Scoped rents a buffer of length n and returns a release function that
// must be called exactly once, typically via defer, guaranteeing return
// on every exit path including error and cancellation (spec §4.1/§5).
func (p *Pool) Scoped(n int) (buf []byte, release func()) {
	b := p.Rent(n)
	return b, func() { p.Return(b) }
}
