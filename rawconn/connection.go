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

package rawconn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nabbar/hsms-transport/bufpool"
	"github.com/nabbar/hsms-transport/codec"
	"github.com/nabbar/hsms-transport/internal/hsmserr"
	"github.com/nabbar/hsms-transport/internal/obslog"
)

// Connection owns exactly one TCP socket (spec §3 ownership summary).
type Connection struct {
	mode    Mode
	address string
	opts    Options
	codec   codec.Codec
	pool    *bufpool.Pool
	log     obslog.Logger

	onFrame    func(codec.Frame)
	onExit     func(err error) // fired exactly once when the reader loop exits
	onNoise    func(n int)     // fired when pre-connection noise is drained (Passive)

	writeMu sync.Mutex
	conn    net.Conn

	readerDone chan struct{}
}

// New builds a Connection. pool and log may be nil; sane defaults are
// substituted (a private pool sized to MaxFrameBytes, a discarding logger).
func New(mode Mode, address string, opts Options, pool *bufpool.Pool, log obslog.Logger) *Connection {
	opts = opts.WithDefaults()
	if pool == nil {
		pool = bufpool.New(int(opts.MaxFrameBytes))
	}
	if log == nil {
		log = obslog.Noop()
	}
	return &Connection{
		mode:    mode,
		address: address,
		opts:    opts,
		codec:   codec.New(opts.MaxFrameBytes, opts.Layout),
		pool:    pool,
		log:     log,
	}
}

// OnFrame registers the callback invoked, in wire order, for every frame
// the reader loop successfully decodes (spec §5: "on_frame callbacks are
// invoked in [wire] order").
func (c *Connection) OnFrame(f func(codec.Frame)) { c.onFrame = f }

// OnExit registers the callback invoked exactly once when the reader
// loop exits, with the error that caused the exit, or nil when the loop
// finds the context passed to StartReceive canceled between frames.
// Closing the socket while the loop is reading surfaces as an IO error.
func (c *Connection) OnExit(f func(err error)) { c.onExit = f }

// OnNoise registers the callback invoked when a Passive accept drains
// pre-connection noise already buffered on the socket (spec §4.2).
func (c *Connection) OnNoise(f func(n int)) { c.onNoise = f }

// Connect performs the Active-role TCP dial, bounded by T5, and enables
// TCP_NODELAY (spec §4.2).
func (c *Connection) Connect(ctx context.Context) error {
	if c.mode != Active {
		return hsmserr.InvalidState("Connect is only valid for Active connections")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.t5())
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return hsmserr.Timeout(hsmserr.TimerT5, err)
		}
		return hsmserr.IO(err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	c.conn = conn
	c.log.Info("conn.connected", obslog.Fields{"endpoint": c.address, "mode": "active"})
	return nil
}

// Accept performs the Passive-role accept on ln, bounded by T5, then
// drains any pre-connection noise already buffered on the accepted
// socket (spec §4.2). ln is left open after a successful accept; it is
// closed when T5 expires or ctx is canceled first.
func (c *Connection) Accept(ctx context.Context, ln net.Listener) error {
	if c.mode != Passive {
		return hsmserr.InvalidState("Accept is only valid for Passive connections")
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		conn, err := ln.Accept()
		resCh <- result{conn, err}
	}()

	var accepted net.Conn
	select {
	case r := <-resCh:
		if r.err != nil {
			return hsmserr.IO(r.err)
		}
		accepted = r.conn
	case <-time.After(c.opts.t5()):
		_ = ln.Close()
		return hsmserr.Timeout(hsmserr.TimerT5, nil)
	case <-ctx.Done():
		_ = ln.Close()
		return hsmserr.Canceled(ctx.Err())
	}

	if tc, ok := accepted.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	c.conn = accepted
	c.drainNoise()
	c.log.Info("conn.connected", obslog.Fields{"endpoint": c.address, "mode": "passive"})
	return nil
}

// drainNoise reads off any bytes already buffered on the socket before
// the application ever sent anything — spurious pre-connection noise
// some peers are known to emit — and reports the count (spec §4.2:
// "observable behavior required by interoperability tests").
func (c *Connection) drainNoise() {
	_ = c.conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	defer c.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	total := 0
	for {
		n, err := c.conn.Read(buf)
		total += n
		if err != nil {
			break
		}
	}

	if total > 0 {
		c.log.Warn("conn.noise_drained", obslog.Fields{"endpoint": c.address, "bytes": total})
		if c.onNoise != nil {
			c.onNoise(total)
		}
	}
}

// StartReceive spawns the reader task (spec §4.2). It returns
// immediately; OnExit fires when the loop ends.
func (c *Connection) StartReceive(ctx context.Context) {
	c.readerDone = make(chan struct{})
	go c.readLoop(ctx)
}

// Wait blocks until the reader loop (started by StartReceive) has
// exited.
func (c *Connection) Wait() {
	if c.readerDone != nil {
		<-c.readerDone
	}
}

func (c *Connection) readLoop(ctx context.Context) {
	defer close(c.readerDone)

	var exitErr error
	defer func() {
		if c.onExit != nil {
			c.onExit(exitErr)
		}
	}()

	hdr := make([]byte, codec.HeaderLen)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.readFull(hdr, false); err != nil {
			exitErr = err
			return
		}

		h, err := c.codec.DecodeHeader(hdr)
		if err != nil {
			exitErr = err
			return
		}

		bodyLen := h.BodyLen()
		var frame codec.Frame
		if bodyLen > 0 {
			body, release := c.pool.Scoped(bodyLen)
			err = c.readFull(body, true)
			if err != nil {
				release()
				exitErr = err
				return
			}
			frame, err = c.codec.Decode(h, body)
			release()
			if err != nil {
				exitErr = err
				return
			}
		} else {
			frame, _ = c.codec.Decode(h, nil)
		}

		c.log.Debug("conn.recv", obslog.Fields{
			"endpoint": c.address, "system_bytes": frame.SystemBytes,
			"message_type": frame.MessageType.String(),
		})

		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}

// readFull reads exactly len(buf) bytes, applying T8 as a rolling
// deadline between each underlying Read call once the frame has begun
// (spec §4.2/§4.3: "T8 is enforced between successive read-chunks of the
// same frame"). midFrame is true for a body whose header was already
// read; otherwise the wait for the first byte of a header is unbounded.
func (c *Connection) readFull(buf []byte, midFrame bool) error {
	read := 0
	for read < len(buf) {
		if c.opts.t8() > 0 && (midFrame || read > 0) {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.t8()))
		} else {
			_ = c.conn.SetReadDeadline(time.Time{})
		}
		n, err := c.conn.Read(buf[read:])
		read += n
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return hsmserr.Timeout(hsmserr.TimerT8, err)
			}
			if errors.Is(err, io.EOF) {
				return hsmserr.EndOfStream("peer closed connection")
			}
			return hsmserr.IO(err)
		}
	}
	return nil
}

// Send writes one frame to the wire. The writer mutex serializes all
// sends on this connection (spec §4.2/§5: total order of writes).
func (c *Connection) Send(f codec.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return hsmserr.NotConnected("no underlying socket")
	}

	n := f.EncodedLen()
	buf, release := c.pool.Scoped(n)
	defer release()

	if _, err := c.codec.Encode(f, buf); err != nil {
		return err
	}

	if _, err := c.conn.Write(buf); err != nil {
		return hsmserr.IO(err)
	}

	c.log.Debug("conn.send", obslog.Fields{
		"endpoint": c.address, "system_bytes": f.SystemBytes,
		"message_type": f.MessageType.String(),
	})
	return nil
}

// Close closes the underlying socket. Idempotent.
func (c *Connection) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return hsmserr.IO(err)
	}
	return nil
}
