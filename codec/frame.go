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

// Package codec implements the HSMS wire framing: a 14-byte header
// (spec §4.1) followed by an optional payload. The scratch buffers that
// readers and writers rent come from package bufpool.
package codec

// HeaderLen is the fixed size, in bytes, of the HSMS header (spec §3).
const HeaderLen = 14

// DefaultMaxFrameBytes is the default cap on a frame's payload length
// (spec §3): 16 MiB.
const DefaultMaxFrameBytes = 16 * 1024 * 1024

// Frame is an immutable HSMS message: header fields plus an optional
// payload. Construct with New or Decode; a zero-value Frame is a valid
// DataMessage carrying no payload.
type Frame struct {
	SessionID   uint16
	Stream      uint8
	Function    uint8
	MessageType MessageType
	SystemBytes uint32
	Data        []byte
}

// New builds a Frame. data may be nil for header-only control messages.
func New(sessionID uint16, stream, function uint8, mt MessageType, systemBytes uint32, data []byte) Frame {
	return Frame{
		SessionID:   sessionID,
		Stream:      stream,
		Function:    function,
		MessageType: mt,
		SystemBytes: systemBytes,
		Data:        data,
	}
}

// EncodedLen returns the total wire length of f: the 14-byte header plus
// its payload.
func (f Frame) EncodedLen() int { return HeaderLen + len(f.Data) }

// Equal performs a bit-exact comparison of two frames, used by the
// round-trip invariant (spec §8.1).
func (f Frame) Equal(o Frame) bool {
	if f.SessionID != o.SessionID || f.Stream != o.Stream || f.Function != o.Function ||
		f.MessageType != o.MessageType || f.SystemBytes != o.SystemBytes {
		return false
	}
	if len(f.Data) != len(o.Data) {
		return false
	}
	for i := range f.Data {
		if f.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}
