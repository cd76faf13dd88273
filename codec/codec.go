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

package codec

import (
	"encoding/binary"

	"github.com/nabbar/hsms-transport/internal/hsmserr"
)

// Layout selects which header byte range carries system_bytes. The spec
// (§9 Open Question) notes the legacy and current codec disagree on
// bytes 9-13; LayoutCurrent (the default) follows the current codec.
type Layout uint8

const (
	// LayoutCurrent treats byte 9 as reserved and system_bytes as the
	// big-endian uint32 at bytes 10-13. This is the spec default.
	LayoutCurrent Layout = iota
	// LayoutLegacy treats byte 9 as the high byte of system_bytes
	// (big-endian at bytes 9-12) and byte 13 as reserved, for
	// interoperability with older peers.
	LayoutLegacy
)

// Codec encodes and decodes HSMS frames under a fixed maximum frame size
// and header layout. The zero value is ready to use with
// DefaultMaxFrameBytes and LayoutCurrent.
type Codec struct {
	MaxFrameBytes uint32
	Layout        Layout
}

// New builds a Codec with the given cap; a maxFrameBytes of 0 selects
// DefaultMaxFrameBytes.
func New(maxFrameBytes uint32, layout Layout) Codec {
	if maxFrameBytes == 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return Codec{MaxFrameBytes: maxFrameBytes, Layout: layout}
}

// Encode writes f into dst, which must be at least f.EncodedLen() bytes
// long, and returns the number of bytes written. Encode never allocates.
// The reserved byte (offset 9 under LayoutCurrent, offset 13 under
// LayoutLegacy) is always written as 0, per spec §4.1 ("MUST be 0 on send").
func (c Codec) Encode(f Frame, dst []byte) (int, error) {
	n := f.EncodedLen()
	if len(dst) < n {
		return 0, hsmserr.BufferTooSmall("destination slice shorter than encoded frame")
	}
	if uint32(len(f.Data)) > c.MaxFrameBytes {
		return 0, hsmserr.FrameTooLarge("payload exceeds max_frame_bytes")
	}

	totalLength := uint32(10 + len(f.Data))
	binary.BigEndian.PutUint32(dst[0:4], totalLength)
	binary.BigEndian.PutUint16(dst[4:6], f.SessionID)
	dst[6] = f.Stream
	dst[7] = f.Function
	dst[8] = uint8(f.MessageType)

	switch c.Layout {
	case LayoutLegacy:
		dst[9] = byte(f.SystemBytes >> 24)
		dst[10] = byte(f.SystemBytes >> 16)
		dst[11] = byte(f.SystemBytes >> 8)
		dst[12] = byte(f.SystemBytes)
		dst[13] = 0
	default:
		dst[9] = 0
		binary.BigEndian.PutUint32(dst[10:14], f.SystemBytes)
	}

	copy(dst[HeaderLen:n], f.Data)
	return n, nil
}

// Header is the parsed, fixed-size portion of an HSMS frame, produced by
// DecodeHeader before the payload has necessarily been read off the
// wire (spec §4.2 step 2: the reader needs total_length before it knows
// how many body bytes to read).
type Header struct {
	TotalLength uint32
	SessionID   uint16
	Stream      uint8
	Function    uint8
	MessageType MessageType
	SystemBytes uint32
}

// BodyLen returns the number of payload bytes implied by TotalLength.
func (h Header) BodyLen() int { return int(h.TotalLength) - 10 }

// DecodeHeader parses the fixed 14-byte header. hdr must be exactly
// HeaderLen bytes. It validates total_length and the message type but
// does not know the true body length yet if the caller has not read it;
// callers read BodyLen() bytes next and pass them to Decode.
func (c Codec) DecodeHeader(hdr []byte) (Header, error) {
	if len(hdr) != HeaderLen {
		return Header{}, hsmserr.MalformedFrame("header must be exactly 14 bytes")
	}

	totalLength := binary.BigEndian.Uint32(hdr[0:4])
	if totalLength < 10 {
		return Header{}, hsmserr.MalformedFrame("total_length below minimum of 10")
	}
	if totalLength > c.MaxFrameBytes {
		return Header{}, hsmserr.FrameTooLarge("total_length exceeds max_frame_bytes")
	}

	mt := MessageType(hdr[8])
	if !mt.Valid() {
		return Header{}, hsmserr.MalformedFrame("unrecognized message type byte")
	}

	h := Header{
		TotalLength: totalLength,
		SessionID:   binary.BigEndian.Uint16(hdr[4:6]),
		Stream:      hdr[6],
		Function:    hdr[7],
		MessageType: mt,
	}

	switch c.Layout {
	case LayoutLegacy:
		h.SystemBytes = uint32(hdr[9])<<24 | uint32(hdr[10])<<16 | uint32(hdr[11])<<8 | uint32(hdr[12])
	default:
		// hdr[9] is reserved and ignored on receive, per spec §4.1.
		h.SystemBytes = binary.BigEndian.Uint32(hdr[10:14])
	}

	return h, nil
}

// Decode combines a parsed Header with exactly h.BodyLen() bytes of
// payload into a Frame. body's length must equal h.BodyLen() exactly;
// a mismatch indicates a short read upstream and is rejected as
// MalformedFrame (spec §4.1).
func (c Codec) Decode(h Header, body []byte) (Frame, error) {
	if len(body) != h.BodyLen() {
		return Frame{}, hsmserr.MalformedFrame("body length does not match total_length - 10")
	}

	var data []byte
	if len(body) > 0 {
		data = make([]byte, len(body))
		copy(data, body)
	}

	return Frame{
		SessionID:   h.SessionID,
		Stream:      h.Stream,
		Function:    h.Function,
		MessageType: h.MessageType,
		SystemBytes: h.SystemBytes,
		Data:        data,
	}, nil
}

// DecodeFull is a convenience wrapping DecodeHeader+Decode for callers
// that already hold the full 14+N byte frame in memory (e.g. tests).
func (c Codec) DecodeFull(raw []byte) (Frame, error) {
	if len(raw) < HeaderLen {
		return Frame{}, hsmserr.MalformedFrame("input shorter than header")
	}
	h, err := c.DecodeHeader(raw[:HeaderLen])
	if err != nil {
		return Frame{}, err
	}
	if len(raw) != HeaderLen+h.BodyLen() {
		return Frame{}, hsmserr.MalformedFrame("input length does not match total_length")
	}
	return c.Decode(h, raw[HeaderLen:])
}
