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

// MessageType is the HSMS ptype/stype byte (offset 8 of the header,
// spec §6.1). Values are bit-exact with SEMI E37.
type MessageType uint8

const (
	DataMessage MessageType = 0
	SelectReq   MessageType = 1
	SelectRsp   MessageType = 2
	DeselectReq MessageType = 3
	DeselectRsp MessageType = 4
	LinktestReq MessageType = 5
	LinktestRsp MessageType = 6
	RejectReq   MessageType = 7
	SeparateReq MessageType = 9
)

// Valid reports whether v is one of the message types defined by spec
// §6.1. Value 8 is intentionally absent from SEMI E37 and is invalid.
func (t MessageType) Valid() bool {
	switch t {
	case DataMessage, SelectReq, SelectRsp, DeselectReq, DeselectRsp,
		LinktestReq, LinktestRsp, RejectReq, SeparateReq:
		return true
	default:
		return false
	}
}

// IsControl reports whether t is a control message (everything but
// DataMessage); control replies are routed to the resilient connection's
// waiter table instead of the application callback.
func (t MessageType) IsControl() bool { return t != DataMessage }

func (t MessageType) String() string {
	switch t {
	case DataMessage:
		return "DataMessage"
	case SelectReq:
		return "SelectReq"
	case SelectRsp:
		return "SelectRsp"
	case DeselectReq:
		return "DeselectReq"
	case DeselectRsp:
		return "DeselectRsp"
	case LinktestReq:
		return "LinktestReq"
	case LinktestRsp:
		return "LinktestRsp"
	case RejectReq:
		return "RejectReq"
	case SeparateReq:
		return "SeparateReq"
	default:
		return "Unknown"
	}
}

// ControlSessionID is the session id HSMS control messages use unless a
// peer-specific policy overrides it (spec §6.1).
const ControlSessionID uint16 = 0xFFFF
