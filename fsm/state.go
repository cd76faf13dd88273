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

// Package fsm implements the HSMS connection state machine (spec §4.3):
// a declarative, tagged-variant state machine with guarded transitions,
// entry actions, and a subscriber notification on every actual state
// change. It never matches on string state names (spec §9 design note).
package fsm

// State is a tagged variant; never compare or branch on its String().
type State int

const (
	NotConnected State = iota
	Connecting
	WaitingRetry
	Connected
	Selected
	Disconnecting
	Error
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connecting:
		return "Connecting"
	case WaitingRetry:
		return "WaitingRetry"
	case Connected:
		return "Connected"
	case Selected:
		return "Selected"
	case Disconnecting:
		return "Disconnecting"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event drives transitions between States (spec §4.3).
type Event int

const (
	EvConnect Event = iota
	EvConnected
	EvConnectFailed
	EvCancel
	EvSelect
	EvDeselect
	EvDisconnect
	EvConnectionLost
	EvError
	EvDisconnected
	EvReconnect
	EvReset
	evRetryReady // internal: backoff elapsed while in WaitingRetry
	evT7Expired  // internal: T7 not-selected timer elapsed
)

func (e Event) String() string {
	switch e {
	case EvConnect:
		return "CONNECT"
	case EvConnected:
		return "CONNECTED"
	case EvConnectFailed:
		return "CONNECT_FAILED"
	case EvCancel:
		return "CANCEL"
	case EvSelect:
		return "SELECT"
	case EvDeselect:
		return "DESELECT"
	case EvDisconnect:
		return "DISCONNECT"
	case EvConnectionLost:
		return "CONNECTION_LOST"
	case EvError:
		return "ERROR"
	case EvDisconnected:
		return "DISCONNECTED"
	case EvReconnect:
		return "RECONNECT"
	case EvReset:
		return "RESET"
	case evRetryReady:
		return "retry_ready"
	case evT7Expired:
		return "t7_expired"
	default:
		return "unknown"
	}
}
