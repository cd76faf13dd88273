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

// Package obslog carries the logging backend for the transport core: a
// small Logger interface (every component takes one by injection, never
// a package global) backed by logrus, matching the teacher's logger
// package choice of engine, plus an hclog adapter for the one corner of
// the stack (the reconnect supervisor's backoff trace) that is more
// naturally expressed against HashiCorp's leveled-logging interface.
package obslog

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/sirupsen/logrus"
)

// Fields attaches structured key/value context to a single log event,
// mirroring the teacher's logger/fields convention.
type Fields map[string]interface{}

// Logger is the structured logging surface every HSMS component depends
// on. Event names passed to the leveled methods are the stable names
// required by the observability contract (spec §6.3): "conn.state",
// "conn.send", "conn.recv", "breaker.transition", "pool.reaped", etc.
type Logger interface {
	Debug(event string, f Fields)
	Info(event string, f Fields)
	Warn(event string, f Fields)
	Error(event string, f Fields)

	// With returns a child logger that always attaches the given fields
	// in addition to any passed at the call site.
	With(f Fields) Logger

	// HCLog exposes an hclog.Logger view of this logger for components
	// grounded on hashicorp-style leveled logging (the supervisor's
	// backoff tracer).
	HCLog() hclog.Logger
}

type logrusLogger struct {
	l    *logrus.Entry
	hc   hclog.Logger
}

// New builds a Logger writing to w (os.Stderr if nil) as structured
// fields, the way the teacher's logger/hookstandard.go wires logrus.
func New(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.JSONFormatter{})

	return &logrusLogger{
		l:  logrus.NewEntry(base),
		hc: hclog.New(&hclog.LoggerOptions{Name: "hsms", Output: w, Level: hclog.Info}),
	}
}

func merge(f Fields) logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (g *logrusLogger) Debug(event string, f Fields) { g.l.WithFields(merge(f)).Debug(event) }
func (g *logrusLogger) Info(event string, f Fields)  { g.l.WithFields(merge(f)).Info(event) }
func (g *logrusLogger) Warn(event string, f Fields)  { g.l.WithFields(merge(f)).Warn(event) }
func (g *logrusLogger) Error(event string, f Fields) { g.l.WithFields(merge(f)).Error(event) }

func (g *logrusLogger) With(f Fields) Logger {
	return &logrusLogger{l: g.l.WithFields(merge(f)), hc: g.hc}
}

func (g *logrusLogger) HCLog() hclog.Logger { return g.hc }

// Noop returns a Logger that discards every event; used as the default
// when no Logger is injected, so components never nil-check a logger.
func Noop() Logger { return New(io.Discard) }
