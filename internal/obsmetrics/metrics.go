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

// Package obsmetrics exposes the transport core's counters and gauges as
// a prometheus.Collector. The core never starts an HTTP exporter itself
// (out of scope, spec §1); embedders register Metrics.Collector() on
// their own registry.
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge required by the observability
// contract (spec §6.3): breaker transitions, pool occupancy, reconnects.
type Metrics struct {
	BreakerTransitions *prometheus.CounterVec
	PoolInUse          *prometheus.GaugeVec
	PoolAvailable      *prometheus.GaugeVec
	ReconnectAttempts  *prometheus.CounterVec
	FramesSent         *prometheus.CounterVec
	FramesReceived     *prometheus.CounterVec
}

// New builds a Metrics bundle with the given namespace, unregistered.
func New(namespace string) *Metrics {
	return &Metrics{
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "breaker_transitions_total",
			Help: "Circuit breaker state transitions by target state.",
		}, []string{"to"}),
		PoolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_in_use",
			Help: "Connections currently checked out, by endpoint.",
		}, []string{"endpoint", "mode"}),
		PoolAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_available",
			Help: "Idle connections available, by endpoint.",
		}, []string{"endpoint", "mode"}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnect_attempts_total",
			Help: "Reconnection attempts made by resilient connections.",
		}, []string{"endpoint"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_sent_total",
			Help: "HSMS frames successfully written to the wire.",
		}, []string{"endpoint", "message_type"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "HSMS frames successfully parsed off the wire.",
		}, []string{"endpoint", "message_type"}),
	}
}

// Collectors returns every metric as a prometheus.Collector, ready to be
// passed to a registry's MustRegister.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BreakerTransitions, m.PoolInUse, m.PoolAvailable,
		m.ReconnectAttempts, m.FramesSent, m.FramesReceived,
	}
}
