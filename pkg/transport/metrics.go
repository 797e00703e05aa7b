// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSnapshot holds a Transport's counters at one point in time.
type MetricsSnapshot struct {
	TimeChecks       uint64
	SendNoConnection uint64
	Received         uint64
	Sent             uint64
	PrepareSend      uint64
	DroppedTx        uint64
	DroppedRx        uint64
	RecvNotify       uint64
}

func (ms MetricsSnapshot) String() string {
	return fmt.Sprintf(
		"time checks: %d, send w/o connection: %d, recv: %d, sent: %d, prepare send: %d, "+
			"tx dropped: %d, rx dropped: %d, recv notify: %d",
		ms.TimeChecks, ms.SendNoConnection, ms.Received, ms.Sent, ms.PrepareSend,
		ms.DroppedTx, ms.DroppedRx, ms.RecvNotify)
}

var (
	framesCounterOpts = prometheus.CounterOpts{
		Namespace: "quicr",
		Subsystem: "transport",
		Name:      "frames_total",
		Help:      "Frames handled by the transport, by direction and outcome.",
	}
	timeChecksCounterOpts = prometheus.CounterOpts{
		Namespace: "quicr",
		Subsystem: "transport",
		Name:      "time_checks_total",
		Help:      "Periodic transport time checks.",
	}
)

// metrics count a Transport's events both locally, for debug logging, and as Prometheus counters.
type metrics struct {
	timeChecks       uint64
	sendNoConnection uint64
	received         uint64
	sent             uint64
	prepareSend      uint64
	droppedTx        uint64
	droppedRx        uint64
	recvNotify       uint64

	framesVec     *prometheus.CounterVec
	timeChecksVec *prometheus.CounterVec
	kind          string
}

// registerCounterVec registers a CounterVec or returns an already registered identical one.
func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(cv); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return cv
}

func newMetrics(reg prometheus.Registerer, kind string) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &metrics{
		framesVec:     registerCounterVec(reg, framesCounterOpts, "transport", "event"),
		timeChecksVec: registerCounterVec(reg, timeChecksCounterOpts, "transport"),
		kind:          kind,
	}
}

func (m *metrics) inc(counter *uint64, event string) {
	atomic.AddUint64(counter, 1)
	m.framesVec.WithLabelValues(m.kind, event).Inc()
}

func (m *metrics) incReceived()         { m.inc(&m.received, "received") }
func (m *metrics) incSent()             { m.inc(&m.sent, "sent") }
func (m *metrics) incPrepareSend()      { m.inc(&m.prepareSend, "prepare_send") }
func (m *metrics) incDroppedTx()        { m.inc(&m.droppedTx, "dropped_tx") }
func (m *metrics) incDroppedRx()        { m.inc(&m.droppedRx, "dropped_rx") }
func (m *metrics) incRecvNotify()       { m.inc(&m.recvNotify, "recv_notify") }
func (m *metrics) incSendNoConnection() { m.inc(&m.sendNoConnection, "send_no_connection") }

func (m *metrics) incTimeChecks() {
	atomic.AddUint64(&m.timeChecks, 1)
	m.timeChecksVec.WithLabelValues(m.kind).Inc()
}

func (m *metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TimeChecks:       atomic.LoadUint64(&m.timeChecks),
		SendNoConnection: atomic.LoadUint64(&m.sendNoConnection),
		Received:         atomic.LoadUint64(&m.received),
		Sent:             atomic.LoadUint64(&m.sent),
		PrepareSend:      atomic.LoadUint64(&m.prepareSend),
		DroppedTx:        atomic.LoadUint64(&m.droppedTx),
		DroppedRx:        atomic.LoadUint64(&m.droppedRx),
		RecvNotify:       atomic.LoadUint64(&m.recvNotify),
	}
}
