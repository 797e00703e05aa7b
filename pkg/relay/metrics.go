// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hactar-net/hactar-go/pkg/quicr/messages"
)

type relayMetrics struct {
	messages    *prometheus.CounterVec
	forwarded   prometheus.Counter
	dropped     *prometheus.CounterVec
	connections prometheus.Gauge
	subscribers prometheus.Gauge
	taps        prometheus.Gauge
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	rm := &relayMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicr",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Received messages by type.",
		}, []string{"type"}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quicr",
			Subsystem: "relay",
			Name:      "forwarded_total",
			Help:      "Publish frames forwarded to subscribers.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicr",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Dropped frames by reason.",
		}, []string{"reason"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quicr",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open client connections.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quicr",
			Subsystem: "relay",
			Name:      "subscriptions",
			Help:      "Active subscriptions.",
		}),
		taps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quicr",
			Subsystem: "relay",
			Name:      "websocket_taps",
			Help:      "Connected WebSocket taps.",
		}),
	}

	reg.MustRegister(rm.messages, rm.forwarded, rm.dropped, rm.connections, rm.subscribers, rm.taps)
	return rm
}

func (rm *relayMetrics) incMessage(mt messages.MessageType) {
	rm.messages.WithLabelValues(mt.String()).Inc()
}

func (rm *relayMetrics) incDropped(reason string) {
	rm.dropped.WithLabelValues(reason).Inc()
}
