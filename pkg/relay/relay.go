// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package relay implements a minimal QuicR relay.
//
// The relay accepts every subscription and publish intent and forwards each received Publish frame to all other
// subscribers whose Namespace contains the object's Name. Objects are neither cached nor reassembled.
package relay

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/hactar-net/hactar-go/pkg/quicr/messages"
	"github.com/hactar-net/hactar-go/pkg/transport"
)

// Config of a Server.
type Config struct {
	// Listen is the transport's local address and protocol.
	Listen transport.Remote

	Transport transport.Config

	// Registry receives the relay's and the transport's metrics and is served on /metrics. A new registry is
	// created if nil.
	Registry *prometheus.Registry
}

// subscriber identifies a client's stream.
type subscriber struct {
	contextID transport.ContextID
	streamID  transport.StreamID
}

// Server is a QuicR relay. It implements transport.Delegate for its own server-mode transport.
type Server struct {
	transport transport.Transport
	registry  *prometheus.Registry
	metrics   *relayMetrics

	mutex         sync.RWMutex
	subscriptions map[subscriber]map[messages.Namespace]struct{}
	remotes       map[transport.ContextID]transport.Remote

	taps *tapSet

	logger *log.Entry
}

func newServer(registry *prometheus.Registry) *Server {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &Server{
		registry:      registry,
		metrics:       newRelayMetrics(registry),
		subscriptions: make(map[subscriber]map[messages.Namespace]struct{}),
		remotes:       make(map[transport.ContextID]transport.Remote),
		taps:          newTapSet(),
		logger:        log.WithField("relay", "quicr"),
	}
}

// NewServer creates a relay listening on cfg.Listen. Start must be called afterwards.
func NewServer(cfg Config) (*Server, error) {
	s := newServer(cfg.Registry)
	s.logger = s.logger.WithField("listen", cfg.Listen.String())

	tcfg := cfg.Transport
	if tcfg.Registerer == nil {
		tcfg.Registerer = s.registry
	}

	t, err := transport.NewServerTransport(cfg.Listen, tcfg, s)
	if err != nil {
		return nil, err
	}
	s.transport = t
	return s, nil
}

// Start listening.
func (s *Server) Start() error {
	if _, err := s.transport.Start(); err != nil {
		return err
	}

	s.logger.Info("Relay started")
	return nil
}

// Shutdown the transport and disconnect all WebSocket taps.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down relay")

	s.taps.closeAll()
	return s.transport.Shutdown()
}

// Transport used by this Server.
func (s *Server) Transport() transport.Transport {
	return s.transport
}

// Registry holding this Server's metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Server) OnConnectionStatus(contextID transport.ContextID, status transport.Status) {
	s.logger.WithFields(log.Fields{
		"context": contextID,
		"status":  status,
	}).Debug("Connection status changed")

	if status == transport.Disconnected || status == transport.RemoteRequestClose {
		s.removeConnection(contextID)
	}
}

func (s *Server) OnNewConnection(contextID transport.ContextID, remote transport.Remote) {
	s.logger.WithFields(log.Fields{
		"context": contextID,
		"remote":  remote,
	}).Info("New connection")

	s.mutex.Lock()
	if _, known := s.remotes[contextID]; !known {
		s.metrics.connections.Inc()
	}
	s.remotes[contextID] = remote
	s.mutex.Unlock()
}

func (s *Server) OnNewStream(contextID transport.ContextID, streamID transport.StreamID) {
	s.logger.WithFields(log.Fields{
		"context": contextID,
		"stream":  streamID,
	}).Debug("New stream")
}

func (s *Server) OnRecvNotify(contextID transport.ContextID, streamID transport.StreamID) {
	from := subscriber{contextID: contextID, streamID: streamID}

	for {
		data, ok := s.transport.Dequeue(contextID, streamID)
		if !ok {
			return
		}
		s.handle(from, data)
	}
}

// handle a single message received from a client's stream.
func (s *Server) handle(from subscriber, data []byte) {
	logger := s.logger.WithFields(log.Fields{
		"context": from.contextID,
		"stream":  from.streamID,
	})

	msg, err := messages.Decode(data)
	if err != nil {
		logger.WithError(err).Warn("Dropping undecodable message")
		s.metrics.incDropped("malformed")
		return
	}
	s.metrics.incMessage(msg.Type())

	switch m := msg.(type) {
	case *messages.Subscribe:
		s.addSubscription(from, m.Namespace)
		logger.WithField("namespace", m.Namespace).Info("Subscribe")

		s.reply(from, &messages.SubscribeResponse{
			Namespace:     m.Namespace,
			Response:      messages.ResponseOk,
			TransactionID: m.TransactionID,
		})

	case *messages.Unsubscribe:
		s.removeSubscription(from, m.Namespace)
		logger.WithField("namespace", m.Namespace).Info("Unsubscribe")

		s.reply(from, &messages.SubscribeEnd{Namespace: m.Namespace, Reason: messages.ResponseOk})

	case *messages.PublishIntent:
		logger.WithField("namespace", m.Namespace).Info("Publish intent")

		s.reply(from, &messages.PublishIntentResponse{
			TransactionID: m.TransactionID,
			Namespace:     m.Namespace,
			Response:      messages.ResponseOk,
		})

	case *messages.PublishIntentEnd:
		logger.WithField("namespace", m.Namespace).Info("Publish intent end")

	case *messages.PublishDatagram:
		s.forward(from, m.Header.Name, data)

	default:
		logger.WithField("type", msg.Type()).Debug("Ignoring message")
	}
}

func (s *Server) reply(to subscriber, msg messages.Message) {
	data, err := messages.Encode(msg)
	if err != nil {
		s.logger.WithError(err).WithField("type", msg.Type()).Error("Encoding reply failed")
		return
	}

	if terr := s.transport.Enqueue(to.contextID, to.streamID, data); terr != transport.NoError {
		s.logger.WithError(terr).WithFields(log.Fields{
			"context": to.contextID,
			"stream":  to.streamID,
			"type":    msg.Type(),
		}).Warn("Enqueuing reply failed")
		s.metrics.incDropped("reply")
	}
}

// forward a Publish frame unchanged to every other matching subscriber and to the WebSocket taps.
func (s *Server) forward(from subscriber, name messages.Name, data []byte) {
	for _, to := range s.subscribersOf(name) {
		if to == from {
			continue
		}

		if terr := s.transport.Enqueue(to.contextID, to.streamID, data); terr != transport.NoError {
			s.logger.WithError(terr).WithFields(log.Fields{
				"context": to.contextID,
				"stream":  to.streamID,
				"name":    name,
			}).Debug("Forwarding publish failed")
			s.metrics.incDropped("forward")
			continue
		}
		s.metrics.forwarded.Inc()
	}

	if dropped := s.taps.publish(name, data); dropped > 0 {
		s.metrics.dropped.WithLabelValues("tap").Add(float64(dropped))
	}
}

// subscribersOf returns each subscriber with at least one Namespace containing name once.
func (s *Server) subscribersOf(name messages.Name) (subscribers []subscriber) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for sub, namespaces := range s.subscriptions {
		for ns := range namespaces {
			if ns.Contains(name) {
				subscribers = append(subscribers, sub)
				break
			}
		}
	}
	return
}

func (s *Server) addSubscription(sub subscriber, ns messages.Namespace) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	namespaces, ok := s.subscriptions[sub]
	if !ok {
		namespaces = make(map[messages.Namespace]struct{})
		s.subscriptions[sub] = namespaces
	}
	if _, exists := namespaces[ns]; !exists {
		namespaces[ns] = struct{}{}
		s.metrics.subscribers.Inc()
	}
}

func (s *Server) removeSubscription(sub subscriber, ns messages.Namespace) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	namespaces, ok := s.subscriptions[sub]
	if !ok {
		return
	}
	if _, exists := namespaces[ns]; exists {
		delete(namespaces, ns)
		s.metrics.subscribers.Dec()
	}
	if len(namespaces) == 0 {
		delete(s.subscriptions, sub)
	}
}

// removeConnection drops all state of a closed connection.
func (s *Server) removeConnection(contextID transport.ContextID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for sub, namespaces := range s.subscriptions {
		if sub.contextID != contextID {
			continue
		}
		s.metrics.subscribers.Sub(float64(len(namespaces)))
		delete(s.subscriptions, sub)
	}

	if _, known := s.remotes[contextID]; known {
		delete(s.remotes, contextID)
		s.metrics.connections.Dec()
	}

	s.logger.WithField("context", contextID).Info("Removed connection")
}

// Subscription describes one subscribed Namespace of a client stream.
type Subscription struct {
	ContextID transport.ContextID `json:"context"`
	StreamID  transport.StreamID  `json:"stream"`
	Remote    string              `json:"remote,omitempty"`
	Namespace messages.Namespace  `json:"namespace"`
}

// Subscriptions lists all active subscriptions, ordered by context, stream, and Namespace.
func (s *Server) Subscriptions() []Subscription {
	s.mutex.RLock()
	subscriptions := make([]Subscription, 0, len(s.subscriptions))
	for sub, namespaces := range s.subscriptions {
		remote := ""
		if r, ok := s.remotes[sub.contextID]; ok {
			remote = r.String()
		}

		for ns := range namespaces {
			subscriptions = append(subscriptions, Subscription{
				ContextID: sub.contextID,
				StreamID:  sub.streamID,
				Remote:    remote,
				Namespace: ns,
			})
		}
	}
	s.mutex.RUnlock()

	sort.Slice(subscriptions, func(i, j int) bool {
		a, b := subscriptions[i], subscriptions[j]
		if a.ContextID != b.ContextID {
			return a.ContextID < b.ContextID
		}
		if a.StreamID != b.StreamID {
			return a.StreamID < b.StreamID
		}
		if a.Namespace.Name != b.Namespace.Name {
			return a.Namespace.Name.Less(b.Namespace.Name)
		}
		return a.Namespace.Length < b.Namespace.Length
	})
	return subscriptions
}
