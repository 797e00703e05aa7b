// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package relay

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hactar-net/hactar-go/pkg/quicr/messages"
)

// Router serves the relay's status:
//
//	GET /subscriptions  active subscriptions as JSON
//	GET /metrics        Prometheus metrics
//	GET /ws             WebSocket tap of forwarded Publish frames, optionally filtered by ?namespace=0x.../len
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/subscriptions", s.handleSubscriptions).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleTap).Methods(http.MethodGet)

	return router
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(s.Subscriptions()); err != nil {
		s.logger.WithError(err).Warn("Failed to write subscriptions response")
	}
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	var filter *messages.Namespace
	if query := r.URL.Query().Get("namespace"); query != "" {
		ns, err := messages.ParseNamespace(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter = &ns
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	logger := s.logger.WithField("tap", conn.RemoteAddr().String())
	if filter != nil {
		logger = logger.WithField("namespace", *filter)
	}
	logger.Info("WebSocket tap connected")

	t := &tap{
		conn:   conn,
		filter: filter,
		frames: make(chan []byte, tapQueueSize),
	}
	s.taps.add(t)
	s.metrics.taps.Inc()

	go t.writer(logger)

	// Taps are write-only. Reading detects the client closing the connection.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			logger.WithError(err).Debug("WebSocket tap disconnected")
			break
		}
	}

	s.taps.remove(t)
	s.metrics.taps.Dec()
	logger.Info("WebSocket tap closed")
}
