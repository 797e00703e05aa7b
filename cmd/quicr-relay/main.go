// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// quicr-relay is a minimal QuicR relay daemon, configured by a TOML file.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// waitSigint blocks the current thread until a SIGINT or SIGTERM appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, os.Interrupt, syscall.SIGTERM)

	<-signalSyn
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	d, err := startDaemon(conf)
	if err != nil {
		log.WithError(err).Fatal("Failed to start relay")
	}

	watcher, err := watchConfig(os.Args[1], nil)
	if err != nil {
		log.WithError(err).Warn("Watching the configuration file failed, changes require a restart")
	}

	var httpServer *http.Server
	if d.httpListen != "" {
		httpServer = &http.Server{
			Addr:              d.httpListen,
			Handler:           d.relay.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.WithField("listen", d.httpListen).Info("Starting HTTP server")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("HTTP server errored")
			}
		}()
	}

	waitSigint()
	log.Info("Shutting down..")

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Shutting down HTTP server errored")
		}
		cancel()
	}

	if watcher != nil {
		_ = watcher.Close()
	}

	if d.discovery != nil {
		d.discovery.Close()
	}

	if err := d.relay.Shutdown(); err != nil {
		log.WithError(err).Warn("Shutting down relay errored")
	}
}
