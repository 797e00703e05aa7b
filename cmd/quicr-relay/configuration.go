// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"

	"github.com/hactar-net/hactar-go/pkg/discovery"
	"github.com/hactar-net/hactar-go/pkg/relay"
	"github.com/hactar-net/hactar-go/pkg/transport"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging   logConf
	Relay     relayConf
	HTTP      httpConf `toml:"http"`
	Discovery discoveryConf
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// relayConf describes the Relay-configuration block.
type relayConf struct {
	Listen    string
	Protocol  string
	TLSCert   string `toml:"tls-cert"`
	TLSKey    string `toml:"tls-key"`
	QueueSize int    `toml:"queue-size"`
	Debug     bool
}

// httpConf describes the HTTP status server. An empty Listen disables it.
type httpConf struct {
	Listen string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// daemon bundles everything started from a configuration.
type daemon struct {
	relay      *relay.Server
	httpListen string
	discovery  *discovery.Manager
}

// configureLogging applies the Logging-configuration block.
func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseListen inspects the relay's listen address and protocol.
func parseListen(conf relayConf) (remote transport.Remote, err error) {
	if conf.Listen == "" {
		err = fmt.Errorf("relay.listen is empty")
		return
	}

	host, portStr, err := net.SplitHostPort(conf.Listen)
	if err != nil {
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		err = fmt.Errorf("invalid relay.listen port %q: %w", portStr, err)
		return
	}

	protocol := conf.Protocol
	if protocol == "" {
		protocol = "udp"
	}
	proto, err := transport.ParseProtocol(protocol)
	if err != nil {
		return
	}

	remote = transport.Remote{HostOrIP: host, Port: uint16(port), Proto: proto}
	return
}

// parseConfig reads a TOML configuration and applies its Logging block.
func parseConfig(filename string) (conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	configureLogging(conf.Logging)
	return
}

// startDaemon creates and starts the relay and the discovery announcement.
func startDaemon(conf tomlConfig) (d *daemon, err error) {
	listen, err := parseListen(conf.Relay)
	if err != nil {
		return
	}

	server, err := relay.NewServer(relay.Config{
		Listen: listen,
		Transport: transport.Config{
			TLSCertFilename: conf.Relay.TLSCert,
			TLSKeyFilename:  conf.Relay.TLSKey,
			DataQueueSize:   conf.Relay.QueueSize,
			Debug:           conf.Relay.Debug,
		},
	})
	if err != nil {
		return
	}
	if err = server.Start(); err != nil {
		return
	}

	d = &daemon{relay: server, httpListen: conf.HTTP.Listen}

	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		interval := conf.Discovery.Interval
		if interval == 0 {
			interval = 10
		}

		announcements := []discovery.Announcement{{Protocol: listen.Proto, Port: listen.Port}}
		if d.discovery, err = discovery.NewManager(
			announcements, time.Duration(interval)*time.Second, conf.Discovery.IPv4, conf.Discovery.IPv6); err != nil {
			_ = server.Shutdown()
			d = nil
			return
		}
	}

	return
}
