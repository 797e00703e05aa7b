// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// moctar is a small end-to-end encrypted group chat on top of a QuicR relay.
//
//	moctar <relay_host> <relay_port> <hex_name> [udp|quic]
//
// Each line read from stdin is encrypted for the group and published under the given Name. All members use the
// Namespace formed by the Name's first 84 bits. A relay_host of "discover" searches the local network for a relay.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hactar-net/hactar-go/pkg/discovery"
	"github.com/hactar-net/hactar-go/pkg/quicr"
	"github.com/hactar-net/hactar-go/pkg/quicr/messages"
	"github.com/hactar-net/hactar-go/pkg/transport"
)

const (
	namespaceLength  = 84
	joinTimeout      = 3 * time.Second
	discoveryTimeout = 3 * time.Second
)

// arguments of a moctar invocation.
type arguments struct {
	relay quicr.RelayInfo
	name  quicr.Name
}

func parseArguments(args []string) (a arguments, err error) {
	if len(args) < 3 {
		err = fmt.Errorf("relay address, port, and name must be provided")
		return
	}

	a.relay.Hostname = args[0]

	if port, portErr := strconv.ParseUint(args[1], 10, 16); portErr != nil {
		err = fmt.Errorf("invalid port %q: %w", args[1], portErr)
		return
	} else {
		a.relay.Port = uint16(port)
	}

	if a.name, err = messages.ParseName(args[2]); err != nil {
		return
	}

	a.relay.Proto = transport.UDP
	if len(args) > 3 {
		if a.relay.Proto, err = transport.ParseProtocol(args[3]); err != nil {
			return
		}
	}

	return
}

// discoverRelay replaces the relay by one found in the local network, preferring the requested protocol.
func discoverRelay(relay quicr.RelayInfo) (quicr.RelayInfo, error) {
	remotes, err := discovery.Discover(discoveryTimeout, false)
	if err != nil {
		return relay, err
	} else if len(remotes) == 0 {
		return relay, fmt.Errorf("no relay was found within %v", discoveryTimeout)
	}

	chosen := remotes[0]
	for _, remote := range remotes {
		if remote.Proto == relay.Proto {
			chosen = remote
			break
		}
	}

	log.WithField("relay", chosen).Info("Discovered relay")

	relay.Hostname, relay.Port, relay.Proto = chosen.HostOrIP, chosen.Port, chosen.Proto
	return relay, nil
}

func run(args []string) int {
	a, err := parseArguments(args)
	if err != nil {
		log.WithError(err).Error("Usage: moctar <relay_host> <relay_port> <hex_name> [udp|quic], e.g., " +
			"moctar 127.0.0.1 1234 FF0001")
		return 1
	}

	if a.relay.Hostname == "discover" {
		if a.relay, err = discoverRelay(a.relay); err != nil {
			log.WithError(err).Error("Relay discovery failed")
			return 1
		}
	}

	log.WithFields(log.Fields{
		"host":     a.relay.Hostname,
		"port":     a.relay.Port,
		"protocol": a.relay.Proto,
	}).Info("Connecting to relay")

	session, err := quicr.NewRawSession(a.relay, transport.Config{})
	if err != nil {
		log.WithError(err).Error("Transport connect failed")
		return 1
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.WithError(err).Warn("Closing session errored")
		}
	}()

	c, err := newChat(a.name, session, func(text string) {
		fmt.Printf("\n%s\n> ", text)
	})
	if err != nil {
		log.WithError(err).Error("Creating group identity failed")
		return 1
	}

	ns := messages.NewNamespace(a.name, namespaceLength)

	log.WithField("namespace", ns).Info("Publish intent")
	if _, err := session.PublishIntent(c, ns, nil); err != nil {
		log.WithError(err).Error("Publish intent failed")
		return 1
	}

	log.WithField("namespace", ns).Info("Subscribe")
	if _, err := session.Subscribe(c, ns, quicr.Immediate); err != nil {
		log.WithError(err).Error("Subscribe failed")
		return 1
	}

	if err := c.requestJoin(); err != nil {
		log.WithError(err).Error("Publishing key package failed")
		return 1
	}

	select {
	case <-c.joined:
	case <-time.After(joinTimeout):
		if err := c.createIfAlone(); err != nil {
			log.WithError(err).Error("Creating group failed")
			return 1
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("Send Messages (Ctrl + D to exit)\n> ")
		if !scanner.Scan() {
			break
		}

		if err := c.send(scanner.Text()); err != nil {
			log.WithError(err).Warn("Sending message failed")
		}
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Error("Reading stdin errored")
	}

	log.WithField("namespace", ns).Info("Unsubscribing")
	if err := session.Unsubscribe(ns); err != nil {
		log.WithError(err).Warn("Unsubscribe failed")
	}

	return 0
}

func main() {
	exitCode := 1
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Caught panic")
			exitCode = 1
		}
		os.Exit(exitCode)
	}()

	exitCode = run(os.Args[1:])
}
