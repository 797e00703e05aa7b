// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"

	"github.com/hactar-net/hactar-go/pkg/transport"
)

// Manager announces a relay's transports until it is closed.
type Manager struct {
	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewManager for Announcements will be created and started.
func NewManager(announcements []Announcement, announcementInterval time.Duration, ipv4, ipv6 bool) (*Manager, error) {
	var manager = &Manager{}
	if ipv4 {
		manager.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		manager.stopChan6 = make(chan struct{})
	}

	log.WithFields(log.Fields{
		"interval":      announcementInterval,
		"IPv4":          ipv4,
		"IPv6":          ipv6,
		"announcements": announcements,
	}).Info("Starting discovery Manager")

	msg, err := MarshalAnnouncements(announcements)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
	}{
		{ipv4, address4, manager.stopChan4, peerdiscovery.IPv4},
		{ipv6, address6, manager.stopChan6, peerdiscovery.IPv6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		set := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            announcementInterval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
		}

		discoverErrChan := make(chan error)
		go func() {
			_, discoverErr := peerdiscovery.Discover(set)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				return nil, discoverErr
			}

		case <-time.After(time.Second):
			break
		}
	}

	return manager, nil
}

// Close this Manager.
func (manager *Manager) Close() {
	for _, c := range []chan struct{}{manager.stopChan4, manager.stopChan6} {
		if c != nil {
			c <- struct{}{}
		}
	}
}

// relays collects the distinct relays of received announcements.
type relays struct {
	mutex   sync.Mutex
	remotes []transport.Remote
}

// add the relays announced by a discovered peer. IPv6 addresses are expected without brackets.
func (r *relays) add(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithField("peer", discovered.Address).Debug(
			"Peer discovery failed to parse incoming package")
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	host := strings.TrimSuffix(strings.TrimPrefix(discovered.Address, "["), "]")

outer:
	for _, announcement := range announcements {
		remote := transport.Remote{HostOrIP: host, Port: announcement.Port, Proto: announcement.Protocol}
		for _, known := range r.remotes {
			if known == remote {
				continue outer
			}
		}

		log.WithFields(log.Fields{
			"peer":    discovered.Address,
			"message": announcement,
		}).Debug("Peer discovery found a relay")
		r.remotes = append(r.remotes, remote)
	}
}

// Discover relays for the given duration. The relays are returned in the order they were found.
func Discover(timeout time.Duration, ipv6 bool) ([]transport.Remote, error) {
	// An empty announcement list lets relays ignore our own packages.
	msg, err := MarshalAnnouncements(nil)
	if err != nil {
		return nil, err
	}

	found := &relays{}

	settings := peerdiscovery.Settings{
		Limit:            -1,
		Port:             fmt.Sprintf("%d", port),
		MulticastAddress: address4,
		Payload:          msg,
		Delay:            500 * time.Millisecond,
		TimeLimit:        timeout,
		AllowSelf:        true,
		IPVersion:        peerdiscovery.IPv4,
		Notify:           found.add,
	}
	if ipv6 {
		settings.MulticastAddress = address6
		settings.IPVersion = peerdiscovery.IPv6
	}

	log.WithFields(log.Fields{
		"timeout": timeout,
		"IPv6":    ipv6,
	}).Info("Searching for relays")

	if _, err := peerdiscovery.Discover(settings); err != nil {
		return nil, err
	}

	found.mutex.Lock()
	defer found.mutex.Unlock()
	return found.remotes, nil
}
