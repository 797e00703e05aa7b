// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package quicr implements a QuicR client session on top of a transport.Transport.
//
// A RawSession publishes named objects, fragmenting those larger than the transport's datagram size, and
// subscribes to namespaces. Received fragments are reassembled before they are handed to a SubscriberDelegate.
package quicr

import (
	"fmt"

	"github.com/hactar-net/hactar-go/pkg/quicr/messages"
)

type (
	// Name is a 128 bit object identifier.
	Name = messages.Name

	// Namespace is a Name prefix matching all Names sharing it.
	Namespace = messages.Namespace

	// SubscribeIntent tells the relay which objects to deliver first.
	SubscribeIntent = messages.SubscribeIntent
)

const (
	Immediate = messages.Immediate
	WaitUp    = messages.WaitUp
	SyncUp    = messages.SyncUp
)

// SubscribeStatus is reported to a SubscriberDelegate.
type SubscribeStatus uint8

const (
	SubscribeOk SubscribeStatus = iota
	SubscribeExpired
	SubscribeRedirect
	SubscribeFailedError
	SubscribeFailedAuthz
	SubscribeTimeOut

	// SubscribeConnectionClosed is never sent by a relay, but reported for a lost or closed connection.
	SubscribeConnectionClosed SubscribeStatus = 0x80
)

func (ss SubscribeStatus) String() string {
	if ss == SubscribeConnectionClosed {
		return "connection closed"
	}
	return messages.Response(ss).String()
}

// SubscribeResult is the outcome of a Subscribe request.
type SubscribeResult struct {
	Status SubscribeStatus
}

// PublishIntentStatus is reported to a PublisherDelegate.
type PublishIntentStatus uint8

const (
	PublishIntentOk PublishIntentStatus = iota
	PublishIntentExpired
	PublishIntentRedirect
	PublishIntentFailedError
	PublishIntentFailedAuthz
	PublishIntentTimeOut
)

func (pis PublishIntentStatus) String() string {
	return messages.Response(pis).String()
}

// PublishIntentResult is the outcome of a PublishIntent request.
type PublishIntentResult struct {
	Status PublishIntentStatus
}

// SubscriberDelegate receives a subscription's responses and objects.
//
// All methods are called from a transport goroutine. A panicking delegate is logged and otherwise ignored.
type SubscriberDelegate interface {
	OnSubscribeResponse(ns Namespace, result SubscribeResult)

	// OnSubscriptionEnded is called exactly once when the subscription is terminated, by the relay, by
	// Unsubscribe, or by a lost connection.
	OnSubscriptionEnded(ns Namespace, reason SubscribeStatus)

	// OnSubscribedObject delivers a complete object, either received whole or reassembled from fragments.
	OnSubscribedObject(name Name, data []byte)

	// OnSubscribedObjectFragment delivers each received fragment as it arrives, before reassembly.
	OnSubscribedObjectFragment(name Name, offset uint64, last bool, data []byte)
}

// PublisherDelegate receives the response to a PublishIntent.
type PublisherDelegate interface {
	OnPublishIntentResponse(ns Namespace, result PublishIntentResult)
}

// ParseNamespace parses the "0x.../length" representation.
func ParseNamespace(s string) (Namespace, error) {
	ns, err := messages.ParseNamespace(s)
	if err != nil {
		return ns, fmt.Errorf("invalid namespace: %w", err)
	}
	return ns, nil
}
