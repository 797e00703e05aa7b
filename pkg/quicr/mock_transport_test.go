// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicr

import (
	"sync"
	"testing"

	"github.com/hactar-net/hactar-go/pkg/quicr/messages"
	"github.com/hactar-net/hactar-go/pkg/transport"
)

// mockTransport records enqueued buffers and serves queued buffers for Dequeue.
type mockTransport struct {
	mutex    sync.Mutex
	sent     [][]byte
	received [][]byte

	// failAfter lets Enqueue return QueueFull after this many successful calls, if positive.
	failAfter int
	shutdown  bool
}

func (mt *mockTransport) Status() transport.Status { return transport.Ready }

func (mt *mockTransport) Start() (transport.ContextID, error) { return 1, nil }

func (mt *mockTransport) CreateStream(transport.ContextID, bool) transport.StreamID { return 0 }

func (mt *mockTransport) Close(transport.ContextID) {}

func (mt *mockTransport) CloseStream(transport.ContextID, transport.StreamID) {}

func (mt *mockTransport) Enqueue(_ transport.ContextID, _ transport.StreamID, data []byte) transport.Error {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	if mt.failAfter > 0 && len(mt.sent) >= mt.failAfter {
		return transport.QueueFull
	}

	mt.sent = append(mt.sent, append([]byte(nil), data...))
	return transport.NoError
}

func (mt *mockTransport) Dequeue(transport.ContextID, transport.StreamID) ([]byte, bool) {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	if len(mt.received) == 0 {
		return nil, false
	}

	data := mt.received[0]
	mt.received = mt.received[1:]
	return data, true
}

func (mt *mockTransport) Shutdown() error {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	mt.shutdown = true
	return nil
}

func (mt *mockTransport) receive(data ...[]byte) {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	mt.received = append(mt.received, data...)
}

func (mt *mockTransport) sentMessages(t *testing.T) (msgs []messages.Message) {
	t.Helper()

	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	for _, data := range mt.sent {
		msg, err := messages.Decode(data)
		if err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, msg)
	}
	return
}

func (mt *mockTransport) sentBuffers() [][]byte {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	return append([][]byte(nil), mt.sent...)
}

type subscribedObject struct {
	name Name
	data []byte
}

// recordingSubscriber records all SubscriberDelegate calls.
type recordingSubscriber struct {
	mutex     sync.Mutex
	responses []SubscribeResult
	ended     []SubscribeStatus
	objects   []subscribedObject
	fragments int
}

func (rs *recordingSubscriber) OnSubscribeResponse(_ Namespace, result SubscribeResult) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.responses = append(rs.responses, result)
}

func (rs *recordingSubscriber) OnSubscriptionEnded(_ Namespace, reason SubscribeStatus) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.ended = append(rs.ended, reason)
}

func (rs *recordingSubscriber) OnSubscribedObject(name Name, data []byte) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.objects = append(rs.objects, subscribedObject{name, data})
}

func (rs *recordingSubscriber) OnSubscribedObjectFragment(Name, uint64, bool, []byte) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.fragments++
}

type recordingPublisher struct {
	results []PublishIntentResult
}

func (rp *recordingPublisher) OnPublishIntentResponse(_ Namespace, result PublishIntentResult) {
	rp.results = append(rp.results, result)
}

func mustEncode(t *testing.T, msg messages.Message) []byte {
	t.Helper()

	data, err := messages.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
