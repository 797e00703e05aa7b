// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package relay

import (
	"bytes"
	"reflect"
	"sync"
	"testing"

	"github.com/hactar-net/hactar-go/pkg/quicr/messages"
	"github.com/hactar-net/hactar-go/pkg/transport"
)

// mockTransport collects enqueued buffers per destination stream.
type mockTransport struct {
	mutex sync.Mutex
	sent  map[subscriber][][]byte
	full  map[subscriber]bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		sent: make(map[subscriber][][]byte),
		full: make(map[subscriber]bool),
	}
}

func (mt *mockTransport) Status() transport.Status                                { return transport.Ready }
func (mt *mockTransport) Start() (transport.ContextID, error)                     { return 0, nil }
func (mt *mockTransport) CreateStream(transport.ContextID, bool) transport.StreamID { return 0 }
func (mt *mockTransport) Close(transport.ContextID)                               {}
func (mt *mockTransport) CloseStream(transport.ContextID, transport.StreamID)     {}
func (mt *mockTransport) Shutdown() error                                         { return nil }

func (mt *mockTransport) Dequeue(transport.ContextID, transport.StreamID) ([]byte, bool) {
	return nil, false
}

func (mt *mockTransport) Enqueue(contextID transport.ContextID, streamID transport.StreamID, data []byte) transport.Error {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	to := subscriber{contextID: contextID, streamID: streamID}
	if mt.full[to] {
		return transport.QueueFull
	}
	mt.sent[to] = append(mt.sent[to], data)
	return transport.NoError
}

func (mt *mockTransport) messagesTo(t *testing.T, to subscriber) (msgs []messages.Message) {
	t.Helper()

	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	for _, data := range mt.sent[to] {
		msg, err := messages.Decode(data)
		if err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, msg)
	}
	return
}

func (mt *mockTransport) reset() {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	mt.sent = make(map[subscriber][][]byte)
}

func newTestServer() (*Server, *mockTransport) {
	s := newServer(nil)
	mt := newMockTransport()
	s.transport = mt
	return s, mt
}

func mustEncode(t *testing.T, msg messages.Message) []byte {
	t.Helper()

	data, err := messages.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func subscribeMsg(t *testing.T, ns messages.Namespace, txID uint64) []byte {
	return mustEncode(t, &messages.Subscribe{
		Version:       messages.SubscribeVersion,
		TransactionID: txID,
		Namespace:     ns,
		Intent:        messages.Immediate,
	})
}

func publishMsg(t *testing.T, name messages.Name, payload string) []byte {
	return mustEncode(t, &messages.PublishDatagram{
		Header: messages.Header{
			Name:         name,
			OffsetAndFin: messages.OffsetAndFin(0, true),
		},
		MediaType: messages.MediaRealtime,
		MediaData: []byte(payload),
	})
}

var (
	alice = subscriber{contextID: 1, streamID: 1}
	bob   = subscriber{contextID: 2, streamID: 2}
	carol = subscriber{contextID: 3, streamID: 3}

	chatNamespace  = messages.NewNamespace(messages.MustParseName("0xab000000000000000000000000000000"), 8)
	otherNamespace = messages.NewNamespace(messages.MustParseName("0xcd000000000000000000000000000000"), 8)
	chatName       = messages.MustParseName("0xab010000000000000000000000000001")
)

func TestServerSubscribeResponse(t *testing.T) {
	s, mt := newTestServer()

	s.handle(alice, subscribeMsg(t, chatNamespace, 23))

	expected := []messages.Message{&messages.SubscribeResponse{
		Namespace:     chatNamespace,
		Response:      messages.ResponseOk,
		TransactionID: 23,
	}}
	if msgs := mt.messagesTo(t, alice); !reflect.DeepEqual(msgs, expected) {
		t.Fatalf("sent %v", msgs)
	}

	if subs := s.Subscriptions(); len(subs) != 1 || subs[0].Namespace != chatNamespace {
		t.Fatalf("subscriptions: %v", subs)
	}
}

func TestServerPublishIntentResponse(t *testing.T) {
	s, mt := newTestServer()

	s.handle(alice, mustEncode(t, &messages.PublishIntent{
		TransactionID: 42,
		Namespace:     chatNamespace,
		Payload:       []byte("key package"),
		Priority:      1,
	}))
	s.handle(alice, mustEncode(t, &messages.PublishIntentEnd{Namespace: chatNamespace, Payload: []byte{}}))

	expected := []messages.Message{&messages.PublishIntentResponse{
		TransactionID: 42,
		Namespace:     chatNamespace,
		Response:      messages.ResponseOk,
	}}
	if msgs := mt.messagesTo(t, alice); !reflect.DeepEqual(msgs, expected) {
		t.Fatalf("sent %v", msgs)
	}
}

func TestServerForward(t *testing.T) {
	s, mt := newTestServer()

	s.handle(alice, subscribeMsg(t, chatNamespace, 1))
	s.handle(bob, subscribeMsg(t, chatNamespace, 2))
	s.handle(carol, subscribeMsg(t, otherNamespace, 3))

	// Overlapping namespaces must not duplicate a frame.
	s.handle(bob, subscribeMsg(t, messages.NewNamespace(chatName, 64), 4))
	mt.reset()

	frame := publishMsg(t, chatName, "hello")
	s.handle(alice, frame)

	if sent := mt.sent[alice]; len(sent) != 0 {
		t.Fatalf("publisher received its own frame")
	}
	if sent := mt.sent[bob]; len(sent) != 1 || !bytes.Equal(sent[0], frame) {
		t.Fatalf("subscriber received %d frames", len(sent))
	}
	if sent := mt.sent[carol]; len(sent) != 0 {
		t.Fatalf("subscriber of another namespace received %d frames", len(sent))
	}
}

func TestServerForwardQueueFull(t *testing.T) {
	s, mt := newTestServer()

	s.handle(alice, subscribeMsg(t, chatNamespace, 1))
	s.handle(bob, subscribeMsg(t, chatNamespace, 2))
	mt.reset()

	mt.full[alice] = true
	s.handle(carol, publishMsg(t, chatName, "hello"))

	if sent := mt.sent[bob]; len(sent) != 1 {
		t.Fatalf("a full queue blocked forwarding to another subscriber")
	}
}

func TestServerUnsubscribe(t *testing.T) {
	s, mt := newTestServer()

	s.handle(alice, subscribeMsg(t, chatNamespace, 1))
	s.handle(alice, mustEncode(t, &messages.Unsubscribe{Version: messages.SubscribeVersion, Namespace: chatNamespace}))

	msgs := mt.messagesTo(t, alice)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages", len(msgs))
	}
	if end, ok := msgs[1].(*messages.SubscribeEnd); !ok || end.Namespace != chatNamespace || end.Reason != messages.ResponseOk {
		t.Fatalf("sent %v", msgs[1])
	}

	if subs := s.Subscriptions(); len(subs) != 0 {
		t.Fatalf("subscriptions left: %v", subs)
	}

	mt.reset()
	s.handle(bob, publishMsg(t, chatName, "hello"))
	if sent := mt.sent[alice]; len(sent) != 0 {
		t.Fatal("unsubscribed client received a frame")
	}
}

func TestServerDisconnect(t *testing.T) {
	s, mt := newTestServer()

	s.OnNewConnection(alice.contextID, transport.Remote{HostOrIP: "127.0.0.1", Port: 4000})
	s.handle(alice, subscribeMsg(t, chatNamespace, 1))
	s.handle(alice, subscribeMsg(t, otherNamespace, 2))
	s.handle(bob, subscribeMsg(t, chatNamespace, 3))

	if subs := s.Subscriptions(); len(subs) != 3 || subs[0].Remote == "" {
		t.Fatalf("subscriptions: %v", subs)
	}

	s.OnConnectionStatus(alice.contextID, transport.Disconnected)
	mt.reset()

	subs := s.Subscriptions()
	if len(subs) != 1 || subs[0].ContextID != bob.contextID {
		t.Fatalf("subscriptions after disconnect: %v", subs)
	}

	s.handle(carol, publishMsg(t, chatName, "hello"))
	if sent := mt.sent[alice]; len(sent) != 0 {
		t.Fatal("disconnected client received a frame")
	}
}

func TestServerMalformed(t *testing.T) {
	s, mt := newTestServer()

	s.handle(alice, []byte{0xff})
	s.handle(alice, nil)
	s.handle(alice, subscribeMsg(t, chatNamespace, 1)[:5])

	if len(mt.sent) != 0 {
		t.Fatalf("malformed messages were answered")
	}
}
