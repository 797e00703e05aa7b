// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hactar-net/hactar-go/pkg/quicr/messages"
)

func TestHTTPSubscriptions(t *testing.T) {
	s, _ := newTestServer()
	s.handle(alice, subscribeMsg(t, chatNamespace, 1))

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/subscriptions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var subs []Subscription
	if err := json.NewDecoder(resp.Body).Decode(&subs); err != nil {
		t.Fatal(err)
	}

	expected := []Subscription{{ContextID: alice.contextID, StreamID: alice.streamID, Namespace: chatNamespace}}
	if len(subs) != 1 || subs[0] != expected[0] {
		t.Fatalf("subscriptions: %v", subs)
	}
}

func TestHTTPMetrics(t *testing.T) {
	s, _ := newTestServer()
	s.handle(alice, subscribeMsg(t, chatNamespace, 1))
	s.handle(bob, publishMsg(t, chatName, "hello"))

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, metric := range []string{"quicr_relay_forwarded_total 1", "quicr_relay_subscriptions 1"} {
		if !strings.Contains(string(body), metric) {
			t.Fatalf("metric %q is missing", metric)
		}
	}
}

func dialTap(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func waitForTaps(t *testing.T, s *Server, n int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for s.taps.size() != n {
		if time.Now().After(deadline) {
			t.Fatalf("%d taps registered, expected %d", s.taps.size(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHTTPWebSocketTap(t *testing.T) {
	s, _ := newTestServer()

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	all := dialTap(t, srv, "")
	defer all.Close()
	filtered := dialTap(t, srv, "?namespace="+otherNamespace.String())
	defer filtered.Close()

	waitForTaps(t, s, 2)

	otherName := messages.NewName(otherNamespace.Name.Hi(), 1)
	chatFrame, otherFrame := publishMsg(t, chatName, "hello"), publishMsg(t, otherName, "world")
	s.handle(alice, chatFrame)
	s.handle(alice, otherFrame)

	for _, tc := range []struct {
		conn   *websocket.Conn
		frames [][]byte
	}{
		{all, [][]byte{chatFrame, otherFrame}},
		{filtered, [][]byte{otherFrame}},
	} {
		for _, expected := range tc.frames {
			_ = tc.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

			msgType, data, err := tc.conn.ReadMessage()
			if err != nil {
				t.Fatal(err)
			}
			if msgType != websocket.BinaryMessage || !bytes.Equal(data, expected) {
				t.Fatalf("tap received %x, expected %x", data, expected)
			}
		}
	}

	_ = all.Close()
	waitForTaps(t, s, 1)

	s.taps.closeAll()
	waitForTaps(t, s, 0)
}

func TestHTTPWebSocketTapInvalidNamespace(t *testing.T) {
	s, _ := newTestServer()

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?namespace=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dialing a tap with an invalid namespace succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("response: %v", resp)
	}
}
