// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package relay

import (
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/hactar-net/hactar-go/pkg/quicr/messages"
)

// tapQueueSize is the number of frames buffered for a slow WebSocket tap before frames are dropped.
const tapQueueSize = 256

// tap mirrors forwarded Publish frames to a WebSocket client.
type tap struct {
	conn   *websocket.Conn
	filter *messages.Namespace
	frames chan []byte
}

func (t *tap) matches(name messages.Name) bool {
	return t.filter == nil || t.filter.Contains(name)
}

// writer sends queued frames until the tap is closed or a write fails.
func (t *tap) writer(logger *log.Entry) {
	defer func() { _ = t.conn.Close() }()

	for frame := range t.frames {
		if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			logger.WithError(err).Debug("Writing to WebSocket tap errored")
			return
		}
	}

	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutdown"))
}

type tapSet struct {
	mutex sync.Mutex
	taps  map[*tap]struct{}
}

func newTapSet() *tapSet {
	return &tapSet{taps: make(map[*tap]struct{})}
}

func (ts *tapSet) add(t *tap) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	ts.taps[t] = struct{}{}
}

// remove a tap and stop its writer. Removing an unknown tap is a no-op.
func (ts *tapSet) remove(t *tap) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	if _, ok := ts.taps[t]; ok {
		delete(ts.taps, t)
		close(t.frames)
	}
}

func (ts *tapSet) closeAll() {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	for t := range ts.taps {
		delete(ts.taps, t)
		close(t.frames)
	}
}

func (ts *tapSet) size() int {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	return len(ts.taps)
}

// publish a frame to all matching taps without blocking. The number of taps which dropped it is returned.
func (ts *tapSet) publish(name messages.Name, frame []byte) (dropped int) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	for t := range ts.taps {
		if !t.matches(name) {
			continue
		}

		select {
		case t.frames <- frame:
		default:
			dropped++
		}
	}
	return
}
