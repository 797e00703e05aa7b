// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicr

import (
	"sort"
	"sync"

	"github.com/hactar-net/hactar-go/pkg/quicr/messages"
)

const (
	// DefaultMaxFragmentBuffers is the number of reassembly buffers.
	DefaultMaxFragmentBuffers = 20

	// DefaultMaxFragmentNamesPendingPerBuffer is the number of incomplete objects after which the next buffer is
	// cleared and used.
	DefaultMaxFragmentNamesPendingPerBuffer = 5000
)

// fragments of one object, keyed by their OffsetAndFin value.
type fragments map[uint64][]byte

// FragmentReassembler collects fragments until their object is complete.
//
// Incomplete objects are kept in a ring of buffers. New objects go into the current buffer. Once it holds too many
// incomplete objects, the next buffer is cleared and becomes current. Thus, the volume of received objects, not a
// timer, decides when an incomplete object is dropped.
type FragmentReassembler struct {
	mutex sync.Mutex

	buffers    []map[Name]fragments
	current    int
	maxPending int
}

// NewFragmentReassembler creates a FragmentReassembler. Values below one select the defaults.
func NewFragmentReassembler(maxBuffers, maxPendingPerBuffer int) *FragmentReassembler {
	if maxBuffers < 1 {
		maxBuffers = DefaultMaxFragmentBuffers
	}
	if maxPendingPerBuffer < 1 {
		maxPendingPerBuffer = DefaultMaxFragmentNamesPendingPerBuffer
	}

	fr := &FragmentReassembler{
		buffers:    make([]map[Name]fragments, maxBuffers),
		maxPending: maxPendingPerBuffer,
	}
	for i := range fr.buffers {
		fr.buffers[i] = make(map[Name]fragments)
	}
	return fr
}

// Add a fragment. The object is returned once all of its fragments are present. A fragment for an already known
// offset is ignored.
func (fr *FragmentReassembler) Add(name Name, offsetAndFin uint64, data []byte) (object []byte, complete bool) {
	fr.mutex.Lock()
	defer fr.mutex.Unlock()

	buffer := fr.lookup(name)
	if buffer == nil {
		buffer = fr.buffers[fr.current]
		buffer[name] = make(fragments)
	}

	frags := buffer[name]
	if _, exists := frags[offsetAndFin]; !exists {
		frags[offsetAndFin] = data
	}

	if object, complete = frags.reassemble(); complete {
		delete(buffer, name)
	}

	if len(fr.buffers[fr.current]) >= fr.maxPending {
		fr.current = (fr.current + 1) % len(fr.buffers)
		fr.buffers[fr.current] = make(map[Name]fragments)
	}
	return
}

// lookup the buffer holding name, starting with the current one. Requires the mutex to be held.
func (fr *FragmentReassembler) lookup(name Name) map[Name]fragments {
	if _, ok := fr.buffers[fr.current][name]; ok {
		return fr.buffers[fr.current]
	}

	for i, buffer := range fr.buffers {
		if i == fr.current {
			continue
		}
		if _, ok := buffer[name]; ok {
			return buffer
		}
	}
	return nil
}

// Pending is the number of incomplete objects.
func (fr *FragmentReassembler) Pending() (n int) {
	fr.mutex.Lock()
	defer fr.mutex.Unlock()

	for _, buffer := range fr.buffers {
		n += len(buffer)
	}
	return
}

// reassemble concatenates the fragments if a final fragment exists and there are no gaps.
func (frags fragments) reassemble() ([]byte, bool) {
	keys := make([]uint64, 0, len(frags))
	for key := range frags {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	if len(keys) == 0 || keys[len(keys)-1]&1 != 1 {
		return nil, false
	}

	var size uint64
	for _, key := range keys {
		if (messages.Header{OffsetAndFin: key}).Offset() != size {
			return nil, false
		}
		size += uint64(len(frags[key]))
	}

	object := make([]byte, 0, size)
	for _, key := range keys {
		object = append(object, frags[key]...)
	}
	return object, true
}
