// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicr

import "sync"

// Registration binds a delegate to a session. Once released, the session skips the delegate for all later events.
//
// Releasing does not end a subscription or publish intent; this is up to Unsubscribe and PublishIntentEnd.
type Registration[D any] struct {
	mutex    sync.RWMutex
	delegate D
	released bool
}

func newRegistration[D any](delegate D) *Registration[D] {
	return &Registration[D]{delegate: delegate}
}

// Release detaches the delegate. It is safe to call Release multiple times.
func (r *Registration[D]) Release() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var zero D
	r.delegate = zero
	r.released = true
}

// Released reports whether Release was called.
func (r *Registration[D]) Released() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.released
}

// get returns the delegate unless it was released.
func (r *Registration[D]) get() (delegate D, ok bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.released {
		return
	}
	return r.delegate, true
}
