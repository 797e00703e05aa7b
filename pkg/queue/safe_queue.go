// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package queue

import (
	"sync"
	"time"
)

// DefaultLimit is the limit of a SafeQueue created with a negative limit.
const DefaultLimit = 1000

// SafeQueue is a thread safe FIFO shared between producing and consuming goroutines.
//
// A SafeQueue is bounded by its limit. Pushing to a full queue drops its oldest element instead of blocking the
// producer, so the queue slides forward with every new element. A limit of zero disables the bound.
//
// StopWaiting must be called before a SafeQueue is abandoned while goroutines might still block on it.
type SafeQueue[T any] struct {
	mutex sync.Mutex
	cond  *sync.Cond

	elems       []T
	limit       int
	stopWaiting bool
}

// NewSafeQueue creates a SafeQueue holding up to limit elements. Zero means unlimited, a negative value selects
// DefaultLimit.
func NewSafeQueue[T any](limit int) *SafeQueue[T] {
	if limit < 0 {
		limit = DefaultLimit
	}

	q := &SafeQueue[T]{limit: limit}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

// Push appends elem. If the queue is at its limit, the oldest element is discarded first and false is returned.
func (q *SafeQueue[T]) Push(elem T) (ok bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	ok = true
	if q.limit > 0 && len(q.elems) >= q.limit {
		q.dropFront(len(q.elems) - q.limit + 1)
		ok = false
	}

	q.elems = append(q.elems, elem)
	q.cond.Signal()
	return
}

// Pop removes and returns the oldest element. The boolean is false if the queue was empty.
func (q *SafeQueue[T]) Pop() (elem T, ok bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.popInternal()
}

// BlockPop waits until an element is available or StopWaiting was called. The boolean is false if the queue was
// still empty when the wait ended.
func (q *SafeQueue[T]) BlockPop() (elem T, ok bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for !q.stopWaiting && len(q.elems) == 0 {
		q.cond.Wait()
	}

	return q.popInternal()
}

// PopTimeout behaves like BlockPop, but gives up after the timeout elapsed.
func (q *SafeQueue[T]) PopTimeout(timeout time.Duration) (elem T, ok bool) {
	deadline := time.Now().Add(timeout)

	// sync.Cond has no timed wait; the timer broadcasts once the deadline is reached.
	timer := time.AfterFunc(timeout, func() {
		q.mutex.Lock()
		q.cond.Broadcast()
		q.mutex.Unlock()
	})
	defer timer.Stop()

	q.mutex.Lock()
	defer q.mutex.Unlock()

	for !q.stopWaiting && len(q.elems) == 0 && time.Now().Before(deadline) {
		q.cond.Wait()
	}

	return q.popInternal()
}

// Front returns the oldest element without removing it.
func (q *SafeQueue[T]) Front() (elem T, ok bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.elems) == 0 {
		return
	}
	return q.elems[0], true
}

// PopFront discards the oldest element, if any.
func (q *SafeQueue[T]) PopFront() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	_, _ = q.popInternal()
}

// Take removes and returns all queued elements.
func (q *SafeQueue[T]) Take() (elems []T) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	elems, q.elems = q.elems, nil
	return
}

// Size of the queue.
func (q *SafeQueue[T]) Size() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return len(q.elems)
}

// Limit of the queue, zero means unlimited.
func (q *SafeQueue[T]) Limit() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.limit
}

// SetLimit changes the limit. Surplus elements of a lowered limit are dropped by the next Push.
func (q *SafeQueue[T]) SetLimit(limit int) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if limit < 0 {
		limit = 0
	}
	q.limit = limit
}

// StopWaiting wakes all blocked goroutines. Afterwards, blocking calls return immediately.
func (q *SafeQueue[T]) StopWaiting() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.stopWaiting = true
	q.cond.Broadcast()
}

// popInternal requires the mutex to be held.
func (q *SafeQueue[T]) popInternal() (elem T, ok bool) {
	if len(q.elems) == 0 {
		return
	}

	elem, ok = q.elems[0], true
	q.dropFront(1)

	if len(q.elems) > 0 {
		q.cond.Signal()
	}
	return
}

// dropFront requires the mutex to be held.
func (q *SafeQueue[T]) dropFront(n int) {
	var zero T
	for i := 0; i < n; i++ {
		q.elems[i] = zero
	}
	q.elems = q.elems[n:]
}
