// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/hactar-net/hactar-go/pkg/queue"
)

const (
	// maxSkippedNotifications forces a receive notification after this many suppressed ones.
	maxSkippedNotifications = 30

	// notifyQueueSize bounds the pending delegate callbacks.
	notifyQueueSize = 2000
)

// safeCall runs a delegate callback and contains its panics.
func safeCall(logger *log.Entry, callback string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(log.Fields{
				"callback": callback,
				"panic":    r,
			}).Error("Transport delegate panicked")
		}
	}()

	f()
}

// recvThrottle decides whether a receive notification is due. It must only be used by the single goroutine
// feeding a stream's receive queue.
type recvThrottle struct {
	skipped int
}

// notify is called after each received buffer with the resulting backlog.
func (rt *recvThrottle) notify(backlog, queueSize int) bool {
	if backlog < 2 || backlog > queueSize/2 || rt.skipped > maxSkippedNotifications {
		rt.skipped = 0
		return true
	}

	rt.skipped++
	return false
}

// callbackNotifier moves delegate callbacks from network goroutines onto its own goroutine.
type callbackNotifier struct {
	queue  *queue.SafeQueue[func()]
	logger *log.Entry
	wg     sync.WaitGroup
}

func newCallbackNotifier(logger *log.Entry) (cn *callbackNotifier) {
	cn = &callbackNotifier{
		queue:  queue.NewSafeQueue[func()](notifyQueueSize),
		logger: logger,
	}

	cn.wg.Add(1)
	go cn.handle()

	return
}

func (cn *callbackNotifier) handle() {
	defer cn.wg.Done()

	cn.logger.Debug("Starting transport callback notifier")

	for {
		f, ok := cn.queue.BlockPop()
		if !ok {
			cn.logger.Debug("Transport callback notifier finished")
			return
		}

		safeCall(cn.logger, "notifier", f)
	}
}

// push a callback. Callbacks are dropped oldest first if the delegate falls too far behind.
func (cn *callbackNotifier) push(f func()) {
	if !cn.queue.Push(f) {
		cn.logger.WithField("size", cn.queue.Size()).Warn("Callback notifier queue is full, dropped a callback")
	} else if size := cn.queue.Size(); size > notifyQueueSize/10 {
		cn.logger.WithField("size", size).Debug("Callback notifier queue backlog")
	}
}

// close runs all pending callbacks and stops the notifier.
func (cn *callbackNotifier) close() {
	cn.queue.StopWaiting()
	cn.wg.Wait()
}
