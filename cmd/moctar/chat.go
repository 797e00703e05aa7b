// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/hactar-net/hactar-go/pkg/quicr"
)

// publisher is the part of a quicr.RawSession used by a chat.
type publisher interface {
	PublishNamedObject(name quicr.Name, data []byte) error
}

// chat is an end-to-end encrypted group chat on a single Name. It receives the subscribed objects and maintains the
// group state.
type chat struct {
	name    quicr.Name
	session publisher

	mutex  sync.Mutex
	pre    *preJoinedState
	group  *groupState
	joined chan struct{}

	// output receives decrypted chat messages.
	output func(text string)
}

func newChat(name quicr.Name, session publisher, output func(string)) (*chat, error) {
	pre, err := newPreJoinedState()
	if err != nil {
		return nil, err
	}

	return &chat{
		name:    name,
		session: session,
		pre:     pre,
		joined:  make(chan struct{}),
		output:  output,
	}, nil
}

// requestJoin publishes this member's key package.
func (c *chat) requestJoin() error {
	c.mutex.Lock()
	keyPackage := c.pre.keyPackage()
	c.mutex.Unlock()

	return c.session.PublishNamedObject(c.name, frame(keyPackageMessage, keyPackage))
}

// createIfAlone creates a new group unless a welcome has already been processed.
func (c *chat) createIfAlone() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.pre == nil {
		return nil
	}

	group, err := c.pre.create()
	if err != nil {
		return err
	}
	c.setGroup(group)

	log.Info("Created a new group")
	return nil
}

// setGroup finishes joining. Requires the mutex to be held.
func (c *chat) setGroup(group *groupState) {
	c.group = group
	c.pre = nil
	close(c.joined)
}

// send a chat message to the group.
func (c *chat) send(text string) error {
	c.mutex.Lock()
	if c.group == nil {
		c.mutex.Unlock()
		return fmt.Errorf("not part of a group yet")
	}
	ciphertext, err := c.group.protect([]byte(text))
	c.mutex.Unlock()

	if err != nil {
		return err
	}

	log.WithField("size", len(ciphertext)).Info("Publishing data")
	return c.session.PublishNamedObject(c.name, frame(chatMessage, ciphertext))
}

// handle a received group message.
func (c *chat) handle(data []byte) error {
	gmt, payload, err := unframe(data)
	if err != nil {
		return err
	}

	log.WithField("type", gmt).Debug("Received group message")

	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch gmt {
	case keyPackageMessage:
		// Two members without a group: the one with the lower key creates it.
		if c.pre != nil {
			if bytes.Compare(c.pre.publicKey[:], payload) >= 0 {
				log.Debug("Waiting for the other member's welcome")
				return nil
			}

			group, err := c.pre.create()
			if err != nil {
				return err
			}
			_, welcome, err := group.add(payload)
			if err != nil {
				return err
			}
			c.setGroup(group)

			return c.session.PublishNamedObject(c.name, frame(welcomeMessage, welcome))
		}

		if !c.group.shouldCommit() {
			log.Debug("Not the committer, ignoring key package")
			return nil
		}

		commit, welcome, err := c.group.add(payload)
		if err != nil {
			return err
		}
		if err := c.session.PublishNamedObject(c.name, frame(welcomeMessage, welcome)); err != nil {
			return err
		}
		return c.session.PublishNamedObject(c.name, frame(commitMessage, commit))

	case welcomeMessage:
		if c.pre == nil {
			log.Debug("Ignoring welcome, already joined")
			return nil
		}

		group, err := c.pre.join(payload)
		if err == errNotForUs {
			return nil
		} else if err != nil {
			return err
		}
		c.setGroup(group)

		log.WithField("index", group.index).Info("Joined the group")
		return nil

	case commitMessage:
		if c.group == nil {
			return fmt.Errorf("cannot process commit without a group")
		}
		return c.group.handle(payload)

	case chatMessage:
		if c.group == nil {
			return fmt.Errorf("cannot decrypt message without a group")
		}

		plaintext, err := c.group.unprotect(payload)
		if err != nil {
			return err
		}
		c.output(string(plaintext))
		return nil

	default:
		return fmt.Errorf("unsupported %v", gmt)
	}
}

func (c *chat) OnSubscribeResponse(ns quicr.Namespace, result quicr.SubscribeResult) {
	log.WithFields(log.Fields{
		"namespace": ns,
		"status":    result.Status,
	}).Info("Subscribe response")
}

func (c *chat) OnSubscriptionEnded(ns quicr.Namespace, reason quicr.SubscribeStatus) {
	log.WithFields(log.Fields{
		"namespace": ns,
		"reason":    reason,
	}).Info("Subscription ended")
}

func (c *chat) OnSubscribedObject(name quicr.Name, data []byte) {
	log.WithFields(log.Fields{
		"name": name,
		"size": len(data),
	}).Debug("Received object")

	if len(data) == 0 {
		return
	}
	if err := c.handle(data); err != nil {
		log.WithError(err).WithField("name", name).Warn("Handling group message failed")
	}
}

func (c *chat) OnSubscribedObjectFragment(quicr.Name, uint64, bool, []byte) {}

func (c *chat) OnPublishIntentResponse(ns quicr.Namespace, result quicr.PublishIntentResult) {
	log.WithFields(log.Fields{
		"namespace": ns,
		"status":    result.Status,
	}).Info("Publish intent response")
}
