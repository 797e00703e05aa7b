// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"reflect"
	"testing"

	"github.com/hactar-net/hactar-go/pkg/quicr"
	"github.com/hactar-net/hactar-go/pkg/quicr/messages"
)

// bus delivers published objects to all other chats after the current handler returned, like a relay would.
type bus struct {
	chats   []*chat
	pending []delivery
}

type delivery struct {
	from *chat
	data []byte
}

type busPublisher struct {
	bus  *bus
	self **chat
}

func (bp busPublisher) PublishNamedObject(_ quicr.Name, data []byte) error {
	bp.bus.pending = append(bp.bus.pending, delivery{from: *bp.self, data: data})
	return nil
}

func (b *bus) join(t *testing.T, name quicr.Name) (c *chat, output *[]string) {
	t.Helper()

	output = &[]string{}
	c, err := newChat(name, busPublisher{bus: b, self: &c}, func(text string) {
		*output = append(*output, text)
	})
	if err != nil {
		t.Fatal(err)
	}
	b.chats = append(b.chats, c)
	return
}

func (b *bus) flush() {
	for len(b.pending) > 0 {
		d := b.pending[0]
		b.pending = b.pending[1:]

		for _, c := range b.chats {
			if c != d.from {
				c.OnSubscribedObject(c.name, d.data)
			}
		}
	}
}

func isJoined(c *chat) bool {
	select {
	case <-c.joined:
		return true
	default:
		return false
	}
}

func TestChatThreeMembers(t *testing.T) {
	name := messages.MustParseName("0xff0001")
	b := &bus{}

	alice, aliceOut := b.join(t, name)
	if err := alice.requestJoin(); err != nil {
		t.Fatal(err)
	}
	b.flush()

	// Nobody answered, so alice creates the group.
	if err := alice.createIfAlone(); err != nil {
		t.Fatal(err)
	}
	if !isJoined(alice) || !alice.group.shouldCommit() {
		t.Fatal("alice did not create the group")
	}

	bob, bobOut := b.join(t, name)
	if err := bob.requestJoin(); err != nil {
		t.Fatal(err)
	}
	b.flush()

	carol, carolOut := b.join(t, name)
	if err := carol.requestJoin(); err != nil {
		t.Fatal(err)
	}
	b.flush()

	for _, c := range []*chat{bob, carol} {
		if !isJoined(c) {
			t.Fatal("member did not join")
		}
		// createIfAlone is a no-op after joining.
		if err := c.createIfAlone(); err != nil {
			t.Fatal(err)
		}
	}

	if err := carol.send("hi from carol"); err != nil {
		t.Fatal(err)
	}
	b.flush()
	if err := bob.send("hi from bob"); err != nil {
		t.Fatal(err)
	}
	b.flush()

	if expected := []string{"hi from carol", "hi from bob"}; !reflect.DeepEqual(*aliceOut, expected) {
		t.Fatalf("alice received %v", *aliceOut)
	}
	if expected := []string{"hi from carol"}; !reflect.DeepEqual(*bobOut, expected) {
		t.Fatalf("bob received %v", *bobOut)
	}
	if expected := []string{"hi from bob"}; !reflect.DeepEqual(*carolOut, expected) {
		t.Fatalf("carol received %v", *carolOut)
	}
}

func TestChatSimultaneousStart(t *testing.T) {
	name := messages.MustParseName("0xff0002")
	b := &bus{}

	alice, aliceOut := b.join(t, name)
	bob, bobOut := b.join(t, name)

	if err := alice.requestJoin(); err != nil {
		t.Fatal(err)
	}
	if err := bob.requestJoin(); err != nil {
		t.Fatal(err)
	}
	b.flush()

	if !isJoined(alice) || !isJoined(bob) {
		t.Fatal("members did not agree on a group")
	}

	if err := alice.send("ping"); err != nil {
		t.Fatal(err)
	}
	b.flush()
	if err := bob.send("pong"); err != nil {
		t.Fatal(err)
	}
	b.flush()

	if !reflect.DeepEqual(*aliceOut, []string{"pong"}) || !reflect.DeepEqual(*bobOut, []string{"ping"}) {
		t.Fatalf("received %v and %v", *aliceOut, *bobOut)
	}
}

func TestChatSendBeforeJoin(t *testing.T) {
	b := &bus{}
	c, _ := b.join(t, messages.MustParseName("0xff0003"))

	if err := c.send("too early"); err == nil {
		t.Fatal("sending without a group succeeded")
	}
}

func TestParseArguments(t *testing.T) {
	a, err := parseArguments([]string{"relay.example", "1234", "FF0001", "quic"})
	if err != nil {
		t.Fatal(err)
	}

	expected := arguments{
		relay: quicr.RelayInfo{Hostname: "relay.example", Port: 1234, Proto: 1},
		name:  messages.MustParseName("0xff0001"),
	}
	if a != expected {
		t.Fatalf("parsed %+v", a)
	}

	for _, args := range [][]string{
		{"relay.example", "1234"},
		{"relay.example", "123456", "FF0001"},
		{"relay.example", "1234", "nohex"},
		{"relay.example", "1234", "FF0001", "tcp"},
	} {
		if _, err := parseArguments(args); err == nil {
			t.Fatalf("parsing %v succeeded", args)
		}
	}
}
