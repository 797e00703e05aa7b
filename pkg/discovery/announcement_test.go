// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"reflect"
	"testing"

	"github.com/schollz/peerdiscovery"

	"github.com/hactar-net/hactar-go/pkg/transport"
)

func TestDiscoveryMessageCbor(t *testing.T) {
	var tests = [][]Announcement{
		{},
		{{Protocol: transport.UDP, Port: 1234}},
		{{Protocol: transport.UDP, Port: 1234}, {Protocol: transport.QUIC, Port: 4433}},
	}

	for _, dmsIn := range tests {
		buff, err := MarshalAnnouncements(dmsIn)
		if err != nil {
			t.Fatalf("Encoding failed: %v", err)
		}

		dmsOut, err := UnmarshalAnnouncements(buff)
		if err != nil {
			t.Fatalf("Decoding failed: %v", err)
		}

		if !reflect.DeepEqual(dmsIn, dmsOut) {
			t.Fatalf("Decoded Announcements differ: %v became %v", dmsIn, dmsOut)
		}
	}
}

func TestDiscoveryMessageInvalid(t *testing.T) {
	var tests = [][]byte{
		{},
		// Array of one announcement with protocol 7.
		{0x81, 0x82, 0x07, 0x19, 0x04, 0xd2},
		// Port zero.
		{0x81, 0x82, 0x00, 0x00},
		// Three elements.
		{0x81, 0x83, 0x00, 0x01, 0x02},
		// Far more announcements than bytes.
		{0x9a, 0xff, 0xff, 0xff, 0xff},
	}

	for _, data := range tests {
		if _, err := UnmarshalAnnouncements(data); err == nil {
			t.Fatalf("Decoding %x did not fail", data)
		}
	}
}

func TestRelaysAdd(t *testing.T) {
	payload, err := MarshalAnnouncements([]Announcement{
		{Protocol: transport.UDP, Port: 1234},
		{Protocol: transport.QUIC, Port: 4433},
	})
	if err != nil {
		t.Fatal(err)
	}

	found := &relays{}
	found.add(peerdiscovery.Discovered{Address: "192.168.1.5", Payload: payload})
	found.add(peerdiscovery.Discovered{Address: "192.168.1.5", Payload: payload})
	found.add(peerdiscovery.Discovered{Address: "[fe80::1]", Payload: payload[:3]})
	found.add(peerdiscovery.Discovered{Address: "fe80::2", Payload: []byte{0x80}})

	expected := []transport.Remote{
		{HostOrIP: "192.168.1.5", Port: 1234, Proto: transport.UDP},
		{HostOrIP: "192.168.1.5", Port: 4433, Proto: transport.QUIC},
	}
	if !reflect.DeepEqual(found.remotes, expected) {
		t.Fatalf("found %v", found.remotes)
	}
}
