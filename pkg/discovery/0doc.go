// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery announces QuicR relays in the local network and finds them through UDP multicast packages.
package discovery

const (
	// address4 is the default multicast IPv4 address used for discovery.
	address4 = "224.23.23.24"

	// address6 is the default multicast IPv6 address used for discovery.
	address6 = "ff02::24"

	// port is the default multicast UDP port used for discovery.
	port = 35041
)
