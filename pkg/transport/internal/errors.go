// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import "github.com/quic-go/quic-go"

const (
	// NoError closes a connection regularly.
	NoError quic.ApplicationErrorCode = 0
	// ApplicationShutdown is sent when the transport shuts down and terminates its connections.
	ApplicationShutdown quic.ApplicationErrorCode = 5

	// StreamClosed cancels a stream closed by the application.
	StreamClosed quic.StreamErrorCode = 1
	// StreamTransmissionError cancels a stream after a framing error.
	StreamTransmissionError quic.StreamErrorCode = 2
)
