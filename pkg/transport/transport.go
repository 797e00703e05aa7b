// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ContextID identifies a connection, e.g., a UDP peer or a QUIC connection.
type ContextID uint64

// StreamID identifies a stream within a connection.
type StreamID uint64

// Status of a Transport or one of its connections.
type Status uint8

const (
	Ready Status = iota
	Connecting
	RemoteRequestClose
	Disconnected
	Shutdown
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Connecting:
		return "connecting"
	case RemoteRequestClose:
		return "remote request close"
	case Disconnected:
		return "disconnected"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown status %d", uint8(s))
	}
}

// Error is the result of a Transport operation. Every value except NoError satisfies the error interface.
type Error uint8

const (
	NoError Error = iota
	QueueFull
	UnknownError
	PeerDisconnected
	PeerUnreachable
	CannotResolveHostname
	InvalidContextID
	InvalidStreamID
	InvalidIPv4Address
	InvalidIPv6Address
)

func (e Error) Error() string {
	switch e {
	case NoError:
		return "no error"
	case QueueFull:
		return "queue full"
	case UnknownError:
		return "unknown error"
	case PeerDisconnected:
		return "peer disconnected"
	case PeerUnreachable:
		return "peer unreachable"
	case CannotResolveHostname:
		return "cannot resolve hostname"
	case InvalidContextID:
		return "invalid context id"
	case InvalidStreamID:
		return "invalid stream id"
	case InvalidIPv4Address:
		return "invalid IPv4 address"
	case InvalidIPv6Address:
		return "invalid IPv6 address"
	default:
		return fmt.Sprintf("transport error %d", uint8(e))
	}
}

// Protocol selects a Transport implementation.
type Protocol uint8

const (
	UDP Protocol = iota
	QUIC
)

func (p Protocol) String() string {
	switch p {
	case UDP:
		return "udp"
	case QUIC:
		return "quic"
	default:
		return fmt.Sprintf("protocol %d", uint8(p))
	}
}

// ParseProtocol parses "udp" or "quic".
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "udp", "UDP":
		return UDP, nil
	case "quic", "QUIC":
		return QUIC, nil
	default:
		return 0, fmt.Errorf("unknown transport protocol %q", s)
	}
}

// Remote describes a peer, either the server to connect to or the address to listen on.
type Remote struct {
	HostOrIP string
	Port     uint16
	Proto    Protocol
}

func (r Remote) String() string {
	return fmt.Sprintf("%v://%s:%d", r.Proto, r.HostOrIP, r.Port)
}

// DefaultDataQueueSize is used for a zero Config.DataQueueSize.
const DefaultDataQueueSize = 500

// Config of a Transport.
type Config struct {
	// TLSCertFilename and TLSKeyFilename are required for a QUIC server.
	TLSCertFilename string `toml:"tls-cert"`
	TLSKeyFilename  string `toml:"tls-key"`

	// DataQueueSize bounds each stream's incoming and outgoing queue.
	DataQueueSize int `toml:"queue-size"`

	// Debug enables periodic metric logging.
	Debug bool `toml:"debug"`

	// Registerer receives the transport's metrics, prometheus.DefaultRegisterer if nil.
	Registerer prometheus.Registerer `toml:"-"`
}

func (cfg Config) queueSize() int {
	if cfg.DataQueueSize <= 0 {
		return DefaultDataQueueSize
	}
	return cfg.DataQueueSize
}

// Delegate receives a Transport's events. All methods are called from the Transport's own goroutines, never from
// the goroutine calling into the Transport.
type Delegate interface {
	// OnConnectionStatus reports a changed status of a connection.
	OnConnectionStatus(contextID ContextID, status Status)

	// OnNewConnection reports a newly accepted connection. Only used in server mode.
	OnNewConnection(contextID ContextID, remote Remote)

	// OnNewStream reports a newly created stream.
	OnNewStream(contextID ContextID, streamID StreamID)

	// OnRecvNotify signals that data is waiting to be dequeued. It is throttled and not repeated for every
	// received buffer while a backlog exists, so Dequeue should be called until it returns nothing.
	OnRecvNotify(contextID ContextID, streamID StreamID)
}

// Transport is an asynchronous, message oriented transport. Implementations own their queues and goroutines.
type Transport interface {
	// Status of the Transport. In server mode this reflects the listening socket, otherwise the connection to
	// the server.
	Status() Status

	// Start connects to the server or starts listening. A client's context id is returned.
	Start() (ContextID, error)

	// CreateStream within a connection. Transports without stream support return the connection's only stream.
	CreateStream(contextID ContextID, reliable bool) StreamID

	// Close a connection and release its streams.
	Close(contextID ContextID)

	// CloseStream closes a single stream.
	CloseStream(contextID ContextID, streamID StreamID)

	// Enqueue data for transmission. The data is dropped if anything but NoError is returned.
	Enqueue(contextID ContextID, streamID StreamID, data []byte) Error

	// Dequeue received data. False is returned if nothing is pending or the ids are unknown.
	Dequeue(contextID ContextID, streamID StreamID) ([]byte, bool)

	// Shutdown stops all goroutines and closes all connections. The Transport must not be used afterwards.
	Shutdown() error
}

// NewClientTransport creates a Transport connecting to server.
func NewClientTransport(server Remote, cfg Config, delegate Delegate) (Transport, error) {
	switch server.Proto {
	case UDP:
		return NewUDPTransport(server, cfg, delegate, false), nil
	case QUIC:
		return NewQUICTransport(server, cfg, delegate, false)
	default:
		return nil, fmt.Errorf("unsupported protocol %v", server.Proto)
	}
}

// NewServerTransport creates a Transport listening on server.
func NewServerTransport(server Remote, cfg Config, delegate Delegate) (Transport, error) {
	switch server.Proto {
	case UDP:
		return NewUDPTransport(server, cfg, delegate, true), nil
	case QUIC:
		return NewQUICTransport(server, cfg, delegate, true)
	default:
		return nil, fmt.Errorf("unsupported protocol %v", server.Proto)
	}
}
