// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/hactar-net/hactar-go/pkg/queue"
	"github.com/hactar-net/hactar-go/pkg/transport/internal"
)

const (
	// udpRxQueueSize bounds a UDP peer's receive queue.
	udpRxQueueSize = 5000

	// udpMaxDatagramSize is the largest datagram the reader accepts.
	udpMaxDatagramSize = 64 * 1024

	// udpSocketBufferSize is requested for a server's socket buffers.
	udpSocketBufferSize = 4 * 1024 * 1024
)

// connData is an outgoing buffer for one context.
type connData struct {
	contextID ContextID
	streamID  StreamID
	data      []byte
}

// udpPeer is a remote address known to the UDPTransport.
type udpPeer struct {
	addr      netip.AddrPort
	contextID ContextID
	streamID  StreamID

	rxData   *queue.SafeQueue[[]byte]
	throttle recvThrottle
}

// UDPTransport sends each enqueued buffer as one datagram. There is only one stream per peer and neither delivery
// nor order is guaranteed.
//
// A client has exactly one peer, the server; datagrams from other sources are discarded. A server learns its peers
// from the incoming datagrams.
type UDPTransport struct {
	server     Remote
	serverMode bool
	cfg        Config
	delegate   Delegate

	status uint32

	conn     *net.UDPConn
	sendData *queue.SafeQueue[connData]

	peersMutex    sync.RWMutex
	peersByAddr   map[netip.AddrPort]*udpPeer
	peersByID     map[ContextID]*udpPeer
	nextContextID ContextID
	nextStreamID  StreamID

	notifier *callbackNotifier
	metrics  *metrics
	logger   *log.Entry

	wg sync.WaitGroup
}

// NewUDPTransport creates a new UDPTransport. No network activity happens before Start.
func NewUDPTransport(server Remote, cfg Config, delegate Delegate, serverMode bool) *UDPTransport {
	logger := log.WithFields(log.Fields{
		"transport": "udp",
		"server":    server.String(),
		"listen":    serverMode,
	})

	return &UDPTransport{
		server:     server,
		serverMode: serverMode,
		cfg:        cfg,
		delegate:   delegate,

		status: uint32(Disconnected),

		sendData: queue.NewSafeQueue[connData](cfg.queueSize()),

		peersByAddr:   make(map[netip.AddrPort]*udpPeer),
		peersByID:     make(map[ContextID]*udpPeer),
		nextContextID: 1,
		nextStreamID:  1,

		notifier: newCallbackNotifier(logger),
		metrics:  newMetrics(cfg.Registerer, "udp"),
		logger:   logger,
	}
}

func (ut *UDPTransport) String() string {
	return ut.server.String()
}

func (ut *UDPTransport) Status() Status {
	return Status(atomic.LoadUint32(&ut.status))
}

func (ut *UDPTransport) setStatus(status Status) {
	atomic.StoreUint32(&ut.status, uint32(status))
}

// Metrics of this UDPTransport.
func (ut *UDPTransport) Metrics() MetricsSnapshot {
	return ut.metrics.snapshot()
}

// LocalAddr of the underlying socket, nil before Start.
func (ut *UDPTransport) LocalAddr() net.Addr {
	if ut.conn == nil {
		return nil
	}
	return ut.conn.LocalAddr()
}

func (ut *UDPTransport) Start() (ContextID, error) {
	if ut.serverMode {
		return 0, ut.startServer()
	}
	return ut.startClient()
}

func (ut *UDPTransport) startClient() (ContextID, error) {
	ut.setStatus(Connecting)

	hostPort := net.JoinHostPort(ut.server.HostOrIP, strconv.Itoa(int(ut.server.Port)))
	addr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		ut.setStatus(Disconnected)
		return 0, fmt.Errorf("%w: %s: %v", CannotResolveHostname, hostPort, err)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		ut.setStatus(Disconnected)
		return 0, fmt.Errorf("%w: %v", UnknownError, err)
	}
	ut.conn = conn

	peer := ut.addPeer(unmapAddrPort(addr.AddrPort()))

	ut.setStatus(Ready)
	ut.startWorkers()

	ut.logger.WithField("context", peer.contextID).Info("UDP transport connected")

	ut.notifier.push(func() {
		ut.delegate.OnConnectionStatus(peer.contextID, Ready)
	})

	return peer.contextID, nil
}

func (ut *UDPTransport) startServer() error {
	hostPort := net.JoinHostPort(ut.server.HostOrIP, strconv.Itoa(int(ut.server.Port)))

	lc := net.ListenConfig{Control: internal.ReuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), "udp", hostPort)
	if err != nil {
		ut.setStatus(Disconnected)
		return fmt.Errorf("listening on %s: %w", hostPort, err)
	}
	ut.conn = pc.(*net.UDPConn)

	if err := ut.conn.SetReadBuffer(udpSocketBufferSize); err != nil {
		ut.logger.WithError(err).Warn("Failed to enlarge the socket's read buffer")
	}
	if err := ut.conn.SetWriteBuffer(udpSocketBufferSize); err != nil {
		ut.logger.WithError(err).Warn("Failed to enlarge the socket's write buffer")
	}

	ut.setStatus(Ready)
	ut.startWorkers()

	ut.logger.WithField("addr", ut.conn.LocalAddr()).Info("UDP transport listening")
	return nil
}

func (ut *UDPTransport) startWorkers() {
	ut.wg.Add(2)
	go ut.fdReader()
	go ut.fdWriter()
}

// addPeer registers a new peer, which must not be known yet.
func (ut *UDPTransport) addPeer(addr netip.AddrPort) *udpPeer {
	ut.peersMutex.Lock()
	defer ut.peersMutex.Unlock()

	peer := &udpPeer{
		addr:      addr,
		contextID: ut.nextContextID,
		streamID:  ut.nextStreamID,
		rxData:    queue.NewSafeQueue[[]byte](udpRxQueueSize),
	}
	ut.nextContextID++
	ut.nextStreamID++

	ut.peersByAddr[addr] = peer
	ut.peersByID[peer.contextID] = peer
	return peer
}

func (ut *UDPTransport) peerByID(contextID ContextID) (peer *udpPeer, ok bool) {
	ut.peersMutex.RLock()
	defer ut.peersMutex.RUnlock()

	peer, ok = ut.peersByID[contextID]
	return
}

func (ut *UDPTransport) peerByAddr(addr netip.AddrPort) (peer *udpPeer, ok bool) {
	ut.peersMutex.RLock()
	defer ut.peersMutex.RUnlock()

	peer, ok = ut.peersByAddr[addr]
	return
}

func (ut *UDPTransport) CreateStream(contextID ContextID, _ bool) StreamID {
	peer, ok := ut.peerByID(contextID)
	if !ok {
		ut.logger.WithField("context", contextID).Warn("Cannot create stream for unknown context")
		return 0
	}

	// UDP has no streams; the peer's only stream is handed out.
	ut.notifier.push(func() {
		ut.delegate.OnNewStream(peer.contextID, peer.streamID)
	})
	return peer.streamID
}

func (ut *UDPTransport) Close(contextID ContextID) {
	ut.peersMutex.Lock()
	peer, ok := ut.peersByID[contextID]
	if ok {
		delete(ut.peersByID, contextID)
		delete(ut.peersByAddr, peer.addr)
	}
	ut.peersMutex.Unlock()

	if !ok {
		return
	}

	peer.rxData.StopWaiting()

	if !ut.serverMode {
		ut.setStatus(Disconnected)
	}

	ut.logger.WithField("context", contextID).Debug("Closed UDP context")
	ut.notifier.push(func() {
		ut.delegate.OnConnectionStatus(contextID, Disconnected)
	})
}

func (ut *UDPTransport) CloseStream(contextID ContextID, streamID StreamID) {
	ut.logger.WithFields(log.Fields{
		"context": contextID,
		"stream":  streamID,
	}).Debug("Ignoring stream close, UDP has a single stream per context")
}

func (ut *UDPTransport) Enqueue(contextID ContextID, streamID StreamID, data []byte) Error {
	if ut.Status() == Shutdown {
		return PeerDisconnected
	}

	peer, ok := ut.peerByID(contextID)
	if !ok {
		return InvalidContextID
	}
	if peer.streamID != streamID {
		return InvalidStreamID
	}

	ut.metrics.incPrepareSend()

	if !ut.sendData.Push(connData{contextID: contextID, streamID: streamID, data: data}) {
		ut.metrics.incDroppedTx()
		return QueueFull
	}
	return NoError
}

func (ut *UDPTransport) Dequeue(contextID ContextID, streamID StreamID) ([]byte, bool) {
	peer, ok := ut.peerByID(contextID)
	if !ok || peer.streamID != streamID {
		return nil, false
	}

	return peer.rxData.Pop()
}

func (ut *UDPTransport) fdReader() {
	defer ut.wg.Done()

	buf := make([]byte, udpMaxDatagramSize)

	for {
		n, addr, err := ut.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ut.Status() == Shutdown || errors.Is(err, net.ErrClosed) {
				ut.logger.Debug("UDP reader finished")
				return
			}

			ut.logger.WithError(err).Warn("Reading from UDP socket errored")
			time.Sleep(time.Millisecond)
			continue
		}

		addr = unmapAddrPort(addr)

		peer, ok := ut.peerByAddr(addr)
		if !ok {
			if !ut.serverMode {
				ut.logger.WithField("source", addr).Debug("Dropping datagram from unknown source")
				ut.metrics.incDroppedRx()
				continue
			}

			peer = ut.addPeer(addr)
			ut.logger.WithFields(log.Fields{
				"context": peer.contextID,
				"source":  addr,
			}).Info("New UDP connection")

			remote := Remote{HostOrIP: addr.Addr().String(), Port: addr.Port(), Proto: UDP}
			contextID := peer.contextID
			ut.notifier.push(func() {
				ut.delegate.OnNewConnection(contextID, remote)
			})
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		ut.metrics.incReceived()
		if !peer.rxData.Push(data) {
			ut.metrics.incDroppedRx()
		}

		if peer.throttle.notify(peer.rxData.Size(), udpRxQueueSize) {
			ut.metrics.incRecvNotify()

			contextID, streamID := peer.contextID, peer.streamID
			ut.notifier.push(func() {
				ut.delegate.OnRecvNotify(contextID, streamID)
			})
		}
	}
}

func (ut *UDPTransport) fdWriter() {
	defer ut.wg.Done()

	for {
		cd, ok := ut.sendData.BlockPop()
		if !ok {
			ut.logger.Debug("UDP writer finished")
			return
		}

		peer, ok := ut.peerByID(cd.contextID)
		if !ok {
			ut.metrics.incSendNoConnection()
			continue
		}

		if _, err := ut.conn.WriteToUDPAddrPort(cd.data, peer.addr); err != nil {
			ut.logger.WithError(err).WithField("context", cd.contextID).Debug("Sending datagram errored")
			ut.metrics.incDroppedTx()
			continue
		}
		ut.metrics.incSent()
	}
}

func (ut *UDPTransport) Shutdown() (err error) {
	ut.setStatus(Shutdown)

	if ut.conn != nil {
		if closeErr := ut.conn.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}
	ut.sendData.StopWaiting()

	ut.wg.Wait()

	ut.peersMutex.Lock()
	for _, peer := range ut.peersByID {
		peer.rxData.StopWaiting()
	}
	ut.peersMutex.Unlock()

	ut.notifier.close()

	ut.logger.WithField("metrics", ut.metrics.snapshot().String()).Info("UDP transport shut down")
	return
}

// unmapAddrPort normalizes IPv4-mapped IPv6 addresses for map lookups.
func unmapAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
