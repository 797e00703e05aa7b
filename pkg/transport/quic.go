// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/hactar-net/hactar-go/pkg/queue"
	"github.com/hactar-net/hactar-go/pkg/transport/internal"
)

const (
	// datagramStreamID is every connection's stream for unreliable datagrams.
	datagramStreamID StreamID = 0

	// firstReliableStreamID and reliableStreamIDStep keep the two low bits free, as QUIC does for its stream types.
	firstReliableStreamID StreamID = 4
	reliableStreamIDStep  StreamID = 4

	tickInterval       = 5 * time.Millisecond
	metricsLogInterval = 500 * time.Millisecond
	dialTimeout        = 10 * time.Second
)

// streamContext holds the queues of one stream within a QUIC connection.
type streamContext struct {
	contextID ContextID
	streamID  StreamID

	conn   quic.Connection
	stream quic.Stream // nil for the datagram stream

	peerAddrText string
	peerPort     uint16

	rxData   *queue.SafeQueue[[]byte]
	txData   *queue.SafeQueue[[]byte]
	throttle recvThrottle

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamContext(qc *quicConnection, streamID StreamID, stream quic.Stream, queueSize int) *streamContext {
	return &streamContext{
		contextID:    qc.contextID,
		streamID:     streamID,
		conn:         qc.conn,
		stream:       stream,
		peerAddrText: qc.remote.HostOrIP,
		peerPort:     qc.remote.Port,
		rxData:       queue.NewSafeQueue[[]byte](queueSize),
		txData:       queue.NewSafeQueue[[]byte](queueSize),
		ready:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// markReady wakes the stream's sender without blocking.
func (sc *streamContext) markReady() {
	select {
	case sc.ready <- struct{}{}:
	default:
	}
}

func (sc *streamContext) close() {
	sc.closeOnce.Do(func() {
		close(sc.done)
		sc.rxData.StopWaiting()
		sc.txData.StopWaiting()

		if sc.stream != nil {
			sc.stream.CancelRead(internal.StreamClosed)
			_ = sc.stream.Close()
		}
	})
}

// quicConnection is a context, a QUIC connection with its streams.
type quicConnection struct {
	contextID    ContextID
	conn         quic.Connection
	remote       Remote
	streams      map[StreamID]*streamContext
	nextStreamID StreamID
}

// QUICTransport multiplexes unreliable datagrams and reliable streams over QUIC connections.
//
// Stream 0 of each context carries datagrams. Reliable streams get ids from 4 in steps of 4; ids are local to
// each side of a connection. Buffers on reliable streams are framed as CBOR byte strings.
type QUICTransport struct {
	server     Remote
	serverMode bool
	cfg        Config
	delegate   Delegate

	status uint32

	tlsConf  *tls.Config
	listener *quic.Listener

	mutex         sync.RWMutex
	conns         map[ContextID]*quicConnection
	nextContextID ContextID

	notifier *callbackNotifier
	metrics  *metrics
	logger   *log.Entry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQUICTransport creates a new QUICTransport. A server requires a TLS certificate and key.
func NewQUICTransport(server Remote, cfg Config, delegate Delegate, serverMode bool) (*QUICTransport, error) {
	var tlsConf *tls.Config
	if serverMode {
		var err error
		if tlsConf, err = internal.ServerTLSConfig(cfg.TLSCertFilename, cfg.TLSKeyFilename); err != nil {
			return nil, err
		}
	} else {
		tlsConf = internal.ClientTLSConfig(server.HostOrIP)
	}

	logger := log.WithFields(log.Fields{
		"transport": "quic",
		"server":    server.String(),
		"listen":    serverMode,
	})

	return &QUICTransport{
		server:     server,
		serverMode: serverMode,
		cfg:        cfg,
		delegate:   delegate,

		status: uint32(Disconnected),

		tlsConf: tlsConf,

		conns:         make(map[ContextID]*quicConnection),
		nextContextID: 1,

		notifier: newCallbackNotifier(logger),
		metrics:  newMetrics(cfg.Registerer, "quic"),
		logger:   logger,

		stopCh: make(chan struct{}),
	}, nil
}

func (qt *QUICTransport) String() string {
	return qt.server.String()
}

func (qt *QUICTransport) Status() Status {
	return Status(atomic.LoadUint32(&qt.status))
}

func (qt *QUICTransport) setStatus(status Status) {
	atomic.StoreUint32(&qt.status, uint32(status))
}

// Metrics of this QUICTransport.
func (qt *QUICTransport) Metrics() MetricsSnapshot {
	return qt.metrics.snapshot()
}

// LocalAddr is the listener's address in server mode, nil otherwise.
func (qt *QUICTransport) LocalAddr() net.Addr {
	if qt.listener == nil {
		return nil
	}
	return qt.listener.Addr()
}

func (qt *QUICTransport) Start() (ContextID, error) {
	if qt.serverMode {
		return 0, qt.startServer()
	}
	return qt.startClient()
}

func (qt *QUICTransport) startClient() (ContextID, error) {
	qt.setStatus(Connecting)

	hostPort := net.JoinHostPort(qt.server.HostOrIP, strconv.Itoa(int(qt.server.Port)))
	if _, err := net.ResolveUDPAddr("udp", hostPort); err != nil {
		qt.setStatus(Disconnected)
		return 0, fmt.Errorf("%w: %s: %v", CannotResolveHostname, hostPort, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, hostPort, qt.tlsConf, internal.QUICConfig())
	if err != nil {
		qt.setStatus(Disconnected)
		return 0, fmt.Errorf("%w: %s: %v", PeerUnreachable, hostPort, err)
	}

	qc := qt.addConnection(conn, false)

	qt.setStatus(Ready)
	qt.startTicker()

	qt.logger.WithField("context", qc.contextID).Info("QUIC transport connected")

	qt.notifier.push(func() {
		qt.delegate.OnConnectionStatus(qc.contextID, Ready)
	})

	return qc.contextID, nil
}

func (qt *QUICTransport) startServer() error {
	hostPort := net.JoinHostPort(qt.server.HostOrIP, strconv.Itoa(int(qt.server.Port)))

	listener, err := quic.ListenAddr(hostPort, qt.tlsConf, internal.QUICConfig())
	if err != nil {
		qt.setStatus(Disconnected)
		return fmt.Errorf("listening on %s: %w", hostPort, err)
	}
	qt.listener = listener

	qt.setStatus(Ready)
	qt.startTicker()

	qt.wg.Add(1)
	go qt.acceptConnections()

	qt.logger.WithField("addr", listener.Addr()).Info("QUIC transport listening")
	return nil
}

func (qt *QUICTransport) acceptConnections() {
	defer qt.wg.Done()

	for {
		conn, err := qt.listener.Accept(context.Background())
		if err != nil {
			if qt.Status() != Shutdown {
				qt.logger.WithError(err).Error("Accepting QUIC connections errored")
			}
			return
		}

		qc := qt.addConnection(conn, true)
		qt.logger.WithFields(log.Fields{
			"context": qc.contextID,
			"peer":    conn.RemoteAddr(),
		}).Info("New QUIC connection")
	}
}

// addConnection registers conn with its datagram stream and starts its goroutines. An announced connection is
// reported to the delegate before any of its data.
func (qt *QUICTransport) addConnection(conn quic.Connection, announce bool) *quicConnection {
	qt.mutex.Lock()
	qc := &quicConnection{
		contextID:    qt.nextContextID,
		conn:         conn,
		remote:       remoteFromAddr(conn.RemoteAddr(), QUIC),
		streams:      make(map[StreamID]*streamContext),
		nextStreamID: firstReliableStreamID,
	}
	qt.nextContextID++

	sc := newStreamContext(qc, datagramStreamID, nil, qt.cfg.queueSize())
	qc.streams[datagramStreamID] = sc
	qt.conns[qc.contextID] = qc
	qt.mutex.Unlock()

	if announce {
		qt.notifier.push(func() {
			qt.delegate.OnNewConnection(qc.contextID, qc.remote)
		})
	}

	qt.wg.Add(3)
	go qt.sendLoop(sc)
	go qt.receiveDatagrams(qc, sc)
	go qt.acceptStreams(qc)

	return qc
}

func (qt *QUICTransport) lookupStream(contextID ContextID, streamID StreamID) (sc *streamContext, err Error) {
	qt.mutex.RLock()
	defer qt.mutex.RUnlock()

	qc, ok := qt.conns[contextID]
	if !ok {
		return nil, InvalidContextID
	}
	if sc, ok = qc.streams[streamID]; !ok {
		return nil, InvalidStreamID
	}
	return sc, NoError
}

func (qt *QUICTransport) CreateStream(contextID ContextID, reliable bool) StreamID {
	qt.mutex.Lock()
	qc, ok := qt.conns[contextID]
	if !ok {
		qt.mutex.Unlock()
		qt.logger.WithField("context", contextID).Warn("Cannot create stream for unknown context")
		return datagramStreamID
	}

	if !reliable {
		qt.mutex.Unlock()
		qt.notifier.push(func() {
			qt.delegate.OnNewStream(contextID, datagramStreamID)
		})
		return datagramStreamID
	}

	stream, err := qc.conn.OpenStream()
	if err != nil {
		qt.mutex.Unlock()
		qt.logger.WithError(err).WithField("context", contextID).Warn(
			"Opening a reliable stream failed, falling back to datagrams")
		return datagramStreamID
	}

	sc := qt.registerStream(qc, stream)
	qt.mutex.Unlock()

	qt.startStream(sc)
	return sc.streamID
}

// registerStream requires the mutex to be held.
func (qt *QUICTransport) registerStream(qc *quicConnection, stream quic.Stream) *streamContext {
	sc := newStreamContext(qc, qc.nextStreamID, stream, qt.cfg.queueSize())
	qc.streams[sc.streamID] = sc
	qc.nextStreamID += reliableStreamIDStep
	return sc
}

func (qt *QUICTransport) startStream(sc *streamContext) {
	qt.wg.Add(2)
	go qt.sendLoop(sc)
	go qt.readStream(sc)

	qt.logger.WithFields(log.Fields{
		"context": sc.contextID,
		"stream":  sc.streamID,
	}).Debug("New reliable stream")

	qt.notifier.push(func() {
		qt.delegate.OnNewStream(sc.contextID, sc.streamID)
	})
}

func (qt *QUICTransport) acceptStreams(qc *quicConnection) {
	defer qt.wg.Done()

	for {
		stream, err := qc.conn.AcceptStream(qc.conn.Context())
		if err != nil {
			return
		}

		qt.mutex.Lock()
		if _, ok := qt.conns[qc.contextID]; !ok {
			qt.mutex.Unlock()
			stream.CancelRead(internal.StreamClosed)
			return
		}
		sc := qt.registerStream(qc, stream)
		qt.mutex.Unlock()

		qt.startStream(sc)
	}
}

// received queues data and notifies the delegate if due. Only a stream's single receiving goroutine calls this.
func (qt *QUICTransport) received(sc *streamContext, data []byte) {
	qt.metrics.incReceived()
	if !sc.rxData.Push(data) {
		qt.metrics.incDroppedRx()
	}

	if sc.throttle.notify(sc.rxData.Size(), qt.cfg.queueSize()) {
		qt.metrics.incRecvNotify()
		qt.notifier.push(func() {
			qt.delegate.OnRecvNotify(sc.contextID, sc.streamID)
		})
	}
}

func (qt *QUICTransport) receiveDatagrams(qc *quicConnection, sc *streamContext) {
	defer qt.wg.Done()

	for {
		data, err := qc.conn.ReceiveMessage(context.Background())
		if err != nil {
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) {
				qt.logger.WithFields(log.Fields{
					"context":    qc.contextID,
					"remote":     appErr.Remote,
					"error code": appErr.ErrorCode,
					"error msg":  appErr.ErrorMessage,
				}).Debug("QUIC connection closed")
			} else {
				qt.logger.WithError(err).WithField("context", qc.contextID).Debug("QUIC connection lost")
			}

			qt.deleteStreamContext(qc.contextID, datagramStreamID)
			return
		}

		qt.received(sc, data)
	}
}

func (qt *QUICTransport) readStream(sc *streamContext) {
	defer qt.wg.Done()

	reader := bufio.NewReader(sc.stream)
	for {
		data, err := cboring.ReadByteString(reader)
		if err != nil {
			if err != io.EOF {
				qt.logger.WithError(err).WithFields(log.Fields{
					"context": sc.contextID,
					"stream":  sc.streamID,
					"peer":    net.JoinHostPort(sc.peerAddrText, strconv.Itoa(int(sc.peerPort))),
				}).Debug("Reading from stream stopped")
			}

			qt.deleteStreamContext(sc.contextID, sc.streamID)
			return
		}

		qt.received(sc, data)
	}
}

// sendLoop sends a stream's queued buffers whenever the stream was marked ready.
func (qt *QUICTransport) sendLoop(sc *streamContext) {
	defer qt.wg.Done()

	for {
		select {
		case <-sc.done:
			return
		case <-sc.ready:
		}

		for qt.sendTxData(sc) {
		}
	}
}

// sendTxData sends the front buffer exactly once and reports whether the sender should continue.
func (qt *QUICTransport) sendTxData(sc *streamContext) bool {
	data, ok := sc.txData.Front()
	if !ok {
		return false
	}

	select {
	case <-sc.done:
		return false
	default:
	}

	if sc.stream == nil {
		if err := sc.conn.SendMessage(data); err != nil {
			qt.logger.WithError(err).WithFields(log.Fields{
				"context": sc.contextID,
				"size":    len(data),
			}).Warn("Dropping datagram")

			sc.txData.PopFront()
			qt.metrics.incDroppedTx()
			return true
		}
	} else if err := cboring.WriteByteString(data, sc.stream); err != nil {
		qt.logger.WithError(err).WithFields(log.Fields{
			"context": sc.contextID,
			"stream":  sc.streamID,
		}).Debug("Writing to stream failed")

		sc.txData.PopFront()
		qt.metrics.incDroppedTx()
		sc.stream.CancelWrite(internal.StreamTransmissionError)
		go qt.deleteStreamContext(sc.contextID, sc.streamID)
		return false
	}

	sc.txData.PopFront()
	qt.metrics.incSent()
	return true
}

// deleteStreamContext is the only teardown path. Deleting the datagram stream removes the whole connection.
func (qt *QUICTransport) deleteStreamContext(contextID ContextID, streamID StreamID) {
	qt.mutex.Lock()
	qc, ok := qt.conns[contextID]
	if !ok {
		qt.mutex.Unlock()
		return
	}

	if streamID != datagramStreamID {
		sc, ok := qc.streams[streamID]
		delete(qc.streams, streamID)
		qt.mutex.Unlock()

		if ok {
			sc.close()
			qt.logger.WithFields(log.Fields{
				"context": contextID,
				"stream":  streamID,
			}).Debug("Deleted stream")
		}
		return
	}

	delete(qt.conns, contextID)
	streams := qc.streams
	qc.streams = nil
	qt.mutex.Unlock()

	for _, sc := range streams {
		sc.close()
	}

	code, reason := internal.NoError, "connection closed"
	if qt.Status() == Shutdown {
		code, reason = internal.ApplicationShutdown, "transport shutting down"
	}
	_ = qc.conn.CloseWithError(code, reason)

	if !qt.serverMode && qt.Status() != Shutdown {
		qt.setStatus(Disconnected)
	}

	qt.logger.WithField("context", contextID).Info("QUIC connection removed")
	qt.notifier.push(func() {
		qt.delegate.OnConnectionStatus(contextID, Disconnected)
	})
}

func (qt *QUICTransport) Close(contextID ContextID) {
	qt.deleteStreamContext(contextID, datagramStreamID)
}

func (qt *QUICTransport) CloseStream(contextID ContextID, streamID StreamID) {
	qt.deleteStreamContext(contextID, streamID)
}

func (qt *QUICTransport) Enqueue(contextID ContextID, streamID StreamID, data []byte) Error {
	if qt.Status() == Shutdown {
		return PeerDisconnected
	}

	sc, err := qt.lookupStream(contextID, streamID)
	if err != NoError {
		if err == InvalidContextID {
			qt.metrics.incSendNoConnection()
		}
		return err
	}

	qt.metrics.incPrepareSend()

	ok := sc.txData.Push(data)
	sc.markReady()
	if !ok {
		qt.metrics.incDroppedTx()
		return QueueFull
	}
	return NoError
}

func (qt *QUICTransport) Dequeue(contextID ContextID, streamID StreamID) ([]byte, bool) {
	sc, err := qt.lookupStream(contextID, streamID)
	if err != NoError {
		return nil, false
	}

	return sc.rxData.Pop()
}

func (qt *QUICTransport) startTicker() {
	qt.wg.Add(1)
	go qt.tick()
}

// tick periodically marks streams with pending data ready, and closes everything once shutting down.
func (qt *QUICTransport) tick() {
	defer qt.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var (
		lastLog     time.Time
		lastMetrics MetricsSnapshot
	)

	for {
		select {
		case <-qt.stopCh:
			qt.closeAll()
			return

		case now := <-ticker.C:
			qt.metrics.incTimeChecks()
			qt.checkTxData()

			if !qt.cfg.Debug || now.Sub(lastLog) < metricsLogInterval {
				continue
			}
			lastLog = now

			current := qt.metrics.snapshot()
			compare := current
			compare.TimeChecks = lastMetrics.TimeChecks
			if compare != lastMetrics {
				qt.logger.WithField("metrics", current.String()).Debug("QUIC transport metrics")
			}
			lastMetrics = current
		}
	}
}

func (qt *QUICTransport) checkTxData() {
	qt.mutex.RLock()
	defer qt.mutex.RUnlock()

	for _, qc := range qt.conns {
		for _, sc := range qc.streams {
			if sc.txData.Size() > 0 {
				sc.markReady()
			}
		}
	}
}

func (qt *QUICTransport) closeAll() {
	qt.mutex.RLock()
	contextIDs := make([]ContextID, 0, len(qt.conns))
	for contextID := range qt.conns {
		contextIDs = append(contextIDs, contextID)
	}
	qt.mutex.RUnlock()

	for _, contextID := range contextIDs {
		qt.deleteStreamContext(contextID, datagramStreamID)
	}
}

func (qt *QUICTransport) Shutdown() (err error) {
	qt.setStatus(Shutdown)
	qt.stopOnce.Do(func() { close(qt.stopCh) })

	if qt.listener != nil {
		if closeErr := qt.listener.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}
	qt.closeAll()

	qt.wg.Wait()
	qt.notifier.close()

	qt.logger.WithField("metrics", qt.metrics.snapshot().String()).Info("QUIC transport shut down")
	return
}

// remoteFromAddr describes a connection's peer.
func remoteFromAddr(addr net.Addr, proto Protocol) Remote {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		ap := unmapAddrPort(udpAddr.AddrPort())
		return Remote{HostOrIP: ap.Addr().String(), Port: ap.Port(), Proto: proto}
	}

	host, portStr, _ := net.SplitHostPort(addr.String())
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return Remote{HostOrIP: host, Port: uint16(port), Proto: proto}
}
