// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicr

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hactar-net/hactar-go/pkg/quicr/messages"
	"github.com/hactar-net/hactar-go/pkg/transport"
)

const (
	// DefaultMaxTransportDataSize is the largest payload sent in a single datagram.
	DefaultMaxTransportDataSize = 1000

	// DefaultConnectTimeout bounds NewRawSession's wait for the transport.
	DefaultConnectTimeout = 10 * time.Second

	// pacingFragments is the number of fragments sent between two pacing pauses.
	pacingFragments = 30
	pacingDelay     = time.Millisecond

	queueFullBackoff = 100 * time.Microsecond
)

var (
	// ErrNotConnected is returned if the transport did not become ready.
	ErrNotConnected = errors.New("transport is not connected")

	// ErrConnectTimeout is returned if the transport did not finish connecting in time.
	ErrConnectTimeout = errors.New("timeout while connecting to relay")

	// ErrPartialPublish is returned if an object's remaining fragments were abandoned.
	ErrPartialPublish = errors.New("object was only partially published")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session is closed")
)

// RelayInfo describes the relay to connect to.
type RelayInfo struct {
	Hostname string
	Port     uint16
	Proto    transport.Protocol

	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

type subscribeState uint8

const (
	subscribePending subscribeState = iota
	subscribeReady
)

type subscribeContext struct {
	state         subscribeState
	contextID     transport.ContextID
	streamID      transport.StreamID
	transactionID uint64
}

// publishContext is created on an object Name's first publication. Its group and object ids are sent with every
// PublishDatagram of this Name and are not advanced between objects.
type publishContext struct {
	contextID transport.ContextID
	streamID  transport.StreamID
	groupID   uint64
	objectID  uint64
}

// Option configures a RawSession.
type Option func(*RawSession)

// WithMaxTransportDataSize sets the payload size above which objects are fragmented.
func WithMaxTransportDataSize(size int) Option {
	return func(s *RawSession) {
		if size > 0 {
			s.maxTransportDataSize = size
		}
	}
}

// WithPacing enables or disables the short pauses between fragments. It is enabled for UDP by default.
func WithPacing(pacing bool) Option {
	return func(s *RawSession) {
		s.needPacing = pacing
	}
}

// WithReassembler configures the FragmentReassembler's buffers.
func WithReassembler(maxBuffers, maxPendingPerBuffer int) Option {
	return func(s *RawSession) {
		s.reassembler = NewFragmentReassembler(maxBuffers, maxPendingPerBuffer)
	}
}

// WithLogger replaces the session's logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *RawSession) {
		s.logger = logger
	}
}

// RawSession is a QuicR client session, exchanging raw messages with a relay over a single transport stream.
//
// A RawSession implements transport.Delegate to receive the relay's messages.
type RawSession struct {
	transport     transport.Transport
	ownsTransport bool
	contextID     transport.ContextID
	streamID      transport.StreamID

	needPacing           bool
	maxTransportDataSize int

	mutex          sync.Mutex
	subDelegates   map[Namespace]*Registration[SubscriberDelegate]
	pubDelegates   map[Namespace]*Registration[PublisherDelegate]
	subscribeState map[Namespace]*subscribeContext
	publishState   map[Name]*publishContext
	closed         bool

	reassembler *FragmentReassembler
	logger      *log.Entry
}

func newRawSession(pacing bool, opts []Option) *RawSession {
	s := &RawSession{
		needPacing:           pacing,
		maxTransportDataSize: DefaultMaxTransportDataSize,

		subDelegates:   make(map[Namespace]*Registration[SubscriberDelegate]),
		pubDelegates:   make(map[Namespace]*Registration[PublisherDelegate]),
		subscribeState: make(map[Namespace]*subscribeContext),
		publishState:   make(map[Name]*publishContext),

		logger: log.WithField("session", "quicr"),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.reassembler == nil {
		s.reassembler = NewFragmentReassembler(DefaultMaxFragmentBuffers, DefaultMaxFragmentNamesPendingPerBuffer)
	}
	return s
}

// NewRawSession connects to a relay and creates the session's stream. UDP connections are paced.
func NewRawSession(relay RelayInfo, cfg transport.Config, opts ...Option) (*RawSession, error) {
	s := newRawSession(relay.Proto == transport.UDP, opts)

	remote := transport.Remote{HostOrIP: relay.Hostname, Port: relay.Port, Proto: relay.Proto}
	s.logger = s.logger.WithField("relay", remote.String())

	t, err := transport.NewClientTransport(remote, cfg, s)
	if err != nil {
		return nil, err
	}
	s.transport = t
	s.ownsTransport = true

	contextID, err := t.Start()
	if err != nil {
		_ = t.Shutdown()
		return nil, fmt.Errorf("connecting to relay %v failed: %w", remote, err)
	}

	timeout := relay.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	deadline := time.Now().Add(timeout)

	for t.Status() == transport.Connecting {
		if time.Now().After(deadline) {
			_ = t.Shutdown()
			return nil, ErrConnectTimeout
		}

		s.logger.Debug("Waiting for transport to be ready")
		time.Sleep(10 * time.Millisecond)
	}

	if status := t.Status(); status != transport.Ready {
		_ = t.Shutdown()
		return nil, fmt.Errorf("%w: status %v", ErrNotConnected, status)
	}

	s.setStream(contextID, t.CreateStream(contextID, false))
	s.logger.Info("QuicR session connected")

	return s, nil
}

// NewRawSessionWithTransport creates a session on an already started transport. The session must be installed as
// the transport's Delegate, or its Handle method must be fed otherwise. Close leaves the transport running.
func NewRawSessionWithTransport(t transport.Transport, contextID transport.ContextID, streamID transport.StreamID,
	opts ...Option) *RawSession {
	s := newRawSession(false, opts)

	s.transport = t
	s.setStream(contextID, streamID)
	return s
}

// setStream stores the session's stream. The transport's delegate callbacks may already run concurrently.
func (s *RawSession) setStream(contextID transport.ContextID, streamID transport.StreamID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.contextID = contextID
	s.streamID = streamID
	s.logger = s.logger.WithFields(log.Fields{
		"context": contextID,
		"stream":  streamID,
	})
}

// entry returns the logger for code reachable from delegate callbacks. The session's mutex must not be held.
func (s *RawSession) entry() *log.Entry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.logger
}

// enqueue a message on the session's stream.
func (s *RawSession) enqueue(msg messages.Message) error {
	return s.enqueueOn(s.contextID, s.streamID, msg)
}

func (s *RawSession) enqueueOn(contextID transport.ContextID, streamID transport.StreamID, msg messages.Message) error {
	data, err := messages.Encode(msg)
	if err != nil {
		return err
	}

	if terr := s.transport.Enqueue(contextID, streamID, data); terr != transport.NoError {
		return terr
	}
	return nil
}

// publishContextOf returns the Name's publishContext, creating it if absent.
func (s *RawSession) publishContextOf(name Name) publishContext {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	pc, ok := s.publishState[name]
	if !ok {
		pc = &publishContext{contextID: s.contextID, streamID: s.streamID}
		s.publishState[name] = pc
	}
	return *pc
}

// PublishIntent announces the session as a publisher for a Namespace. An already registered delegate for this
// Namespace is kept and its Registration is returned, unless that Registration was released.
func (s *RawSession) PublishIntent(delegate PublisherDelegate, ns Namespace, payload []byte) (
	*Registration[PublisherDelegate], error) {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil, ErrSessionClosed
	}

	reg, ok := s.pubDelegates[ns]
	if !ok || reg.Released() {
		reg = newRegistration(delegate)
		s.pubDelegates[ns] = reg
	}
	s.mutex.Unlock()

	intent := &messages.PublishIntent{
		TransactionID: messages.NewTransactionID(),
		Namespace:     ns,
		Payload:       payload,
		MediaID:       uint64(s.streamID),
		Priority:      1,
	}

	s.logger.WithField("namespace", ns).Debug("Sending publish intent")
	return reg, s.enqueue(intent)
}

// PublishIntentEnd withdraws a PublishIntent. Unknown Namespaces are ignored.
func (s *RawSession) PublishIntentEnd(ns Namespace) error {
	s.mutex.Lock()
	reg, ok := s.pubDelegates[ns]
	delete(s.pubDelegates, ns)
	s.mutex.Unlock()

	if !ok {
		return nil
	}
	reg.Release()

	s.logger.WithField("namespace", ns).Debug("Sending publish intent end")
	return s.enqueue(&messages.PublishIntentEnd{Namespace: ns, Payload: []byte{}})
}

// Subscribe to a Namespace. Subscribing again while the relay's response is pending re-sends the request; an
// established subscription is left untouched. An already registered delegate is kept, unless its Registration was
// released.
func (s *RawSession) Subscribe(delegate SubscriberDelegate, ns Namespace, intent SubscribeIntent) (
	*Registration[SubscriberDelegate], error) {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil, ErrSessionClosed
	}

	reg, ok := s.subDelegates[ns]
	if !ok || reg.Released() {
		reg = newRegistration(delegate)
		s.subDelegates[ns] = reg
	}

	sc, ok := s.subscribeState[ns]
	switch {
	case !ok:
		sc = &subscribeContext{
			state:         subscribePending,
			contextID:     s.contextID,
			streamID:      s.streamID,
			transactionID: messages.NewTransactionID(),
		}
		s.subscribeState[ns] = sc

	case sc.state == subscribeReady:
		s.mutex.Unlock()
		return reg, nil
	}

	subscribe := &messages.Subscribe{
		Version:       messages.SubscribeVersion,
		TransactionID: sc.transactionID,
		Namespace:     ns,
		Intent:        intent,
	}
	s.mutex.Unlock()

	s.logger.WithFields(log.Fields{
		"namespace": ns,
		"intent":    intent,
	}).Debug("Sending subscribe")
	return reg, s.enqueue(subscribe)
}

// Unsubscribe from a Namespace. The subscriber's OnSubscriptionEnded is called right away.
func (s *RawSession) Unsubscribe(ns Namespace) error {
	s.removeSubscribeState(ns, SubscribeOk)

	s.logger.WithField("namespace", ns).Debug("Sending unsubscribe")
	return s.enqueue(&messages.Unsubscribe{Version: messages.SubscribeVersion, Namespace: ns})
}

// removeSubscribeState drops a subscription and informs its delegate.
func (s *RawSession) removeSubscribeState(ns Namespace, reason SubscribeStatus) {
	s.mutex.Lock()
	delete(s.subscribeState, ns)
	reg, ok := s.subDelegates[ns]
	delete(s.subDelegates, ns)
	s.mutex.Unlock()

	if !ok {
		return
	}

	if delegate, ok := reg.get(); ok {
		s.safeCall("OnSubscriptionEnded", func() {
			delegate.OnSubscriptionEnded(ns, reason)
		})
	}
}

func (s *RawSession) removeAllSubscribeState(reason SubscribeStatus) {
	s.mutex.Lock()
	namespaces := make([]Namespace, 0, len(s.subDelegates))
	for ns := range s.subDelegates {
		namespaces = append(namespaces, ns)
	}
	for ns := range s.subscribeState {
		if _, ok := s.subDelegates[ns]; !ok {
			namespaces = append(namespaces, ns)
		}
	}
	s.mutex.Unlock()

	for _, ns := range namespaces {
		s.removeSubscribeState(ns, reason)
	}
}

// PublishNamedObject sends an object, split into fragments if it exceeds the maximum transport data size. If the
// transport's queue overflows, the remaining fragments are abandoned and ErrPartialPublish is returned.
func (s *RawSession) PublishNamedObject(name Name, data []byte) error {
	pc := s.publishContextOf(name)

	datagram := &messages.PublishDatagram{
		Header: messages.Header{
			Name:     name,
			MediaID:  uint64(pc.streamID),
			GroupID:  pc.groupID,
			ObjectID: pc.objectID,
		},
		MediaType: messages.MediaRealtime,
	}

	if len(data) <= s.maxTransportDataSize {
		datagram.Header.OffsetAndFin = messages.OffsetAndFin(0, true)
		datagram.MediaData = data
		return s.enqueueOn(pc.contextID, pc.streamID, datagram)
	}

	fragments := 0
	for offset := 0; offset < len(data); offset += s.maxTransportDataSize {
		end := offset + s.maxTransportDataSize
		if end > len(data) {
			end = len(data)
		}

		datagram.Header.OffsetAndFin = messages.OffsetAndFin(uint64(offset), end == len(data))
		datagram.MediaData = data[offset:end]

		fragments++
		if s.needPacing && fragments%pacingFragments == 0 {
			time.Sleep(pacingDelay)
		}

		if err := s.enqueueOn(pc.contextID, pc.streamID, datagram); err != nil {
			time.Sleep(queueFullBackoff)

			s.logger.WithError(err).WithFields(log.Fields{
				"name":   name,
				"offset": offset,
				"size":   len(data),
			}).Warn("Abandoning the object's remaining fragments")
			return fmt.Errorf("%w: fragment at offset %d of %d bytes: %v", ErrPartialPublish, offset, len(data), err)
		}
	}
	return nil
}

// PublishNamedObjectFragment sends a single fragment of an object, fragmented by the caller.
func (s *RawSession) PublishNamedObjectFragment(name Name, offset uint64, last bool, data []byte) error {
	pc := s.publishContextOf(name)

	return s.enqueueOn(pc.contextID, pc.streamID, &messages.PublishDatagram{
		Header: messages.Header{
			Name:         name,
			MediaID:      uint64(pc.streamID),
			GroupID:      pc.groupID,
			ObjectID:     pc.objectID,
			OffsetAndFin: messages.OffsetAndFin(offset, last),
		},
		MediaType: messages.MediaRealtime,
		MediaData: data,
	})
}

// Handle a received message.
func (s *RawSession) Handle(data []byte) {
	if len(data) == 0 {
		s.entry().Debug("Transport reported empty data")
		return
	}

	msg, err := messages.Decode(data)
	if err != nil {
		s.entry().WithError(err).Warn("Dropping undecodable message")
		return
	}

	switch m := msg.(type) {
	case *messages.SubscribeResponse:
		s.handleSubscribeResponse(m)

	case *messages.SubscribeEnd:
		s.entry().WithFields(log.Fields{
			"namespace": m.Namespace,
			"reason":    m.Reason,
		}).Debug("Subscription ended by relay")
		s.removeSubscribeState(m.Namespace, SubscribeStatus(m.Reason))

	case *messages.PublishDatagram:
		s.handlePublish(m)

	case *messages.PublishIntentResponse:
		s.handlePublishIntentResponse(m)

	default:
		s.entry().WithField("type", msg.Type()).Debug("Ignoring message")
	}
}

func (s *RawSession) handleSubscribeResponse(m *messages.SubscribeResponse) {
	s.mutex.Lock()
	reg, ok := s.subDelegates[m.Namespace]
	if sc, scOk := s.subscribeState[m.Namespace]; scOk && m.Response == messages.ResponseOk {
		sc.state = subscribeReady
	}
	s.mutex.Unlock()

	if !ok {
		s.entry().WithField("namespace", m.Namespace).Info("Got SubscribeResponse without delegate")
		return
	}

	if delegate, ok := reg.get(); ok {
		result := SubscribeResult{Status: SubscribeStatus(m.Response)}
		s.safeCall("OnSubscribeResponse", func() {
			delegate.OnSubscribeResponse(m.Namespace, result)
		})
	}
}

func (s *RawSession) handlePublishIntentResponse(m *messages.PublishIntentResponse) {
	s.mutex.Lock()
	reg, ok := s.pubDelegates[m.Namespace]
	s.mutex.Unlock()

	if !ok {
		s.entry().WithField("namespace", m.Namespace).Info("Got PublishIntentResponse without delegate")
		return
	}

	if delegate, ok := reg.get(); ok {
		result := PublishIntentResult{Status: PublishIntentStatus(m.Response)}
		s.safeCall("OnPublishIntentResponse", func() {
			delegate.OnPublishIntentResponse(m.Namespace, result)
		})
	}
}

// subscribers returns all active delegates whose Namespace contains name.
func (s *RawSession) subscribers(name Name) (delegates []SubscriberDelegate) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for ns, reg := range s.subDelegates {
		if !ns.Contains(name) {
			continue
		}
		if delegate, ok := reg.get(); ok {
			delegates = append(delegates, delegate)
		}
	}
	return
}

func (s *RawSession) handlePublish(m *messages.PublishDatagram) {
	name := m.Header.Name

	if m.Header.Whole() {
		s.dispatchObject(name, m.MediaData)
		return
	}

	subscribers := s.subscribers(name)
	for _, delegate := range subscribers {
		delegate := delegate
		s.safeCall("OnSubscribedObjectFragment", func() {
			delegate.OnSubscribedObjectFragment(name, m.Header.Offset(), m.Header.Final(), m.MediaData)
		})
	}

	if object, complete := s.reassembler.Add(name, m.Header.OffsetAndFin, m.MediaData); complete {
		s.dispatchObject(name, object)
	}
}

func (s *RawSession) dispatchObject(name Name, data []byte) {
	subscribers := s.subscribers(name)
	for i, delegate := range subscribers {
		delegate, payload := delegate, data
		if i < len(subscribers)-1 {
			payload = append([]byte(nil), data...)
		}

		s.safeCall("OnSubscribedObject", func() {
			delegate.OnSubscribedObject(name, payload)
		})
	}
}

func (s *RawSession) safeCall(callback string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.entry().WithFields(log.Fields{
				"callback": callback,
				"panic":    r,
			}).Error("Session delegate panicked")
		}
	}()

	f()
}

// Close ends all subscriptions with SubscribeConnectionClosed. A transport created by NewRawSession is shut down.
func (s *RawSession) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	s.publishState = make(map[Name]*publishContext)
	s.mutex.Unlock()

	s.removeAllSubscribeState(SubscribeConnectionClosed)

	if s.ownsTransport {
		return s.transport.Shutdown()
	}
	return nil
}

func (s *RawSession) OnConnectionStatus(contextID transport.ContextID, status transport.Status) {
	logger := s.entry()
	logger.WithFields(log.Fields{
		"context": contextID,
		"status":  status,
	}).Debug("Transport connection status changed")

	if status == transport.Disconnected {
		logger.WithField("context", contextID).Info("Removing state after disconnect")
		s.removeAllSubscribeState(SubscribeConnectionClosed)
	}
}

func (s *RawSession) OnNewConnection(transport.ContextID, transport.Remote) {}

func (s *RawSession) OnNewStream(transport.ContextID, transport.StreamID) {}

// OnRecvNotify handles all pending messages of the stream.
func (s *RawSession) OnRecvNotify(contextID transport.ContextID, streamID transport.StreamID) {
	for {
		data, ok := s.transport.Dequeue(contextID, streamID)
		if !ok {
			return
		}
		s.Handle(data)
	}
}
