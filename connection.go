// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/grainrpc/transport"
	"github.com/luxfi/grainrpc/wire"
)

// ClientVersion is sent in every Handshake.
const ClientVersion = "grainrpc/1"

// DefaultHeartbeatInterval is used when a connection is built without one.
const DefaultHeartbeatInterval = time.Second

// ConnState is the lifecycle of a Connection. Closed is terminal.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type role uint8

const (
	roleClient role = iota
	roleServer
)

func (r role) String() string {
	if r == roleServer {
		return "server"
	}
	return "client"
}

// ConnEventKind selects lifecycle events in Subscribe.
type ConnEventKind uint8

const (
	// EventEstablished fires once: on the client when the first
	// HandshakeAck arrives, on the server when the first Handshake does.
	EventEstablished ConnEventKind = 1 << iota
	// EventAckUpdated fires for every further HandshakeAck.
	EventAckUpdated
	// EventDataReceived carries every decoded request, response and stream
	// message.
	EventDataReceived
	// EventClosed fires once when the connection reaches StateClosed.
	EventClosed
)

func (k ConnEventKind) String() string {
	switch k {
	case EventEstablished:
		return "established"
	case EventAckUpdated:
		return "ack_updated"
	case EventDataReceived:
		return "data_received"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("conn_event(%d)", uint8(k))
	}
}

type ConnEvent struct {
	Kind    ConnEventKind
	Ack     *wire.HandshakeAck
	Message wire.Message
	// Err is the close reason on EventClosed.
	Err error
}

// connConfig is filled by the Multiplexer and the Server.
type connConfig struct {
	role      role
	endpoint  string
	clientID  string
	reliable  bool
	heartbeat time.Duration
	log       *logrus.Entry
	// ackFor builds the HandshakeAck a server answers with.
	ackFor func() *wire.HandshakeAck
	// dispatch receives requests, responses and stream messages on the
	// reader goroutine.
	dispatch func(*Connection, wire.Message)
}

// Connection is one RPC link over a transport.Transport. A single reader
// goroutine consumes the transport's events; lifecycle changes are observed
// through Subscribe.
type Connection struct {
	id  string
	cfg connConfig
	t   transport.Transport
	log *logrus.Entry

	state atomic.Int32
	rtt   atomic.Int64
	seq   atomic.Uint32

	malformed atomic.Uint64
	early     atomic.Uint64

	mu       sync.Mutex
	serverID string
	peerID   string
	subs     []*subscriber
	closeErr error

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func newConnection(t transport.Transport, cfg connConfig) *Connection {
	if cfg.heartbeat <= 0 {
		cfg.heartbeat = DefaultHeartbeatInterval
	}
	if cfg.log == nil {
		cfg.log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Connection{
		id:   shortuuid.New(),
		cfg:  cfg,
		t:    t,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.log = cfg.log.WithFields(logrus.Fields{
		"component": "conn",
		"conn":      c.id,
		"role":      cfg.role.String(),
	})
	recordConnection(cfg.role, 1)
	go c.run()
	return c
}

// Connect dials the endpoint and waits for the first HandshakeAck.
func (c *Connection) Connect(ctx context.Context) (*wire.HandshakeAck, error) {
	events, cancel := c.Subscribe(EventEstablished, EventClosed)
	defer cancel()

	if err := c.t.Connect(ctx, c.cfg.endpoint); err != nil {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
		c.closeWith(err)
		return nil, err
	}
	select {
	case ev, ok := <-events:
		if !ok {
			return nil, c.Err()
		}
		if ev.Kind == EventEstablished {
			return ev.Ack, nil
		}
		return nil, ev.Err
	case <-ctx.Done():
		err := contextError(ctx)
		c.closeWith(fmt.Errorf("handshake: %w", err))
		return nil, err
	}
}

func (c *Connection) run() {
	var tick <-chan time.Time
	if c.cfg.role == roleClient {
		ticker := time.NewTicker(c.cfg.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	events := c.t.Events()
	for {
		select {
		case <-c.quit:
			return
		case <-tick:
			c.beat()
		case ev, ok := <-events:
			if !ok {
				c.closeWith(ErrConnectionLost)
				return
			}
			switch ev.Kind {
			case transport.EventConnected:
				if c.cfg.role == roleClient {
					c.sendHandshake()
				}
			case transport.EventData:
				c.receive(ev.Data)
			case transport.EventError:
				if transport.IsTemporary(ev.Err) {
					c.log.WithError(ev.Err).Debug("temporary transport error")
					continue
				}
				c.log.WithError(ev.Err).Warn("transport error")
				c.closeWith(fmt.Errorf("%w: %w", ErrTransport, ev.Err))
				return
			case transport.EventDisconnected:
				err := ErrConnectionLost
				if ev.Err != nil {
					err = fmt.Errorf("%w: %w", ErrConnectionLost, ev.Err)
				}
				c.closeWith(err)
				return
			}
		}
	}
}

// beat resends the Handshake while connecting, since it may have been lost,
// and sends a Heartbeat once connected.
func (c *Connection) beat() {
	switch c.State() {
	case StateConnecting:
		if c.t.Stats().Connected {
			c.sendHandshake()
		}
	case StateConnected:
		hb := &wire.Heartbeat{Seq: c.seq.Add(1), SentUnixNano: uint64(time.Now().UnixNano())}
		if err := c.Send(hb); err != nil {
			c.log.WithError(err).Debug("heartbeat not sent")
		}
	}
}

func (c *Connection) sendHandshake() {
	err := c.send(&wire.Handshake{ClientID: c.cfg.clientID, ClientVersion: ClientVersion})
	if err != nil {
		c.log.WithError(err).Debug("handshake not sent")
	}
}

func (c *Connection) receive(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		c.malformed.Add(1)
		recordMalformed(c.cfg.role)
		c.log.WithError(err).WithField("bytes", len(data)).Warn("dropping malformed packet")
		return
	}
	switch m := msg.(type) {
	case *wire.Handshake:
		c.onHandshake(m)
	case *wire.HandshakeAck:
		c.onAck(m)
	case *wire.Heartbeat:
		c.onHeartbeat(m)
	default:
		if c.State() != StateConnected {
			c.early.Add(1)
			c.log.WithField("type", fmt.Sprintf("%T", msg)).Debug("dropping message before handshake")
			return
		}
		if c.cfg.dispatch != nil {
			c.cfg.dispatch(c, msg)
		}
		c.publish(ConnEvent{Kind: EventDataReceived, Message: msg})
	}
}

func (c *Connection) onHandshake(m *wire.Handshake) {
	if c.cfg.role != roleServer || c.cfg.ackFor == nil {
		c.log.Debug("ignoring handshake")
		return
	}
	ack := c.cfg.ackFor()
	if err := c.send(ack); err != nil {
		c.log.WithError(err).Warn("handshake ack not sent")
		return
	}
	if c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		c.mu.Lock()
		c.serverID = ack.ServerID
		c.peerID = m.ClientID
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{"client": m.ClientID, "version": m.ClientVersion}).Debug("client handshake")
		c.publish(ConnEvent{Kind: EventEstablished, Ack: ack})
	}
}

func (c *Connection) onAck(m *wire.HandshakeAck) {
	if c.cfg.role != roleClient {
		return
	}
	if c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		c.mu.Lock()
		c.serverID = m.ServerID
		c.mu.Unlock()
		c.log.WithField("server", m.ServerID).Info("connection established")
		c.publish(ConnEvent{Kind: EventEstablished, Ack: m})
		return
	}
	if c.State() == StateConnected {
		c.publish(ConnEvent{Kind: EventAckUpdated, Ack: m})
	}
}

func (c *Connection) onHeartbeat(m *wire.Heartbeat) {
	if m.Echo {
		sent := time.Unix(0, int64(m.SentUnixNano))
		c.rtt.Store(int64(time.Since(sent)))
		return
	}
	echo := *m
	echo.Echo = true
	if err := c.send(&echo); err != nil {
		c.log.WithError(err).Debug("heartbeat echo not sent")
	}
}

// Send encodes msg onto the transport. Temporary failures leave the
// connection open; any other failure closes it.
func (c *Connection) Send(msg wire.Message) error {
	if c.State() == StateClosed {
		return c.Err()
	}
	return c.send(msg)
}

func (c *Connection) send(msg wire.Message) error {
	err := c.t.Send(wire.Encode(msg), c.cfg.reliable)
	if err == nil {
		return nil
	}
	err = fmt.Errorf("%w: %w", ErrTransport, err)
	if !transport.IsTemporary(err) {
		c.closeWith(err)
	}
	return err
}

// Subscribe returns a channel of the selected lifecycle events, all kinds
// when none are given. Queues are unbounded so the reader never blocks on a
// slow subscriber. The channel closes after EventClosed or when cancel is
// called.
func (c *Connection) Subscribe(kinds ...ConnEventKind) (<-chan ConnEvent, func()) {
	var mask ConnEventKind
	for _, k := range kinds {
		mask |= k
	}
	if mask == 0 {
		mask = EventEstablished | EventAckUpdated | EventDataReceived | EventClosed
	}
	s := newSubscriber(mask)

	c.mu.Lock()
	if c.State() == StateClosed {
		err := c.closeErr
		c.mu.Unlock()
		if mask&EventClosed != 0 {
			s.push(ConnEvent{Kind: EventClosed, Err: err})
		}
		s.finish()
		return s.out, s.cancel
	}
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s.out, s.cancel
}

func (c *Connection) publish(ev ConnEvent) {
	c.mu.Lock()
	subs := c.subs
	c.mu.Unlock()
	for _, s := range subs {
		s.push(ev)
	}
}

// Close closes the connection and its transport. It does not wait for
// subscribers to drain.
func (c *Connection) Close() error {
	c.closeWith(ErrClosed)
	return nil
}

func (c *Connection) closeWith(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		c.state.Store(int32(StateClosed))
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()

		close(c.quit)
		if err := c.t.Close(); err != nil {
			c.log.WithError(err).Debug("transport close")
		}
		recordConnection(c.cfg.role, -1)
		if errors.Is(reason, ErrClosed) {
			c.log.Debug("connection closed")
		} else {
			c.log.WithError(reason).Info("connection lost")
		}
		for _, s := range subs {
			s.push(ConnEvent{Kind: EventClosed, Err: reason})
			s.finish()
		}
		close(c.done)
	})
}

// ID is a process-unique identifier of this connection.
func (c *Connection) ID() string { return c.id }

// ServerID is the id the server announced in its HandshakeAck.
func (c *Connection) ServerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverID
}

// PeerID is the client id a server-side connection received.
func (c *Connection) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// RTT is the last measured heartbeat round trip, zero before the first echo.
func (c *Connection) RTT() time.Duration { return time.Duration(c.rtt.Load()) }

func (c *Connection) RemoteAddr() string { return c.t.RemoteAddr() }

// Malformed counts inbound packets that failed to decode.
func (c *Connection) Malformed() uint64 { return c.malformed.Load() }

// Early counts data messages dropped because they arrived before the
// handshake completed.
func (c *Connection) Early() uint64 { return c.early.Load() }

func (c *Connection) TransportStats() transport.Stats { return c.t.Stats() }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the close reason, nil while open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

type subscriber struct {
	mask ConnEventKind

	mu     sync.Mutex
	queue  []ConnEvent
	closed bool

	signal chan struct{}
	stop   chan struct{}
	once   sync.Once
	out    chan ConnEvent
}

func newSubscriber(mask ConnEventKind) *subscriber {
	s := &subscriber{
		mask:   mask,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan ConnEvent),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev ConnEvent) {
	if s.mask&ev.Kind == 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

// finish lets the pump drain what is queued and then close out.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.stop)
	})
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.stop:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = ConnEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}
