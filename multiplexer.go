// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/grainrpc/transport"
	"github.com/luxfi/grainrpc/wire"
)

var _ Client = (*Multiplexer)(nil)

// Multiplexer is a Client spread over several grain servers. Each call is
// routed on its own: the strategy first, then the services the registered
// servers declared, then the connection manager's zone and primary
// fallback.
type Multiplexer struct {
	opts dialOptions
	log  *logrus.Entry

	correlator *Correlator
	streams    *StreamManager
	manager    *ConnectionManager
	manifests  ManifestProvider

	mu       sync.RWMutex
	descs    map[string]ServerDescriptor
	services map[string]string

	closed atomic.Bool
}

// NewMultiplexer returns a Multiplexer with no servers.
func NewMultiplexer(opts ...DialOption) *Multiplexer {
	o := dialOptions{
		codec:       defaultCodec,
		transport:   transport.DefaultBackend,
		callTimeout: DefaultCallTimeout,
		heartbeat:   DefaultHeartbeatInterval,
		reliable:    true,
		cellSize:    1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clientID == "" {
		o.clientID = shortuuid.New()
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.manifests == nil {
		o.manifests = NewManifestTable()
	}
	log := o.log.WithField("client", o.clientID)
	m := &Multiplexer{
		opts:       o,
		log:        log.WithField("component", "multiplexer"),
		correlator: NewCorrelator(o.callTimeout, log),
		streams:    NewStreamManager(log),
		manifests:  o.manifests,
		descs:      make(map[string]ServerDescriptor),
		services:   make(map[string]string),
	}
	m.manager = NewConnectionManager(o.manifests, m.correlator, m.streams, o.cellSize, log)
	return m
}

func (m *Multiplexer) newTransport() (transport.Transport, error) {
	if m.opts.factory != nil {
		return m.opts.factory()
	}
	return transport.New(m.opts.transport, transport.Options{Logger: m.opts.log})
}

// RegisterServer connects to desc and adds it to the routing table once its
// HandshakeAck arrived. The ack must carry desc.ID.
func (m *Multiplexer) RegisterServer(ctx context.Context, desc ServerDescriptor) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if desc.ID == "" {
		return errors.New("grainrpc: server descriptor without id")
	}
	if _, ok := m.manager.GetConnection(desc.ID); ok {
		return fmt.Errorf("%w: %s", ErrServerAlreadyConnected, desc.ID)
	}
	t, err := m.newTransport()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	conn := newConnection(t, connConfig{
		role:      roleClient,
		endpoint:  desc.Endpoint(),
		clientID:  m.opts.clientID,
		reliable:  m.opts.reliable,
		heartbeat: m.opts.heartbeat,
		log:       m.opts.log.WithField("server", desc.ID),
		dispatch:  m.dispatch,
	})
	updates, stop := conn.Subscribe(EventAckUpdated)

	ack, err := conn.Connect(ctx)
	if err != nil {
		stop()
		return fmt.Errorf("register %s: %w", desc.ID, err)
	}
	if ack.ServerID != desc.ID {
		stop()
		_ = conn.Close()
		return fmt.Errorf("%w: expected %s, got %s", ErrServerIDMismatch, desc.ID, ack.ServerID)
	}
	if err := m.manager.Add(desc.ID, conn); err != nil {
		stop()
		_ = conn.Close()
		return err
	}
	m.manager.ApplyAck(desc.ID, conn, ack)
	// Configured zones apply only when the server announces none of its own.
	if len(desc.Zones) > 0 && len(ownedZones(ack, desc.ID)) == 0 {
		seed := make(map[string]string, len(desc.Zones))
		for _, z := range desc.Zones {
			seed[z] = desc.ID
		}
		m.manager.UpdateZoneMapping(seed)
	}
	if desc.Primary {
		m.manager.SetPrimary(desc.ID)
	}

	m.mu.Lock()
	m.descs[desc.ID] = desc
	for _, svc := range desc.Services {
		m.services[svc] = desc.ID
	}
	m.mu.Unlock()

	go func() {
		for ev := range updates {
			m.manager.ApplyAck(desc.ID, conn, ev.Ack)
		}
	}()
	m.log.WithFields(logrus.Fields{
		"server":   desc.ID,
		"endpoint": desc.Endpoint(),
		"rtt":      conn.RTT(),
	}).Info("server registered")
	return nil
}

// RemoveServer deregisters id, failing its pending requests and streams
// with ErrConnectionLost.
func (m *Multiplexer) RemoveServer(id string) bool {
	m.mu.Lock()
	if desc, ok := m.descs[id]; ok {
		for _, svc := range desc.Services {
			if m.services[svc] == id {
				delete(m.services, svc)
			}
		}
		delete(m.descs, id)
	}
	m.mu.Unlock()
	return m.manager.Remove(id)
}

func (m *Multiplexer) pick(grain GrainDescriptor) (string, bool) {
	if m.opts.strategy != nil {
		if id, ok := m.opts.strategy.SelectServer(grain); ok {
			return id, true
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ServiceStrategy{Services: m.services}.SelectServer(grain)
}

// route runs fn on the connection grain resolves to, with removal of that
// connection held off until fn returns.
func (m *Multiplexer) route(grain GrainDescriptor, fn func(*Connection) error) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if id, ok := m.pick(grain); ok {
		return m.manager.withServer(id, fn)
	}
	return m.manager.withSelected(grain, fn)
}

func (m *Multiplexer) timeoutFor(ctx context.Context) time.Duration {
	timeout := m.opts.callTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	return timeout
}

func (m *Multiplexer) Call(ctx context.Context, grain GrainDescriptor, method uint32, args, reply any) error {
	payload, err := encodeArgs(m.opts.codec, args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	resp, err := m.CallRaw(ctx, grain, method, payload)
	if err != nil {
		return err
	}
	if err := decodeReply(m.opts.codec, resp, reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

func (m *Multiplexer) CallRaw(ctx context.Context, grain GrainDescriptor, method uint32, payload []byte) ([]byte, error) {
	timeout := m.timeoutFor(ctx)
	if timeout <= 0 {
		return nil, contextError(ctx)
	}
	req := &wire.Request{
		Grain:     grain.ID,
		Interface: grain.Interface,
		Method:    method,
		Args:      payload,
		TimeoutMs: uint32(timeout / time.Millisecond),
	}
	var fut *Future
	err := m.route(grain, func(c *Connection) error {
		var err error
		fut, err = m.correlator.Send(ctx, c, req, timeout)
		return err
	})
	if err != nil {
		return nil, err
	}
	<-fut.Done()
	return fut.Result()
}

func (m *Multiplexer) Notify(ctx context.Context, grain GrainDescriptor, method uint32, args any) error {
	if err := ctx.Err(); err != nil {
		return contextError(ctx)
	}
	payload, err := encodeArgs(m.opts.codec, args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	req := &wire.Request{Grain: grain.ID, Interface: grain.Interface, Method: method, Args: payload}
	return m.route(grain, func(c *Connection) error {
		return m.correlator.Notify(c, req)
	})
}

func (m *Multiplexer) OpenStream(ctx context.Context, grain GrainDescriptor, method uint32, args any) (*Stream, error) {
	payload, err := encodeArgs(m.opts.codec, args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	req := &wire.StreamRequest{Grain: grain.ID, Interface: grain.Interface, Method: method, Args: payload}
	var s *Stream
	err = m.route(grain, func(c *Connection) error {
		var err error
		s, err = m.streams.Open(ctx, c, req)
		return err
	})
	return s, err
}

// dispatch is called on each connection's reader goroutine.
func (m *Multiplexer) dispatch(c *Connection, msg wire.Message) {
	switch msg := msg.(type) {
	case *wire.Response:
		m.correlator.Complete(c, msg)
	case *wire.StreamItem:
		m.streams.Deliver(c, msg)
	default:
		m.log.WithFields(logrus.Fields{"conn": c.ID(), "tag": msg.Tag()}).Debug("ignoring unexpected message")
	}
}

// Ref returns a reference to the grain of grainType with key.
func (m *Multiplexer) Ref(grainType, key string) *GrainRef {
	return m.CreateReference(grainType, key)
}

func (m *Multiplexer) CreateReference(grainType, key string) *GrainRef {
	return &GrainRef{
		client: m,
		codec:  m.opts.codec,
		desc:   GrainDescriptor{ID: wire.GrainID{Type: grainType, Key: key}},
	}
}

// Manager exposes the connection manager, e.g. for explicit zone updates.
func (m *Multiplexer) Manager() *ConnectionManager { return m.manager }

func (m *Multiplexer) Manifests() ManifestProvider { return m.manifests }

// Servers returns a snapshot of the registered servers.
func (m *Multiplexer) Servers() []ServerInfo { return m.manager.Servers() }

// Descriptors returns the descriptors of the registered servers.
func (m *Multiplexer) Descriptors() map[string]ServerDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.descs)
}

// ClientStats summarizes a Multiplexer.
type ClientStats struct {
	ClientID string `json:"client_id"`
	Servers  int    `json:"servers"`
	Pending  int    `json:"pending"`
	Streams  int    `json:"streams"`
}

func (m *Multiplexer) Stats() ClientStats {
	return ClientStats{
		ClientID: m.opts.clientID,
		Servers:  len(m.manager.Servers()),
		Pending:  m.correlator.Pending(),
		Streams:  m.streams.Active(),
	}
}

// Close fails outstanding requests and streams with ErrClosed and closes
// every connection.
func (m *Multiplexer) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.correlator.Close()
	m.streams.Close()
	m.manager.Close()
	return nil
}
