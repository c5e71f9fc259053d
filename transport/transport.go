// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrClosed          = errors.New("transport: closed")
	ErrNotConnected    = errors.New("transport: not connected")
	ErrAlreadyStarted  = errors.New("transport: connect already called")
	ErrConnectTimeout  = errors.New("transport: connect timed out")
	ErrIdleTimeout     = errors.New("transport: peer idle timeout")
	ErrRemoteClosed    = errors.New("transport: closed by remote peer")
	ErrMessageTooLarge = errors.New("transport: message exceeds maximum packet size")
	ErrListenerClosed  = errors.New("transport: listener closed")

	// ErrSendQueueFull is returned by Send when the polling loop cannot keep
	// up. The transport stays usable.
	ErrSendQueueFull error = temporaryError("transport: send queue full")
)

type temporaryError string

func (e temporaryError) Error() string   { return string(e) }
func (e temporaryError) Temporary() bool { return true }

// IsTemporary reports whether err leaves the transport usable. Errors that
// are not temporary are fatal to the connection that produced them.
func IsTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// EventKind classifies transport events.
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventData
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is published by a transport's polling loop. Disconnected is always
// the last event; the Events channel is closed right after it.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Capabilities is the delivery guarantee set a backend offers.
type Capabilities struct {
	Reliable   bool
	Unreliable bool
	Ordered    bool
}

// Stats is a snapshot of transport counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	// PacketsDropped counts inbound packets discarded before delivery:
	// malformed link packets, unknown peers, full peer queues.
	PacketsDropped uint64
	SendErrors     uint64
	Connected      bool
}

// Transport is one point-to-point link to a remote peer.
//
// Implementations own a polling loop that is the only goroutine touching the
// underlying socket. Send never blocks: it enqueues onto the loop.
type Transport interface {
	// Connect dials endpoint and returns once the remote peer accepted the
	// link or ctx ends.
	Connect(ctx context.Context, endpoint string) error
	// Send queues data for delivery. reliable is a request; backends
	// without a reliable channel deliver best effort, see Capabilities.
	Send(data []byte, reliable bool) error
	Events() <-chan Event
	Stats() Stats
	Capabilities() Capabilities
	RemoteAddr() string
	Close() error
}

// Listener accepts inbound links. Accepted transports are already connected
// and publish EventConnected first.
type Listener interface {
	Accept(ctx context.Context) (Transport, error)
	Addr() string
	Close() error
}

// Options tunes a backend. The zero value is completed by withDefaults.
type Options struct {
	PollInterval time.Duration
	// KeepAlive is the send silence after which a ping is emitted.
	KeepAlive time.Duration
	// IdleTimeout disconnects a peer that sent nothing for this long.
	IdleTimeout     time.Duration
	ConnectInterval time.Duration
	SendQueueSize   int
	EventQueueSize  int
	AcceptBacklog   int
	Logger          *logrus.Entry
}

const (
	DefaultPollInterval    = time.Millisecond
	DefaultKeepAlive       = time.Second
	DefaultIdleTimeout     = 10 * time.Second
	DefaultConnectInterval = 100 * time.Millisecond
	defaultSendQueueSize   = 1024
	defaultEventQueueSize  = 1024
	defaultAcceptBacklog   = 64
)

func (o Options) withDefaults(component string) Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.ConnectInterval <= 0 {
		o.ConnectInterval = DefaultConnectInterval
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = defaultSendQueueSize
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = defaultEventQueueSize
	}
	if o.AcceptBacklog <= 0 {
		o.AcceptBacklog = defaultAcceptBacklog
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", component)
	} else {
		o.Logger = o.Logger.WithField("component", component)
	}
	return o
}
