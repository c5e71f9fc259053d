// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/grainrpc/transport"
)

// Client is the caller-facing grain RPC interface.
// All application code should use this interface.
type Client interface {
	// Call invokes method on grain, encoding args and decoding into reply
	// with the client codec.
	Call(ctx context.Context, grain GrainDescriptor, method uint32, args, reply any) error

	// CallRaw makes a call with pre-encoded bytes
	CallRaw(ctx context.Context, grain GrainDescriptor, method uint32, payload []byte) ([]byte, error)

	// Notify sends a one-way request (no response expected)
	Notify(ctx context.Context, grain GrainDescriptor, method uint32, args any) error

	// OpenStream starts a server-push stream
	OpenStream(ctx context.Context, grain GrainDescriptor, method uint32, args any) (*Stream, error)

	// Close closes every connection
	Close() error
}

// ServerDescriptor identifies one grain server.
type ServerDescriptor struct {
	ID       string   `yaml:"id" json:"id"`
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	Primary  bool     `yaml:"primary" json:"primary"`
	Zones    []string `yaml:"zones" json:"zones,omitempty"`
	Services []string `yaml:"services" json:"services,omitempty"`
}

// Endpoint returns host:port.
func (d ServerDescriptor) Endpoint() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// TransportFactory builds a fresh unconnected transport per server.
type TransportFactory func() (transport.Transport, error)

// DialOption configures a Multiplexer
type DialOption func(*dialOptions)

type dialOptions struct {
	codec       Codec
	transport   string
	factory     TransportFactory
	clientID    string
	strategy    RoutingStrategy
	manifests   ManifestProvider
	callTimeout time.Duration
	heartbeat   time.Duration
	reliable    bool
	cellSize    float64
	log         *logrus.Entry
}

// WithCodec sets a custom codec
func WithCodec(c Codec) DialOption {
	return func(o *dialOptions) { o.codec = c }
}

// WithTransport selects a registered transport backend by name
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithTransportFactory overrides WithTransport, e.g. to share a SimNetwork or
// wrap transports in an emulator.
func WithTransportFactory(f TransportFactory) DialOption {
	return func(o *dialOptions) { o.factory = f }
}

func WithClientID(id string) DialOption {
	return func(o *dialOptions) { o.clientID = id }
}

// WithStrategy routes calls before the manager's zone and primary fallback.
func WithStrategy(s RoutingStrategy) DialOption {
	return func(o *dialOptions) { o.strategy = s }
}

func WithManifestProvider(p ManifestProvider) DialOption {
	return func(o *dialOptions) { o.manifests = p }
}

// WithCallTimeout sets the timeout of calls whose context has no earlier
// deadline.
func WithCallTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.callTimeout = d }
}

func WithHeartbeat(d time.Duration) DialOption {
	return func(o *dialOptions) { o.heartbeat = d }
}

// WithReliable selects the reliable channel for every message.
func WithReliable(reliable bool) DialOption {
	return func(o *dialOptions) { o.reliable = reliable }
}

// WithZoneCellSize sets the side of the square zone cells positions are
// resolved into.
func WithZoneCellSize(size float64) DialOption {
	return func(o *dialOptions) { o.cellSize = size }
}

func WithLogger(log *logrus.Entry) DialOption {
	return func(o *dialOptions) { o.log = log }
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	transport string
	topts     transport.Options
	listener  transport.Listener
	serverID  string
	primary   bool
	zones     []string
	reliable  bool
	log       *logrus.Entry
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithTransportOptions tunes the listening backend.
func WithTransportOptions(opts transport.Options) ServerOption {
	return func(o *serverOptions) { o.topts = opts }
}

// WithListener serves on an existing listener instead of opening one.
func WithListener(l transport.Listener) ServerOption {
	return func(o *serverOptions) { o.listener = l }
}

func WithServerID(id string) ServerOption {
	return func(o *serverOptions) { o.serverID = id }
}

// WithPrimary marks the server as the clients' fallback route.
func WithPrimary(primary bool) ServerOption {
	return func(o *serverOptions) { o.primary = primary }
}

// WithZones sets the zones announced in the HandshakeAck.
func WithZones(zones ...string) ServerOption {
	return func(o *serverOptions) { o.zones = zones }
}

func WithServerReliable(reliable bool) ServerOption {
	return func(o *serverOptions) { o.reliable = reliable }
}

func WithServerLogger(log *logrus.Entry) ServerOption {
	return func(o *serverOptions) { o.log = log }
}
