// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package grainrpc calls remote grain (virtual actor) methods over
// low-latency UDP transports.
//
// # Transport Selection
//
// KCP is the default transport: reliable and ordered ARQ over UDP. The
// backend is a deployment decision:
//
//	udp   raw datagrams, unreliable and unordered
//	kcp   reliable ordered ARQ over UDP (default)
//	sim   in-memory network for tests
//	grpc  bidirectional gRPC stream where UDP is blocked
//
// Any backend can be wrapped in the network emulator to inject loss,
// latency, jitter and per-destination bandwidth caps.
//
// # Usage
//
// Client usage:
//
//	cfg, err := grainrpc.LoadConfig("grainrpc.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := grainrpc.Dial(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	player := client.Ref("Player", "42").AtPosition(3.5, 12)
//	var state PlayerState
//	err = player.Invoke(ctx, MethodGetState, nil, &state)
//
// Server usage:
//
//	server, err := grainrpc.Listen(":7070", grainrpc.WithServerID("zone-a"), grainrpc.WithZones("0:0"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.RegisterMethod("Player", MethodGetState, func(ctx context.Context, id wire.GrainID, args []byte) ([]byte, error) {
//	    return loadState(id.Key)
//	})
//	server.Serve(ctx)
//
// # Routing
//
// Every call is routed on its own. A RoutingStrategy (zone, service,
// manifest or a composite of them) names a server; with no opinion the
// connection manager resolves the grain's zone through the mapping learned
// from HandshakeAcks and falls back to the primary server.
//
// # Architecture
//
//   - client.go: Client interface, server descriptors and options
//   - connection.go: per-link state machine, handshake and heartbeat
//   - correlator.go: exactly-once request settlement
//   - stream.go: server-push streams
//   - manager.go: connection registry and zone mapping
//   - multiplexer.go: the Client over many servers
//   - server.go: grain method hosting
//   - admin.go: JSON-RPC admin service and Prometheus metrics
package grainrpc
