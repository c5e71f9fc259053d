// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport provides swappable point-to-point links for grainrpc.
//
// Backends are selected by name at construction time:
//
//	udp   raw datagrams, unreliable and unordered
//	kcp   reliable ordered ARQ over UDP (default)
//	sim   in-memory, lossless, for tests and emulation
//	grpc  one bidirectional gRPC stream, for networks that block UDP
//
// Every transport runs one polling loop that owns its socket. Send only
// enqueues; inbound traffic and lifecycle changes arrive on Events.
package transport
