// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"fmt"
	"slices"
	"sync"
)

// Backend names.
const (
	UDP  = "udp"
	KCP  = "kcp"
	Sim  = "sim"
	GRPC = "grpc"
)

// DefaultBackend is reliable and ordered over UDP.
const DefaultBackend = KCP

type (
	newFunc    func(opts Options) Transport
	listenFunc func(addr string, opts Options) (Listener, error)
)

var (
	backendsMu sync.RWMutex
	backends   = map[string]struct {
		dial   newFunc
		listen listenFunc
	}{
		UDP: {
			func(o Options) Transport { return NewUDP(o) },
			func(a string, o Options) (Listener, error) { return ListenUDP(a, o) },
		},
		KCP: {
			func(o Options) Transport { return NewKCP(o) },
			func(a string, o Options) (Listener, error) { return ListenKCP(a, o) },
		},
		Sim: {
			func(o Options) Transport { return DefaultSimNetwork.NewTransport(o) },
			func(a string, o Options) (Listener, error) { return DefaultSimNetwork.Listen(a, o) },
		},
		GRPC: {
			func(o Options) Transport { return NewGRPC(o) },
			func(a string, o Options) (Listener, error) { return ListenGRPC(a, o) },
		},
	}
)

// Register adds or replaces a backend.
func Register(name string, dial func(Options) Transport, listen func(string, Options) (Listener, error)) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = struct {
		dial   newFunc
		listen listenFunc
	}{dial, listen}
}

// New returns an unconnected transport of the named backend.
func New(name string, opts Options) (Transport, error) {
	backendsMu.RLock()
	b, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", name)
	}
	return b.dial(opts), nil
}

// Listen opens a listener of the named backend.
func Listen(name, addr string, opts Options) (Listener, error) {
	backendsMu.RLock()
	b, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport: %s", name)
	}
	return b.listen(addr, opts)
}

// Available returns the registered backend names, sorted.
func Available() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	result := make([]string, 0, len(backends))
	for name := range backends {
		result = append(result, name)
	}
	slices.Sort(result)
	return result
}

// Has checks if a backend is available.
func Has(name string) bool {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	_, ok := backends[name]
	return ok
}
