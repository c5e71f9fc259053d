// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/grainrpc/emulator"
	"github.com/luxfi/grainrpc/transport"
)

// Transport types
const (
	TransportUDP  = transport.UDP
	TransportKCP  = transport.KCP  // reliable ordered ARQ, default
	TransportSim  = transport.Sim  // in-memory, for tests
	TransportGRPC = transport.GRPC // reliable fallback where UDP is blocked
)

// DefaultTransport is the default transport type (KCP)
const DefaultTransport = transport.DefaultBackend

// AvailableTransports returns list of available transport types
func AvailableTransports() []string {
	return transport.Available()
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	return transport.Has(name)
}

// NewTransportFactory returns a factory for cfg's backend. With the emulator
// enabled every transport is wrapped, sharing one bandwidth tracker so the
// cap holds per destination across connections.
func NewTransportFactory(cfg Config, log *logrus.Entry) TransportFactory {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	opts := cfg.TransportOptions()
	opts.Logger = log
	if !cfg.Emulator.Enabled {
		return func() (transport.Transport, error) {
			return transport.New(cfg.Transport, opts)
		}
	}

	ecfg := cfg.Emulator.Emulator()
	tracker := emulator.NewBandwidthTracker(ecfg.BandwidthBytesPerSec, emulator.DefaultWindow)
	var n atomic.Uint64
	return func() (transport.Transport, error) {
		inner, err := transport.New(cfg.Transport, opts)
		if err != nil {
			return nil, err
		}
		c := ecfg
		// Distinct seeds keep per-connection loss patterns independent.
		c.Seed += n.Add(1) - 1
		e, err := emulator.Wrap(inner, c,
			emulator.WithTracker(tracker),
			emulator.WithObserver(observeEmulator),
			emulator.WithLogger(log.WithField("component", "emulator")),
		)
		if err != nil {
			_ = inner.Close()
			return nil, err
		}
		return e, nil
	}
}
