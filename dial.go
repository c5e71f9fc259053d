// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Dial builds a Multiplexer from cfg and registers every configured server.
// Options override what cfg sets. A server that cannot be reached within the
// connect timeout fails the whole dial; servers already registered are
// closed again.
func Dial(ctx context.Context, cfg Config, opts ...DialOption) (*Multiplexer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logrus.NewEntry(logrus.StandardLogger())
	base := []DialOption{
		WithLogger(log),
		WithTransport(cfg.Transport),
		WithTransportFactory(NewTransportFactory(cfg, log)),
		WithClientID(cfg.ClientID),
		WithCallTimeout(cfg.Timeouts.Call()),
		WithHeartbeat(cfg.Timeouts.Heartbeat()),
		WithReliable(cfg.IsReliable()),
		WithZoneCellSize(cfg.ZoneCellSize),
	}
	m := NewMultiplexer(append(base, opts...)...)

	for _, desc := range cfg.Servers {
		cctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Connect())
		err := m.RegisterServer(cctx, desc)
		cancel()
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("dial: %w", err)
		}
	}
	return m, nil
}

// ListenConfig opens a Server with cfg's server-side settings.
func ListenConfig(cfg Config, opts ...ServerOption) (*Server, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ServerID == "" {
		return nil, errors.Join(ErrInvalidConfig, errors.New("server_id is required to serve"))
	}
	topts := cfg.TransportOptions()
	base := []ServerOption{
		WithServerTransport(cfg.Transport),
		WithTransportOptions(topts),
		WithServerID(cfg.ServerID),
		WithPrimary(cfg.Primary),
		WithZones(cfg.Zones...),
		WithServerReliable(cfg.IsReliable()),
	}
	return Listen(cfg.Listen, append(base, opts...)...)
}
