// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/grainrpc/emulator"
	"github.com/luxfi/grainrpc/transport"
	"github.com/luxfi/grainrpc/wire"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	require.Equal(t, TransportKCP, cfg.Transport)
	require.Equal(t, DefaultCallTimeout, cfg.Timeouts.Call())
	require.Equal(t, DefaultConnectTimeout, cfg.Timeouts.Connect())
	require.Equal(t, DefaultHeartbeatInterval, cfg.Timeouts.Heartbeat())
	require.Equal(t, DefaultIdleTimeout, cfg.Timeouts.Idle())
	require.True(t, cfg.IsReliable())
	require.Equal(t, 1.0, cfg.ZoneCellSize)
	require.Equal(t, DefaultListenAddr, cfg.Listen)
	require.Equal(t, "info", cfg.Log.Level)

	opts := cfg.TransportOptions()
	require.Equal(t, DefaultIdleTimeout, opts.IdleTimeout)
	require.Equal(t, DefaultHeartbeatInterval, opts.KeepAlive)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
transport: udp
client_id: bot-1
reliable: false
zone_cell_size: 64
servers:
  - {id: a, host: 10.0.0.1, port: 7070, primary: true, zones: ["0:0"]}
  - {id: b, host: 10.0.0.2, port: 7071, services: [chat]}
timeouts:
  call_ms: 250
emulator:
  enabled: true
  loss: 0.05
  latency_ms: 20
`))
	require.NoError(t, err)
	require.Equal(t, TransportUDP, cfg.Transport)
	require.False(t, cfg.IsReliable())
	require.Equal(t, 64.0, cfg.ZoneCellSize)
	require.Len(t, cfg.Servers, 2)
	require.Equal(t, "10.0.0.1:7070", cfg.Servers[0].Endpoint())
	require.Equal(t, []string{"chat"}, cfg.Servers[1].Services)
	require.Equal(t, 250*time.Millisecond, cfg.Timeouts.Call())
	require.Equal(t, DefaultConnectTimeout, cfg.Timeouts.Connect())
	require.Equal(t, emulator.Config{Loss: 0.05, Latency: 20 * time.Millisecond}, cfg.Emulator.Emulator())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "transprot: kcp"},
		{"unknown transport", "transport: carrier-pigeon"},
		{"missing id", "servers: [{host: h, port: 1}]"},
		{"missing host", "servers: [{id: a, port: 1}]"},
		{"bad port", "servers: [{id: a, host: h, port: 70000}]"},
		{"duplicate id", "servers: [{id: a, host: h, port: 1}, {id: a, host: h, port: 2}]"},
		{"two primaries", "servers: [{id: a, host: h, port: 1, primary: true}, {id: b, host: h, port: 2, primary: true}]"},
		{"negative timeout", "timeouts: {call_ms: -1}"},
		{"heartbeat above idle", "timeouts: {heartbeat_ms: 5000, idle_ms: 1000}"},
		{"loss above one", "emulator: {loss: 1.5}"},
		{"log format", "log: {format: xml}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grainrpc.yaml")
	require.NoError(t, WriteTemplate(path, false))
	require.Error(t, WriteTemplate(path, false))
	require.NoError(t, WriteTemplate(path, true))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)
	require.True(t, cfg.Servers[0].Primary)
	require.Equal(t, "zone-a", cfg.ServerID)
	require.Equal(t, "127.0.0.1:7080", cfg.AdminAddr)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestTransportFactory(t *testing.T) {
	cfg := Config{Transport: TransportSim}
	cfg.ApplyDefaults()
	tr, err := NewTransportFactory(cfg, nil)()
	require.NoError(t, err)
	require.IsType(t, &transport.SimTransport{}, tr)

	cfg.Emulator = EmulatorConfig{Enabled: true, LatencyMs: 1, Seed: 7}
	factory := NewTransportFactory(cfg, nil)
	tr, err = factory()
	require.NoError(t, err)
	require.IsType(t, &emulator.Emulator{}, tr)
	require.NoError(t, tr.Close())

	cfg.Transport = "carrier-pigeon"
	_, err = NewTransportFactory(cfg, nil)()
	require.Error(t, err)
}

func TestDialAndListenConfig(t *testing.T) {
	_, err := ListenConfig(Config{Transport: TransportSim})
	require.ErrorIs(t, err, ErrInvalidConfig)

	srvCfg := Config{Transport: TransportSim, ServerID: "dial-a", Listen: "dial-a:7070", Zones: []string{"0:0"}, Primary: true}
	srv, err := ListenConfig(srvCfg)
	require.NoError(t, err)
	require.NoError(t, srv.RegisterMethod("Player", methodEcho, func(_ context.Context, _ wire.GrainID, args []byte) ([]byte, error) {
		return args, nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	defer srv.Close()

	cliCfg := Config{
		Transport: TransportSim,
		ClientID:  "dialer",
		Servers:   []ServerDescriptor{{ID: "dial-a", Host: "dial-a", Port: 7070}},
		Emulator:  EmulatorConfig{Enabled: true, LatencyMs: 2, JitterMs: 1, Seed: 3},
	}
	m, err := Dial(ctx, cliCfg)
	require.NoError(t, err)
	defer m.Close()

	servers := m.Servers()
	require.Len(t, servers, 1)
	require.True(t, servers[0].Primary)
	require.Equal(t, []string{"0:0"}, servers[0].Zones)
	require.Equal(t, "dial-a:7070", servers[0].Endpoint)

	var echoed int
	require.NoError(t, m.Ref("Player", "1").Invoke(ctx, methodEcho, 5, &echoed))
	require.Equal(t, 5, echoed)

	_, err = Dial(ctx, Config{
		Transport: TransportSim,
		Servers:   []ServerDescriptor{{ID: "dial-missing", Host: "dial-missing", Port: 1}},
	})
	require.ErrorIs(t, err, ErrTransport)
}
