// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luxfi/grainrpc/emulator"
	"github.com/luxfi/grainrpc/transport"
)

var ErrInvalidConfig = errors.New("grainrpc: invalid config")

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultIdleTimeout    = 10 * time.Second
	DefaultListenAddr     = ":7070"
)

// Config is the YAML configuration shared by clients and servers.
type Config struct {
	Transport string             `yaml:"transport"`
	ClientID  string             `yaml:"client_id"`
	Servers   []ServerDescriptor `yaml:"servers"`
	Timeouts  TimeoutConfig      `yaml:"timeouts"`
	Reliable  *bool              `yaml:"reliable"`
	// ZoneCellSize is the side of a zone cell in world units.
	ZoneCellSize float64        `yaml:"zone_cell_size"`
	Emulator     EmulatorConfig `yaml:"emulator"`

	// Server side.
	ServerID string   `yaml:"server_id"`
	Listen   string   `yaml:"listen"`
	Primary  bool     `yaml:"primary"`
	Zones    []string `yaml:"zones"`

	AdminAddr string    `yaml:"admin_addr"`
	Log       LogConfig `yaml:"log"`
}

type TimeoutConfig struct {
	CallMs      int `yaml:"call_ms"`
	ConnectMs   int `yaml:"connect_ms"`
	HeartbeatMs int `yaml:"heartbeat_ms"`
	IdleMs      int `yaml:"idle_ms"`
}

func (t TimeoutConfig) Call() time.Duration      { return ms(t.CallMs) }
func (t TimeoutConfig) Connect() time.Duration   { return ms(t.ConnectMs) }
func (t TimeoutConfig) Heartbeat() time.Duration { return ms(t.HeartbeatMs) }
func (t TimeoutConfig) Idle() time.Duration      { return ms(t.IdleMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

type EmulatorConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Loss                 float64 `yaml:"loss"`
	LatencyMs            int     `yaml:"latency_ms"`
	JitterMs             int     `yaml:"jitter_ms"`
	BandwidthBytesPerSec int     `yaml:"bandwidth_bytes_per_sec"`
	Seed                 uint64  `yaml:"seed"`
}

// Emulator converts the section to an emulator.Config.
func (e EmulatorConfig) Emulator() emulator.Config {
	return emulator.Config{
		Loss:                 e.Loss,
		Latency:              ms(e.LatencyMs),
		Jitter:               ms(e.JitterMs),
		BandwidthBytesPerSec: e.BandwidthBytesPerSec,
		Seed:                 e.Seed,
	}
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads path, applies defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML, rejecting unknown keys.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: parse: %w", ErrInvalidConfig, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Transport == "" {
		c.Transport = transport.DefaultBackend
	}
	if c.Timeouts.CallMs == 0 {
		c.Timeouts.CallMs = int(DefaultCallTimeout / time.Millisecond)
	}
	if c.Timeouts.ConnectMs == 0 {
		c.Timeouts.ConnectMs = int(DefaultConnectTimeout / time.Millisecond)
	}
	if c.Timeouts.HeartbeatMs == 0 {
		c.Timeouts.HeartbeatMs = int(DefaultHeartbeatInterval / time.Millisecond)
	}
	if c.Timeouts.IdleMs == 0 {
		c.Timeouts.IdleMs = int(DefaultIdleTimeout / time.Millisecond)
	}
	if c.Reliable == nil {
		reliable := true
		c.Reliable = &reliable
	}
	if c.ZoneCellSize == 0 {
		c.ZoneCellSize = 1
	}
	if c.Listen == "" {
		c.Listen = DefaultListenAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// IsReliable reports the reliable flag, true when unset.
func (c Config) IsReliable() bool {
	return c.Reliable == nil || *c.Reliable
}

func (c Config) Validate() error {
	if !transport.Has(c.Transport) {
		return fmt.Errorf("%w: unknown transport %q (have %s)", ErrInvalidConfig, c.Transport, strings.Join(transport.Available(), ", "))
	}
	seen := make(map[string]struct{}, len(c.Servers))
	primaries := 0
	for i, s := range c.Servers {
		if err := validateServer(s); err != nil {
			return fmt.Errorf("%w: servers[%d]: %w", ErrInvalidConfig, i, err)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: servers[%d]: duplicate id %q", ErrInvalidConfig, i, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Primary {
			primaries++
		}
	}
	if primaries > 1 {
		return fmt.Errorf("%w: %d servers marked primary", ErrInvalidConfig, primaries)
	}
	t := c.Timeouts
	if t.CallMs < 0 || t.ConnectMs < 0 || t.HeartbeatMs < 0 || t.IdleMs < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if t.IdleMs > 0 && t.HeartbeatMs >= t.IdleMs {
		return fmt.Errorf("%w: heartbeat_ms %d must be below idle_ms %d", ErrInvalidConfig, t.HeartbeatMs, t.IdleMs)
	}
	if c.ZoneCellSize < 0 {
		return fmt.Errorf("%w: negative zone_cell_size", ErrInvalidConfig)
	}
	if err := c.Emulator.Emulator().Validate(); err != nil {
		return fmt.Errorf("%w: emulator: %w", ErrInvalidConfig, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

func validateServer(s ServerDescriptor) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	return nil
}

// TransportOptions derives backend options from the timeouts.
func (c Config) TransportOptions() transport.Options {
	return transport.Options{
		IdleTimeout: c.Timeouts.Idle(),
		KeepAlive:   c.Timeouts.Heartbeat(),
	}
}

// WriteTemplate writes the default configuration to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(ConfigTemplate), 0o600)
}

const ConfigTemplate = `transport: kcp
client_id: ""
reliable: true
zone_cell_size: 1

servers:
  - id: zone-a
    host: 127.0.0.1
    port: 7070
    primary: true
    zones: ["0:0"]
  - id: zone-b
    host: 127.0.0.1
    port: 7071
    zones: ["0:1"]
    services: ["chat"]

timeouts:
  call_ms: 30000
  connect_ms: 5000
  heartbeat_ms: 1000
  idle_ms: 10000

emulator:
  enabled: false
  loss: 0
  latency_ms: 0
  jitter_ms: 0
  bandwidth_bytes_per_sec: 0
  seed: 1

server_id: zone-a
listen: ":7070"
primary: true
zones: ["0:0"]

admin_addr: "127.0.0.1:7080"

log:
  level: info
  format: text
`
