// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package grainrpc

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/luxfi/grainrpc/wire"
)

type managedConn struct {
	conn *Connection
}

// ServerInfo is a snapshot of one managed connection.
type ServerInfo struct {
	ID       string        `json:"id"`
	Endpoint string        `json:"endpoint"`
	Conn     string        `json:"conn"`
	State    string        `json:"state"`
	Primary  bool          `json:"primary"`
	Zones    []string      `json:"zones"`
	RTT      time.Duration `json:"rtt_ns"`
}

// ConnectionManager owns the live connection of every server and the zone
// mapping learned from their acks. Removing a server and routing a request
// exclude each other: removal runs under the write lock, request
// registration under the read lock.
type ConnectionManager struct {
	log        *logrus.Entry
	manifests  ManifestProvider
	correlator *Correlator
	streams    *StreamManager
	cellSize   float64

	mu      sync.RWMutex
	conns   map[string]*managedConn
	order   []string
	zones   map[string]string
	primary string
	closed  bool
}

func NewConnectionManager(manifests ManifestProvider, correlator *Correlator, streams *StreamManager, cellSize float64, log *logrus.Entry) *ConnectionManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if manifests == nil {
		manifests = NewManifestTable()
	}
	return &ConnectionManager{
		log:        log.WithField("component", "manager"),
		manifests:  manifests,
		correlator: correlator,
		streams:    streams,
		cellSize:   cellSize,
		conns:      make(map[string]*managedConn),
		zones:      make(map[string]string),
	}
}

// Add registers conn as the connection of serverID and maps zones to it.
// The entry is removed automatically once conn closes.
func (m *ConnectionManager) Add(serverID string, conn *Connection, zones ...string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if old, ok := m.conns[serverID]; ok {
		if old.conn.State() != StateClosed {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrServerAlreadyConnected, serverID)
		}
		m.dropLocked(serverID, old)
	}
	m.conns[serverID] = &managedConn{conn: conn}
	m.order = append(m.order, serverID)
	for _, z := range zones {
		m.zones[z] = serverID
	}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"server": serverID, "conn": conn.ID(), "zones": zones}).Info("server added")
	go func() {
		<-conn.Done()
		m.removeIf(serverID, conn)
	}()
	return nil
}

// ApplyAck merges an ack received on conn. Only zones the ack assigns to its
// own server are taken, and they replace everything that server owned
// before, so an ack naming no zones releases them all.
func (m *ConnectionManager) ApplyAck(serverID string, conn *Connection, ack *wire.HandshakeAck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.conns[serverID]
	if !ok || mc.conn != conn {
		return
	}
	m.manifests.MergeManifest(serverID, ack.Manifest)
	if ack.Primary {
		m.setPrimaryLocked(serverID)
	}
	owned := ownedZones(ack, serverID)
	for zone, owner := range m.zones {
		if _, keep := owned[zone]; owner == serverID && !keep {
			delete(m.zones, zone)
		}
	}
	for zone := range owned {
		m.zones[zone] = serverID
	}
}

func ownedZones(ack *wire.HandshakeAck, serverID string) map[string]struct{} {
	owned := make(map[string]struct{})
	for zone, owner := range ack.Zones {
		if owner == serverID {
			owned[zone] = struct{}{}
		}
	}
	return owned
}

// SetPrimary makes serverID the fallback for unrouted requests.
func (m *ConnectionManager) SetPrimary(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setPrimaryLocked(serverID)
}

func (m *ConnectionManager) setPrimaryLocked(serverID string) {
	m.primary = serverID
}

// UpdateZoneMapping sets zone owners explicitly. An empty server id clears
// the zone.
func (m *ConnectionManager) UpdateZoneMapping(mapping map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for zone, id := range mapping {
		if id == "" {
			delete(m.zones, zone)
			continue
		}
		m.zones[zone] = id
	}
}

// ServerForZone implements ZoneLookup over the learned mapping.
func (m *ConnectionManager) ServerForZone(zone string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.zones[zone]
	return id, ok
}

// ZoneMapping returns a copy of the zone table.
func (m *ConnectionManager) ZoneMapping() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.zones)
}

func (m *ConnectionManager) GetConnection(serverID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.live(serverID)
	if !ok {
		return nil, false
	}
	return mc.conn, true
}

// SelectConnectionForRequest resolves grain's zone through the mapping, then
// falls back to the primary and finally the earliest registered connection.
func (m *ConnectionManager) SelectConnectionForRequest(grain GrainDescriptor) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(grain)
}

func (m *ConnectionManager) selectLocked(grain GrainDescriptor) (*Connection, error) {
	if zone := zoneFor(grain, m.cellSize); zone != "" {
		if id, ok := m.zones[zone]; ok {
			if mc, ok := m.live(id); ok {
				return mc.conn, nil
			}
		}
	}
	if mc, ok := m.live(m.primary); ok {
		return mc.conn, nil
	}
	for _, id := range m.order {
		if mc, ok := m.live(id); ok {
			return mc.conn, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRouteAvailable, grain.ID)
}

func (m *ConnectionManager) live(serverID string) (*managedConn, bool) {
	mc, ok := m.conns[serverID]
	if !ok || mc.conn.State() != StateConnected {
		return nil, false
	}
	return mc, true
}

// withServer runs fn with serverID's connection while holding the read
// lock, so the connection cannot be removed until fn returns.
func (m *ConnectionManager) withServer(serverID string, fn func(*Connection) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.live(serverID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerUnavailable, serverID)
	}
	return fn(mc.conn)
}

// withSelected is withServer over SelectConnectionForRequest.
func (m *ConnectionManager) withSelected(grain GrainDescriptor, fn func(*Connection) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, err := m.selectLocked(grain)
	if err != nil {
		return err
	}
	return fn(conn)
}

// Remove deregisters serverID. Its manifest and zones are purged and its
// pending requests and streams fail with ErrConnectionLost before the
// connection is closed.
func (m *ConnectionManager) Remove(serverID string) bool {
	m.mu.Lock()
	mc, ok := m.conns[serverID]
	if ok {
		m.dropLocked(serverID, mc)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.log.WithField("server", serverID).Info("server removed")
	_ = mc.conn.Close()
	return true
}

func (m *ConnectionManager) removeIf(serverID string, conn *Connection) {
	m.mu.Lock()
	mc, ok := m.conns[serverID]
	if ok && mc.conn == conn {
		m.dropLocked(serverID, mc)
	}
	m.mu.Unlock()
	if ok && mc.conn == conn {
		m.log.WithError(conn.Err()).WithField("server", serverID).Warn("server connection closed")
	}
}

func (m *ConnectionManager) dropLocked(serverID string, mc *managedConn) {
	delete(m.conns, serverID)
	m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == serverID })
	if m.primary == serverID {
		m.primary = ""
	}
	for zone, owner := range m.zones {
		if owner == serverID {
			delete(m.zones, zone)
		}
	}
	m.manifests.RemoveManifest(serverID)

	reason := ErrConnectionLost
	switch err := mc.conn.Err(); {
	case errors.Is(err, ErrConnectionLost):
		reason = err
	case err != nil && !errors.Is(err, ErrClosed):
		reason = fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	if m.correlator != nil {
		m.correlator.FailConnection(mc.conn.ID(), reason)
	}
	if m.streams != nil {
		m.streams.FailConnection(mc.conn.ID(), reason)
	}
}

// Servers returns a snapshot of every managed connection in registration
// order.
func (m *ConnectionManager) Servers() []ServerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owned := make(map[string][]string)
	for zone, id := range m.zones {
		owned[id] = append(owned[id], zone)
	}
	out := make([]ServerInfo, 0, len(m.order))
	for _, id := range m.order {
		mc := m.conns[id]
		zones := owned[id]
		slices.Sort(zones)
		out = append(out, ServerInfo{
			ID:       id,
			Endpoint: mc.conn.cfg.endpoint,
			Conn:     mc.conn.ID(),
			State:    mc.conn.State().String(),
			Primary:  id == m.primary,
			Zones:    zones,
			RTT:      mc.conn.RTT(),
		})
	}
	return out
}

// Close closes every connection and rejects further Adds.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*managedConn, 0, len(m.conns))
	for id, mc := range m.conns {
		m.dropLocked(id, mc)
		conns = append(conns, mc)
	}
	m.mu.Unlock()
	for _, mc := range conns {
		_ = mc.conn.Close()
	}
}
