package listener

import (
	"net"
	"sync"
	"time"
)

// Connection is per-active-peer state: which Source owns it, the peer's
// address, the observation domain id (0 for protocols without one, e.g.
// NetFlow v5), and a snapshot of the last stats observed from that
// exporter. TCP-style transports create one Connection per accepted
// socket; UDP multi-session transports (IPFIX/NetFlow v9/sFlow) create one
// per (peer, observation domain) pair.
type Connection struct {
	Peer               net.Addr
	ObservationDomain   uint32
	ParentSourceName   string

	mu           sync.Mutex
	lastStatsAt  time.Time
	packetsTotal uint64
	recordsTotal uint64
}

// NewConnection returns a Connection for peer/domain, owned by the named
// source.
func NewConnection(peer net.Addr, domain uint32, sourceName string) *Connection {
	return &Connection{Peer: peer, ObservationDomain: domain, ParentSourceName: sourceName}
}

// RecordActivity updates the connection's exporter-stats snapshot; callers
// are typically a decoder thread, so the update is mutex-guarded to let a
// status-reporting goroutine read it concurrently.
func (c *Connection) RecordActivity(packets, records uint64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packetsTotal += packets
	c.recordsTotal += records
	c.lastStatsAt = at
}

// Snapshot is a point-in-time, race-free read of a Connection's counters.
type Snapshot struct {
	PacketsTotal uint64
	RecordsTotal uint64
	LastStatsAt  time.Time
}

// Snapshot returns the connection's current counters.
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{PacketsTotal: c.packetsTotal, RecordsTotal: c.recordsTotal, LastStatsAt: c.lastStatsAt}
}

// ConnectionKey identifies one Connection within a source: peer (port
// excluded, v4-normalized, matching PeerKey) plus observation domain.
type ConnectionKey struct {
	Peer   PeerKey
	Domain uint32
}

// ConnectionTable tracks the set of active connections for one multi-
// session UDP source.
type ConnectionTable struct {
	mu          sync.Mutex
	connections map[ConnectionKey]*Connection
}

// NewConnectionTable returns an empty table.
func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{connections: make(map[ConnectionKey]*Connection)}
}

// GetOrCreate returns the Connection for key, creating it via newFn on
// first use.
func (t *ConnectionTable) GetOrCreate(key ConnectionKey, newFn func() *Connection) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.connections[key]; ok {
		return c
	}
	c := newFn()
	t.connections[key] = c
	return c
}

// Remove deletes the connection for key, if any.
func (t *ConnectionTable) Remove(key ConnectionKey) {
	t.mu.Lock()
	delete(t.connections, key)
	t.mu.Unlock()
}

// Len reports the number of tracked connections.
func (t *ConnectionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connections)
}
