package lib

import (
	"fmt"
	"net/netip"
	"sync"
)

// connKey formats the 4-tuple identity of a connection the way all table
// lookups expect it: local first, remote second.
func connKey(localAddr netip.Addr, localPort uint16, remoteAddr netip.Addr, remotePort uint16) string {
	return fmt.Sprintf("%s:%d-%s:%d", localAddr, localPort, remoteAddr, remotePort)
}

// connectionTable maps connection identities to records and listening ports to
// listeners. It sits on the frame-receive hot path, so both lookups are plain
// map accesses under a read lock.
type connectionTable struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	listeners   map[uint16]*Listener
}

func newConnectionTable() *connectionTable {
	return &connectionTable{
		connections: make(map[string]*Connection),
		listeners:   make(map[uint16]*Listener),
	}
}

func (t *connectionTable) find(key string) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connections[key]
}

func (t *connectionTable) findListener(localPort uint16) *Listener {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listeners[localPort]
}

func (t *connectionTable) insert(key string, conn *Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.connections[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, key)
	}
	t.connections[key] = conn
	return nil
}

func (t *connectionTable) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connections, key)
}

func (t *connectionTable) insertListener(localPort uint16, l *Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[localPort]; ok {
		return fmt.Errorf("%w: port %d is already taken", ErrDuplicateConnection, localPort)
	}
	t.listeners[localPort] = l
	return nil
}

func (t *connectionTable) removeListener(localPort uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, localPort)
}

// snapshot copies out the current connections so the timer loop can walk them
// without holding the table lock across per-connection work.
func (t *connectionTable) snapshot() []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conns := make([]*Connection, 0, len(t.connections))
	for _, conn := range t.connections {
		conns = append(conns, conn)
	}
	return conns
}

func (t *connectionTable) localPortInUse(port uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.listeners[port]; ok {
		return true
	}
	for _, conn := range t.connections {
		if conn.params.localPort == port {
			return true
		}
	}
	return false
}
