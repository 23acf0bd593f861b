package peernet

import (
	"sync"
)

// Registry maps peer identity to its connection actor. Lookups come from
// arbitrary callers concurrently; insertion happens on peer start, removal
// on peer teardown.
type Registry struct {
	conns map[string]*Connection
	mu    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
	}
}

// Register stores c unless a connection for the same peer already exists.
// Returns the stored connection and whether c won the slot.
func (r *Registry) Register(c *Connection) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[c.peerID]; ok {
		return existing, false
	}
	r.conns[c.peerID] = c
	return c, true
}

func (r *Registry) Lookup(peerID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.conns[peerID]
}

// Remove deregisters and stops the peer's connection.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	c := r.conns[peerID]
	if c != nil {
		delete(r.conns, peerID)
	}
	r.mu.Unlock()

	if c != nil {
		c.Stop()
	}
}

func (r *Registry) RemoveAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for peerID, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, peerID)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Stop()
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// List returns the registered connections in no particular order.
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
