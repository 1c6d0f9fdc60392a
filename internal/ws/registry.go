package ws

import (
	"context"
	"sync"

	"github.com/example/delta-crdt-engine/internal/wire"
)

// ConnectionRegistry tracks peer connections keyed by collection so deltas
// can be fanned out to every peer subscribed to it.
type ConnectionRegistry struct {
	mu          sync.RWMutex
	collections map[string]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{collections: make(map[string]map[*Connection]struct{})}
}

// Register associates the connection with a collection.
func (r *ConnectionRegistry) Register(collection string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.collections[collection] == nil {
		r.collections[collection] = make(map[*Connection]struct{})
	}
	r.collections[collection][c] = struct{}{}
	gatewayConnections.WithLabelValues(collection).Set(float64(len(r.collections[collection])))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(collection string, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.collections[collection]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.collections, collection)
	}
	gatewayConnections.WithLabelValues(collection).Set(float64(len(conns)))
}

// Len returns the number of peers attached to the collection.
func (r *ConnectionRegistry) Len(collection string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.collections[collection])
}

// BroadcastBinary delivers the payload to every connection attached to the
// collection except those of the origin replica, which already hold the
// delta. An origin of zero skips nobody.
func (r *ConnectionRegistry) BroadcastBinary(collection string, payload []byte, origin uint64) int {
	r.mu.RLock()
	conns := r.collections[collection]
	if len(conns) == 0 {
		r.mu.RUnlock()
		return 0
	}
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		if origin != 0 && c.Replica() == origin {
			continue
		}
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.SendBinary(payload); err == nil {
			sent++
		}
	}
	return sent
}

// Publish encodes the envelope and fans it out to the peers of its
// collection.
func (r *ConnectionRegistry) Publish(_ context.Context, env *wire.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	r.BroadcastBinary(env.Collection, data, env.Origin)
	return nil
}
