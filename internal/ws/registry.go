package ws

import (
	"sync"

	"github.com/example/inksync/internal/types"
)

// ConnectionRegistry tracks active WebSocket connections keyed by board so
// they can be counted and closed on shutdown.
type ConnectionRegistry struct {
	mu        sync.RWMutex
	documents map[types.DocumentID]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{documents: make(map[types.DocumentID]map[*Connection]struct{})}
}

// Register associates the connection with a board.
func (r *ConnectionRegistry) Register(documentID types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.documents[documentID] == nil {
		r.documents[documentID] = make(map[*Connection]struct{})
	}
	r.documents[documentID][c] = struct{}{}
	gatewayConnections.WithLabelValues(string(documentID)).Set(float64(len(r.documents[documentID])))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(documentID types.DocumentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.documents[documentID]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.documents, documentID)
	}
	gatewayConnections.WithLabelValues(string(documentID)).Set(float64(len(conns)))
}

// Count returns the number of connections attached to the board.
func (r *ConnectionRegistry) Count(documentID types.DocumentID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.documents[documentID])
}

// CloseAll closes every registered connection.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0)
	for _, set := range r.documents {
		for c := range set {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
