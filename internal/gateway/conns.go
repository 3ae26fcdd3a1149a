package gateway

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnRegistry tracks the live connection bound to each session. A session
// has at most one connection: binding a new one displaces the old.
type ConnRegistry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{active: make(map[string]*websocket.Conn)}
}

// GetActive returns the connection bound to a session, or nil.
func (r *ConnRegistry) GetActive(sessionID string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[sessionID]
}

// Register binds a connection to a session, closing any previous one.
func (r *ConnRegistry) Register(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	r.active[sessionID] = conn
	slog.Info("Connection bound to session", "session_id", sessionID)
}

// Unregister releases the binding if conn still owns it.
func (r *ConnRegistry) Unregister(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.active[sessionID]; ok && current == conn {
		delete(r.active, sessionID)
		slog.Info("Connection unbound from session", "session_id", sessionID)
	}
}
