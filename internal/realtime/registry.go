// Package realtime serves intake turns over WebSocket.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks the open connection of each (user, conversation) pair.
// A second connection for the same pair replaces the first.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]map[string]*websocket.Conn)}
}

// Active returns the open connection for a user and conversation, or nil.
func (r *Registry) Active(userID, conversationID string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[userID][conversationID]
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, convs := range r.active {
		n += len(convs)
	}
	return n
}

// Register records conn, closing any connection it replaces.
func (r *Registry) Register(userID, conversationID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	convs, ok := r.active[userID]
	if !ok {
		convs = make(map[string]*websocket.Conn)
		r.active[userID] = convs
	}
	if existing, ok := convs[conversationID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	}
	convs[conversationID] = conn
	slog.Info("realtime connection registered", "user_id", userID, "conversation_id", conversationID)
}

// Unregister removes conn if it is still the registered one.
func (r *Registry) Unregister(userID, conversationID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	convs, ok := r.active[userID]
	if !ok || convs[conversationID] != conn {
		return
	}
	delete(convs, conversationID)
	if len(convs) == 0 {
		delete(r.active, userID)
	}
	slog.Info("realtime connection unregistered", "user_id", userID, "conversation_id", conversationID)
}

// CloseAll closes every open connection, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, convs := range r.active {
		for _, conn := range convs {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(r.active, userID)
	}
}
