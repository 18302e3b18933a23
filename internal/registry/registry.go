// Package registry tracks the live websocket connection of each user.
package registry

import (
	"sync"

	"github.com/casework/messaging/internal/model"
)

// Conn is a handle able to push a frame to one client.
type Conn interface {
	Send(frame model.Frame) error
}

// Registry maps a user to at most one live connection. A newer connection
// for the same user replaces the older one.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[int64]Conn)}
}

// Register binds conn to userID, replacing any previous connection. The
// replaced handle is returned so the caller may close it.
func (r *Registry) Register(userID int64, conn Conn) (replaced Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.conns[userID]
	r.conns[userID] = conn
	return replaced
}

// Lookup returns the live connection for userID.
func (r *Registry) Lookup(userID int64) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Unregister removes whatever connection is bound to userID. Removing an
// absent user is a no-op.
func (r *Registry) Unregister(userID int64) {
	r.mu.Lock()
	delete(r.conns, userID)
	r.mu.Unlock()
}

// Remove unbinds userID only if it is still bound to conn, so a stale
// socket closing late cannot evict a newer connection.
func (r *Registry) Remove(userID int64, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[userID]; ok && current == conn {
		delete(r.conns, userID)
		return true
	}
	return false
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
