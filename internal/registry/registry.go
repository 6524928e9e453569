// Package registry tracks the live connections owned by this process.
//
// It is purely in-memory: cluster-wide lookups go through the directory
// store, which maps logical IDs back to a connection ID that either this or
// another process owns.
package registry

import (
	"sync"

	"github.com/stationlink/signaling/internal/auth"
)

// Identity is the authenticated identity bound to a connection for its
// lifetime.
type Identity struct {
	UserID    string
	SessionID string
	Kind      auth.ConnKind
}

type Registry struct {
	mu    sync.RWMutex
	conns map[string]Identity
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]Identity),
	}
}

func (r *Registry) Register(connID string, id Identity) {
	r.mu.Lock()
	r.conns[connID] = id
	r.mu.Unlock()
}

func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
}

func (r *Registry) Lookup(connID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.conns[connID]
	return id, ok
}

// FindBySession returns the IDs of local connections whose identity matches
// both userID and sessionID exactly. Used by the eviction subscriber to locate
// connections that must be force-closed after a newer login.
func (r *Registry) FindBySession(userID, sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for connID, id := range r.conns {
		if id.UserID == userID && id.SessionID == sessionID {
			out = append(out, connID)
		}
	}
	return out
}

// FindByKind returns the IDs of local connections of the given kind. Used for
// kind-scoped broadcasts (station lifecycle events to peers, call-center
// alerts to admins).
func (r *Registry) FindByKind(kind auth.ConnKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for connID, id := range r.conns {
		if id.Kind == kind {
			out = append(out, connID)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
