// Package presence provides concurrent bookkeeping of live connections
// and the set of currently-online usernames.
package presence

import (
	"fmt"
	"sort"
	"sync"
)

// Registry tracks connection-id → username mappings and the derived set
// of online usernames. A username is online iff at least one live
// connection maps to it; multiple simultaneous connections per username
// are legal (multi-device). All methods are safe for concurrent use.
//
// The registry only reports present/absent transitions; it never
// broadcasts. Announcing joins and leaves is the caller's job.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]string // connID → username
	live  map[string]int    // username → live connection count
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]string),
		live:  make(map[string]int),
	}
}

// Add registers a connection for the given username.
//
// Precondition: connID and username must be non-empty.
// Postcondition: Returns first=true when this was the username's
// absent→present transition, or an error if the connection id is already
// registered.
func (r *Registry) Add(connID, username string) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[connID]; ok {
		return false, fmt.Errorf("connection %q already registered to %q", connID, existing)
	}

	r.conns[connID] = username
	r.live[username]++
	return r.live[username] == 1, nil
}

// Remove deregisters a connection.
//
// Postcondition: Returns the username the connection was bound to and
// last=true when this was the username's present→absent transition.
// ok=false means the connection was not registered; removal is
// idempotent, so racing closes from both ends resolve to a single
// effective removal.
func (r *Registry) Remove(connID string) (username string, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok = r.conns[connID]
	if !ok {
		return "", false, false
	}
	delete(r.conns, connID)

	r.live[username]--
	if r.live[username] <= 0 {
		delete(r.live, username)
		return username, true, true
	}
	return username, false, true
}

// Online returns a sorted snapshot of the usernames with at least one
// live connection. The snapshot is consistent at the moment of the read
// and may become stale immediately after.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.live))
	for username := range r.live {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

// Connections returns the number of live connections for the username.
func (r *Registry) Connections(username string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live[username]
}

// ConnectionCount returns the total number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
