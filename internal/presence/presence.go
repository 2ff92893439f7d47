// Package presence tracks which connections are online and who sits in which
// voice channel. Registries are pure state holders: every mutation returns
// the snapshots the gateway must broadcast, and no lock is ever held while a
// broadcast goes out.
package presence

import "sync"

// UserView is the client-facing projection of a user attached to a
// connection.
type UserView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Registry maps live connections to users. A user with several connections
// appears once in the online snapshot.
type Registry struct {
	mu    sync.Mutex
	conns map[string]UserView
	order []string // conn ids in registration order
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]UserView)}
}

// Add registers a connection's user and returns the new online snapshot.
func (r *Registry) Add(connID string, user UserView) []UserView {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		r.order = append(r.order, connID)
	}
	r.conns[connID] = user
	return r.snapshotLocked()
}

// Remove drops a connection and returns the new online snapshot. Removing an
// unknown connection returns the unchanged snapshot, so a double-fired
// disconnect is harmless.
func (r *Registry) Remove(connID string) []UserView {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		delete(r.conns, connID)
		for i, id := range r.order {
			if id == connID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	return r.snapshotLocked()
}

// Get returns the user bound to a connection.
func (r *Registry) Get(connID string) (UserView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.conns[connID]
	return u, ok
}

// Snapshot returns the online users, one entry per distinct user id, in
// first-seen order.
func (r *Registry) Snapshot() []UserView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []UserView {
	users := make([]UserView, 0, len(r.conns))
	seen := make(map[string]bool, len(r.conns))
	for _, connID := range r.order {
		u := r.conns[connID]
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		users = append(users, u)
	}
	return users
}
