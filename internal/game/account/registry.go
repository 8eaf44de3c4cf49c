// Package account tracks which accounts are logged in and which session holds
// each login.
package account

import "sync"

// Registry maps account names to the session currently logged in as that
// account. At most one session holds a given name at any time.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]string // account name → session id
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]string)}
}

// TryLogin records sessionID as the holder of name.
//
// Precondition: name and sessionID must be non-empty.
// Postcondition: Returns true and records the association iff no session held
// name; otherwise returns false and the registry is unchanged.
func (r *Registry) TryLogin(name, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.sessions[name]; held {
		return false
	}
	r.sessions[name] = sessionID
	return true
}

// Logout removes the login for name. Removing an absent name is a no-op.
//
// Postcondition: IsLoggedIn(name) is false.
func (r *Registry) Logout(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, name)
}

// IsLoggedIn reports whether name is currently held by a session.
func (r *Registry) IsLoggedIn(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[name]
	return ok
}

// SessionOf returns the session id holding name.
func (r *Registry) SessionOf(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[name]
	return id, ok
}

// Count returns the number of logged-in accounts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
