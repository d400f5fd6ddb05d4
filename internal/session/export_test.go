package session

import "github.com/sfukit/sfuclient/internal/domain"

// Pending reports whether an attempt is reserved under key.
func (r *Registry) Pending(role domain.Role, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[attemptKey{role: role, key: key}]
	return ok
}

// Len is the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
