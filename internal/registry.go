package internal

import "sync"

// Registry is the per-process connection index: connID to session, plus the
// reverse userID to set-of-sessions map that multi-device fan-out iterates.
// A connID appears under exactly one user and is removed before disconnect
// returns.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	users    map[int64]map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		users:    make(map[int64]map[string]*Session),
	}
}

// Add registers the session and reports whether it is the user's first live
// connection. The first/not-first answer is taken atomically with the
// insertion so the user_online broadcast cannot race a concurrent connect.
func (r *Registry) Add(s *Session) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	first = len(r.users[s.userID]) == 0
	r.sessions[s.id] = s
	if r.users[s.userID] == nil {
		r.users[s.userID] = make(map[string]*Session)
	}
	r.users[s.userID][s.id] = s
	return first
}

// Remove drops the connID and reports whether the user has no connections
// left. Removing an unknown connID returns ok=false.
func (r *Registry) Remove(connID string) (s *Session, last, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok = r.sessions[connID]
	if !ok {
		return nil, false, false
	}
	delete(r.sessions, connID)
	if conns, exists := r.users[s.userID]; exists {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.users, s.userID)
			last = true
		}
	}
	return s, last, true
}

// Get returns the session for a connID, or nil.
func (r *Registry) Get(connID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[connID]
}

// SessionsFor returns a snapshot of the user's live sessions.
func (r *Registry) SessionsFor(userID int64) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(conns))
	for _, s := range conns {
		out = append(out, s)
	}
	return out
}

// Snapshot returns all live sessions on this process.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ConnCount reports the number of live connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Online reports whether the user has at least one connection on this process.
func (r *Registry) Online(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}
