package engine

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultMaxSessions = 1024

// Registry keeps one session per user. The least recently used session is
// closed when the registry is full.
type Registry struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	sessions *lru.Cache[string, *Session]
}

func NewRegistry(cfg Config, deps Deps, maxSessions int) *Registry {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	sessions, _ := lru.NewWithEvict(maxSessions, func(_ string, s *Session) {
		go s.Close()
	})
	return &Registry{cfg: cfg, deps: deps, sessions: sessions}
}

// Session returns the session of userID, creating it on first use.
func (r *Registry) Session(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions.Get(userID); ok {
		return s
	}
	s := NewSession(r.cfg, r.deps)
	r.sessions.Add(userID, s)
	return s
}

// Lookup returns the session of userID if it exists.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	return r.sessions.Get(userID)
}

func (r *Registry) Len() int { return r.sessions.Len() }

// Close closes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, userID := range r.sessions.Keys() {
		if s, ok := r.sessions.Peek(userID); ok {
			s.Close()
		}
	}
	r.sessions.Purge()
}
