// Package session tracks the tool sessions that code-mode turns open. A
// daemon started from such a session drops it again when the daemon ends.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrDuplicate = errors.New("session already registered")

// Session is one registered tool session.
type Session struct {
	ID        string
	OwnerID   string
	ChatID    string
	CreatedAt time.Time
}

// Registry is an in-memory, concurrency-safe session table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{sessions: make(map[string]Session), logger: logger}
}

func (r *Registry) Register(s Session) error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrDuplicate
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	r.sessions[s.ID] = s
	return nil
}

// Unregister drops the session and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		r.logger.Debug("session unregistered", "session_id", id)
	}
	return ok
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
