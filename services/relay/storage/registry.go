package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xilidan/relay/services/relay/entity"
)

// Registry maps stream ids to active sessions. It is the single source of truth for "is this session active".
type Registry interface {
	Register(id string, session *entity.Session) error
	Get(id string) (*entity.Session, error)
	Remove(id string)
	List() []*entity.Session
	Len() int
}

type registry struct {
	mu       sync.RWMutex
	sessions map[string]*entity.Session
}

func NewRegistry() Registry {
	return &registry{
		sessions: make(map[string]*entity.Session),
	}
}

// Register rejects an id that is already present so an existing client handle is never orphaned.
func (r *registry) Register(id string, session *entity.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("%w: %s", entity.ErrDuplicateSession, id)
	}
	r.sessions[id] = session
	return nil
}

func (r *registry) Get(id string) (*entity.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", entity.ErrNotFound, id)
	}
	return session, nil
}

func (r *registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns the registered sessions ordered by id.
func (r *registry) List() []*entity.Session {
	r.mu.RLock()
	out := make([]*entity.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
