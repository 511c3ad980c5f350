package session

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
)

// MemoryRepository is the in-memory Repository used by tests and by
// deployments that do not need durable session history.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*Session)}
}

func (m *MemoryRepository) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return copySession(s), nil
}

func (m *MemoryRepository) UpdateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return apperrors.NotFound("session", s.ID)
	}
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryRepository) ListSessions(ctx context.Context, agentID string, liveOnly bool, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if agentID != "" && s.AgentID != agentID {
			continue
		}
		if liveOnly && !s.IsLive() {
			continue
		}
		out = append(out, copySession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copySession(s *Session) *Session {
	c := *s
	return &c
}
