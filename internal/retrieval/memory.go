package retrieval

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
)

// MemoryRepository is the in-memory Repository used by tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	scores map[string]*Score
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{scores: make(map[string]*Score)}
}

func key(agentID, memoryID string) string { return agentID + "\x00" + memoryID }

func (m *MemoryRepository) upsert(agentID, memoryID string) *Score {
	k := key(agentID, memoryID)
	s, ok := m.scores[k]
	if !ok {
		s = &Score{AgentID: agentID, MemoryID: memoryID}
		m.scores[k] = s
	}
	return s
}

func (m *MemoryRepository) RecordAccess(ctx context.Context, agentID, memoryID string, accessedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.upsert(agentID, memoryID)
	s.AccessCount++
	s.LastAccessed = &accessedAt
	return nil
}

func (m *MemoryRepository) RecordSuccess(ctx context.Context, agentID, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(agentID, memoryID).SuccessCount++
	return nil
}

func (m *MemoryRepository) RecordFailure(ctx context.Context, agentID, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsert(agentID, memoryID).FailureCount++
	return nil
}

func (m *MemoryRepository) GetScore(ctx context.Context, agentID, memoryID string) (*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[key(agentID, memoryID)]
	if !ok {
		return nil, apperrors.NotFound("retrieval score", agentID+"/"+memoryID)
	}
	c := *s
	return &c, nil
}

func (m *MemoryRepository) ListScores(ctx context.Context, agentID string, limit int) ([]*Score, error) {
	if limit <= 0 {
		limit = 200
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Score
	for _, s := range m.scores {
		if s.AgentID == agentID {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccessCount > out[j].AccessCount })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
