package run

import (
	"context"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
)

// MemoryRepository is an in-memory Repository for tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	runs  map[string]*Run
	steps map[string]*Step
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		runs:  make(map[string]*Run),
		steps: make(map[string]*Step),
	}
}

func (m *MemoryRepository) CreateRun(ctx context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = copyRun(r)
	return nil
}

func (m *MemoryRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, apperrors.NotFound("run", id)
	}
	return copyRun(r), nil
}

func (m *MemoryRepository) UpdateRun(ctx context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return apperrors.NotFound("run", r.ID)
	}
	m.runs[r.ID] = copyRun(r)
	return nil
}

func (m *MemoryRepository) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	for stepID, st := range m.steps {
		if st.RunID == id {
			delete(m.steps, stepID)
		}
	}
	return nil
}

func (m *MemoryRepository) ListRuns(ctx context.Context, projectID string, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Run
	for _, r := range m.runs {
		if projectID == "" || r.ProjectID == projectID {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) CreateStep(ctx context.Context, s *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[s.ID] = copyStep(s)
	return nil
}

func (m *MemoryRepository) GetStep(ctx context.Context, id string) (*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, apperrors.NotFound("step", id)
	}
	return copyStep(s), nil
}

func (m *MemoryRepository) UpdateStep(ctx context.Context, s *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[s.ID]; !ok {
		return apperrors.NotFound("step", s.ID)
	}
	m.steps[s.ID] = copyStep(s)
	return nil
}

func (m *MemoryRepository) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Step
	for _, s := range m.steps {
		if s.RunID == runID {
			out = append(out, copyStep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].ID, out[j].ID) < 0 })
	return out, nil
}

func copyRun(r *Run) *Run {
	cp := *r
	cp.Outputs = copyMap(r.Outputs)
	cp.HumanContext = copyMap(r.HumanContext)
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

func copyStep(s *Step) *Step {
	cp := *s
	cp.Inputs = copyMap(s.Inputs)
	cp.Outputs = copyMap(s.Outputs)
	if s.StartedAt != nil {
		v := *s.StartedAt
		cp.StartedAt = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
