package project

import (
	"context"
	"sort"
	"strconv"
	"sync"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
)

// MemoryRepository is an in-memory Repository used by tests and by
// single-process development without a database file.
type MemoryRepository struct {
	mu          sync.RWMutex
	projects    map[string]*Project
	columns     map[string][]*Column
	tasks       map[string]*Task
	deps        map[string][]string
	assignments map[string][]*AgentAssignment
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects:    make(map[string]*Project),
		columns:     make(map[string][]*Column),
		tasks:       make(map[string]*Task),
		deps:        make(map[string][]string),
		assignments: make(map[string][]*AgentAssignment),
	}
}

func (m *MemoryRepository) CreateProject(ctx context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetProject(ctx context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, apperrors.NotFound("project", id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) GetProjectByRepoURL(ctx context.Context, repoURL string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.projects {
		if p.RepoURL == repoURL {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("project", repoURL)
}

func (m *MemoryRepository) ListProjects(ctx context.Context) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (m *MemoryRepository) CreateColumn(ctx context.Context, c *Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.columns[c.ProjectID] = append(m.columns[c.ProjectID], &cp)
	return nil
}

func (m *MemoryRepository) ListColumns(ctx context.Context, projectID string) ([]*Column, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cols := make([]*Column, 0, len(m.columns[projectID]))
	for _, c := range m.columns[projectID] {
		cp := *c
		cols = append(cols, &cp)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Position < cols[j].Position })
	return cols, nil
}

func (m *MemoryRepository) CreateTask(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *MemoryRepository) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return copyTask(t), nil
}

func (m *MemoryRepository) UpdateTask(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return apperrors.NotFound("task", t.ID)
	}
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *MemoryRepository) ListTasks(ctx context.Context, projectID string) ([]*Task, error) {
	return m.filterTasks(projectID, func(*Task) bool { return true })
}

func (m *MemoryRepository) ListTasksByStatus(ctx context.Context, projectID, status string) ([]*Task, error) {
	return m.filterTasks(projectID, func(t *Task) bool { return t.Status == status })
}

func (m *MemoryRepository) filterTasks(projectID string, keep func(*Task) bool) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.ProjectID == projectID && keep(t) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ColumnID != out[j].ColumnID {
			return out[i].ColumnID < out[j].ColumnID
		}
		return out[i].ColumnPosition < out[j].ColumnPosition
	})
	return out, nil
}

func (m *MemoryRepository) FindTaskByPRNumber(ctx context.Context, projectID string, prNumber int) (*Task, error) {
	return m.findTask(projectID, MetaPRNumber, strconv.Itoa(prNumber))
}

func (m *MemoryRepository) FindTaskByPRURL(ctx context.Context, projectID, prURL string) (*Task, error) {
	return m.findTask(projectID, MetaPRURL, prURL)
}

func (m *MemoryRepository) FindTaskByBranch(ctx context.Context, projectID, branch string) (*Task, error) {
	return m.findTask(projectID, MetaGitBranch, branch)
}

func (m *MemoryRepository) findTask(projectID, metaKey, value string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		if t.ProjectID == projectID && t.Metadata[metaKey] == value {
			return copyTask(t), nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps[taskID] = append(m.deps[taskID], dependsOn)
	return nil
}

func (m *MemoryRepository) ListDependencies(ctx context.Context, taskID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.deps[taskID]...), nil
}

func (m *MemoryRepository) CreateAssignment(ctx context.Context, a *AgentAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.assignments[a.ProjectID] = append(m.assignments[a.ProjectID], &cp)
	return nil
}

func (m *MemoryRepository) ListAssignments(ctx context.Context, projectID string) ([]*AgentAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AgentAssignment, 0, len(m.assignments[projectID]))
	for _, a := range m.assignments[projectID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func copyTask(t *Task) *Task {
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}
