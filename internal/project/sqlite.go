package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/db"
	"github.com/djinnbot/djinnbot/internal/db/dialect"
)

// SQLRepository persists projects on the relational state store. The same
// implementation serves SQLite and PostgreSQL; driver differences are
// confined to dialect helpers and query rebinding.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

func NewSQLRepository(pool *db.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

type projectRow struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	RepoURL       string `db:"repo_url"`
	DefaultBranch string `db:"default_branch"`
	Semantics     string `db:"status_semantics"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (r projectRow) toModel() (*Project, error) {
	p := &Project{
		ID:            r.ID,
		Name:          r.Name,
		RepoURL:       r.RepoURL,
		DefaultBranch: r.DefaultBranch,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Semantics), &p.Semantics); err != nil {
		return nil, fmt.Errorf("corrupt status_semantics for project %s: %w", r.ID, err)
	}
	return p, nil
}

func (s *SQLRepository) CreateProject(ctx context.Context, p *Project) error {
	semantics, err := json.Marshal(p.Semantics)
	if err != nil {
		return fmt.Errorf("failed to encode status semantics: %w", err)
	}
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO projects (id, name, repo_url, default_branch, status_semantics, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.Name, p.RepoURL, p.DefaultBranch, string(semantics), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

func (s *SQLRepository) GetProject(ctx context.Context, id string) (*Project, error) {
	var row projectRow
	rd := s.pool.Reader()
	err := rd.GetContext(ctx, &row, rd.Rebind(`SELECT * FROM projects WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return row.toModel()
}

func (s *SQLRepository) GetProjectByRepoURL(ctx context.Context, repoURL string) (*Project, error) {
	var row projectRow
	rd := s.pool.Reader()
	err := rd.GetContext(ctx, &row, rd.Rebind(`SELECT * FROM projects WHERE repo_url = ?`), repoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("project", repoURL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project by repo url: %w", err)
	}
	return row.toModel()
}

func (s *SQLRepository) ListProjects(ctx context.Context) ([]*Project, error) {
	var rows []projectRow
	rd := s.pool.Reader()
	if err := rd.SelectContext(ctx, &rows, `SELECT * FROM projects ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	projects := make([]*Project, 0, len(rows))
	for _, row := range rows {
		p, err := row.toModel()
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

func (s *SQLRepository) CreateColumn(ctx context.Context, c *Column) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO board_columns (id, project_id, name, position, status)
		VALUES (?, ?, ?, ?, ?)`),
		c.ID, c.ProjectID, c.Name, c.Position, c.Status)
	if err != nil {
		return fmt.Errorf("failed to create column: %w", err)
	}
	return nil
}

func (s *SQLRepository) ListColumns(ctx context.Context, projectID string) ([]*Column, error) {
	var columns []*Column
	rd := s.pool.Reader()
	err := rd.SelectContext(ctx, &columns,
		rd.Rebind(`SELECT * FROM board_columns WHERE project_id = ? ORDER BY position`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	return columns, nil
}

type taskRow struct {
	ID             string `db:"id"`
	ProjectID      string `db:"project_id"`
	Title          string `db:"title"`
	Description    string `db:"description"`
	Status         string `db:"status"`
	Priority       int    `db:"priority"`
	AssignedAgent  string `db:"assigned_agent_id"`
	RunID          string `db:"run_id"`
	ParentTaskID   string `db:"parent_task_id"`
	Tags           string `db:"tags"`
	ColumnID       string `db:"column_id"`
	ColumnPosition int    `db:"column_position"`
	Metadata       string `db:"metadata"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
	CompletedAt    *int64 `db:"completed_at"`
}

func (r taskRow) toModel() (*Task, error) {
	t := &Task{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		Title:          r.Title,
		Description:    r.Description,
		Status:         r.Status,
		Priority:       r.Priority,
		AssignedAgent:  r.AssignedAgent,
		RunID:          r.RunID,
		ParentTaskID:   r.ParentTaskID,
		ColumnID:       r.ColumnID,
		ColumnPosition: r.ColumnPosition,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    r.CompletedAt,
	}
	if err := json.Unmarshal([]byte(r.Tags), &t.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags for task %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for task %s: %w", r.ID, err)
	}
	return t, nil
}

func encodeTask(t *Task) (tags, metadata string, err error) {
	tagsRaw, err := json.Marshal(orEmptySlice(t.Tags))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode tags: %w", err)
	}
	metaRaw, err := json.Marshal(orEmptyMap(t.Metadata))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(tagsRaw), string(metaRaw), nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (s *SQLRepository) CreateTask(ctx context.Context, t *Task) error {
	tags, metadata, err := encodeTask(t)
	if err != nil {
		return err
	}
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO tasks (id, project_id, title, description, status, priority,
			assigned_agent_id, run_id, parent_task_id, tags, column_id, column_position,
			metadata, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority,
		t.AssignedAgent, t.RunID, t.ParentTaskID, tags, t.ColumnID, t.ColumnPosition,
		metadata, t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *SQLRepository) GetTask(ctx context.Context, id string) (*Task, error) {
	var row taskRow
	rd := s.pool.Reader()
	err := rd.GetContext(ctx, &row, rd.Rebind(`SELECT * FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toModel()
}

func (s *SQLRepository) UpdateTask(ctx context.Context, t *Task) error {
	tags, metadata, err := encodeTask(t)
	if err != nil {
		return err
	}
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?,
			assigned_agent_id = ?, run_id = ?, parent_task_id = ?, tags = ?,
			column_id = ?, column_position = ?, metadata = ?, updated_at = ?,
			completed_at = ?
		WHERE id = ?`),
		t.Title, t.Description, t.Status, t.Priority,
		t.AssignedAgent, t.RunID, t.ParentTaskID, tags,
		t.ColumnID, t.ColumnPosition, metadata, t.UpdatedAt,
		t.CompletedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("task", t.ID)
	}
	return nil
}

func (s *SQLRepository) ListTasks(ctx context.Context, projectID string) ([]*Task, error) {
	rd := s.pool.Reader()
	return s.selectTasks(ctx,
		rd.Rebind(`SELECT * FROM tasks WHERE project_id = ? ORDER BY column_id, column_position`), projectID)
}

func (s *SQLRepository) ListTasksByStatus(ctx context.Context, projectID, status string) ([]*Task, error) {
	rd := s.pool.Reader()
	return s.selectTasks(ctx,
		rd.Rebind(`SELECT * FROM tasks WHERE project_id = ? AND status = ? ORDER BY column_position`),
		projectID, status)
}

func (s *SQLRepository) selectTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	var rows []taskRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]*Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *SQLRepository) FindTaskByPRNumber(ctx context.Context, projectID string, prNumber int) (*Task, error) {
	rd := s.pool.Reader()
	query := fmt.Sprintf(`SELECT * FROM tasks WHERE project_id = ? AND %s = ? LIMIT 1`,
		dialect.JSONExtract(s.pool.DriverName(), "metadata", MetaPRNumber))
	return s.findTask(ctx, rd.Rebind(query), projectID, strconv.Itoa(prNumber))
}

func (s *SQLRepository) FindTaskByPRURL(ctx context.Context, projectID, prURL string) (*Task, error) {
	rd := s.pool.Reader()
	query := fmt.Sprintf(`SELECT * FROM tasks WHERE project_id = ? AND %s = ? LIMIT 1`,
		dialect.JSONExtract(s.pool.DriverName(), "metadata", MetaPRURL))
	return s.findTask(ctx, rd.Rebind(query), projectID, prURL)
}

func (s *SQLRepository) FindTaskByBranch(ctx context.Context, projectID, branch string) (*Task, error) {
	rd := s.pool.Reader()
	query := fmt.Sprintf(`SELECT * FROM tasks WHERE project_id = ? AND %s = ? LIMIT 1`,
		dialect.JSONExtract(s.pool.DriverName(), "metadata", MetaGitBranch))
	return s.findTask(ctx, rd.Rebind(query), projectID, branch)
}

func (s *SQLRepository) findTask(ctx context.Context, query string, args ...any) (*Task, error) {
	var row taskRow
	err := s.pool.Reader().GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task: %w", err)
	}
	return row.toModel()
}

func (s *SQLRepository) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx,
		w.Rebind(`INSERT INTO task_dependencies (task_id, depends_on) VALUES (?, ?)`),
		taskID, dependsOn)
	if err != nil {
		return fmt.Errorf("failed to add dependency: %w", err)
	}
	return nil
}

func (s *SQLRepository) ListDependencies(ctx context.Context, taskID string) ([]string, error) {
	var deps []string
	rd := s.pool.Reader()
	err := rd.SelectContext(ctx, &deps,
		rd.Rebind(`SELECT depends_on FROM task_dependencies WHERE task_id = ?`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	return deps, nil
}

type assignmentRow struct {
	ID            string `db:"id"`
	ProjectID     string `db:"project_id"`
	AgentID       string `db:"agent_id"`
	EventType     string `db:"event_type"`
	Action        string `db:"action"`
	FilterLabels  string `db:"filter_labels"`
	FilterPaths   string `db:"filter_paths"`
	FilterAuthors string `db:"filter_authors"`
	AutoRespond   int    `db:"auto_respond"`
	CreatedAt     int64  `db:"created_at"`
}

func (r assignmentRow) toModel() (*AgentAssignment, error) {
	a := &AgentAssignment{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		AgentID:     r.AgentID,
		EventType:   r.EventType,
		Action:      r.Action,
		AutoRespond: r.AutoRespond != 0,
		CreatedAt:   r.CreatedAt,
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{r.FilterLabels, &a.FilterLabels},
		{r.FilterPaths, &a.FilterPaths},
		{r.FilterAuthors, &a.FilterAuthors},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("corrupt filters for assignment %s: %w", r.ID, err)
		}
	}
	return a, nil
}

func (s *SQLRepository) CreateAssignment(ctx context.Context, a *AgentAssignment) error {
	labels, err := json.Marshal(orEmptySlice(a.FilterLabels))
	if err != nil {
		return fmt.Errorf("failed to encode filter labels: %w", err)
	}
	paths, err := json.Marshal(orEmptySlice(a.FilterPaths))
	if err != nil {
		return fmt.Errorf("failed to encode filter paths: %w", err)
	}
	authors, err := json.Marshal(orEmptySlice(a.FilterAuthors))
	if err != nil {
		return fmt.Errorf("failed to encode filter authors: %w", err)
	}
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agent_assignments (id, project_id, agent_id, event_type, action,
			filter_labels, filter_paths, filter_authors, auto_respond, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.ProjectID, a.AgentID, a.EventType, a.Action,
		string(labels), string(paths), string(authors), dialect.BoolToInt(a.AutoRespond), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return nil
}

func (s *SQLRepository) ListAssignments(ctx context.Context, projectID string) ([]*AgentAssignment, error) {
	var rows []assignmentRow
	rd := s.pool.Reader()
	err := rd.SelectContext(ctx, &rows,
		rd.Rebind(`SELECT * FROM agent_assignments WHERE project_id = ? ORDER BY created_at`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	assignments := make([]*AgentAssignment, 0, len(rows))
	for _, row := range rows {
		a, err := row.toModel()
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}
