package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/db"
)

// SQLRepository persists runs and steps on the relational state store.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

func NewSQLRepository(pool *db.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

type runRow struct {
	ID              string `db:"id"`
	PipelineID      string `db:"pipeline_id"`
	ProjectID       string `db:"project_id"`
	TaskDescription string `db:"task_description"`
	Status          string `db:"status"`
	CurrentStepID   string `db:"current_step_id"`
	Outputs         string `db:"outputs"`
	HumanContext    string `db:"human_context"`
	ModelOverride   string `db:"model_override"`
	TaskBranch      string `db:"task_branch"`
	WorkspaceType   string `db:"workspace_type"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
	CompletedAt     *int64 `db:"completed_at"`
}

func (r runRow) toModel() (*Run, error) {
	out := &Run{
		ID:              r.ID,
		PipelineID:      r.PipelineID,
		ProjectID:       r.ProjectID,
		TaskDescription: r.TaskDescription,
		Status:          r.Status,
		CurrentStepID:   r.CurrentStepID,
		ModelOverride:   r.ModelOverride,
		TaskBranch:      r.TaskBranch,
		WorkspaceType:   r.WorkspaceType,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		CompletedAt:     r.CompletedAt,
	}
	if err := json.Unmarshal([]byte(r.Outputs), &out.Outputs); err != nil {
		return nil, fmt.Errorf("corrupt outputs for run %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.HumanContext), &out.HumanContext); err != nil {
		return nil, fmt.Errorf("corrupt human_context for run %s: %w", r.ID, err)
	}
	return out, nil
}

func encodeRun(r *Run) (outputs, humanContext string, err error) {
	o, err := json.Marshal(orEmptyMap(r.Outputs))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode outputs: %w", err)
	}
	h, err := json.Marshal(orEmptyMap(r.HumanContext))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode human_context: %w", err)
	}
	return string(o), string(h), nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (s *SQLRepository) CreateRun(ctx context.Context, r *Run) error {
	outputs, humanContext, err := encodeRun(r)
	if err != nil {
		return err
	}
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO runs (id, pipeline_id, project_id, task_description, status,
			current_step_id, outputs, human_context, model_override, task_branch,
			workspace_type, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.PipelineID, r.ProjectID, r.TaskDescription, r.Status,
		r.CurrentStepID, outputs, humanContext, r.ModelOverride, r.TaskBranch,
		r.WorkspaceType, r.CreatedAt, r.UpdatedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	var row runRow
	rd := s.pool.Reader()
	err := rd.GetContext(ctx, &row, rd.Rebind(`SELECT * FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toModel()
}

func (s *SQLRepository) UpdateRun(ctx context.Context, r *Run) error {
	outputs, humanContext, err := encodeRun(r)
	if err != nil {
		return err
	}
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE runs SET status = ?, current_step_id = ?, outputs = ?,
			human_context = ?, task_branch = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`),
		r.Status, r.CurrentStepID, outputs,
		humanContext, r.TaskBranch, r.UpdatedAt, r.CompletedAt, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("run", r.ID)
	}
	return nil
}

func (s *SQLRepository) DeleteRun(ctx context.Context, id string) error {
	w := s.pool.Writer()
	// Steps are removed explicitly so SQLite files created without FK
	// cascades still clean up.
	if _, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM steps WHERE run_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete run steps: %w", err)
	}
	if _, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM runs WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

func (s *SQLRepository) ListRuns(ctx context.Context, projectID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rd := s.pool.Reader()
	var rows []runRow
	var err error
	if projectID != "" {
		err = rd.SelectContext(ctx, &rows,
			rd.Rebind(`SELECT * FROM runs WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`),
			projectID, limit)
	} else {
		err = rd.SelectContext(ctx, &rows,
			rd.Rebind(`SELECT * FROM runs ORDER BY created_at DESC LIMIT ?`), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	runs := make([]*Run, 0, len(rows))
	for _, row := range rows {
		r, err := row.toModel()
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

type stepRow struct {
	ID            string `db:"id"`
	RunID         string `db:"run_id"`
	StepLogicalID string `db:"step_logical_id"`
	AgentID       string `db:"agent_id"`
	Status        string `db:"status"`
	Inputs        string `db:"inputs"`
	Outputs       string `db:"outputs"`
	Error         string `db:"error"`
	RetryCount    int    `db:"retry_count"`
	MaxRetries    int    `db:"max_retries"`
	SessionID     string `db:"session_id"`
	StartedAt     *int64 `db:"started_at"`
	CompletedAt   *int64 `db:"completed_at"`
}

func (r stepRow) toModel() (*Step, error) {
	out := &Step{
		ID:            r.ID,
		RunID:         r.RunID,
		StepLogicalID: r.StepLogicalID,
		AgentID:       r.AgentID,
		Status:        r.Status,
		Error:         r.Error,
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		SessionID:     r.SessionID,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
	if err := json.Unmarshal([]byte(r.Inputs), &out.Inputs); err != nil {
		return nil, fmt.Errorf("corrupt inputs for step %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Outputs), &out.Outputs); err != nil {
		return nil, fmt.Errorf("corrupt outputs for step %s: %w", r.ID, err)
	}
	return out, nil
}

func (s *SQLRepository) CreateStep(ctx context.Context, st *Step) error {
	inputs, err := json.Marshal(orEmptyMap(st.Inputs))
	if err != nil {
		return fmt.Errorf("failed to encode step inputs: %w", err)
	}
	outputs, err := json.Marshal(orEmptyMap(st.Outputs))
	if err != nil {
		return fmt.Errorf("failed to encode step outputs: %w", err)
	}
	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO steps (id, run_id, step_logical_id, agent_id, status, inputs,
			outputs, error, retry_count, max_retries, session_id, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		st.ID, st.RunID, st.StepLogicalID, st.AgentID, st.Status, string(inputs),
		string(outputs), st.Error, st.RetryCount, st.MaxRetries, st.SessionID,
		st.StartedAt, st.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

func (s *SQLRepository) GetStep(ctx context.Context, id string) (*Step, error) {
	var row stepRow
	rd := s.pool.Reader()
	err := rd.GetContext(ctx, &row, rd.Rebind(`SELECT * FROM steps WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("step", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return row.toModel()
}

func (s *SQLRepository) UpdateStep(ctx context.Context, st *Step) error {
	inputs, err := json.Marshal(orEmptyMap(st.Inputs))
	if err != nil {
		return fmt.Errorf("failed to encode step inputs: %w", err)
	}
	outputs, err := json.Marshal(orEmptyMap(st.Outputs))
	if err != nil {
		return fmt.Errorf("failed to encode step outputs: %w", err)
	}
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE steps SET status = ?, inputs = ?, outputs = ?, error = ?,
			retry_count = ?, session_id = ?, started_at = ?, completed_at = ?
		WHERE id = ?`),
		st.Status, string(inputs), string(outputs), st.Error,
		st.RetryCount, st.SessionID, st.StartedAt, st.CompletedAt, st.ID)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("step", st.ID)
	}
	return nil
}

func (s *SQLRepository) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	var rows []stepRow
	rd := s.pool.Reader()
	err := rd.SelectContext(ctx, &rows,
		rd.Rebind(`SELECT * FROM steps WHERE run_id = ? ORDER BY id`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	steps := make([]*Step, 0, len(rows))
	for _, row := range rows {
		st, err := row.toModel()
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, nil
}
