// Package run implements pipeline run dispatch and reconciliation: creating
// runs, guarding their state machine, and folding engine-emitted bus events
// back into durable run and step state.
package run

import "fmt"

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// IsTerminal reports whether a run status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition guards the run state machine. Status is monotone except for
// the paused/running edge, which is the only reversible one.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to == StatusPaused || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusPaused:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	default:
		return false
	}
}

// Run is one execution of a pipeline.
type Run struct {
	ID              string            `json:"id" db:"id"`
	PipelineID      string            `json:"pipeline_id" db:"pipeline_id"`
	ProjectID       string            `json:"project_id,omitempty" db:"project_id"`
	TaskDescription string            `json:"task_description" db:"task_description"`
	Status          string            `json:"status" db:"status"`
	CurrentStepID   string            `json:"current_step_id,omitempty" db:"current_step_id"`
	Outputs         map[string]string `json:"outputs" db:"-"`
	HumanContext    map[string]string `json:"human_context,omitempty" db:"-"`
	ModelOverride   string            `json:"model_override,omitempty" db:"model_override"`
	TaskBranch      string            `json:"task_branch,omitempty" db:"task_branch"`
	WorkspaceType   string            `json:"workspace_type,omitempty" db:"workspace_type"`
	CreatedAt       int64             `json:"created_at" db:"created_at"`
	UpdatedAt       int64             `json:"updated_at" db:"updated_at"`
	CompletedAt     *int64            `json:"completed_at,omitempty" db:"completed_at"`
}

// Human-context keys the reconciler understands.
const (
	ContextTaskID          = "task_id"
	ContextPlanningRun     = "planning_run"
	ContextAgenticPlanning = "agentic_planning"
)

// Step is a pipeline stage within a run. Its id is the composite
// {run_id}_{step_logical_id}.
type Step struct {
	ID            string            `json:"id" db:"id"`
	RunID         string            `json:"run_id" db:"run_id"`
	StepLogicalID string            `json:"step_id" db:"step_logical_id"`
	AgentID       string            `json:"agent_id,omitempty" db:"agent_id"`
	Status        string            `json:"status" db:"status"`
	Inputs        map[string]string `json:"inputs" db:"-"`
	Outputs       map[string]string `json:"outputs" db:"-"`
	Error         string            `json:"error,omitempty" db:"error"`
	RetryCount    int               `json:"retry_count" db:"retry_count"`
	MaxRetries    int               `json:"max_retries" db:"max_retries"`
	SessionID     string            `json:"session_id,omitempty" db:"session_id"`
	StartedAt     *int64            `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *int64            `json:"completed_at,omitempty" db:"completed_at"`
}

// StepID builds the composite step id.
func StepID(runID, stepLogicalID string) string {
	return fmt.Sprintf("%s_%s", runID, stepLogicalID)
}
