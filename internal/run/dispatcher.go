package run

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
	"github.com/djinnbot/djinnbot/internal/pipeline"
)

// Dispatcher creates runs and drives their state machine. Execution itself
// belongs to the engine; the dispatcher's contract ends at publishing the
// dispatch record and reconciling status from the event stream.
type Dispatcher struct {
	repo      Repository
	pipelines *pipeline.Registry
	bus       bus.EventBus
	logger    *logger.Logger
}

func NewDispatcher(repo Repository, pipelines *pipeline.Registry, eventBus bus.EventBus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{repo: repo, pipelines: pipelines, bus: eventBus, logger: log}
}

// CreateRunRequest carries the caller-supplied fields of a new run.
type CreateRunRequest struct {
	PipelineID      string            `json:"pipeline_id"`
	ProjectID       string            `json:"project_id,omitempty"`
	TaskDescription string            `json:"task"`
	HumanContext    map[string]string `json:"human_context,omitempty"`
	ModelOverride   string            `json:"model,omitempty"`
	WorkspaceType   string            `json:"workspace_type,omitempty"`
}

// CreateRun validates the pipeline reference, persists the run with its
// pending steps, and publishes RUN_CREATED plus the dispatch record.
func (d *Dispatcher) CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	if req.PipelineID == "" {
		return nil, apperrors.InvalidInput("pipeline_id is required")
	}
	if req.TaskDescription == "" {
		return nil, apperrors.InvalidInput("task is required")
	}
	def, ok := d.pipelines.Get(req.PipelineID)
	if !ok {
		return nil, apperrors.PipelineNotFound(req.PipelineID)
	}

	now := time.Now().UnixMilli()
	r := &Run{
		ID:              "run_" + uuid.NewString(),
		PipelineID:      req.PipelineID,
		ProjectID:       req.ProjectID,
		TaskDescription: req.TaskDescription,
		Status:          StatusPending,
		Outputs:         map[string]string{},
		HumanContext:    req.HumanContext,
		ModelOverride:   req.ModelOverride,
		WorkspaceType:   req.WorkspaceType,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := d.repo.CreateRun(ctx, r); err != nil {
		return nil, err
	}
	for _, stepDef := range def.Steps {
		step := &Step{
			ID:            StepID(r.ID, stepDef.ID),
			RunID:         r.ID,
			StepLogicalID: stepDef.ID,
			AgentID:       stepDef.AgentID,
			Status:        StepPending,
			MaxRetries:    stepDef.MaxRetries,
		}
		if err := d.repo.CreateStep(ctx, step); err != nil {
			return nil, err
		}
	}

	if err := d.publishRunEvent(ctx, events.RunCreated, r, "", nil, ""); err != nil {
		return nil, err
	}
	if err := d.publishDispatch(ctx, r); err != nil {
		return nil, err
	}

	d.logger.Info("run created",
		zap.String("run_id", r.ID),
		zap.String("pipeline_id", r.PipelineID))
	return r, nil
}

// GetRun returns a run with its full step list.
func (d *Dispatcher) GetRun(ctx context.Context, id string) (*Run, []*Step, error) {
	r, err := d.repo.GetRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	steps, err := d.repo.ListSteps(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return r, steps, nil
}

// Cancel moves a run to cancelled and signals the engine on the run's
// control channel.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*Run, error) {
	r, err := d.transition(ctx, id, StatusCancelled)
	if err != nil {
		return nil, err
	}
	signal, _ := json.Marshal(map[string]string{"action": "cancel", "run_id": id})
	if err := d.bus.Publish(ctx, runControlChannel(id), signal); err != nil {
		d.logger.Error("failed to publish cancel signal", zap.String("run_id", id), zap.Error(err))
	}
	return r, nil
}

// Pause suspends a running run.
func (d *Dispatcher) Pause(ctx context.Context, id string) (*Run, error) {
	return d.transition(ctx, id, StatusPaused)
}

// Resume continues a paused run.
func (d *Dispatcher) Resume(ctx context.Context, id string) (*Run, error) {
	return d.transition(ctx, id, StatusRunning)
}

// Restart copies a run's inputs to a fresh run id and dispatches it.
func (d *Dispatcher) Restart(ctx context.Context, id string) (*Run, error) {
	old, err := d.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.CreateRun(ctx, CreateRunRequest{
		PipelineID:      old.PipelineID,
		ProjectID:       old.ProjectID,
		TaskDescription: old.TaskDescription,
		HumanContext:    old.HumanContext,
		ModelOverride:   old.ModelOverride,
		WorkspaceType:   old.WorkspaceType,
	})
}

// Delete removes a run and its steps.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	if _, err := d.repo.GetRun(ctx, id); err != nil {
		return err
	}
	return d.repo.DeleteRun(ctx, id)
}

// ListRuns returns recent runs, optionally filtered by project.
func (d *Dispatcher) ListRuns(ctx context.Context, projectID string, limit int) ([]*Run, error) {
	return d.repo.ListRuns(ctx, projectID, limit)
}

func (d *Dispatcher) transition(ctx context.Context, id, to string) (*Run, error) {
	r, err := d.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, to) {
		return nil, apperrors.PreconditionFailed(r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = time.Now().UnixMilli()
	if IsTerminal(to) {
		now := time.Now().UnixMilli()
		r.CompletedAt = &now
	}
	if err := d.repo.UpdateRun(ctx, r); err != nil {
		return nil, err
	}
	d.logger.Info("run transitioned",
		zap.String("run_id", id),
		zap.String("status", to))
	return r, nil
}

func (d *Dispatcher) publishRunEvent(ctx context.Context, eventType string, r *Run, stepID string, outputs map[string]string, errMsg string) error {
	values, err := events.Encode(eventType, events.RunEvent{
		RunID:      r.ID,
		PipelineID: r.PipelineID,
		StepID:     stepID,
		Outputs:    outputs,
		Error:      errMsg,
	})
	if err != nil {
		return err
	}
	if _, err := d.bus.Append(ctx, events.GlobalStream, values); err != nil {
		return apperrors.BusUnavailable(err)
	}
	return nil
}

func (d *Dispatcher) publishDispatch(ctx context.Context, r *Run) error {
	record := map[string]string{
		"run_id":      r.ID,
		"pipeline_id": r.PipelineID,
		"project_id":  r.ProjectID,
	}
	if r.ModelOverride != "" {
		record["model"] = r.ModelOverride
	}
	if r.WorkspaceType != "" {
		record["workspace_type"] = r.WorkspaceType
	}
	if _, err := d.bus.Append(ctx, events.NewRunsStream, record); err != nil {
		return apperrors.BusUnavailable(err)
	}
	return nil
}

func runControlChannel(runID string) string {
	return "runs:" + runID + ":control"
}
