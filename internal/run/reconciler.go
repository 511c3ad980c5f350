package run

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
	"github.com/djinnbot/djinnbot/internal/project"
)

const (
	reconcileBlock     = 5 * time.Second
	reconcileBatchSize = 100
	reconcileRetries   = 3
)

// TaskBridge is the slice of the project service the reconciler needs to
// close out task-linked and planning-linked runs.
type TaskBridge interface {
	CompleteTaskFromRun(ctx context.Context, taskID string, succeeded bool, note string) error
	ImportPlannedTasks(ctx context.Context, projectID, runID string, planned []project.PlannedTask) (int, error)
	ReflowBlocked(ctx context.Context, projectID string) (int, error)
}

// Reconciler consumes events:global and folds engine progress back into
// durable run and step state. It is safe to rerun from any cursor: every
// write checks the current state first and skips if already applied.
type Reconciler struct {
	repo   Repository
	bus    bus.EventBus
	tasks  TaskBridge
	logger *logger.Logger
}

func NewReconciler(repo Repository, eventBus bus.EventBus, tasks TaskBridge, log *logger.Logger) *Reconciler {
	return &Reconciler{repo: repo, bus: eventBus, tasks: tasks, logger: log}
}

// Run drives the reconcile loop until ctx is cancelled. The cursor is
// persisted on the bus so a restarted process resumes where it left off.
func (r *Reconciler) Run(ctx context.Context) error {
	cursor, err := r.loadCursor(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("reconciler started", zap.String("cursor", cursor.String()))

	for {
		if ctx.Err() != nil {
			return nil
		}
		entries, err := r.bus.ReadBlocking(ctx, events.GlobalStream, cursor, reconcileBatchSize, reconcileBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("reconciler read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for _, entry := range entries {
			r.processEntry(ctx, entry)
			cursor = entry.ID
			if err := r.saveCursor(ctx, cursor); err != nil {
				r.logger.Error("failed to persist reconcile cursor", zap.Error(err))
			}
		}
	}
}

// processEntry applies one event with bounded retries. Permanent errors are
// dead-lettered (logged and skipped) so one bad event cannot wedge the loop.
func (r *Reconciler) processEntry(ctx context.Context, entry bus.Entry) {
	var err error
	for attempt := 0; attempt < reconcileRetries; attempt++ {
		err = r.handle(ctx, entry)
		if err == nil {
			return
		}
		if apperrors.IsNotFound(err) {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	r.logger.Error("event dead-lettered",
		zap.String("stream_id", entry.ID.String()),
		zap.String("type", entry.Values["type"]),
		zap.Error(err))
}

func (r *Reconciler) handle(ctx context.Context, entry bus.Entry) error {
	env, err := events.Decode(entry.Values)
	if err != nil {
		r.logger.Warn("skipping undecodable event", zap.String("stream_id", entry.ID.String()))
		return nil
	}

	switch env.Type {
	case events.StepStarted:
		return r.onStepStarted(ctx, env)
	case events.StepComplete:
		return r.onStepFinished(ctx, env, StepCompleted)
	case events.StepFailed:
		return r.onStepFinished(ctx, env, StepFailed)
	case events.RunComplete:
		return r.onRunFinished(ctx, env, StatusCompleted)
	case events.RunFailed:
		return r.onRunFinished(ctx, env, StatusFailed)
	default:
		// Not a run lifecycle event; other consumers own it.
		return nil
	}
}

func (r *Reconciler) onStepStarted(ctx context.Context, env events.Envelope) error {
	ev, err := events.DecodePayload[events.RunEvent](env)
	if err != nil {
		return err
	}
	step, err := r.repo.GetStep(ctx, StepID(ev.RunID, ev.StepID))
	if err != nil {
		return err
	}
	if step.Status == StepPending {
		now := time.Now().UnixMilli()
		step.Status = StepRunning
		step.StartedAt = &now
		if ev.Outputs != nil {
			step.Inputs = ev.Outputs
		}
		if err := r.repo.UpdateStep(ctx, step); err != nil {
			return err
		}
	}

	run, err := r.repo.GetRun(ctx, ev.RunID)
	if err != nil {
		return err
	}
	changed := false
	if run.Status == StatusPending {
		run.Status = StatusRunning
		changed = true
	}
	if run.CurrentStepID != ev.StepID && !IsTerminal(run.Status) {
		run.CurrentStepID = ev.StepID
		changed = true
	}
	if changed {
		run.UpdatedAt = time.Now().UnixMilli()
		return r.repo.UpdateRun(ctx, run)
	}
	return nil
}

func (r *Reconciler) onStepFinished(ctx context.Context, env events.Envelope, status string) error {
	ev, err := events.DecodePayload[events.RunEvent](env)
	if err != nil {
		return err
	}
	step, err := r.repo.GetStep(ctx, StepID(ev.RunID, ev.StepID))
	if err != nil {
		return err
	}
	if step.Status == status {
		return nil
	}
	now := time.Now().UnixMilli()
	step.Status = status
	step.CompletedAt = &now
	if status == StepCompleted && ev.Outputs != nil {
		step.Outputs = ev.Outputs
	}
	if status == StepFailed {
		step.Error = ev.Error
	}
	if err := r.repo.UpdateStep(ctx, step); err != nil {
		return err
	}

	if status == StepCompleted && len(ev.Outputs) > 0 {
		run, err := r.repo.GetRun(ctx, ev.RunID)
		if err != nil {
			return err
		}
		if run.Outputs == nil {
			run.Outputs = map[string]string{}
		}
		for k, v := range ev.Outputs {
			run.Outputs[k] = v
		}
		run.UpdatedAt = now
		return r.repo.UpdateRun(ctx, run)
	}
	return nil
}

func (r *Reconciler) onRunFinished(ctx context.Context, env events.Envelope, status string) error {
	ev, err := events.DecodePayload[events.RunEvent](env)
	if err != nil {
		return err
	}
	run, err := r.repo.GetRun(ctx, ev.RunID)
	if err != nil {
		return err
	}
	if IsTerminal(run.Status) {
		// Already applied. Redelivery must not repeat the side effects
		// below: a second planning import would duplicate every task.
		return nil
	}

	now := time.Now().UnixMilli()
	run.Status = status
	run.CompletedAt = &now
	run.UpdatedAt = now
	if len(ev.Outputs) > 0 {
		if run.Outputs == nil {
			run.Outputs = map[string]string{}
		}
		for k, v := range ev.Outputs {
			run.Outputs[k] = v
		}
	}
	if status == StatusFailed && ev.Error != "" {
		run.HumanContext = ensureMap(run.HumanContext)
		run.HumanContext["error"] = ev.Error
	}
	if err := r.repo.UpdateRun(ctx, run); err != nil {
		return err
	}

	r.bridgeTask(ctx, run, status == StatusCompleted)
	if status == StatusCompleted {
		r.postProcessPlanning(ctx, run)
	}
	return nil
}

// bridgeTask closes the task a run was created for, if any.
func (r *Reconciler) bridgeTask(ctx context.Context, run *Run, succeeded bool) {
	taskID := run.HumanContext[ContextTaskID]
	if taskID == "" || r.tasks == nil {
		return
	}
	note := "run " + run.ID + " finished"
	if !succeeded {
		note = "run " + run.ID + " failed"
	}
	if err := r.tasks.CompleteTaskFromRun(ctx, taskID, succeeded, note); err != nil {
		r.logger.Error("failed to bridge task status",
			zap.String("run_id", run.ID),
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// postProcessPlanning imports tasks produced by a planning run, or reflows
// blocked tasks for the agentic variant where tasks were created mid-run via
// tool calls.
func (r *Reconciler) postProcessPlanning(ctx context.Context, run *Run) {
	if r.tasks == nil || run.ProjectID == "" {
		return
	}
	switch {
	case run.HumanContext[ContextAgenticPlanning] == "true":
		moved, err := r.tasks.ReflowBlocked(ctx, run.ProjectID)
		if err != nil {
			r.logger.Error("planning reflow failed", zap.String("run_id", run.ID), zap.Error(err))
			return
		}
		r.logger.Info("planning reflow finished",
			zap.String("run_id", run.ID),
			zap.Int("released", moved))
	case run.HumanContext[ContextPlanningRun] == "true":
		raw := run.Outputs["tasks"]
		if raw == "" {
			return
		}
		var planned []project.PlannedTask
		if err := json.Unmarshal([]byte(raw), &planned); err != nil {
			r.logger.Error("planning output is not valid task JSON",
				zap.String("run_id", run.ID),
				zap.Error(err))
			return
		}
		count, err := r.tasks.ImportPlannedTasks(ctx, run.ProjectID, run.ID, planned)
		if err != nil {
			r.logger.Error("planning import failed", zap.String("run_id", run.ID), zap.Error(err))
			return
		}
		r.logger.Info("planning import finished",
			zap.String("run_id", run.ID),
			zap.Int("tasks", count))
	}
}

func (r *Reconciler) loadCursor(ctx context.Context) (bus.StreamID, error) {
	raw, ok, err := r.bus.Get(ctx, events.DispatcherCursorKey)
	if err != nil {
		return bus.StreamID{}, apperrors.BusUnavailable(err)
	}
	if !ok {
		return bus.StreamID{}, nil
	}
	return bus.ParseStreamID(raw)
}

func (r *Reconciler) saveCursor(ctx context.Context, cursor bus.StreamID) error {
	return r.bus.Set(ctx, events.DispatcherCursorKey, cursor.String(), 0)
}

func ensureMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
