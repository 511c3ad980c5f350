package run

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
	"github.com/djinnbot/djinnbot/internal/project"
)

type fakeBridge struct {
	completed   []string
	succeeded   map[string]bool
	imported    []project.PlannedTask
	importCalls int
	reflowed    int
}

func (f *fakeBridge) CompleteTaskFromRun(ctx context.Context, taskID string, succeeded bool, note string) error {
	f.completed = append(f.completed, taskID)
	if f.succeeded == nil {
		f.succeeded = make(map[string]bool)
	}
	f.succeeded[taskID] = succeeded
	return nil
}

func (f *fakeBridge) ImportPlannedTasks(ctx context.Context, projectID, runID string, planned []project.PlannedTask) (int, error) {
	f.importCalls++
	f.imported = append(f.imported, planned...)
	return len(planned), nil
}

func (f *fakeBridge) ReflowBlocked(ctx context.Context, projectID string) (int, error) {
	f.reflowed++
	return 1, nil
}

func emit(t *testing.T, b *bus.MemoryBus, rec *Reconciler, eventType string, ev events.RunEvent) {
	t.Helper()
	ctx := context.Background()
	values, err := events.Encode(eventType, ev)
	require.NoError(t, err)
	id, err := b.Append(ctx, events.GlobalStream, values)
	require.NoError(t, err)
	entries, err := b.Range(ctx, events.GlobalStream, bus.StreamID{Ms: id.Ms, Seq: id.Seq - 1}, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	rec.processEntry(ctx, entries[0])
}

func TestReconcilerDrivesRunLifecycle(t *testing.T) {
	d, repo, b := newTestDispatcher(t)
	rec := NewReconciler(repo, b, nil, logger.Default())
	ctx := context.Background()

	r, err := d.CreateRun(ctx, CreateRunRequest{PipelineID: "code-review", TaskDescription: "Review PR #42"})
	require.NoError(t, err)

	emit(t, b, rec, events.StepStarted, events.RunEvent{RunID: r.ID, StepID: "analyze"})

	stored, _ := repo.GetRun(ctx, r.ID)
	assert.Equal(t, StatusRunning, stored.Status)
	assert.Equal(t, "analyze", stored.CurrentStepID)
	step, _ := repo.GetStep(ctx, StepID(r.ID, "analyze"))
	assert.Equal(t, StepRunning, step.Status)
	require.NotNil(t, step.StartedAt)

	emit(t, b, rec, events.StepComplete, events.RunEvent{
		RunID: r.ID, StepID: "analyze", Outputs: map[string]string{"score": "8/10"},
	})

	step, _ = repo.GetStep(ctx, StepID(r.ID, "analyze"))
	assert.Equal(t, StepCompleted, step.Status)
	assert.Equal(t, "8/10", step.Outputs["score"])
	stored, _ = repo.GetRun(ctx, r.ID)
	assert.Equal(t, "8/10", stored.Outputs["score"])

	emit(t, b, rec, events.RunComplete, events.RunEvent{RunID: r.ID})

	stored, _ = repo.GetRun(ctx, r.ID)
	assert.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
}

func TestReconcilerStepFailure(t *testing.T) {
	d, repo, b := newTestDispatcher(t)
	rec := NewReconciler(repo, b, nil, logger.Default())
	ctx := context.Background()

	r, _ := d.CreateRun(ctx, CreateRunRequest{PipelineID: "code-review", TaskDescription: "x"})

	emit(t, b, rec, events.StepStarted, events.RunEvent{RunID: r.ID, StepID: "analyze"})
	emit(t, b, rec, events.StepFailed, events.RunEvent{RunID: r.ID, StepID: "analyze", Error: "model timeout"})
	emit(t, b, rec, events.RunFailed, events.RunEvent{RunID: r.ID, Error: "model timeout"})

	step, _ := repo.GetStep(ctx, StepID(r.ID, "analyze"))
	assert.Equal(t, StepFailed, step.Status)
	assert.Equal(t, "model timeout", step.Error)

	stored, _ := repo.GetRun(ctx, r.ID)
	assert.Equal(t, StatusFailed, stored.Status)
}

func TestReconcilerIsIdempotent(t *testing.T) {
	d, repo, b := newTestDispatcher(t)
	rec := NewReconciler(repo, b, nil, logger.Default())
	ctx := context.Background()

	r, _ := d.CreateRun(ctx, CreateRunRequest{PipelineID: "code-review", TaskDescription: "x"})

	emit(t, b, rec, events.StepStarted, events.RunEvent{RunID: r.ID, StepID: "analyze"})
	step, _ := repo.GetStep(ctx, StepID(r.ID, "analyze"))
	firstStart := *step.StartedAt

	// Redelivery of the same event changes nothing.
	emit(t, b, rec, events.StepStarted, events.RunEvent{RunID: r.ID, StepID: "analyze"})
	step, _ = repo.GetStep(ctx, StepID(r.ID, "analyze"))
	assert.Equal(t, firstStart, *step.StartedAt)
	assert.Equal(t, StepRunning, step.Status)

	emit(t, b, rec, events.RunComplete, events.RunEvent{RunID: r.ID})
	stored, _ := repo.GetRun(ctx, r.ID)
	firstCompleted := *stored.CompletedAt

	emit(t, b, rec, events.RunComplete, events.RunEvent{RunID: r.ID})
	stored, _ = repo.GetRun(ctx, r.ID)
	assert.Equal(t, firstCompleted, *stored.CompletedAt)
}

func TestReconcilerBridgesTask(t *testing.T) {
	d, repo, b := newTestDispatcher(t)
	bridge := &fakeBridge{}
	rec := NewReconciler(repo, b, bridge, logger.Default())
	ctx := context.Background()

	r, _ := d.CreateRun(ctx, CreateRunRequest{
		PipelineID:      "code-review",
		TaskDescription: "x",
		HumanContext:    map[string]string{ContextTaskID: "task_77"},
	})

	emit(t, b, rec, events.RunFailed, events.RunEvent{RunID: r.ID, Error: "boom"})

	require.Equal(t, []string{"task_77"}, bridge.completed)
	assert.False(t, bridge.succeeded["task_77"])
}

func TestReconcilerPlanningImport(t *testing.T) {
	d, repo, b := newTestDispatcher(t)
	bridge := &fakeBridge{}
	rec := NewReconciler(repo, b, bridge, logger.Default())
	ctx := context.Background()

	r, _ := d.CreateRun(ctx, CreateRunRequest{
		PipelineID:      "code-review",
		ProjectID:       "proj_1",
		TaskDescription: "plan the milestone",
		HumanContext:    map[string]string{ContextPlanningRun: "true"},
	})

	planned, _ := json.Marshal([]project.PlannedTask{{Title: "A"}, {Title: "B"}})
	emit(t, b, rec, events.RunComplete, events.RunEvent{
		RunID:   r.ID,
		Outputs: map[string]string{"tasks": string(planned)},
	})

	assert.Len(t, bridge.imported, 2)
	assert.Zero(t, bridge.reflowed)
}

func TestReconcilerPlanningImportNotRepeatedOnRedelivery(t *testing.T) {
	d, repo, b := newTestDispatcher(t)
	bridge := &fakeBridge{}
	rec := NewReconciler(repo, b, bridge, logger.Default())
	ctx := context.Background()

	r, _ := d.CreateRun(ctx, CreateRunRequest{
		PipelineID:      "code-review",
		ProjectID:       "proj_1",
		TaskDescription: "plan the milestone",
		HumanContext:    map[string]string{ContextPlanningRun: "true"},
	})

	planned, _ := json.Marshal([]project.PlannedTask{{Title: "A"}, {Title: "B"}})
	done := events.RunEvent{RunID: r.ID, Outputs: map[string]string{"tasks": string(planned)}}

	emit(t, b, rec, events.RunComplete, done)
	emit(t, b, rec, events.RunComplete, done)

	// The second delivery hits an already-terminal run and must not import
	// (or re-announce) anything.
	assert.Equal(t, 1, bridge.importCalls)
	assert.Len(t, bridge.imported, 2)
	assert.Empty(t, bridge.completed)
}

func TestReconcilerAgenticPlanningReflows(t *testing.T) {
	d, repo, b := newTestDispatcher(t)
	bridge := &fakeBridge{}
	rec := NewReconciler(repo, b, bridge, logger.Default())
	ctx := context.Background()

	r, _ := d.CreateRun(ctx, CreateRunRequest{
		PipelineID:      "code-review",
		ProjectID:       "proj_1",
		TaskDescription: "agentic planning",
		HumanContext:    map[string]string{ContextAgenticPlanning: "true"},
	})

	emit(t, b, rec, events.RunComplete, events.RunEvent{RunID: r.ID})
	assert.Equal(t, 1, bridge.reflowed)
	assert.Empty(t, bridge.imported)
}

func TestReconcilerCursorPersistence(t *testing.T) {
	repo := NewMemoryRepository()
	b := bus.NewMemoryBus()
	rec := NewReconciler(repo, b, nil, logger.Default())
	ctx := context.Background()

	cursor, err := rec.loadCursor(ctx)
	require.NoError(t, err)
	assert.True(t, cursor.IsZero())

	saved := bus.StreamID{Ms: 1700000000000, Seq: 2}
	require.NoError(t, rec.saveCursor(ctx, saved))
	cursor, err = rec.loadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved, cursor)
}
