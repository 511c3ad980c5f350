package project

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
)

// Service owns project and task mutations. Every task status change goes
// through TransitionTask so column membership, completion timestamps, and
// TASK_STATUS_CHANGED events never drift apart.
type Service struct {
	repo   Repository
	bus    bus.EventBus
	logger *logger.Logger
}

func NewService(repo Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{repo: repo, bus: eventBus, logger: log}
}

// defaultColumns is the board layout created for new projects, one column
// per status in the default vocabulary.
var defaultColumns = []struct {
	Name   string
	Status string
}{
	{"Backlog", "backlog"},
	{"Ready", "ready"},
	{"In Progress", "in_progress"},
	{"Blocked", "blocked"},
	{"Done", "done"},
	{"Failed", "failed"},
}

// CreateProject creates a project with the default status vocabulary and a
// column per status.
func (s *Service) CreateProject(ctx context.Context, name, repoURL string) (*Project, error) {
	if name == "" {
		return nil, apperrors.InvalidInput("project name is required")
	}
	now := time.Now().UnixMilli()
	p := &Project{
		ID:            "proj_" + uuid.NewString(),
		Name:          name,
		RepoURL:       repoURL,
		DefaultBranch: "main",
		Semantics:     DefaultSemantics(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	for i, col := range defaultColumns {
		err := s.repo.CreateColumn(ctx, &Column{
			ID:        "col_" + uuid.NewString(),
			ProjectID: p.ID,
			Name:      col.Name,
			Position:  i,
			Status:    col.Status,
		})
		if err != nil {
			return nil, err
		}
	}
	s.logger.Info("project created", zap.String("project_id", p.ID), zap.String("name", name))
	return p, nil
}

// GetProject returns a project by id.
func (s *Service) GetProject(ctx context.Context, id string) (*Project, error) {
	return s.repo.GetProject(ctx, id)
}

// CreateTask inserts a task into the project's first column with that
// column's status.
func (s *Service) CreateTask(ctx context.Context, projectID, title, description, agentID string, metadata map[string]string) (*Task, error) {
	if title == "" {
		return nil, apperrors.InvalidInput("task title is required")
	}
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	columns, err := s.repo.ListColumns(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, apperrors.InvalidInput("project has no columns")
	}
	first := columns[0]

	now := time.Now().UnixMilli()
	t := &Task{
		ID:            "task_" + uuid.NewString(),
		ProjectID:     projectID,
		Title:         title,
		Description:   description,
		Status:        first.Status,
		AssignedAgent: agentID,
		ColumnID:      first.ID,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("project_id", projectID),
		zap.String("status", t.Status))
	return t, nil
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.repo.GetTask(ctx, id)
}

// TransitionTask moves a task to a new status. The target status must be in
// the project's vocabulary; the task follows its status into the matching
// column, terminal classes stamp completed_at, and TASK_STATUS_CHANGED is
// published.
func (s *Service) TransitionTask(ctx context.Context, taskID, toStatus, note string) (*Task, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p, err := s.repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return nil, err
	}
	class := p.Semantics.ClassOf(toStatus)
	if class == "" {
		return nil, apperrors.InvalidInput("unknown status " + toStatus)
	}

	from := t.Status
	t.Status = toStatus
	t.UpdatedAt = time.Now().UnixMilli()

	columns, err := s.repo.ListColumns(ctx, t.ProjectID)
	if err != nil {
		return nil, err
	}
	for _, col := range columns {
		if col.Status == toStatus {
			t.ColumnID = col.ID
			break
		}
	}

	if class == ClassTerminalDone || class == ClassTerminalFail {
		now := time.Now().UnixMilli()
		t.CompletedAt = &now
	} else {
		t.CompletedAt = nil
	}
	if note != "" {
		t.AppendTransitionNote(note)
	}

	if err := s.repo.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	s.publishTaskStatus(ctx, events.TaskStatusChanged, t, from, note)
	return t, nil
}

// featBranchRe extracts the task id from an agent work branch such as
// feat/task_<uuid>-short-slug. The id is pinned to the uuid shape so the
// trailing slug is not swallowed.
var featBranchRe = regexp.MustCompile(`feat/(task_[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`)

// CloseTaskFromPR finds the task linked to a merged pull request and
// transitions it to the project's done status. The lookup falls back from PR
// metadata to the recorded git branch to a task id parsed out of the head
// ref. Already-done tasks are left untouched, which makes redelivery of the
// same webhook a no-op.
func (s *Service) CloseTaskFromPR(ctx context.Context, projectID string, prNumber int, prURL, headRef, note string) (*Task, bool, error) {
	t, err := s.repo.FindTaskByPRNumber(ctx, projectID, prNumber)
	if err != nil {
		return nil, false, err
	}
	if t == nil && prURL != "" {
		if t, err = s.repo.FindTaskByPRURL(ctx, projectID, prURL); err != nil {
			return nil, false, err
		}
	}
	if t == nil && headRef != "" {
		if t, err = s.repo.FindTaskByBranch(ctx, projectID, headRef); err != nil {
			return nil, false, err
		}
	}
	if t == nil && headRef != "" {
		if m := featBranchRe.FindStringSubmatch(headRef); m != nil {
			t, err = s.repo.GetTask(ctx, m[1])
			if err != nil && !apperrors.IsNotFound(err) {
				return nil, false, err
			}
			err = nil
		}
	}
	if t == nil {
		return nil, false, nil
	}

	p, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, false, err
	}
	if p.Semantics.ClassOf(t.Status) == ClassTerminalDone {
		return t, false, nil
	}
	doneStatus, ok := p.Semantics.StatusWithClass(ClassTerminalDone)
	if !ok {
		return nil, false, apperrors.InvalidInput("project has no done status")
	}
	t, err = s.TransitionTask(ctx, t.ID, doneStatus, note)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// CompleteTaskFromRun closes out a task when its linked run finishes. The
// task moves to the project's done or failed status; a task already in that
// terminal class is left alone so event redelivery stays idempotent.
func (s *Service) CompleteTaskFromRun(ctx context.Context, taskID string, succeeded bool, note string) error {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	p, err := s.repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return err
	}
	target := ClassTerminalDone
	if !succeeded {
		target = ClassTerminalFail
	}
	if p.Semantics.ClassOf(t.Status) == target {
		return nil
	}
	status, ok := p.Semantics.StatusWithClass(target)
	if !ok {
		return apperrors.InvalidInput("project has no status for class " + string(target))
	}
	_, err = s.TransitionTask(ctx, t.ID, status, note)
	return err
}

// PlannedTask is one entry of a planning run's structured output.
type PlannedTask struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	AgentID     string        `json:"agent_id"`
	Tags        []string      `json:"tags"`
	Subtasks    []PlannedTask `json:"subtasks,omitempty"`
}

// ImportPlannedTasks bulk-creates tasks (and their subtasks) produced by a
// planning run, then publishes PROJECT_PLANNING_COMPLETED.
func (s *Service) ImportPlannedTasks(ctx context.Context, projectID, runID string, planned []PlannedTask) (int, error) {
	count := 0
	var create func(items []PlannedTask, parentID string) error
	create = func(items []PlannedTask, parentID string) error {
		for _, item := range items {
			t, err := s.CreateTask(ctx, projectID, item.Title, item.Description, item.AgentID, nil)
			if err != nil {
				return err
			}
			if parentID != "" || len(item.Tags) > 0 {
				t.ParentTaskID = parentID
				t.Tags = item.Tags
				if err := s.repo.UpdateTask(ctx, t); err != nil {
					return err
				}
			}
			count++
			if err := create(item.Subtasks, t.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := create(planned, ""); err != nil {
		return count, err
	}

	s.publishPlanningCompleted(ctx, projectID, runID, count)
	return count, nil
}

// ReflowBlocked moves blocked tasks whose dependencies are all done back to
// the initial status. Agentic planning creates tasks as blocked before
// dependency wiring; this pass releases the ones that ended up with no
// unmet dependencies.
func (s *Service) ReflowBlocked(ctx context.Context, projectID string) (int, error) {
	p, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	blockedStatus, ok := p.Semantics.StatusWithClass(ClassBlocked)
	if !ok {
		return 0, nil
	}
	initialStatus, ok := p.Semantics.StatusWithClass(ClassInitial)
	if !ok {
		return 0, nil
	}

	blocked, err := s.repo.ListTasksByStatus(ctx, projectID, blockedStatus)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, t := range blocked {
		deps, err := s.repo.ListDependencies(ctx, t.ID)
		if err != nil {
			return moved, err
		}
		unmet := false
		for _, depID := range deps {
			dep, err := s.repo.GetTask(ctx, depID)
			if err != nil {
				return moved, err
			}
			if p.Semantics.ClassOf(dep.Status) != ClassTerminalDone {
				unmet = true
				break
			}
		}
		if unmet {
			continue
		}
		if _, err := s.TransitionTask(ctx, t.ID, initialStatus, "released by planning reflow"); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// RequestWorkspaceRemoval publishes TASK_WORKSPACE_REMOVE_REQUESTED for the
// task's assigned agent.
func (s *Service) RequestWorkspaceRemoval(ctx context.Context, t *Task) {
	s.publishTaskStatus(ctx, events.TaskWorkspaceRemoveRequested, t, t.Status, "")
}

func (s *Service) publishTaskStatus(ctx context.Context, eventType string, t *Task, from, note string) {
	values, err := events.Encode(eventType, events.TaskStatusEvent{
		TaskID:    t.ID,
		ProjectID: t.ProjectID,
		From:      from,
		To:        t.Status,
		Note:      note,
	})
	if err == nil {
		_, err = s.bus.Append(ctx, events.GlobalStream, values)
	}
	if err != nil {
		s.logger.Error("failed to publish task event",
			zap.String("event", eventType),
			zap.String("task_id", t.ID),
			zap.Error(err))
	}
}

func (s *Service) publishPlanningCompleted(ctx context.Context, projectID, runID string, count int) {
	values, err := events.Encode(events.ProjectPlanningCompleted, events.PlanningEvent{
		ProjectID: projectID,
		RunID:     runID,
		TaskCount: count,
	})
	if err == nil {
		_, err = s.bus.Append(ctx, events.GlobalStream, values)
	}
	if err != nil {
		s.logger.Error("failed to publish planning completion",
			zap.String("project_id", projectID),
			zap.Error(err))
	}
}
