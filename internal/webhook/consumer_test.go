package webhook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djinnbot/djinnbot/internal/common/config"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
	"github.com/djinnbot/djinnbot/internal/layout"

	"github.com/djinnbot/djinnbot/internal/agent/lifecycle"
	"github.com/djinnbot/djinnbot/internal/agent/registry"
	"github.com/djinnbot/djinnbot/internal/project"
)

type consumerFixture struct {
	consumer *Consumer
	repo     *MemoryRepository
	projects *project.Service
	projRepo *project.MemoryRepository
	bus      *bus.MemoryBus
}

func newConsumerFixture(t *testing.T) *consumerFixture {
	t.Helper()
	agentsDir := t.TempDir()
	for _, id := range []string{"reviewer", "dev"} {
		require.NoError(t, os.MkdirAll(filepath.Join(agentsDir, id), 0o755))
	}

	defaults := config.LifecycleConfig{
		WakeCooldownSeconds:        1,
		MaxWakesPerDay:             100,
		MaxSessionMinutesPerDay:    10_000,
		MaxWakesPerPairPerDay:      100,
		MaxConcurrentPulseSessions: 10,
		PulseIntervalMinutes:       60,
		WorkLockTTLSeconds:         900,
	}
	log := logger.Default()
	b := bus.NewMemoryBus()
	reg := registry.New(layout.New(config.PathsConfig{AgentsDir: agentsDir}), defaults)
	ctrl := lifecycle.NewController(b, reg, log)

	projRepo := project.NewMemoryRepository()
	projects := project.NewService(projRepo, b, log)

	repo := NewMemoryRepository()
	return &consumerFixture{
		consumer: NewConsumer(repo, projects, projRepo, ctrl, b, "reviewer", log),
		repo:     repo,
		projects: projects,
		projRepo: projRepo,
		bus:      b,
	}
}

func (f *consumerFixture) seedEvent(t *testing.T, eventType, action, body string) *Event {
	t.Helper()
	e := &Event{
		ID:         "wh_" + uuid.NewString(),
		DeliveryID: "d-" + uuid.NewString(),
		EventType:  eventType,
		Action:     action,
		Verified:   true,
		Payload:    body,
		ReceivedAt: time.Now().UnixMilli(),
	}
	require.NoError(t, f.repo.CreateEvent(context.Background(), e))
	return e
}

func (f *consumerFixture) globalEvents(t *testing.T, eventType string) []events.Envelope {
	t.Helper()
	entries, err := f.bus.Range(context.Background(), events.GlobalStream, bus.StreamID{}, 0)
	require.NoError(t, err)
	var out []events.Envelope
	for _, entry := range entries {
		env, err := events.Decode(entry.Values)
		require.NoError(t, err)
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func TestProcessPROpenedPulsesReviewAgent(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	body := `{
		"action": "opened",
		"repository": {"full_name": "acme/widgets"},
		"sender": {"login": "alice"},
		"pull_request": {
			"number": 12,
			"title": "Add retry logic",
			"html_url": "https://github.com/acme/widgets/pull/12",
			"head": {"ref": "feat/task_abc-slug"}
		}
	}`
	e := f.seedEvent(t, "pull_request", "opened", body)
	require.NoError(t, f.consumer.Process(ctx, e.ID))

	pulses := f.globalEvents(t, events.PulseTriggered)
	require.Len(t, pulses, 1)
	p, err := events.DecodePayload[events.PulseEvent](pulses[0])
	require.NoError(t, err)
	assert.Equal(t, "reviewer", p.AgentID)
	assert.Contains(t, p.Context, "#12")
	assert.Contains(t, p.Context, "Add retry logic")

	stored, err := f.repo.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestProcessPROpenedIgnoresNonTaskBranch(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	body := `{
		"action": "opened",
		"pull_request": {"number": 3, "title": "docs", "head": {"ref": "docs/readme"}}
	}`
	e := f.seedEvent(t, "pull_request", "opened", body)
	require.NoError(t, f.consumer.Process(ctx, e.ID))

	assert.Empty(t, f.globalEvents(t, events.PulseTriggered))
}

func TestProcessMergedPRClosesLinkedTask(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	proj, err := f.projects.CreateProject(ctx, "Widgets", "https://github.com/acme/widgets")
	require.NoError(t, err)
	task, err := f.projects.CreateTask(ctx, proj.ID, "Add retry logic", "", "dev", map[string]string{
		project.MetaPRNumber: "12",
	})
	require.NoError(t, err)

	body := fmt.Sprintf(`{
		"action": "closed",
		"repository": {"html_url": "https://github.com/acme/widgets", "full_name": "acme/widgets"},
		"sender": {"login": "alice"},
		"pull_request": {
			"number": 12,
			"title": "Add retry logic",
			"html_url": "https://github.com/acme/widgets/pull/12",
			"merged": true,
			"head": {"ref": "feat/%s-retry"}
		}
	}`, task.ID)
	e := f.seedEvent(t, "pull_request", "closed", body)
	require.NoError(t, f.consumer.Process(ctx, e.ID))

	updated, err := f.projects.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", updated.Status)
	assert.NotNil(t, updated.CompletedAt)

	removals := f.globalEvents(t, events.TaskWorkspaceRemoveRequested)
	require.Len(t, removals, 1)

	// Redelivery of the same merge is a no-op.
	e2 := f.seedEvent(t, "pull_request", "closed", body)
	require.NoError(t, f.consumer.Process(ctx, e2.ID))
	assert.Len(t, f.globalEvents(t, events.TaskWorkspaceRemoveRequested), 1)
}

func TestProcessUnmergedCloseDoesNothing(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	proj, err := f.projects.CreateProject(ctx, "Widgets", "https://github.com/acme/widgets")
	require.NoError(t, err)
	task, err := f.projects.CreateTask(ctx, proj.ID, "Add retry logic", "", "dev", map[string]string{
		project.MetaPRNumber: "12",
	})
	require.NoError(t, err)

	body := `{
		"action": "closed",
		"repository": {"html_url": "https://github.com/acme/widgets"},
		"pull_request": {"number": 12, "merged": false, "head": {"ref": "feat/task_x"}}
	}`
	e := f.seedEvent(t, "pull_request", "closed", body)
	require.NoError(t, f.consumer.Process(ctx, e.ID))

	unchanged, err := f.projects.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "backlog", unchanged.Status)
}

func TestRouteAssignmentsCreatesTask(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	proj, err := f.projects.CreateProject(ctx, "Widgets", "https://github.com/acme/widgets")
	require.NoError(t, err)
	require.NoError(t, f.projRepo.CreateAssignment(ctx, &project.AgentAssignment{
		ID:           "asn_1",
		ProjectID:    proj.ID,
		AgentID:      "dev",
		EventType:    "issues",
		Action:       "opened",
		FilterLabels: []string{"bug"},
		AutoRespond:  false,
		CreatedAt:    time.Now().UnixMilli(),
	}))

	body := `{
		"action": "opened",
		"repository": {"html_url": "https://github.com/acme/widgets"},
		"sender": {"login": "alice"},
		"issue": {
			"number": 7,
			"title": "Crash on empty config",
			"html_url": "https://github.com/acme/widgets/issues/7",
			"body": "It crashes.",
			"labels": [{"name": "bug"}]
		}
	}`
	e := f.seedEvent(t, "issues", "opened", body)
	require.NoError(t, f.consumer.Process(ctx, e.ID))

	tasks, err := f.projRepo.ListTasks(ctx, proj.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Contains(t, tasks[0].Title, "Issue #7")
	assert.Equal(t, "dev", tasks[0].AssignedAgent)
	assert.Equal(t, "github_webhook", tasks[0].Metadata[project.MetaSource])
}

func TestRouteAssignmentsLabelFilterBlocks(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	proj, err := f.projects.CreateProject(ctx, "Widgets", "https://github.com/acme/widgets")
	require.NoError(t, err)
	require.NoError(t, f.projRepo.CreateAssignment(ctx, &project.AgentAssignment{
		ID:           "asn_1",
		ProjectID:    proj.ID,
		AgentID:      "dev",
		EventType:    "issues",
		FilterLabels: []string{"bug"},
	}))

	body := `{
		"action": "opened",
		"repository": {"html_url": "https://github.com/acme/widgets"},
		"issue": {"number": 8, "title": "Idea", "labels": [{"name": "enhancement"}]}
	}`
	e := f.seedEvent(t, "issues", "opened", body)
	require.NoError(t, f.consumer.Process(ctx, e.ID))

	tasks, err := f.projRepo.ListTasks(ctx, proj.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRouteAssignmentsAuthorExclusion(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	proj, err := f.projects.CreateProject(ctx, "Widgets", "https://github.com/acme/widgets")
	require.NoError(t, err)
	require.NoError(t, f.projRepo.CreateAssignment(ctx, &project.AgentAssignment{
		ID:            "asn_1",
		ProjectID:     proj.ID,
		AgentID:       "dev",
		EventType:     "issues",
		FilterAuthors: []string{"!dependabot*"},
	}))

	botBody := `{
		"action": "opened",
		"repository": {"html_url": "https://github.com/acme/widgets"},
		"sender": {"login": "dependabot[bot]"},
		"issue": {"number": 9, "title": "Bump dep"}
	}`
	e := f.seedEvent(t, "issues", "opened", botBody)
	require.NoError(t, f.consumer.Process(ctx, e.ID))
	tasks, err := f.projRepo.ListTasks(ctx, proj.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	humanBody := `{
		"action": "opened",
		"repository": {"html_url": "https://github.com/acme/widgets"},
		"sender": {"login": "alice"},
		"issue": {"number": 10, "title": "Real bug"}
	}`
	e2 := f.seedEvent(t, "issues", "opened", humanBody)
	require.NoError(t, f.consumer.Process(ctx, e2.ID))
	tasks, err = f.projRepo.ListTasks(ctx, proj.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestRouteAssignmentsAutoRespondPulses(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	proj, err := f.projects.CreateProject(ctx, "Widgets", "https://github.com/acme/widgets")
	require.NoError(t, err)
	require.NoError(t, f.projRepo.CreateAssignment(ctx, &project.AgentAssignment{
		ID:          "asn_1",
		ProjectID:   proj.ID,
		AgentID:     "dev",
		EventType:   "issues",
		AutoRespond: true,
	}))

	body := `{
		"action": "opened",
		"repository": {"html_url": "https://github.com/acme/widgets"},
		"sender": {"login": "alice"},
		"issue": {"number": 11, "title": "Hot bug", "html_url": "https://github.com/acme/widgets/issues/11"}
	}`
	e := f.seedEvent(t, "issues", "opened", body)
	require.NoError(t, f.consumer.Process(ctx, e.ID))

	pulses := f.globalEvents(t, events.PulseTriggered)
	require.Len(t, pulses, 1)
	p, err := events.DecodePayload[events.PulseEvent](pulses[0])
	require.NoError(t, err)
	assert.Equal(t, "dev", p.AgentID)
	assert.Contains(t, p.Context, "issue #11")
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	body := `{
		"action": "opened",
		"pull_request": {"number": 1, "title": "x", "head": {"ref": "feat/task_1"}}
	}`
	e := f.seedEvent(t, "pull_request", "opened", body)

	require.NoError(t, f.consumer.Process(ctx, e.ID))
	require.NoError(t, f.consumer.Process(ctx, e.ID))

	assert.Len(t, f.globalEvents(t, events.PulseTriggered), 1)
}

func TestReplayPendingProcessesBacklog(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()

	body := `{
		"action": "opened",
		"pull_request": {"number": 2, "title": "y", "head": {"ref": "feat/task_2"}}
	}`
	e := f.seedEvent(t, "pull_request", "opened", body)

	require.NoError(t, f.consumer.ReplayPending(ctx))

	stored, err := f.repo.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Len(t, f.globalEvents(t, events.PulseTriggered), 1)
}
