package resolve

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events/bus"
	"github.com/djinnbot/djinnbot/internal/pipeline"
	"github.com/djinnbot/djinnbot/internal/run"
)

func newTestResolver(t *testing.T) (*Service, *run.MemoryRepository) {
	t.Helper()
	dir := t.TempDir()
	def := `
id: resolve
name: Resolve Issue
steps:
  - id: investigate
    agent: pixel
  - id: fix
    agent: pixel
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resolve.yaml"), []byte(def), 0o644))
	registry, err := pipeline.NewRegistry(dir)
	require.NoError(t, err)

	repo := run.NewMemoryRepository()
	dispatcher := run.NewDispatcher(repo, registry, bus.NewMemoryBus(), logger.Default())
	return NewService(dispatcher, logger.Default()), repo
}

func TestParseIssueURL(t *testing.T) {
	ref, err := ParseIssueURL("https://github.com/djinnbot/djinnbot/issues/42")
	require.NoError(t, err)
	assert.Equal(t, "djinnbot", ref.Owner)
	assert.Equal(t, "djinnbot", ref.Repo)
	assert.Equal(t, "42", ref.Number)

	// Trailing slash is tolerated.
	ref, err = ParseIssueURL("https://github.com/acme/widgets/issues/7/")
	require.NoError(t, err)
	assert.Equal(t, "7", ref.Number)

	for _, raw := range []string{
		"",
		"https://github.com/acme/widgets",
		"https://github.com/acme/widgets/pull/7",
		"https://gitlab.com/acme/widgets/issues/7",
		"https://github.com/acme/widgets/issues/abc",
	} {
		_, err := ParseIssueURL(raw)
		require.Error(t, err, raw)
		assert.Equal(t, 400, apperrors.GetHTTPStatus(err))
	}
}

func TestResolveCreatesRun(t *testing.T) {
	svc, repo := newTestResolver(t)
	ctx := context.Background()

	r, err := svc.Resolve(ctx, Request{
		IssueURL: "https://github.com/acme/widgets/issues/42",
	})
	require.NoError(t, err)
	assert.Equal(t, "resolve", r.PipelineID)
	assert.Equal(t,
		"Resolve GitHub issue acme/widgets#42: https://github.com/acme/widgets/issues/42",
		r.TaskDescription)
	assert.Equal(t, "https://github.com/acme/widgets/issues/42", r.HumanContext["issue_url"])
	assert.Equal(t, "42", r.HumanContext["issue_number"])

	stored, err := repo.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.TaskDescription, stored.TaskDescription)
}

func TestResolveUnknownPipeline(t *testing.T) {
	svc, _ := newTestResolver(t)

	_, err := svc.Resolve(context.Background(), Request{
		IssueURL:   "https://github.com/acme/widgets/issues/1",
		PipelineID: "nonexistent",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonexistent")
}

func TestResolveRejectsBadURL(t *testing.T) {
	svc, _ := newTestResolver(t)

	_, err := svc.Resolve(context.Background(), Request{IssueURL: "not-a-url"})
	require.Error(t, err)
	assert.Equal(t, 400, apperrors.GetHTTPStatus(err))
}
