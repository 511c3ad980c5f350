package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djinnbot/djinnbot/internal/common/config"
	"github.com/djinnbot/djinnbot/internal/common/errors"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
	"github.com/djinnbot/djinnbot/internal/layout"

	"github.com/djinnbot/djinnbot/internal/agent/registry"
)

func newTestChatService(t *testing.T) (*ChatService, *bus.MemoryBus) {
	t.Helper()
	agentsDir := t.TempDir()
	dir := filepath.Join(agentsDir, "pixel")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.yaml"),
		[]byte("model: default-model\n"), 0o644))

	l := layout.New(config.PathsConfig{AgentsDir: agentsDir})
	reg := registry.New(l, config.LifecycleConfig{})
	b := bus.NewMemoryBus()
	log := logger.Default()
	router := NewRouter(b, log)

	return NewChatService(NewMemoryRepository(), router, b, reg, log), b
}

func TestChatStartCreatesSessionAndAnnounces(t *testing.T) {
	svc, b := newTestChatService(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, events.SessionsLiveChannel)
	require.NoError(t, err)
	defer sub.Close()

	sess, err := svc.Start(ctx, "pixel", "")
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, sess.Status)
	assert.Equal(t, "pixel", sess.AgentID)
	assert.Equal(t, "default-model", sess.Model)
	assert.True(t, sess.IsLive())

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, string(msg.Payload), `"event":"session_started"`)
		assert.Contains(t, string(msg.Payload), sess.ID)
	case <-time.After(time.Second):
		t.Fatal("session start not announced")
	}
}

func TestChatStartUnknownAgent(t *testing.T) {
	svc, _ := newTestChatService(t)
	_, err := svc.Start(context.Background(), "ghost", "")
	assert.True(t, errors.IsNotFound(err))
}

func TestChatMessageQueuesAndSignals(t *testing.T) {
	svc, b := newTestChatService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "pixel", "")
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, events.SessionControlChannel(sess.ID))
	require.NoError(t, err)
	defer sub.Close()

	updated, err := svc.Message(ctx, sess.ID, "hello there")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.MessageCount)
	assert.NotNil(t, updated.LastActivityAt)

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, string(msg.Payload), `"action":"message"`)
	case <-time.After(time.Second):
		t.Fatal("control signal not delivered")
	}

	content, ok, err := svc.NextMessage(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello there", content)
}

func TestChatMessageRejectsFinishedSession(t *testing.T) {
	svc, _ := newTestChatService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "pixel", "")
	require.NoError(t, err)
	_, err = svc.Stop(ctx, sess.ID)
	require.NoError(t, err)

	_, err = svc.Message(ctx, sess.ID, "too late")
	assert.Error(t, err)
}

func TestChatStopAbortsAndIsIdempotent(t *testing.T) {
	svc, b := newTestChatService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "pixel", "")
	require.NoError(t, err)

	stopped, err := svc.Stop(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stopped.Status)
	assert.NotNil(t, stopped.CompletedAt)

	// The abort frame lands in the session's replay stream.
	entries, err := b.Range(ctx, events.SessionStream(sess.ID), bus.StreamID{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, events.SessionResponseAborted, entries[0].Values["type"])

	again, err := svc.Stop(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Equal(t, stopped.CompletedAt, again.CompletedAt)
}

func TestChatLifecycleMarkRunningAndFinish(t *testing.T) {
	svc, _ := newTestChatService(t)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "pixel", "")
	require.NoError(t, err)

	running, err := svc.MarkRunning(ctx, sess.ID, "container-9")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, running.Status)
	assert.Equal(t, "container-9", running.ContainerID)
	assert.NotNil(t, running.StartedAt)

	done, err := svc.Finish(ctx, sess.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	_, err = svc.MarkRunning(ctx, sess.ID, "container-10")
	assert.Error(t, err)
}

func TestListSessionsLiveFilter(t *testing.T) {
	svc, _ := newTestChatService(t)
	ctx := context.Background()

	a, err := svc.Start(ctx, "pixel", "")
	require.NoError(t, err)
	b2, err := svc.Start(ctx, "pixel", "")
	require.NoError(t, err)
	_, err = svc.Stop(ctx, b2.ID)
	require.NoError(t, err)

	live, err := svc.List(ctx, "pixel", true, 0)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, a.ID, live[0].ID)

	all, err := svc.List(ctx, "pixel", false, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
