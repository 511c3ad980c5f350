package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djinnbot/djinnbot/internal/common/config"
	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
	"github.com/djinnbot/djinnbot/internal/layout"

	"github.com/djinnbot/djinnbot/internal/agent/registry"
)

func newTestScheduler(t *testing.T) (*PulseScheduler, *Controller, *bus.MemoryBus, *testClock) {
	t.Helper()
	agentsDir := t.TempDir()

	pulsing := filepath.Join(agentsDir, "pixel")
	require.NoError(t, os.MkdirAll(pulsing, 0o755))
	cfg := `
pulse:
  enabled: true
  interval_minutes: 30
`
	require.NoError(t, os.WriteFile(filepath.Join(pulsing, "agent.yaml"), []byte(cfg), 0o644))

	// echo has no pulse config and must never be woken by the scheduler.
	require.NoError(t, os.MkdirAll(filepath.Join(agentsDir, "echo"), 0o755))

	l := layout.New(config.PathsConfig{AgentsDir: agentsDir})
	reg := registry.New(l, testLifecycleDefaults())
	b := bus.NewMemoryBus()
	log := logger.Default()

	clock := &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	ctrl := NewController(b, reg, log)
	ctrl.now = clock.Now

	return NewPulseScheduler(ctrl, reg, b, log), ctrl, b, clock
}

func pulseEvents(t *testing.T, b *bus.MemoryBus) []events.PulseEvent {
	t.Helper()
	entries, err := b.Range(context.Background(), events.GlobalStream, bus.StreamID{}, 0)
	require.NoError(t, err)

	var pulses []events.PulseEvent
	for _, entry := range entries {
		env, err := events.Decode(entry.Values)
		require.NoError(t, err)
		if env.Type != events.PulseTriggered {
			continue
		}
		p, err := events.DecodePayload[events.PulseEvent](env)
		require.NoError(t, err)
		pulses = append(pulses, p)
	}
	return pulses
}

func TestPulseTickTriggersEnabledAgents(t *testing.T) {
	sched, ctrl, b, _ := newTestScheduler(t)
	ctx := context.Background()

	sched.Tick(ctx)

	pulses := pulseEvents(t, b)
	require.Len(t, pulses, 1)
	assert.Equal(t, "pixel", pulses[0].AgentID)
	assert.NotEmpty(t, pulses[0].Context)
	assert.Equal(t, "pulse_tick", pulses[0].Metadata["trigger"])

	st, err := ctrl.GetState(ctx, "pixel")
	require.NoError(t, err)
	assert.NotZero(t, st.LastPulse)
	assert.Greater(t, st.NextPulse, st.LastPulse)
}

func TestPulseTickRespectsInterval(t *testing.T) {
	sched, _, b, clock := newTestScheduler(t)
	ctx := context.Background()

	sched.Tick(ctx)
	require.Len(t, pulseEvents(t, b), 1)

	// Before the 30-minute interval elapses, ticks are no-ops.
	clock.Advance(10 * time.Minute)
	sched.Tick(ctx)
	assert.Len(t, pulseEvents(t, b), 1)

	clock.Advance(21 * time.Minute)
	sched.Tick(ctx)
	assert.Len(t, pulseEvents(t, b), 2)
}

func TestPulseTickHonorsGuardrails(t *testing.T) {
	sched, ctrl, b, clock := newTestScheduler(t)
	ctx := context.Background()

	// Fill the concurrency cap so the wake is rejected.
	require.NoError(t, ctrl.RegisterPulseSession(ctx, "pixel", "sess-1"))
	require.NoError(t, ctrl.RegisterPulseSession(ctx, "pixel", "sess-2"))

	sched.Tick(ctx)
	assert.Empty(t, pulseEvents(t, b))

	// A rejected wake must not push the schedule forward.
	require.NoError(t, ctrl.EndPulseSession(ctx, "pixel", "sess-1"))
	clock.Advance(time.Minute)
	sched.Tick(ctx)
	assert.Len(t, pulseEvents(t, b), 1)
}

func TestPulseTickRegistersSession(t *testing.T) {
	sched, _, b, _ := newTestScheduler(t)
	ctx := context.Background()

	sched.Tick(ctx)

	pulses := pulseEvents(t, b)
	require.Len(t, pulses, 1)
	sessionID := pulses[0].Metadata["session_id"]
	require.NotEmpty(t, sessionID)

	// The slot is held from trigger time so the concurrency cap sees it.
	active, err := b.SetMembers(ctx, events.PulseSessionsKey("pixel"))
	require.NoError(t, err)
	assert.Equal(t, []string{sessionID}, active)
}

func TestPulseDeadlineCancelsOverrunningSession(t *testing.T) {
	sched, ctrl, b, _ := newTestScheduler(t)
	sched.cancelGrace = 10 * time.Millisecond
	ctx := context.Background()

	sched.Tick(ctx)
	active, err := b.SetMembers(ctx, events.PulseSessionsKey("pixel"))
	require.NoError(t, err)
	require.Len(t, active, 1)
	sessionID := active[0]

	result, err := ctrl.AcquireWorkLock(ctx, "pixel", "task_3", sessionID, "", time.Minute)
	require.NoError(t, err)
	require.True(t, result.Acquired)

	sub, err := b.Subscribe(ctx, events.SessionControlChannel(sessionID))
	require.NoError(t, err)
	defer sub.Close()

	sched.enforceDeadline(ctx, "pixel", sessionID)

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, string(msg.Payload), `"action":"cancel"`)
	case <-time.After(time.Second):
		t.Fatal("cancel signal not delivered")
	}

	assert.Eventually(t, func() bool {
		entries, err := ctrl.ListWorkLedger(ctx, "pixel")
		if err != nil {
			return false
		}
		remaining, err := b.SetMembers(ctx, events.PulseSessionsKey("pixel"))
		if err != nil {
			return false
		}
		return len(entries) == 0 && len(remaining) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPulseDeadlineLeavesFinishedSessionAlone(t *testing.T) {
	sched, ctrl, b, _ := newTestScheduler(t)
	ctx := context.Background()

	sched.Tick(ctx)
	active, err := b.SetMembers(ctx, events.PulseSessionsKey("pixel"))
	require.NoError(t, err)
	require.Len(t, active, 1)
	sessionID := active[0]
	require.NoError(t, ctrl.EndPulseSession(ctx, "pixel", sessionID))

	sub, err := b.Subscribe(ctx, events.SessionControlChannel(sessionID))
	require.NoError(t, err)
	defer sub.Close()

	sched.enforceDeadline(ctx, "pixel", sessionID)

	select {
	case <-sub.Channel():
		t.Fatal("ended session must not be cancelled")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelPulseSessionSignalsAndCleansUp(t *testing.T) {
	_, ctrl, b, _ := newTestScheduler(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, events.SessionControlChannel("sess-1"))
	require.NoError(t, err)
	defer sub.Close()

	result, err := ctrl.AcquireWorkLock(ctx, "pixel", "task_9", "sess-1", "", time.Minute)
	require.NoError(t, err)
	require.True(t, result.Acquired)
	require.NoError(t, ctrl.RegisterPulseSession(ctx, "pixel", "sess-1"))

	require.NoError(t, ctrl.CancelPulseSession(ctx, "pixel", "sess-1", "task_9", 10*time.Millisecond))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, string(msg.Payload), `"action":"cancel"`)
	case <-time.After(time.Second):
		t.Fatal("cancel signal not delivered")
	}

	assert.Eventually(t, func() bool {
		entries, err := ctrl.ListWorkLedger(ctx, "pixel")
		if err != nil {
			return false
		}
		members, err := b.SetMembers(ctx, events.PulseSessionsKey("pixel"))
		if err != nil {
			return false
		}
		return len(entries) == 0 && len(members) == 0
	}, time.Second, 10*time.Millisecond)
}
