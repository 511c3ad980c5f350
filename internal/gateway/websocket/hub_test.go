package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
)

func newRunningHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func recvFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case data := <-c.send:
		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub, _ := newRunningHub(t)

	a := NewClient("a", nil, hub, logger.Default())
	b := NewClient("b", nil, hub, logger.Default())
	hub.Register(a)
	hub.Register(b)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 10*time.Millisecond)

	payload, _ := json.Marshal(map[string]string{"run_id": "run-1"})
	hub.Broadcast(&Frame{Type: events.RunCreated, Payload: payload})

	assert.Equal(t, events.RunCreated, recvFrame(t, a).Type)
	assert.Equal(t, events.RunCreated, recvFrame(t, b).Type)
}

func TestRunSubscriptionFiltersFrames(t *testing.T) {
	hub, _ := newRunningHub(t)

	c := NewClient("c", nil, hub, logger.Default())
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	c.mu.Lock()
	c.runIDs["run-1"] = true
	c.mu.Unlock()

	other, _ := json.Marshal(map[string]string{"run_id": "run-2"})
	wanted, _ := json.Marshal(map[string]string{"run_id": "run-1"})
	hub.Broadcast(&Frame{Type: events.StepStarted, Payload: other})
	hub.Broadcast(&Frame{Type: events.StepStarted, Payload: wanted})

	frame := recvFrame(t, c)
	var ref struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &ref))
	assert.Equal(t, "run-1", ref.RunID)

	// Events without a run id pass every filter.
	hub.Broadcast(&Frame{Type: events.PulseTriggered})
	assert.Equal(t, events.PulseTriggered, recvFrame(t, c).Type)
}

func TestTailForwardsGlobalEvents(t *testing.T) {
	hub, _ := newRunningHub(t)
	b := bus.NewMemoryBus()
	defer b.Close()

	tailCtx, tailCancel := context.WithCancel(context.Background())
	defer tailCancel()
	go hub.Tail(tailCtx, b)

	c := NewClient("tail", nil, hub, logger.Default())
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	// Give the tailer a moment to establish its starting position.
	time.Sleep(50 * time.Millisecond)

	values, err := events.Encode(events.RunComplete, events.RunEvent{RunID: "run-9"})
	require.NoError(t, err)
	_, err = b.Append(context.Background(), events.GlobalStream, values)
	require.NoError(t, err)

	frame := recvFrame(t, c)
	assert.Equal(t, events.RunComplete, frame.Type)
	assert.NotEmpty(t, frame.StreamID)
}

func TestShutdownClosesClients(t *testing.T) {
	hub, cancel := newRunningHub(t)

	c := NewClient("d", nil, hub, logger.Default())
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-c.send:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
