package session

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
)

func collect(t *testing.T, sub *Subscriber, n int) []events.SessionEvent {
	t.Helper()
	out := make([]events.SessionEvent, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscriber closed early (reason %q)", sub.Reason())
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out with %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublishRoutesStructuralAndTokenEvents(t *testing.T) {
	b := bus.NewMemoryBus()
	r := NewRouter(b, logger.Default())
	ctx := context.Background()

	id, err := r.Publish(ctx, "sess-1", events.SessionStepStart, json.RawMessage(`{"step":"analyze"}`))
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	tokenID, err := r.Publish(ctx, "sess-1", events.SessionOutput, json.RawMessage(`{"text":"hel"}`))
	require.NoError(t, err)
	assert.True(t, tokenID.IsZero())

	// Only the structural event lands in the replay stream.
	entries, err := b.Range(ctx, events.SessionStream("sess-1"), bus.StreamID{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, events.SessionStepStart, entries[0].Values["type"])
}

func TestSubscribeReplaysThenGoesLive(t *testing.T) {
	b := bus.NewMemoryBus()
	r := NewRouter(b, logger.Default())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Publish(ctx, "sess-1", events.SessionStepEnd,
			json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
	}
	// Token frames emitted before subscribing are gone for good.
	_, err := r.Publish(ctx, "sess-1", events.SessionOutput, json.RawMessage(`{"text":"lost"}`))
	require.NoError(t, err)

	sub, err := r.Subscribe(ctx, "sess-1", bus.StreamID{})
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, events.SessionStepEnd, got[i].Type)
		assert.NotEmpty(t, got[i].StreamID)
	}
	assert.Equal(t, events.SessionConnected, got[3].Type)

	// Live phase: both structural and token frames flow.
	_, err = r.Publish(ctx, "sess-1", events.SessionOutput, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	_, err = r.Publish(ctx, "sess-1", events.SessionTurnEnd, nil)
	require.NoError(t, err)

	live := collect(t, sub, 2)
	assert.Equal(t, events.SessionOutput, live[0].Type)
	assert.Equal(t, events.SessionTurnEnd, live[1].Type)
}

func TestSubscribeReconnectFromCursorHasNoGapOrDuplicate(t *testing.T) {
	b := bus.NewMemoryBus()
	r := NewRouter(b, logger.Default())
	ctx := context.Background()

	var ids []bus.StreamID
	for i := 0; i < 5; i++ {
		id, err := r.Publish(ctx, "sess-1", events.SessionToolEnd,
			json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Reconnect as a client that last saw the third event.
	sub, err := r.Subscribe(ctx, "sess-1", ids[2])
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 3)
	assert.Equal(t, ids[3].String(), got[0].StreamID)
	assert.Equal(t, ids[4].String(), got[1].StreamID)
	assert.Equal(t, events.SessionConnected, got[2].Type)
}

func TestSubscribeStreamIDOrder(t *testing.T) {
	b := bus.NewMemoryBus()
	r := NewRouter(b, logger.Default())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := r.Publish(ctx, "sess-1", events.SessionStepStart, nil)
		require.NoError(t, err)
	}

	sub, err := r.Subscribe(ctx, "sess-1", bus.StreamID{})
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 20)
	var last bus.StreamID
	for _, ev := range got {
		id, err := bus.ParseStreamID(ev.StreamID)
		require.NoError(t, err)
		assert.True(t, last.Before(id), "ids must be strictly increasing")
		last = id
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	b := bus.NewMemoryBus()
	r := NewRouter(b, logger.Default())
	ctx := context.Background()

	sub, err := r.Subscribe(ctx, "sess-1", bus.StreamID{})
	require.NoError(t, err)
	defer sub.Close()

	// Drain the connected sentinel, then stop reading.
	got := collect(t, sub, 1)
	require.Equal(t, events.SessionConnected, got[0].Type)

	for i := 0; i < subscriberBuffer+50; i++ {
		_, err := r.Publish(ctx, "sess-1", events.SessionStepStart, nil)
		require.NoError(t, err)
		if i%32 == 0 {
			// Let the fan-out goroutine keep pace with the pub/sub buffer.
			time.Sleep(time.Millisecond)
		}
	}

	assert.Eventually(t, func() bool {
		return sub.Reason() == DisconnectSlowConsumer
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscriberCloseSetsClientGone(t *testing.T) {
	b := bus.NewMemoryBus()
	r := NewRouter(b, logger.Default())

	sub, err := r.Subscribe(context.Background(), "sess-1", bus.StreamID{})
	require.NoError(t, err)

	collect(t, sub, 1)
	sub.Close()

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, DisconnectClientGone, sub.Reason())
}

func TestStateObserverSeesRoutedEvents(t *testing.T) {
	b := bus.NewMemoryBus()
	r := NewRouter(b, logger.Default())
	ctx := context.Background()

	type observed struct {
		sessionID string
		eventType string
	}
	var seen []observed
	r.SetStateObserver(func(ctx context.Context, sessionID, eventType string, payload json.RawMessage) {
		seen = append(seen, observed{sessionID, eventType})
	})

	_, err := r.Publish(ctx, "sess-1", events.SessionStepStart, json.RawMessage(`{"step":"analyze"}`))
	require.NoError(t, err)
	_, err = r.Publish(ctx, "sess-1", events.SessionOutput, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	_, err = r.Publish(ctx, "sess-1", events.SessionTurnEnd, nil)
	require.NoError(t, err)

	// Token events reach the observer too; only heartbeats are skipped.
	require.Len(t, seen, 3)
	assert.Equal(t, events.SessionStepStart, seen[0].eventType)
	assert.Equal(t, events.SessionOutput, seen[1].eventType)
	assert.Equal(t, events.SessionTurnEnd, seen[2].eventType)
	assert.Equal(t, "sess-1", seen[0].sessionID)
}
