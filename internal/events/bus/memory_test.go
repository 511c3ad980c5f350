package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusAppendAssignsMonotoneIDs(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var last StreamID
	for i := 0; i < 10; i++ {
		id, err := b.Append(ctx, "events:global", map[string]string{"n": "x"})
		require.NoError(t, err)
		assert.True(t, last.Before(id), "id %s must be after %s", id, last)
		last = id
	}
}

func TestMemoryBusRangeAfterCursor(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var ids []StreamID
	for i := 0; i < 5; i++ {
		id, err := b.Append(ctx, "s", map[string]string{"i": string(rune('a' + i))})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	all, err := b.Range(ctx, "s", StreamID{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)

	// Exclusive cursor: reading after ids[2] yields exactly the last two.
	tail, err := b.Range(ctx, "s", ids[2], 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, ids[3], tail[0].ID)
	assert.Equal(t, ids[4], tail[1].ID)

	limited, err := b.Range(ctx, "s", StreamID{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryBusAppendCapped(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := b.AppendCapped(ctx, "capped", 3, map[string]string{"i": "x"})
		require.NoError(t, err)
	}

	n, err := b.StreamLen(ctx, "capped")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestMemoryBusReadBlockingWakesOnAppend(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	done := make(chan []Entry, 1)
	go func() {
		entries, err := b.ReadBlocking(ctx, "s", StreamID{}, 10, 5*time.Second)
		require.NoError(t, err)
		done <- entries
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := b.Append(ctx, "s", map[string]string{"k": "v"})
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
		assert.Equal(t, "v", entries[0].Values["k"])
	case <-time.After(2 * time.Second):
		t.Fatal("ReadBlocking did not wake on append")
	}
}

func TestMemoryBusReadBlockingTimesOut(t *testing.T) {
	b := NewMemoryBus()

	start := time.Now()
	entries, err := b.ReadBlocking(context.Background(), "empty", StreamID{}, 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, entries)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryBusPubSub(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "sessions:live")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "sessions:live", []byte("hello")))
	require.NoError(t, b.Publish(ctx, "other", []byte("ignored")))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "sessions:live", msg.Channel)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	select {
	case msg := <-sub.Channel():
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBusKVWithTTL(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", "v", 0))
	val, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", val)

	require.NoError(t, b.Set(ctx, "short", "v", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, ok, err = b.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Delete(ctx, "k"))
	_, ok, _ = b.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryBusIncrBy(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	n, err := b.IncrBy(ctx, "wakes", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = b.IncrBy(ctx, "wakes", 5, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestMemoryBusSets(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, b.SetAdd(ctx, "ledger", "task-1"))
	require.NoError(t, b.SetAdd(ctx, "ledger", "task-2"))
	require.NoError(t, b.SetAdd(ctx, "ledger", "task-1"))

	members, err := b.SetMembers(ctx, "ledger")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1", "task-2"}, members)

	require.NoError(t, b.SetRemove(ctx, "ledger", "task-1"))
	members, err = b.SetMembers(ctx, "ledger")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-2"}, members)
}

func TestMemoryBusLists(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, b.ListPush(ctx, "q", "a"))
	require.NoError(t, b.ListPush(ctx, "q", "b"))

	n, err := b.ListLen(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	val, ok, err := b.ListPop(ctx, "q")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", val)

	_, _, _ = b.ListPop(ctx, "q")
	_, ok, err = b.ListPop(ctx, "q")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryBusAcquireLock(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	acquired, holder, err := b.AcquireLock(ctx, "lock:task-1", "ledger", "task-1", "session-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Empty(t, holder)

	// Second claim on the same work key reports the current holder.
	acquired, holder, err = b.AcquireLock(ctx, "lock:task-1", "ledger", "task-1", "session-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Equal(t, "session-a", holder)

	require.NoError(t, b.ReleaseLock(ctx, "lock:task-1", "ledger", "task-1"))

	acquired, _, err = b.AcquireLock(ctx, "lock:task-1", "ledger", "task-1", "session-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestMemoryBusAcquireLockReclaimsExpired(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	acquired, _, err := b.AcquireLock(ctx, "lock:task-1", "ledger", "task-1", "session-a", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(30 * time.Millisecond)

	// The lock TTL elapsed; the stale ledger entry must not block a new claim.
	acquired, holder, err := b.AcquireLock(ctx, "lock:task-1", "ledger", "task-1", "session-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Empty(t, holder)
}
