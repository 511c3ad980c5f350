package inbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djinnbot/djinnbot/internal/common/logger"
	"github.com/djinnbot/djinnbot/internal/events"
	"github.com/djinnbot/djinnbot/internal/events/bus"
)

func newTestService() *Service {
	return NewService(bus.NewMemoryBus(), logger.Default())
}

func send(t *testing.T, svc *Service, req SendRequest) string {
	t.Helper()
	id, err := svc.Send(context.Background(), req)
	require.NoError(t, err)
	return id
}

func TestSendAndListOrdered(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, send(t, svc, SendRequest{
			To:   "pixel",
			From: "echo",
			Body: fmt.Sprintf("note %d", i),
		}))
	}

	messages, err := svc.List(ctx, "pixel", FilterAll, 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	for i, m := range messages {
		assert.Equal(t, ids[i], m.ID)
		assert.Equal(t, "echo", m.From)
		assert.Equal(t, events.InboxInfo, m.Type)
		assert.Equal(t, events.PriorityNormal, m.Priority)
		assert.False(t, m.Read)
	}
}

func TestSendValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Send(ctx, SendRequest{To: "pixel", Body: "no sender"})
	assert.Error(t, err)

	_, err = svc.Send(ctx, SendRequest{To: "pixel", From: "echo"})
	assert.Error(t, err)

	_, err = svc.Send(ctx, SendRequest{To: "pixel", From: "echo", Body: "x", Type: "gossip"})
	assert.Error(t, err)

	_, err = svc.Send(ctx, SendRequest{To: "pixel", From: "echo", Body: "x", Priority: "asap"})
	assert.Error(t, err)
}

func TestMarkReadMovesCursorForwardOnly(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	first := send(t, svc, SendRequest{To: "pixel", From: "echo", Body: "one"})
	second := send(t, svc, SendRequest{To: "pixel", From: "echo", Body: "two"})
	third := send(t, svc, SendRequest{To: "pixel", From: "echo", Body: "three"})

	require.NoError(t, svc.MarkRead(ctx, "pixel", []string{second}))

	messages, err := svc.List(ctx, "pixel", FilterAll, 0, 0)
	require.NoError(t, err)
	assert.True(t, messages[0].Read)
	assert.True(t, messages[1].Read)
	assert.False(t, messages[2].Read)

	unread, err := svc.UnreadCount(ctx, "pixel")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	// Marking an older message read does not rewind the cursor.
	require.NoError(t, svc.MarkRead(ctx, "pixel", []string{first}))
	unread, err = svc.UnreadCount(ctx, "pixel")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	require.NoError(t, svc.MarkRead(ctx, "pixel", []string{third}))
	unread, err = svc.UnreadCount(ctx, "pixel")
	require.NoError(t, err)
	assert.Equal(t, 0, unread)
}

func TestListFilters(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	send(t, svc, SendRequest{To: "pixel", From: "echo", Body: "fyi"})
	reviewID := send(t, svc, SendRequest{
		To: "pixel", From: "echo", Type: events.InboxReviewRequest, Body: "please review PR 9",
	})
	send(t, svc, SendRequest{
		To: "pixel", From: "nova", Type: events.InboxHelpRequest, Body: "stuck on migration",
	})
	send(t, svc, SendRequest{
		To: "pixel", From: "nova", Priority: events.PriorityUrgent, Body: "prod is down",
	})

	reviews, err := svc.List(ctx, "pixel", FilterReviewRequest, 0, 0)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, reviewID, reviews[0].ID)

	helps, err := svc.List(ctx, "pixel", FilterHelpRequest, 0, 0)
	require.NoError(t, err)
	assert.Len(t, helps, 1)

	// Urgent matches either the urgent type or the urgent priority.
	urgents, err := svc.List(ctx, "pixel", FilterUrgent, 0, 0)
	require.NoError(t, err)
	assert.Len(t, urgents, 1)

	require.NoError(t, svc.MarkRead(ctx, "pixel", []string{reviewID}))
	unreads, err := svc.List(ctx, "pixel", FilterUnread, 0, 0)
	require.NoError(t, err)
	assert.Len(t, unreads, 2)

	_, err = svc.List(ctx, "pixel", "starred", 0, 0)
	assert.Error(t, err)
}

func TestListPaging(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		send(t, svc, SendRequest{To: "pixel", From: "echo", Body: fmt.Sprintf("m%d", i)})
	}

	page, err := svc.List(ctx, "pixel", FilterAll, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m2", page[0].Body)
	assert.Equal(t, "m3", page[1].Body)

	empty, err := svc.List(ctx, "pixel", FilterAll, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestClearRequiresConfirm(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	id := send(t, svc, SendRequest{To: "pixel", From: "echo", Body: "bye"})
	require.NoError(t, svc.MarkRead(ctx, "pixel", []string{id}))

	assert.Error(t, svc.Clear(ctx, "pixel", false))

	require.NoError(t, svc.Clear(ctx, "pixel", true))
	messages, err := svc.List(ctx, "pixel", FilterAll, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
	unread, err := svc.UnreadCount(ctx, "pixel")
	require.NoError(t, err)
	assert.Equal(t, 0, unread)
}

func TestInboxesAreIsolatedPerAgent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	send(t, svc, SendRequest{To: "pixel", From: "echo", Body: "for pixel"})
	send(t, svc, SendRequest{To: "nova", From: "echo", Body: "for nova"})

	pixel, err := svc.List(ctx, "pixel", FilterAll, 0, 0)
	require.NoError(t, err)
	require.Len(t, pixel, 1)
	assert.Equal(t, "for pixel", pixel[0].Body)
}
