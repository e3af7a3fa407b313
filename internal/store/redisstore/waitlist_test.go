package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry(sessionID string, at time.Time) session.WaitlistEntry {
	return session.WaitlistEntry{
		SessionID:   sessionID,
		RequesterID: "user-" + sessionID,
		ProviderID:  "provider-1",
		Type:        session.TypeChat,
		EnqueuedAt:  at.UTC(),
	}
}

func encode(t *testing.T, entry session.WaitlistEntry) string {
	t.Helper()
	payload, err := json.Marshal(entry)
	require.NoError(t, err)
	return string(payload)
}

func TestWaitlistEnqueueRunsScript(t *testing.T) {
	client, mock := redismock.NewClientMock()
	waitlist := NewWaitlist(client, "")
	entry := sampleEntry("session-1", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	mock.ExpectEvalSha(enqueue.Hash(),
		[]string{"consult:waitlist:provider-1", "consult:waitlist:entry:session-1"},
		strconv.FormatInt(entry.EnqueuedAt.UnixMilli(), 10), "session-1", encode(t, entry),
	).SetVal(int64(1))

	require.NoError(t, waitlist.Enqueue(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitlistDequeueOldest(t *testing.T) {
	client, mock := redismock.NewClientMock()
	waitlist := NewWaitlist(client, "test")
	entry := sampleEntry("session-7", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	mock.ExpectEvalSha(dequeue.Hash(), []string{"test:waitlist:provider-1"}, "test:waitlist:entry:").SetVal(encode(t, entry))
	mock.ExpectEvalSha(dequeue.Hash(), []string{"test:waitlist:provider-1"}, "test:waitlist:entry:").RedisNil()

	dequeued, ok, err := waitlist.DequeueOldest(context.Background(), "provider-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "session-7", dequeued.SessionID)
	assert.True(t, dequeued.EnqueuedAt.Equal(entry.EnqueuedAt))

	_, ok, err = waitlist.DequeueOldest(context.Background(), "provider-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitlistDequeuePassesTypes(t *testing.T) {
	client, mock := redismock.NewClientMock()
	waitlist := NewWaitlist(client, "test")
	entry := sampleEntry("session-9", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	mock.ExpectEvalSha(dequeue.Hash(), []string{"test:waitlist:provider-1"}, "test:waitlist:entry:", "chat").SetVal(encode(t, entry))
	mock.ExpectEvalSha(dequeue.Hash(), []string{"test:waitlist:provider-1"}, "test:waitlist:entry:", "call", "video").RedisNil()

	dequeued, ok, err := waitlist.DequeueOldest(context.Background(), "provider-1", session.TypeChat)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "session-9", dequeued.SessionID)

	_, ok, err = waitlist.DequeueOldest(context.Background(), "provider-1", session.TypeCall, session.TypeVideo)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitlistListKeepsScoreOrder(t *testing.T) {
	client, mock := redismock.NewClientMock()
	waitlist := NewWaitlist(client, "")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := sampleEntry("a", base)
	second := sampleEntry("b", base.Add(time.Second))

	mock.ExpectZRange("consult:waitlist:provider-1", 0, -1).SetVal([]string{"a", "b", "gone"})
	mock.ExpectMGet("consult:waitlist:entry:a", "consult:waitlist:entry:b", "consult:waitlist:entry:gone").
		SetVal([]interface{}{encode(t, first), encode(t, second), nil})

	entries, err := waitlist.List(context.Background(), "provider-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].SessionID)
	assert.Equal(t, "b", entries[1].SessionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitlistRemove(t *testing.T) {
	client, mock := redismock.NewClientMock()
	waitlist := NewWaitlist(client, "")

	mock.ExpectZRem("consult:waitlist:provider-1", "session-1").SetVal(1)
	mock.ExpectDel("consult:waitlist:entry:session-1").SetVal(1)
	mock.ExpectZRem("consult:waitlist:provider-1", "session-1").SetVal(0)

	removed, err := waitlist.Remove(context.Background(), "provider-1", "session-1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = waitlist.Remove(context.Background(), "provider-1", "session-1")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
