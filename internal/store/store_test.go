package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "milo.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestInsertInbox(t *testing.T) {
	t.Run("first insert is new", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		isNew, err := s.InsertInbox(ctx, &InboxEntry{
			MessageID:   "m-1",
			SessionID:   "s-1",
			SessionType: v1.SessionTypeBot,
			Content:     "hi",
		})
		require.NoError(t, err)
		assert.True(t, isNew)
	})

	t.Run("duplicate message id yields one row", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		isNew, err := s.InsertInbox(ctx, &InboxEntry{MessageID: "m-1", SessionID: "s-1", Content: "hi"})
		require.NoError(t, err)
		require.True(t, isNew)

		isNew, err = s.InsertInbox(ctx, &InboxEntry{MessageID: "m-1", SessionID: "s-1", Content: "hi"})
		require.NoError(t, err)
		assert.False(t, isNew)

		entries, err := s.GetUnprocessed(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("mark processed is idempotent", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		_, err := s.InsertInbox(ctx, &InboxEntry{MessageID: "m-1", SessionID: "s-1", Content: "hi"})
		require.NoError(t, err)

		require.NoError(t, s.MarkProcessed(ctx, "m-1"))
		require.NoError(t, s.MarkProcessed(ctx, "m-1"))

		entries, err := s.GetUnprocessed(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("unprocessed entries come back oldest first", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		for _, id := range []string{"m-1", "m-2", "m-3"} {
			_, err := s.InsertInbox(ctx, &InboxEntry{MessageID: id, SessionID: "s-1", Content: id})
			require.NoError(t, err)
		}

		entries, err := s.GetUnprocessed(ctx, 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "m-1", entries[0].MessageID)
		assert.Equal(t, "m-2", entries[1].MessageID)
	})
}

func TestOutbox(t *testing.T) {
	t.Run("enqueue and drain in id order", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		sid := "s-1"
		id1, err := s.EnqueueOutbox(ctx, OutboxKindSendMessage, `{"content":"a"}`, &sid)
		require.NoError(t, err)
		id2, err := s.EnqueueOutbox(ctx, OutboxKindAckMessage, `{"messageIds":["m-1"]}`, nil)
		require.NoError(t, err)
		assert.Greater(t, id2, id1)

		entries, err := s.GetUnsent(ctx, 10, 50)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, id1, entries[0].ID)
		assert.Equal(t, id2, entries[1].ID)
	})

	t.Run("mark sent removes entry permanently", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		id, err := s.EnqueueOutbox(ctx, OutboxKindSendMessage, `{}`, nil)
		require.NoError(t, err)
		require.NoError(t, s.MarkSent(ctx, id))

		entries, err := s.GetUnsent(ctx, 10, 50)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("mark failed increments retries and stores error", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		id, err := s.EnqueueOutbox(ctx, OutboxKindSendMessage, `{}`, nil)
		require.NoError(t, err)

		require.NoError(t, s.MarkFailed(ctx, id, "503 service unavailable"))

		entries, err := s.GetUnsent(ctx, 10, 50)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, 1, entries[0].Retries)
		assert.Equal(t, "503 service unavailable", entries[0].LastError)
	})

	t.Run("entries past the retry cap are excluded from drains", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		id, err := s.EnqueueOutbox(ctx, OutboxKindSendMessage, `{}`, nil)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.MarkFailed(ctx, id, "boom"))
		}

		entries, err := s.GetUnsent(ctx, 10, 3)
		require.NoError(t, err)
		assert.Empty(t, entries)

		// Still counted as undelivered
		depth, err := s.OutboxDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
	})
}

func TestSessions(t *testing.T) {
	t.Run("upsert creates and preserves name on empty update", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertSession(ctx, "s-1", "My Session", v1.SessionTypeBot))
		require.NoError(t, s.UpsertSession(ctx, "s-1", "", v1.SessionTypeBot))

		row, err := s.GetSession(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "My Session", row.Name)
		assert.Equal(t, v1.SessionOpenIdle, row.Status)
	})

	t.Run("worker state and pid round-trip", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertSession(ctx, "s-1", "", v1.SessionTypeBot))
		pid := 4242
		require.NoError(t, s.UpdateWorkerState(ctx, "s-1", v1.WorkerReady, &pid))

		row, err := s.GetSession(ctx, "s-1")
		require.NoError(t, err)
		require.NotNil(t, row.WorkerPID)
		assert.Equal(t, 4242, *row.WorkerPID)
		assert.Equal(t, v1.WorkerReady, row.WorkerState)

		require.NoError(t, s.UpdateWorkerState(ctx, "s-1", v1.WorkerDead, nil))
		row, err = s.GetSession(ctx, "s-1")
		require.NoError(t, err)
		assert.Nil(t, row.WorkerPID)
	})

	t.Run("active sessions exclude closed", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertSession(ctx, "s-1", "", v1.SessionTypeBot))
		require.NoError(t, s.UpsertSession(ctx, "s-2", "", v1.SessionTypeChat))
		require.NoError(t, s.UpdateSessionStatus(ctx, "s-2", v1.SessionClosed))

		rows, err := s.GetActiveSessions(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "s-1", rows[0].ID)
	})

	t.Run("missing session returns no rows", func(t *testing.T) {
		s := setupStore(t)

		_, err := s.GetSession(context.Background(), "nope")
		assert.True(t, IsNoRows(err))
	})
}

func TestSessionMessages(t *testing.T) {
	t.Run("audit log is append-only and ordered", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		require.NoError(t, s.InsertSessionMessage(ctx, "s-1", v1.SenderUser, "hi", "m-1"))
		require.NoError(t, s.InsertSessionMessage(ctx, "s-1", v1.SenderAgent, "hello", ""))
		require.NoError(t, s.InsertSessionMessage(ctx, "s-2", v1.SenderSystem, "other session", ""))

		msgs, err := s.GetSessionMessages(ctx, "s-1", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, v1.SenderUser, msgs[0].Sender)
		assert.Equal(t, "m-1", msgs[0].MessageID)
		assert.Equal(t, v1.SenderAgent, msgs[1].Sender)
	})
}

func TestRedriveQueries(t *testing.T) {
	t.Run("unprocessed rows scoped to a session", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()

		_, err := s.InsertInbox(ctx, &InboxEntry{MessageID: "m-1", SessionID: "s-1", Content: "a"})
		require.NoError(t, err)
		_, err = s.InsertInbox(ctx, &InboxEntry{MessageID: "m-2", SessionID: "s-2", Content: "b"})
		require.NoError(t, err)

		entries, err := s.GetUnprocessedForSession(ctx, "s-2", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "m-2", entries[0].MessageID)
	})
}
