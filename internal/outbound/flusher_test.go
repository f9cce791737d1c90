package outbound

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milohq/milo-agent/internal/common/config"
	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/remote"
	"github.com/milohq/milo-agent/internal/store"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []*v1.SendMessageRequest
	acked    [][]string
	sendErr  error
	ackErr   error
	failures int // fail this many calls, then succeed
}

func (s *fakeSender) SendMessage(_ context.Context, req *v1.SendMessageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.sendErr
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, req)
	return nil
}

func (s *fakeSender) AckMessages(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, ids)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*v1.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, e *v1.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) IsConnected() bool { return p.err == nil }

func setupOutbound(t *testing.T, sender *fakeSender, pub *fakePublisher) (*store.Store, *Pipeline, *Flusher) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "milo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	pipeline := NewPipeline(st, pub, func() string { return "agent-1" }, log)
	flusher := NewFlusher(st, sender, config.OutboxConfig{FlushInterval: 10, MaxRetries: 50, BatchSize: 25}, log)
	return st, pipeline, flusher
}

func TestFlusher(t *testing.T) {
	t.Run("drains entries in insertion order", func(t *testing.T) {
		sender := &fakeSender{}
		st, pipeline, flusher := setupOutbound(t, sender, &fakePublisher{})
		ctx := context.Background()

		require.NoError(t, pipeline.EnqueueSend(ctx, &v1.SendMessageRequest{SessionID: "s-1", Content: "first"}))
		require.NoError(t, pipeline.EnqueueAck(ctx, "m-1", "m-2"))
		require.NoError(t, pipeline.EnqueueSend(ctx, &v1.SendMessageRequest{SessionID: "s-1", Content: "second"}))

		flusher.FlushOnce(ctx)

		require.Len(t, sender.sent, 2)
		assert.Equal(t, "first", sender.sent[0].Content)
		assert.Equal(t, "second", sender.sent[1].Content)
		require.Len(t, sender.acked, 1)
		assert.Equal(t, []string{"m-1", "m-2"}, sender.acked[0])

		depth, err := st.OutboxDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, depth)
	})

	t.Run("transient failure is retried on next flush", func(t *testing.T) {
		sender := &fakeSender{sendErr: &remote.StatusError{Code: 503, Body: "unavailable"}, failures: 1}
		st, pipeline, flusher := setupOutbound(t, sender, &fakePublisher{})
		ctx := context.Background()

		require.NoError(t, pipeline.EnqueueSend(ctx, &v1.SendMessageRequest{SessionID: "s-1", Content: "retry me"}))

		flusher.FlushOnce(ctx)
		assert.Empty(t, sender.sent)
		depth, err := st.OutboxDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, depth)

		sender.sendErr = nil
		flusher.FlushOnce(ctx)
		require.Len(t, sender.sent, 1)
		assert.Equal(t, "retry me", sender.sent[0].Content)
	})

	t.Run("permanent failure marks entry sent", func(t *testing.T) {
		sender := &fakeSender{sendErr: &remote.StatusError{Code: 404, Body: "session gone"}}
		st, pipeline, flusher := setupOutbound(t, sender, &fakePublisher{})
		ctx := context.Background()

		require.NoError(t, pipeline.EnqueueSend(ctx, &v1.SendMessageRequest{SessionID: "s-gone", Content: "x"}))

		flusher.FlushOnce(ctx)

		depth, err := st.OutboxDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, depth)
		assert.Empty(t, sender.sent)
	})

	t.Run("entries survive a store reopen", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "milo.db")
		log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
		require.NoError(t, err)
		ctx := context.Background()

		st, err := store.Open(dbPath)
		require.NoError(t, err)
		pipeline := NewPipeline(st, &fakePublisher{}, func() string { return "agent-1" }, log)
		require.NoError(t, pipeline.EnqueueSend(ctx, &v1.SendMessageRequest{SessionID: "s-1", Content: "durable"}))
		require.NoError(t, st.Close())

		st, err = store.Open(dbPath)
		require.NoError(t, err)
		defer func() { require.NoError(t, st.Close()) }()

		sender := &fakeSender{}
		flusher := NewFlusher(st, sender, config.OutboxConfig{MaxRetries: 50, BatchSize: 25}, log)
		flusher.FlushOnce(ctx)

		require.Len(t, sender.sent, 1)
		assert.Equal(t, "durable", sender.sent[0].Content)
	})
}

func TestPipeline(t *testing.T) {
	t.Run("dual write publishes and enqueues", func(t *testing.T) {
		pub := &fakePublisher{}
		st, pipeline, _ := setupOutbound(t, &fakeSender{}, pub)
		ctx := context.Background()

		require.NoError(t, pipeline.SendAgentMessage(ctx, "s-1", "hello there", 2048))

		require.Len(t, pub.events, 1)
		assert.Equal(t, v1.EventAgentMessage, pub.events[0].Type)
		assert.Equal(t, "agent-1", pub.events[0].AgentID)
		assert.Equal(t, 2048, pub.events[0].ContextSize)
		assert.False(t, pub.events[0].Timestamp.IsZero())

		depth, err := st.OutboxDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
	})

	t.Run("publish failure does not block the durable write", func(t *testing.T) {
		pub := &fakePublisher{err: assert.AnError}
		st, pipeline, _ := setupOutbound(t, &fakeSender{}, pub)
		ctx := context.Background()

		require.NoError(t, pipeline.SendAgentMessage(ctx, "s-1", "still durable", 0))

		depth, err := st.OutboxDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
	})
}
