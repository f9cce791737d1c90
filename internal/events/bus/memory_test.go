package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milohq/milo-agent/internal/common/logger"
)

func setupBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	b := NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return b
}

func collectEvents(t *testing.T, b *MemoryEventBus, subject string) (<-chan *Event, Subscription) {
	t.Helper()
	ch := make(chan *Event, 16)
	sub, err := b.Subscribe(subject, func(_ context.Context, e *Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	return ch, sub
}

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryEventBus(t *testing.T) {
	t.Run("publish reaches exact subject subscriber", func(t *testing.T) {
		b := setupBus(t)
		ch, _ := collectEvents(t, b, "session.s-1.events")

		ev := NewEvent("agent_message", "test", map[string]interface{}{"content": "hi"})
		require.NoError(t, b.Publish(context.Background(), "session.s-1.events", ev))

		got := waitEvent(t, ch)
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, "agent_message", got.Type)
	})

	t.Run("wildcard subscriber sees all sessions", func(t *testing.T) {
		b := setupBus(t)
		ch, _ := collectEvents(t, b, "session.*.events")

		require.NoError(t, b.Publish(context.Background(), "session.s-1.events", NewEvent("a", "test", nil)))
		require.NoError(t, b.Publish(context.Background(), "session.s-2.events", NewEvent("b", "test", nil)))

		types := map[string]bool{}
		types[waitEvent(t, ch).Type] = true
		types[waitEvent(t, ch).Type] = true
		assert.True(t, types["a"])
		assert.True(t, types["b"])
	})

	t.Run("non-matching subject is not delivered", func(t *testing.T) {
		b := setupBus(t)
		ch, _ := collectEvents(t, b, "session.s-1.events")

		require.NoError(t, b.Publish(context.Background(), "control.action", NewEvent("x", "test", nil)))

		select {
		case e := <-ch:
			t.Fatalf("unexpected event: %v", e.Type)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		b := setupBus(t)
		ch, sub := collectEvents(t, b, "ingest.message")

		require.NoError(t, sub.Unsubscribe())
		assert.False(t, sub.IsValid())

		require.NoError(t, b.Publish(context.Background(), "ingest.message", NewEvent("x", "test", nil)))
		select {
		case <-ch:
			t.Fatal("received event after unsubscribe")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("slow handler does not block publisher", func(t *testing.T) {
		b := setupBus(t)
		var wg sync.WaitGroup
		wg.Add(1)
		release := make(chan struct{})
		_, err := b.Subscribe("ingest.message", func(_ context.Context, _ *Event) error {
			defer wg.Done()
			<-release
			return nil
		})
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			_ = b.Publish(context.Background(), "ingest.message", NewEvent("x", "test", nil))
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on handler")
		}
		close(release)
		wg.Wait()
	})

	t.Run("close reports disconnected", func(t *testing.T) {
		log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
		require.NoError(t, err)
		b := NewMemoryEventBus(log)
		assert.True(t, b.IsConnected())
		b.Close()
		assert.False(t, b.IsConnected())
	})
}

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"session.s-1.events", "session.s-1.events", true},
		{"session.*.events", "session.s-1.events", true},
		{"session.*.events", "session.s-1.status", false},
		{"session.>", "session.s-1.events", true},
		{"session.>", "control.action", false},
		{"session.*", "session.s-1.events", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, subjectMatches(tc.pattern, tc.subject), "%s vs %s", tc.pattern, tc.subject)
	}
}
