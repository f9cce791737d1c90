package ipc

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milohq/milo-agent/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return log
}

func TestWriter(t *testing.T) {
	t.Run("one json object per line", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewWriter(&buf)

		require.NoError(t, w.Write(&Command{Type: CmdTask, TaskID: "t-1", Content: "hello"}))
		require.NoError(t, w.Write(&Command{Type: CmdCancel}))

		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		require.Len(t, lines, 2)

		var cmd Command
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &cmd))
		assert.Equal(t, CmdTask, cmd.Type)
		assert.Equal(t, "hello", cmd.Content)

		require.NoError(t, json.Unmarshal([]byte(lines[1]), &cmd))
		assert.Equal(t, CmdCancel, cmd.Type)
	})

	t.Run("init carries config bundle", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewWriter(&buf)

		require.NoError(t, w.Write(&Command{
			Type:        CmdInit,
			SessionID:   "s-1",
			ProjectPath: "/work/projects/demo",
			Config:      &InitConfig{Model: "fast", OrphanTimeout: 1800},
		}))

		var cmd Command
		require.NoError(t, json.Unmarshal(buf.Bytes(), &cmd))
		require.NotNil(t, cmd.Config)
		assert.Equal(t, "fast", cmd.Config.Model)
		assert.Equal(t, 1800, cmd.Config.OrphanTimeout)
	})
}

func TestEventReader(t *testing.T) {
	t.Run("reads events in order then eof", func(t *testing.T) {
		input := `{"type":"WORKER_READY"}
{"type":"WORKER_TASK_STARTED","taskId":"t-1"}
{"type":"WORKER_TASK_DONE","taskId":"t-1","content":"done"}
`
		r := NewEventReader(strings.NewReader(input), testLogger(t))

		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, EvtReady, ev.Type)

		ev, err = r.Next()
		require.NoError(t, err)
		assert.Equal(t, EvtTaskStarted, ev.Type)
		assert.Equal(t, "t-1", ev.TaskID)

		ev, err = r.Next()
		require.NoError(t, err)
		assert.Equal(t, EvtTaskDone, ev.Type)
		assert.Equal(t, "done", ev.Content)

		_, err = r.Next()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("malformed lines are skipped", func(t *testing.T) {
		input := `not json at all
{"type":"WORKER_READY"}
`
		r := NewEventReader(strings.NewReader(input), testLogger(t))

		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, EvtReady, ev.Type)
	})

	t.Run("unknown types are skipped", func(t *testing.T) {
		input := `{"type":"WORKER_SOMETHING_NEW","content":"x"}
{"type":"WORKER_PROGRESS","contextSize":1234}
`
		r := NewEventReader(strings.NewReader(input), testLogger(t))

		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, EvtProgress, ev.Type)
		assert.Equal(t, 1234, ev.ContextSize)
	})

	t.Run("empty lines are skipped", func(t *testing.T) {
		input := "\n\n{\"type\":\"WORKER_READY\"}\n"
		r := NewEventReader(strings.NewReader(input), testLogger(t))

		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, EvtReady, ev.Type)
	})

	t.Run("fatal error event round-trips", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		require.NoError(t, w.Write(&WorkerEvent{Type: EvtError, Message: "model backend unreachable", Fatal: true}))

		r := NewEventReader(&buf, testLogger(t))
		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, EvtError, ev.Type)
		assert.True(t, ev.Fatal)
		assert.Equal(t, "model backend unreachable", ev.Message)
	})
}

func TestCommandReader(t *testing.T) {
	t.Run("daemon side writes are readable by worker side", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		require.NoError(t, w.Write(&Command{Type: CmdInit, SessionID: "s-1"}))
		require.NoError(t, w.Write(&Command{Type: CmdTask, TaskID: "t-1", Content: "do the thing"}))
		require.NoError(t, w.Write(&Command{
			Type: CmdFormResponse, FormID: "f-1", FormStatus: "submitted",
			FormValues: json.RawMessage(`{"name":"demo"}`),
		}))

		r := NewCommandReader(&buf, testLogger(t))

		cmd, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, CmdInit, cmd.Type)
		assert.Equal(t, "s-1", cmd.SessionID)

		cmd, err = r.Next()
		require.NoError(t, err)
		assert.Equal(t, CmdTask, cmd.Type)

		cmd, err = r.Next()
		require.NoError(t, err)
		assert.Equal(t, CmdFormResponse, cmd.Type)
		assert.Equal(t, "submitted", cmd.FormStatus)
		assert.JSONEq(t, `{"name":"demo"}`, string(cmd.FormValues))

		_, err = r.Next()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("event types are not valid commands", func(t *testing.T) {
		input := `{"type":"WORKER_READY"}
{"type":"WORKER_CLOSE"}
`
		r := NewCommandReader(strings.NewReader(input), testLogger(t))
		cmd, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, CmdClose, cmd.Type)
	})
}
