package supervisor

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/milohq/milo-agent/internal/common/errors"
	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/ipc"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// fakeWorker is a scripted in-process stand-in for a worker subprocess.
type fakeWorker struct {
	pid int

	mu   sync.Mutex
	cmds []*ipc.Command

	cmdCh  chan *ipc.Command
	events chan *ipc.WorkerEvent

	exitOnce sync.Once
	exitErr  error
	exited   chan struct{}

	ignoreTerminate bool
	terminated      chan struct{}
	killed          chan struct{}
}

func newFakeWorker(pid int) *fakeWorker {
	return &fakeWorker{
		pid:        pid,
		cmdCh:      make(chan *ipc.Command, 64),
		events:     make(chan *ipc.WorkerEvent, 64),
		exited:     make(chan struct{}),
		terminated: make(chan struct{}, 4),
		killed:     make(chan struct{}, 4),
	}
}

func (w *fakeWorker) Send(cmd *ipc.Command) error {
	w.mu.Lock()
	w.cmds = append(w.cmds, cmd)
	w.mu.Unlock()
	w.cmdCh <- cmd
	return nil
}

func (w *fakeWorker) Next() (*ipc.WorkerEvent, error) {
	ev, ok := <-w.events
	if !ok {
		return nil, io.EOF
	}
	return ev, nil
}

func (w *fakeWorker) CloseStdin() error { return nil }

func (w *fakeWorker) Terminate() error {
	w.terminated <- struct{}{}
	if !w.ignoreTerminate {
		w.exit(errors.New("signal: terminated"))
	}
	return nil
}

func (w *fakeWorker) Kill() error {
	w.killed <- struct{}{}
	w.exit(errors.New("signal: killed"))
	return nil
}

func (w *fakeWorker) Exited() <-chan struct{} { return w.exited }
func (w *fakeWorker) ExitError() error        { return w.exitErr }
func (w *fakeWorker) Pid() int                { return w.pid }

func (w *fakeWorker) emit(ev *ipc.WorkerEvent) { w.events <- ev }

func (w *fakeWorker) exit(err error) {
	w.exitOnce.Do(func() {
		w.exitErr = err
		close(w.events)
		close(w.exited)
	})
}

// recordingSink captures actor notifications for assertions.
type recordingSink struct {
	mu           sync.Mutex
	events       []*ipc.WorkerEvent
	statuses     []v1.SessionStatus
	workerStates []v1.WorkerState
	projects     []string

	eventCh  chan *ipc.WorkerEvent
	statusCh chan v1.SessionStatus
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		eventCh:  make(chan *ipc.WorkerEvent, 64),
		statusCh: make(chan v1.SessionStatus, 64),
	}
}

func (s *recordingSink) WorkerEvent(_ string, ev *ipc.WorkerEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.eventCh <- ev
}

func (s *recordingSink) StatusChanged(_ string, status v1.SessionStatus) {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
	s.statusCh <- status
}

func (s *recordingSink) WorkerStateChanged(_ string, state v1.WorkerState, _ *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerStates = append(s.workerStates, state)
}

func (s *recordingSink) ProjectConfirmed(_ string, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects = append(s.projects, path)
}

func (s *recordingSink) cancelledEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == ipc.EvtTaskCancelled {
			n++
		}
	}
	return n
}

type actorHarness struct {
	actor   *Actor
	sink    *recordingSink
	mu      sync.Mutex
	workers []*fakeWorker

	// number of buildInit calls that fail before one succeeds
	initFailures int
}

func (h *actorHarness) worker(i int) *fakeWorker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.workers[i]
}

func (h *actorHarness) spawnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.workers)
}

func setupActor(t *testing.T, cfg ActorConfig) *actorHarness {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	h := &actorHarness{sink: newRecordingSink()}
	spawn := func(string) (Worker, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		w := newFakeWorker(1000 + len(h.workers))
		h.workers = append(h.workers, w)
		return w, nil
	}
	buildInit := func(sessionID string, _ *WorkItem) (*ipc.Command, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.initFailures > 0 {
			h.initFailures--
			return nil, errors.New("history fetch failed")
		}
		return &ipc.Command{Type: ipc.CmdInit, SessionID: sessionID}, nil
	}
	h.actor = NewActor("s-1", v1.SessionTypeBot, cfg, spawn, buildInit, h.sink, log)
	return h
}

func fastConfig() ActorConfig {
	return ActorConfig{
		ReadyTimeout:  2 * time.Second,
		CancelGrace:   50 * time.Millisecond,
		KillGrace:     50 * time.Millisecond,
		ShutdownGrace: 50 * time.Millisecond,
	}
}

func waitCommand(t *testing.T, w *fakeWorker, wantType string) *ipc.Command {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cmd := <-w.cmdCh:
			if cmd.Type == wantType {
				return cmd
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", wantType)
			return nil
		}
	}
}

func waitStatus(t *testing.T, sink *recordingSink, want v1.SessionStatus) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-sink.statusCh:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func waitEventType(t *testing.T, sink *recordingSink, want string) *ipc.WorkerEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sink.eventCh:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
			return nil
		}
	}
}

func waitState(t *testing.T, a *Actor, want ActorState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("actor never reached state %s, currently %s", want, a.State())
}

func TestActorSpawnAndDispatch(t *testing.T) {
	t.Run("init is the first command and ready dispatches the queued task", func(t *testing.T) {
		h := setupActor(t, fastConfig())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "build the thing")))
		require.Equal(t, 1, h.spawnCount())
		w := h.worker(0)

		init := waitCommand(t, w, ipc.CmdInit)
		assert.Equal(t, "s-1", init.SessionID)

		w.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
		task := waitCommand(t, w, ipc.CmdTask)
		assert.Equal(t, "build the thing", task.Content)
		assert.NotEmpty(t, task.TaskID)

		waitStatus(t, h.sink, v1.SessionOpenRunning)
		assert.Equal(t, ActorRunning, h.actor.State())
	})

	t.Run("task done returns to idle and drains the queue", func(t *testing.T) {
		h := setupActor(t, fastConfig())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "first")))
		w := h.worker(0)
		w.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
		first := waitCommand(t, w, ipc.CmdTask)

		// Second message arrives while running: steered, not queued
		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-2", "also this")))
		steer := waitCommand(t, w, ipc.CmdSteer)
		assert.Equal(t, first.TaskID, steer.TaskID)
		assert.Equal(t, "also this", steer.Content)
		assert.Equal(t, 0, h.actor.QueueLen())

		w.emit(&ipc.WorkerEvent{Type: ipc.EvtTaskDone, TaskID: first.TaskID})
		waitStatus(t, h.sink, v1.SessionOpenIdle)
		waitState(t, h.actor, ActorIdle)
	})
}

func TestActorQuestionAnswer(t *testing.T) {
	t.Run("user message answers the pending tool call", func(t *testing.T) {
		h := setupActor(t, fastConfig())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "go")))
		w := h.worker(0)
		w.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
		task := waitCommand(t, w, ipc.CmdTask)

		w.emit(&ipc.WorkerEvent{Type: ipc.EvtQuestion, TaskID: task.TaskID, ToolCallID: "tc-9", Content: "which database?"})
		waitStatus(t, h.sink, v1.SessionOpenWaitingUser)

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-2", "postgres")))
		answer := waitCommand(t, w, ipc.CmdAnswer)
		assert.Equal(t, "tc-9", answer.ToolCallID)
		assert.Equal(t, "postgres", answer.Content)
		waitStatus(t, h.sink, v1.SessionOpenRunning)
	})

	t.Run("form response must match the pending form id", func(t *testing.T) {
		h := setupActor(t, fastConfig())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "go")))
		w := h.worker(0)
		w.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
		waitCommand(t, w, ipc.CmdTask)

		w.emit(&ipc.WorkerEvent{Type: ipc.EvtFormRequest, FormID: "f-1", Form: []byte(`{"fields":[]}`)})
		waitStatus(t, h.sink, v1.SessionOpenInputRequired)

		err := h.actor.SubmitFormResponse("f-stale", "submitted", []byte(`{}`))
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))

		require.NoError(t, h.actor.SubmitFormResponse("f-1", "submitted", []byte(`{"ok":true}`)))
		resp := waitCommand(t, w, ipc.CmdFormResponse)
		assert.Equal(t, "f-1", resp.FormID)
		assert.Equal(t, "submitted", resp.FormStatus)
	})
}

func TestActorCancellation(t *testing.T) {
	t.Run("acknowledged cancel resumes the queue", func(t *testing.T) {
		h := setupActor(t, fastConfig())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "long job")))
		w := h.worker(0)
		w.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
		task := waitCommand(t, w, ipc.CmdTask)

		require.NoError(t, h.actor.Submit(NewWorkItem(KindCancel, "m-2", "cancel")))
		cancel := waitCommand(t, w, ipc.CmdCancel)
		assert.Equal(t, task.TaskID, cancel.TaskID)

		w.emit(&ipc.WorkerEvent{Type: ipc.EvtTaskCancelled, TaskID: task.TaskID})
		waitEventType(t, h.sink, ipc.EvtTaskCancelled)
		waitState(t, h.actor, ActorIdle)

		// No escalation happened
		assert.Empty(t, w.terminated)
		assert.Empty(t, w.killed)
	})

	t.Run("ignored cancel escalates to terminate then kill", func(t *testing.T) {
		h := setupActor(t, fastConfig())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "stuck job")))
		w := h.worker(0)
		w.ignoreTerminate = true
		w.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
		waitCommand(t, w, ipc.CmdTask)

		require.NoError(t, h.actor.Submit(NewWorkItem(KindCancel, "m-2", "cancel")))
		waitCommand(t, w, ipc.CmdCancel)

		select {
		case <-w.terminated:
		case <-time.After(2 * time.Second):
			t.Fatal("terminate was never sent")
		}
		select {
		case <-w.killed:
		case <-time.After(2 * time.Second):
			t.Fatal("kill was never sent")
		}

		// Exactly one cancelled event reaches the user
		waitEventType(t, h.sink, ipc.EvtTaskCancelled)
		waitState(t, h.actor, ActorDead)
		assert.Equal(t, 1, h.sink.cancelledEvents())
	})

	t.Run("cancel with nothing running is still observable", func(t *testing.T) {
		h := setupActor(t, fastConfig())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindCancel, "m-1", "cancel")))
		waitEventType(t, h.sink, ipc.EvtTaskCancelled)
		assert.Equal(t, 0, h.spawnCount())
	})
}

func TestActorCrashRecovery(t *testing.T) {
	t.Run("crash mid task fails it fatally and respawns on next message", func(t *testing.T) {
		h := setupActor(t, fastConfig())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "work")))
		w := h.worker(0)
		w.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
		task := waitCommand(t, w, ipc.CmdTask)

		w.exit(errors.New("exit status 137"))

		ev := waitEventType(t, h.sink, ipc.EvtError)
		assert.True(t, ev.Fatal)
		assert.Equal(t, task.TaskID, ev.TaskID)
		waitState(t, h.actor, ActorDead)
		assert.Equal(t, 0, h.actor.WorkerPid())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-2", "try again")))
		require.Equal(t, 2, h.spawnCount())
		w2 := h.worker(1)
		waitCommand(t, w2, ipc.CmdInit)
		w2.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
		task2 := waitCommand(t, w2, ipc.CmdTask)
		assert.Equal(t, "try again", task2.Content)
	})

	t.Run("message queued during cancelling dispatches after the ack", func(t *testing.T) {
		h := setupActor(t, fastConfig())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "first")))
		w := h.worker(0)
		w.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
		waitCommand(t, w, ipc.CmdTask)

		require.NoError(t, h.actor.Submit(NewWorkItem(KindCancel, "m-2", "cancel")))
		waitCommand(t, w, ipc.CmdCancel)
		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-3", "next job")))

		w.emit(&ipc.WorkerEvent{Type: ipc.EvtTaskCancelled})
		// After cancel ack the queued message dispatches on the same worker
		task := waitCommand(t, w, ipc.CmdTask)
		assert.Equal(t, "next job", task.Content)
	})
}

func TestActorClose(t *testing.T) {
	t.Run("graceful close ends in closed status", func(t *testing.T) {
		h := setupActor(t, fastConfig())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "work")))
		w := h.worker(0)
		w.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
		waitCommand(t, w, ipc.CmdTask)

		require.NoError(t, h.actor.Submit(NewWorkItem(KindCloseSession, "m-2", "close")))
		waitCommand(t, w, ipc.CmdClose)
		w.exit(nil)

		waitStatus(t, h.sink, v1.SessionClosed)
		waitState(t, h.actor, ActorDead)
	})

	t.Run("close with no worker closes immediately", func(t *testing.T) {
		h := setupActor(t, fastConfig())
		require.NoError(t, h.actor.Submit(NewWorkItem(KindCloseSession, "m-1", "close")))
		waitStatus(t, h.sink, v1.SessionClosed)
	})

	t.Run("unresponsive worker is terminated after the grace window", func(t *testing.T) {
		h := setupActor(t, fastConfig())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "work")))
		w := h.worker(0)
		w.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
		waitCommand(t, w, ipc.CmdTask)

		h.actor.Close()
		waitCommand(t, w, ipc.CmdClose)

		select {
		case <-w.terminated:
		case <-time.After(2 * time.Second):
			t.Fatal("terminate was never sent")
		}
		waitState(t, h.actor, ActorDead)
	})
}

func TestActorSpawnInitFailure(t *testing.T) {
	t.Run("failed init leaves the actor dead and the next message retries", func(t *testing.T) {
		h := setupActor(t, fastConfig())
		h.initFailures = 1

		err := h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "first try"))
		require.Error(t, err)

		assert.Equal(t, ActorDead, h.actor.State())
		require.Equal(t, 1, h.spawnCount())
		select {
		case <-h.worker(0).killed:
		default:
			t.Fatal("worker of the failed spawn was not killed")
		}
		ev := waitEventType(t, h.sink, ipc.EvtError)
		assert.True(t, ev.Fatal)

		// The message survived the failed spawn
		assert.Equal(t, 1, h.actor.QueueLen())

		require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-2", "second try")))
		require.Equal(t, 2, h.spawnCount())
		w := h.worker(1)
		waitCommand(t, w, ipc.CmdInit)
		w.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
		task := waitCommand(t, w, ipc.CmdTask)
		assert.Equal(t, "first try", task.Content)
	})

	t.Run("close after a failed spawn does not wedge", func(t *testing.T) {
		h := setupActor(t, fastConfig())
		h.initFailures = 1

		require.Error(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "work")))
		h.actor.Close()
		waitStatus(t, h.sink, v1.SessionClosed)
		waitState(t, h.actor, ActorDead)
	})
}

// reentrantSink calls back into the actor from its callbacks, the way the
// orchestrator sink snapshots actor state while persisting it.
type reentrantSink struct {
	actor  atomic.Pointer[Actor]
	states chan ActorState
}

func (s *reentrantSink) observe() {
	if a := s.actor.Load(); a != nil {
		s.states <- a.State()
	}
}

func (s *reentrantSink) WorkerEvent(string, *ipc.WorkerEvent)            { s.observe() }
func (s *reentrantSink) StatusChanged(string, v1.SessionStatus)          { s.observe() }
func (s *reentrantSink) WorkerStateChanged(string, v1.WorkerState, *int) { s.observe() }
func (s *reentrantSink) ProjectConfirmed(string, string)                 { s.observe() }

func TestSinkCallbacksRunOutsideActorLock(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	sink := &reentrantSink{states: make(chan ActorState, 64)}
	spawn := func(string) (Worker, error) { return newFakeWorker(1000), nil }
	buildInit := func(sessionID string, _ *WorkItem) (*ipc.Command, error) {
		return &ipc.Command{Type: ipc.CmdInit, SessionID: sessionID}, nil
	}
	a := NewActor("s-1", v1.SessionTypeBot, fastConfig(), spawn, buildInit, sink, log)
	sink.actor.Store(a)

	done := make(chan struct{})
	go func() {
		// Cancel with nothing running emits a cancelled event via the sink.
		require.NoError(t, a.Submit(NewWorkItem(KindCancel, "m-1", "cancel")))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink callback deadlocked against the actor lock")
	}
	select {
	case st := <-sink.states:
		assert.Equal(t, ActorDead, st)
	default:
		t.Fatal("sink was never invoked")
	}
}

func TestActorProjectConfirmation(t *testing.T) {
	h := setupActor(t, fastConfig())

	require.NoError(t, h.actor.Submit(NewWorkItem(KindUserMessage, "m-1", "work")))
	w := h.worker(0)
	w.emit(&ipc.WorkerEvent{Type: ipc.EvtReady})
	waitCommand(t, w, ipc.CmdTask)

	w.emit(&ipc.WorkerEvent{Type: ipc.EvtProjectSet, ProjectPath: "/work/PROJECTS/demo"})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.actor.ProjectPath() == "/work/PROJECTS/demo" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, "/work/PROJECTS/demo", h.actor.ProjectPath())
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.Equal(t, []string{"/work/PROJECTS/demo"}, h.sink.projects)
}
