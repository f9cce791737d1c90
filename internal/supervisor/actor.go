package supervisor

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/milohq/milo-agent/internal/common/errors"
	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/ipc"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// ActorState is the in-memory lifecycle state of a session actor. The
// persisted session status is derived from it.
type ActorState string

const (
	ActorSpawning    ActorState = "spawning"
	ActorIdle        ActorState = "idle"
	ActorRunning     ActorState = "running"
	ActorCancelling  ActorState = "cancelling"
	ActorWaitingUser ActorState = "waiting_user"
	ActorDying       ActorState = "dying"
	ActorDead        ActorState = "dead"
)

// Worker abstracts the spawned subprocess so tests can script one.
type Worker interface {
	Send(cmd *ipc.Command) error
	Next() (*ipc.WorkerEvent, error)
	CloseStdin() error
	Terminate() error
	Kill() error
	Exited() <-chan struct{}
	ExitError() error
	Pid() int
}

// SpawnFunc creates a worker subprocess for a session
type SpawnFunc func(sessionID string) (Worker, error)

// InitBuilder produces the WORKER_INIT command for a freshly spawned
// worker. item is the work item that triggered the spawn, nil on respawn
// without a pending item.
type InitBuilder func(sessionID string, item *WorkItem) (*ipc.Command, error)

// Sink receives actor notifications. Implemented by the orchestrator,
// which maps them onto the outbound pipeline and the durable store.
type Sink interface {
	// WorkerEvent delivers a worker output event, including synthetic ones
	// for crashes and forced cancellations.
	WorkerEvent(sessionID string, ev *ipc.WorkerEvent)

	// StatusChanged reports a derived session status change
	StatusChanged(sessionID string, status v1.SessionStatus)

	// WorkerStateChanged reports worker lifecycle changes. pid is nil when
	// no process is attached.
	WorkerStateChanged(sessionID string, state v1.WorkerState, pid *int)

	// ProjectConfirmed reports that the worker settled on a project path
	ProjectConfirmed(sessionID, path string)
}

type currentTask struct {
	id              string
	messageID       string
	startedAt       time.Time
	cancelRequested bool
}

// ActorConfig carries the timing knobs of the escalation ladders.
type ActorConfig struct {
	ReadyTimeout  time.Duration
	CancelGrace   time.Duration
	KillGrace     time.Duration
	ShutdownGrace time.Duration
	MaxQueueSize  int
}

// Actor serialises all work for one session. Every mutation happens under
// mu; the worker reader goroutine and the escalation timers funnel through
// the same lock.
type Actor struct {
	sessionID   string
	sessionType v1.SessionType
	cfg         ActorConfig
	spawn       SpawnFunc
	buildInit   InitBuilder
	sink        Sink
	logger      *logger.Logger

	mu         sync.Mutex
	state      ActorState
	queue      *WorkQueue
	worker     Worker
	generation int
	current    *currentTask
	notifies   []func(Sink)

	pendingToolCallID string
	pendingFormID     string
	projectPath       string

	readyTimer  *time.Timer
	cancelTimer *time.Timer
	killTimer   *time.Timer
	closeTimer  *time.Timer
}

// NewActor creates an actor in the Dead state; the first Submit spawns.
func NewActor(sessionID string, sessionType v1.SessionType, cfg ActorConfig, spawn SpawnFunc, buildInit InitBuilder, sink Sink, log *logger.Logger) *Actor {
	return &Actor{
		sessionID:   sessionID,
		sessionType: sessionType,
		cfg:         cfg,
		spawn:       spawn,
		buildInit:   buildInit,
		sink:        sink,
		logger:      log.WithSessionID(sessionID),
		state:       ActorDead,
		queue:       NewWorkQueue(cfg.MaxQueueSize),
	}
}

// notifyLocked queues a sink callback for delivery once mu is released.
// Sink implementations write to the store and publish events; running them
// under the actor lock would stall the actor and invite deadlocks.
func (a *Actor) notifyLocked(fn func(Sink)) {
	a.notifies = append(a.notifies, fn)
}

func (a *Actor) takeNotifiesLocked() []func(Sink) {
	pending := a.notifies
	a.notifies = nil
	return pending
}

func (a *Actor) deliver(pending []func(Sink)) {
	for _, fn := range pending {
		fn(a.sink)
	}
}

// State returns the actor's current state
func (a *Actor) State() ActorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// QueueLen returns the number of pending work items
func (a *Actor) QueueLen() int {
	return a.queue.Len()
}

// WorkerPid returns the live worker pid, 0 when none
func (a *Actor) WorkerPid() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.worker == nil {
		return 0
	}
	return a.worker.Pid()
}

// SetProjectPath records the project path used for the next spawn
func (a *Actor) SetProjectPath(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.projectPath = path
}

// ProjectPath returns the actor's current project path
func (a *Actor) ProjectPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.projectPath
}

// Submit routes one work item through the state machine.
func (a *Actor) Submit(item *WorkItem) error {
	a.mu.Lock()
	var err error
	switch item.Kind {
	case KindUserMessage:
		err = a.submitUserMessageLocked(item)
	case KindCancel:
		a.requestCancelLocked()
	case KindCloseSession:
		a.requestCloseLocked()
	default:
		err = apperrors.BadRequest(fmt.Sprintf("work item kind %s is not routed to actors", item.Kind))
	}
	pending := a.takeNotifiesLocked()
	a.mu.Unlock()

	a.deliver(pending)
	return err
}

func (a *Actor) submitUserMessageLocked(item *WorkItem) error {
	switch a.state {
	case ActorDead:
		if err := a.queue.Enqueue(item); err != nil {
			return err
		}
		return a.spawnLocked(item)

	case ActorSpawning, ActorDying, ActorCancelling:
		return a.queue.Enqueue(item)

	case ActorIdle:
		if err := a.queue.Enqueue(item); err != nil {
			return err
		}
		a.dispatchLocked()
		return nil

	case ActorRunning:
		// Mid-task input steers the running turn instead of queueing.
		a.logger.Debug("steering running task", zap.String("message_id", item.MessageID))
		return a.sendLocked(&ipc.Command{Type: ipc.CmdSteer, TaskID: a.current.id, Content: item.Content})

	case ActorWaitingUser:
		if a.pendingToolCallID == "" {
			a.logger.Debug("no pending tool call, steering instead of answering")
			a.state = ActorRunning
			a.notifyLocked(func(s Sink) { s.StatusChanged(a.sessionID, v1.SessionOpenRunning) })
			return a.sendLocked(&ipc.Command{Type: ipc.CmdSteer, TaskID: a.taskIDLocked(), Content: item.Content})
		}
		cmd := &ipc.Command{
			Type:       ipc.CmdAnswer,
			TaskID:     a.taskIDLocked(),
			ToolCallID: a.pendingToolCallID,
			Content:    item.Content,
		}
		a.pendingToolCallID = ""
		a.state = ActorRunning
		a.notifyLocked(func(s Sink) { s.StatusChanged(a.sessionID, v1.SessionOpenRunning) })
		return a.sendLocked(cmd)
	}
	return nil
}

// SubmitFormResponse routes a form response to the waiting worker. Form ids
// do not survive a daemon restart; an unknown id is an error the caller
// reports back to the user.
func (a *Actor) SubmitFormResponse(formID, status string, values []byte) error {
	a.mu.Lock()

	if a.state != ActorWaitingUser || a.pendingFormID == "" {
		a.mu.Unlock()
		return apperrors.NotFound("pending form for session", a.sessionID)
	}
	if a.pendingFormID != formID {
		a.mu.Unlock()
		return apperrors.NotFound("form", formID)
	}

	cmd := &ipc.Command{
		Type:       ipc.CmdFormResponse,
		TaskID:     a.taskIDLocked(),
		FormID:     formID,
		FormStatus: status,
		FormValues: values,
	}
	a.pendingFormID = ""
	a.state = ActorRunning
	a.notifyLocked(func(s Sink) { s.StatusChanged(a.sessionID, v1.SessionOpenRunning) })
	err := a.sendLocked(cmd)
	pending := a.takeNotifiesLocked()
	a.mu.Unlock()

	a.deliver(pending)
	return err
}

// Close initiates a graceful shutdown of the worker. Used both for
// CLOSE_SESSION items and daemon shutdown.
func (a *Actor) Close() {
	a.mu.Lock()
	a.requestCloseLocked()
	pending := a.takeNotifiesLocked()
	a.mu.Unlock()

	a.deliver(pending)
}

// Exited returns a channel closed when the current worker has been reaped.
// Returns a closed channel when no worker is attached.
func (a *Actor) Exited() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.worker == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.worker.Exited()
}

func (a *Actor) taskIDLocked() string {
	if a.current == nil {
		return ""
	}
	return a.current.id
}

func (a *Actor) sendLocked(cmd *ipc.Command) error {
	if a.worker == nil {
		return apperrors.WorkerDead(a.sessionID)
	}
	if err := a.worker.Send(cmd); err != nil {
		a.logger.Warn("failed to send command to worker",
			zap.String("command", cmd.Type),
			zap.Error(err))
		return err
	}
	return nil
}

func (a *Actor) spawnLocked(item *WorkItem) error {
	worker, err := a.spawn(a.sessionID)
	if err != nil {
		return fmt.Errorf("failed to spawn worker for session %s: %w", a.sessionID, err)
	}

	a.worker = worker
	a.generation++
	gen := a.generation
	a.state = ActorSpawning
	pid := worker.Pid()
	a.notifyLocked(func(s Sink) { s.WorkerStateChanged(a.sessionID, v1.WorkerStarting, &pid) })
	a.logger.Info("worker spawned", zap.Int("pid", pid))

	initCmd, err := a.buildInit(a.sessionID, item)
	if err != nil {
		a.logger.Error("failed to build worker init", zap.Error(err))
		a.failSpawnLocked(worker, err)
		return err
	}
	if err := worker.Send(initCmd); err != nil {
		a.logger.Error("failed to send worker init", zap.Error(err))
		a.failSpawnLocked(worker, err)
		return err
	}

	if a.cfg.ReadyTimeout > 0 {
		a.readyTimer = time.AfterFunc(a.cfg.ReadyTimeout, func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.generation != gen || a.state != ActorSpawning {
				return
			}
			a.logger.Error("worker did not become ready in time, killing")
			if a.worker != nil {
				_ = a.worker.Kill()
			}
		})
	}

	go a.readLoop(worker, gen)
	return nil
}

// failSpawnLocked unwinds a spawn whose read loop never started. The actor
// ends up Dead so the next submit retries the spawn; queued items survive.
func (a *Actor) failSpawnLocked(worker Worker, cause error) {
	_ = worker.Kill()
	a.worker = nil
	a.state = ActorDead
	a.notifyLocked(func(s Sink) { s.WorkerStateChanged(a.sessionID, v1.WorkerDead, nil) })
	a.notifyLocked(func(s Sink) {
		s.WorkerEvent(a.sessionID, &ipc.WorkerEvent{
			Type:    ipc.EvtError,
			Message: fmt.Sprintf("failed to start worker: %v", cause),
			Fatal:   true,
		})
	})
}

// readLoop is the single reader of one worker's stdout. Event order is
// preserved because nothing else reads this stream.
func (a *Actor) readLoop(worker Worker, gen int) {
	for {
		ev, err := worker.Next()
		if err != nil {
			if err != io.EOF {
				a.logger.Warn("worker stream read failed", zap.Error(err))
			}
			break
		}
		a.handleWorkerEvent(gen, ev)
	}
	<-worker.Exited()
	a.handleWorkerExit(gen, worker.ExitError())
}

func (a *Actor) handleWorkerEvent(gen int, ev *ipc.WorkerEvent) {
	a.mu.Lock()
	if a.generation != gen {
		a.mu.Unlock()
		return
	}

	switch ev.Type {
	case ipc.EvtReady:
		a.stopTimerLocked(&a.readyTimer)
		pid := a.worker.Pid()
		a.notifyLocked(func(s Sink) { s.WorkerStateChanged(a.sessionID, v1.WorkerReady, &pid) })
		a.state = ActorIdle
		a.logger.Info("worker ready")
		a.dispatchLocked()

	case ipc.EvtTaskStarted:
		a.notifyLocked(func(s Sink) { s.WorkerEvent(a.sessionID, ev) })

	case ipc.EvtTaskDone:
		a.finishTaskLocked()
		a.notifyLocked(func(s Sink) { s.WorkerEvent(a.sessionID, ev) })
		a.state = ActorIdle
		a.notifyLocked(func(s Sink) { s.StatusChanged(a.sessionID, v1.SessionOpenIdle) })
		a.dispatchLocked()

	case ipc.EvtTaskCancelled:
		a.stopEscalationLocked()
		a.finishTaskLocked()
		a.notifyLocked(func(s Sink) { s.WorkerEvent(a.sessionID, ev) })
		a.state = ActorIdle
		a.notifyLocked(func(s Sink) { s.StatusChanged(a.sessionID, v1.SessionOpenIdle) })
		a.dispatchLocked()

	case ipc.EvtQuestion:
		a.pendingToolCallID = ev.ToolCallID
		a.state = ActorWaitingUser
		a.notifyLocked(func(s Sink) { s.StatusChanged(a.sessionID, v1.SessionOpenWaitingUser) })
		a.notifyLocked(func(s Sink) { s.WorkerEvent(a.sessionID, ev) })

	case ipc.EvtFormRequest:
		a.pendingFormID = ev.FormID
		a.state = ActorWaitingUser
		a.notifyLocked(func(s Sink) { s.StatusChanged(a.sessionID, v1.SessionOpenInputRequired) })
		a.notifyLocked(func(s Sink) { s.WorkerEvent(a.sessionID, ev) })

	case ipc.EvtProjectSet:
		a.projectPath = ev.ProjectPath
		a.notifyLocked(func(s Sink) { s.ProjectConfirmed(a.sessionID, ev.ProjectPath) })

	case ipc.EvtError:
		a.notifyLocked(func(s Sink) { s.WorkerEvent(a.sessionID, ev) })

	default:
		// Progress, stream text, tool start/end, file send
		a.notifyLocked(func(s Sink) { s.WorkerEvent(a.sessionID, ev) })
	}

	pending := a.takeNotifiesLocked()
	a.mu.Unlock()
	a.deliver(pending)
}

func (a *Actor) handleWorkerExit(gen int, exitErr error) {
	a.mu.Lock()
	if a.generation != gen {
		a.mu.Unlock()
		return
	}

	a.stopTimerLocked(&a.readyTimer)
	a.stopEscalationLocked()
	a.stopTimerLocked(&a.closeTimer)

	wasDying := a.state == ActorDying
	wasCancelling := a.state == ActorCancelling

	if a.current != nil {
		taskID := a.current.id
		if wasCancelling || a.current.cancelRequested {
			a.notifyLocked(func(s Sink) {
				s.WorkerEvent(a.sessionID, &ipc.WorkerEvent{
					Type:   ipc.EvtTaskCancelled,
					TaskID: taskID,
				})
			})
		} else {
			msg := "worker exited unexpectedly"
			if exitErr != nil {
				msg = fmt.Sprintf("worker exited unexpectedly: %v", exitErr)
			}
			a.notifyLocked(func(s Sink) {
				s.WorkerEvent(a.sessionID, &ipc.WorkerEvent{
					Type:    ipc.EvtError,
					TaskID:  taskID,
					Message: msg,
					Fatal:   true,
				})
			})
		}
		a.current = nil
	}

	// Queued cancels and closes target a process that no longer exists.
	if dropped := a.queue.DropControl(); dropped > 0 {
		a.logger.Debug("dropped moot control items", zap.Int("count", dropped))
	}

	a.worker = nil
	a.pendingToolCallID = ""
	a.pendingFormID = ""
	a.state = ActorDead
	a.notifyLocked(func(s Sink) { s.WorkerStateChanged(a.sessionID, v1.WorkerDead, nil) })

	if wasDying {
		a.logger.Info("worker closed")
		a.notifyLocked(func(s Sink) { s.StatusChanged(a.sessionID, v1.SessionClosed) })
	} else {
		a.logger.Warn("worker exited", zap.Error(exitErr))
		a.notifyLocked(func(s Sink) { s.StatusChanged(a.sessionID, v1.SessionOpenIdle) })

		// Respawn immediately when user work is still queued.
		if a.queue.Len() > 0 {
			if err := a.spawnLocked(nil); err != nil {
				a.logger.Error("failed to respawn worker", zap.Error(err))
			}
		}
	}

	pending := a.takeNotifiesLocked()
	a.mu.Unlock()
	a.deliver(pending)
}

// dispatchLocked starts the next queued item when the worker is idle.
func (a *Actor) dispatchLocked() {
	for a.state == ActorIdle && a.current == nil {
		item := a.queue.Dequeue()
		if item == nil {
			a.notifyLocked(func(s Sink) { s.StatusChanged(a.sessionID, v1.SessionOpenIdle) })
			return
		}
		switch item.Kind {
		case KindUserMessage:
			a.startTaskLocked(item)
			return
		case KindCancel:
			// Nothing running by the time this drained
			a.notifyLocked(func(s Sink) {
				s.WorkerEvent(a.sessionID, &ipc.WorkerEvent{Type: ipc.EvtTaskCancelled})
			})
		case KindCloseSession:
			a.requestCloseLocked()
			return
		}
	}
}

func (a *Actor) startTaskLocked(item *WorkItem) {
	task := &currentTask{
		id:        uuid.New().String(),
		messageID: item.MessageID,
		startedAt: time.Now(),
	}
	cmd := &ipc.Command{Type: ipc.CmdTask, TaskID: task.id, Content: item.Content}
	if err := a.sendLocked(cmd); err != nil {
		a.logger.Error("failed to dispatch task", zap.Error(err))
		return
	}
	a.current = task
	a.state = ActorRunning
	pid := a.worker.Pid()
	a.notifyLocked(func(s Sink) { s.WorkerStateChanged(a.sessionID, v1.WorkerBusy, &pid) })
	a.notifyLocked(func(s Sink) { s.StatusChanged(a.sessionID, v1.SessionOpenRunning) })
}

func (a *Actor) finishTaskLocked() {
	a.current = nil
	a.pendingToolCallID = ""
	a.pendingFormID = ""
	if a.worker != nil {
		pid := a.worker.Pid()
		a.notifyLocked(func(s Sink) { s.WorkerStateChanged(a.sessionID, v1.WorkerReady, &pid) })
	}
}

// requestCancelLocked runs the cancellation ladder: structured cancel, then
// SIGTERM after the cancel grace, then SIGKILL after the kill grace.
func (a *Actor) requestCancelLocked() {
	if a.current == nil || a.worker == nil {
		// Nothing to cancel; still observable to the user.
		a.notifyLocked(func(s Sink) {
			s.WorkerEvent(a.sessionID, &ipc.WorkerEvent{Type: ipc.EvtTaskCancelled})
		})
		return
	}
	if a.state == ActorCancelling {
		return
	}

	a.current.cancelRequested = true
	a.state = ActorCancelling
	gen := a.generation
	_ = a.sendLocked(&ipc.Command{Type: ipc.CmdCancel, TaskID: a.current.id})
	a.logger.Info("cancel requested", zap.String("task_id", a.current.id))

	a.cancelTimer = time.AfterFunc(a.cfg.CancelGrace, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.generation != gen || a.state != ActorCancelling || a.worker == nil {
			return
		}
		a.logger.Warn("cancel not acknowledged, terminating worker")
		a.state = ActorDying
		_ = a.worker.Terminate()
		a.armKillLocked(gen)
	})
}

// requestCloseLocked runs the close ladder: WORKER_CLOSE, then SIGTERM
// after the shutdown grace, then SIGKILL.
func (a *Actor) requestCloseLocked() {
	if a.worker == nil || a.state == ActorDead {
		a.state = ActorDead
		a.notifyLocked(func(s Sink) { s.StatusChanged(a.sessionID, v1.SessionClosed) })
		return
	}
	if a.state == ActorDying {
		return
	}

	if a.current != nil {
		a.current.cancelRequested = true
	}
	a.state = ActorDying
	gen := a.generation
	_ = a.sendLocked(&ipc.Command{Type: ipc.CmdClose})
	a.logger.Info("close requested")

	a.closeTimer = time.AfterFunc(a.cfg.ShutdownGrace, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.generation != gen || a.worker == nil {
			return
		}
		a.logger.Warn("worker did not close in time, terminating")
		_ = a.worker.Terminate()
		a.armKillLocked(gen)
	})
}

func (a *Actor) armKillLocked(gen int) {
	a.killTimer = time.AfterFunc(a.cfg.KillGrace, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.generation != gen || a.worker == nil {
			return
		}
		a.logger.Warn("worker survived terminate, killing")
		_ = a.worker.Kill()
	})
}

func (a *Actor) stopEscalationLocked() {
	a.stopTimerLocked(&a.cancelTimer)
	a.stopTimerLocked(&a.killTimer)
}

func (a *Actor) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
