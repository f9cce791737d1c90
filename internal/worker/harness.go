package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/ipc"
)

// defaultOrphanDeadline bounds how long an orphaned worker keeps running
// its task after stdin closes.
const defaultOrphanDeadline = 30 * time.Minute

// taskResult carries one finished task back to the run loop
type taskResult struct {
	taskID string
	output string
	err    error
}

// Harness runs the worker side of the protocol: it reads commands from
// stdin, manages one task at a time, and writes events to stdout. stderr is
// left to the logger.
type Harness struct {
	runner AgentRunner
	reader *ipc.CommandReader
	writer *ipc.Writer
	logger *logger.Logger

	orphanDeadline time.Duration
}

// NewHarness creates a harness reading commands from in and writing events
// to out.
func NewHarness(runner AgentRunner, in io.Reader, out io.Writer, log *logger.Logger) *Harness {
	return &Harness{
		runner:         runner,
		reader:         ipc.NewCommandReader(in, log),
		writer:         ipc.NewWriter(out),
		logger:         log.WithFields(zap.String("component", "worker-harness")),
		orphanDeadline: defaultOrphanDeadline,
	}
}

// Run processes commands until the daemon closes the session, stdin closes
// with no work left, or ctx is cancelled.
func (h *Harness) Run(ctx context.Context) error {
	cmds := make(chan *ipc.Command)
	readErr := make(chan error, 1)
	go func() {
		for {
			cmd, err := h.reader.Next()
			if err != nil {
				readErr <- err
				close(cmds)
				return
			}
			select {
			case cmds <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	initCmd, err := h.awaitInit(ctx, cmds, readErr)
	if err != nil {
		return err
	}
	if initCmd.Config != nil && initCmd.Config.OrphanTimeout > 0 {
		h.orphanDeadline = time.Duration(initCmd.Config.OrphanTimeout) * time.Second
	}

	if err := h.runner.Init(ctx, initCmd); err != nil {
		_ = h.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtError, Message: err.Error(), Fatal: true})
		return fmt.Errorf("runner init failed: %w", err)
	}
	if err := h.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtReady}); err != nil {
		return err
	}
	h.logger.Info("worker ready", zap.String("session_id", initCmd.SessionID))

	return h.loop(ctx, cmds, readErr)
}

// awaitInit consumes commands until WORKER_INIT arrives. Anything else
// before init is a protocol violation and is dropped.
func (h *Harness) awaitInit(ctx context.Context, cmds <-chan *ipc.Command, readErr <-chan error) (*ipc.Command, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-readErr:
			return nil, fmt.Errorf("stdin closed before init: %w", err)
		case cmd, ok := <-cmds:
			if !ok {
				return nil, errors.New("stdin closed before init")
			}
			if cmd.Type != ipc.CmdInit {
				h.logger.Warn("dropping command received before init", zap.String("type", cmd.Type))
				continue
			}
			return cmd, nil
		}
	}
}

func (h *Harness) loop(ctx context.Context, cmds <-chan *ipc.Command, readErr <-chan error) error {
	var (
		taskCancel      context.CancelFunc
		taskDone        chan taskResult
		em              *taskEmitter
		cancelRequested bool
		closing         bool
		orphaned        bool
	)
	var orphanTimer <-chan time.Time

	taskRunning := func() bool { return taskDone != nil }

	finishTask := func(res taskResult) error {
		taskCancel = nil
		taskDone = nil
		em = nil

		switch {
		case cancelRequested || errors.Is(res.err, context.Canceled):
			_ = h.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtTaskCancelled, TaskID: res.taskID})
		case res.err == nil:
			_ = h.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtTaskDone, TaskID: res.taskID, Content: res.output})
		case IsFatal(res.err):
			_ = h.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtError, TaskID: res.taskID, Message: res.err.Error(), Fatal: true})
			return res.err
		default:
			// A recoverable failure still ends the task.
			_ = h.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtError, TaskID: res.taskID, Message: res.err.Error()})
			_ = h.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtTaskDone, TaskID: res.taskID, Content: "task failed: " + res.err.Error()})
		}
		cancelRequested = false
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if taskCancel != nil {
				taskCancel()
				<-taskDone
			}
			return nil

		case <-orphanTimer:
			h.logger.Warn("orphan deadline reached, abandoning task")
			if taskCancel != nil {
				taskCancel()
				<-taskDone
			}
			return nil

		case res := <-taskDone:
			if err := finishTask(res); err != nil {
				return err
			}
			if closing || orphaned {
				return nil
			}

		case err := <-readErr:
			if err != io.EOF {
				h.logger.Warn("stdin read failed", zap.Error(err))
			}
			if !taskRunning() {
				h.logger.Info("stdin closed with no running task, exiting")
				return nil
			}
			// Orphan mode: the daemon is gone but the task keeps its
			// deadline to finish.
			h.logger.Info("stdin closed mid-task, entering orphan mode",
				zap.Duration("deadline", h.orphanDeadline))
			orphaned = true
			orphanTimer = time.After(h.orphanDeadline)

		case cmd, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			switch cmd.Type {
			case ipc.CmdTask:
				if taskRunning() {
					h.logger.Warn("dropping task while one is running", zap.String("task_id", cmd.TaskID))
					continue
				}
				taskCancel, taskDone, em = h.startTask(ctx, cmd)

			case ipc.CmdSteer:
				if em == nil || !em.steer(cmd.Content) {
					h.logger.Warn("dropping steer with no running task")
				}

			case ipc.CmdAnswer:
				if em == nil || !em.answer(cmd.Content) {
					h.logger.Warn("dropping answer with no pending question")
				}

			case ipc.CmdFormResponse:
				if em == nil || !em.formResponse(cmd.FormStatus, cmd.FormValues) {
					h.logger.Warn("dropping form response with no pending form")
				}

			case ipc.CmdCancel:
				if taskCancel == nil {
					h.logger.Debug("cancel with nothing running")
					_ = h.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtTaskCancelled})
					continue
				}
				cancelRequested = true
				taskCancel()

			case ipc.CmdClose:
				if taskCancel != nil {
					cancelRequested = true
					closing = true
					taskCancel()
					continue
				}
				h.logger.Info("close received, exiting")
				return nil

			default:
				h.logger.Warn("dropping unexpected command", zap.String("type", cmd.Type))
			}
		}
	}
}

// startTask launches the runner for one task in its own goroutine.
func (h *Harness) startTask(ctx context.Context, cmd *ipc.Command) (context.CancelFunc, chan taskResult, *taskEmitter) {
	taskID := cmd.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	taskCtx, cancel := context.WithCancel(ctx)
	done := make(chan taskResult, 1)
	em := newTaskEmitter(taskID, h.writer)
	turn := &Turn{TaskID: taskID, Content: cmd.Content, Steers: em.steers}

	_ = h.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtTaskStarted, TaskID: taskID})

	go func() {
		output, err := h.runner.Run(taskCtx, turn, em)
		done <- taskResult{taskID: taskID, output: output, err: err}
	}()
	return cancel, done, em
}

// taskEmitter is the Emitter for one task. Questions and forms are blocking
// round-trips over buffered channels the run loop feeds.
type taskEmitter struct {
	taskID  string
	writer  *ipc.Writer
	steers  chan string
	answers chan string
	forms   chan *Answer
}

func newTaskEmitter(taskID string, w *ipc.Writer) *taskEmitter {
	return &taskEmitter{
		taskID:  taskID,
		writer:  w,
		steers:  make(chan string, 4),
		answers: make(chan string, 1),
		forms:   make(chan *Answer, 1),
	}
}

func (e *taskEmitter) steer(content string) bool {
	select {
	case e.steers <- content:
		return true
	default:
		return false
	}
}

func (e *taskEmitter) answer(content string) bool {
	select {
	case e.answers <- content:
		return true
	default:
		return false
	}
}

func (e *taskEmitter) formResponse(status string, values json.RawMessage) bool {
	select {
	case e.forms <- &Answer{Status: status, Values: values}:
		return true
	default:
		return false
	}
}

func (e *taskEmitter) StreamText(text string) {
	_ = e.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtStreamText, TaskID: e.taskID, Content: text})
}

func (e *taskEmitter) Progress(content string, contextSize int) {
	_ = e.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtProgress, TaskID: e.taskID, Content: content, ContextSize: contextSize})
}

func (e *taskEmitter) ToolStart(toolName, toolCallID string) {
	_ = e.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtToolStart, TaskID: e.taskID, ToolName: toolName, ToolCallID: toolCallID})
}

func (e *taskEmitter) ToolEnd(toolName, toolCallID, output string) {
	_ = e.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtToolEnd, TaskID: e.taskID, ToolName: toolName, ToolCallID: toolCallID, ToolOutput: output})
}

func (e *taskEmitter) Question(ctx context.Context, toolCallID, content string) (string, error) {
	if err := e.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtQuestion, TaskID: e.taskID, ToolCallID: toolCallID, Content: content}); err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case answer := <-e.answers:
		return answer, nil
	}
}

func (e *taskEmitter) RequestForm(ctx context.Context, formID string, form json.RawMessage) (*Answer, error) {
	if err := e.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtFormRequest, TaskID: e.taskID, FormID: formID, Form: form}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-e.forms:
		return resp, nil
	}
}

func (e *taskEmitter) FileSend(fileName, contents string) {
	_ = e.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtFileSend, TaskID: e.taskID, FileName: fileName, FileContents: contents})
}

func (e *taskEmitter) ProjectSet(path string) {
	_ = e.writer.Write(&ipc.WorkerEvent{Type: ipc.EvtProjectSet, ProjectPath: path})
}
