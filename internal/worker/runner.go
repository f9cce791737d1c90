// Package worker is the worker-side half of the IPC protocol: a harness
// that owns stdin/stdout framing, task lifecycle and orphan mode, around a
// pluggable AgentRunner that does the actual work.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/milohq/milo-agent/internal/ipc"
)

// Turn is one user task handed to the runner. Steers delivers mid-task
// user input; the runner folds it into the running work.
type Turn struct {
	TaskID  string
	Content string
	Steers  <-chan string
}

// Answer is the reply to a form request
type Answer struct {
	Status string
	Values json.RawMessage
}

// Emitter lets a runner report progress and ask the user for input while a
// task runs. All methods are safe to call from the runner goroutine.
type Emitter interface {
	// StreamText sends a chunk of streamed output
	StreamText(text string)

	// Progress reports a status line and the current context size
	Progress(content string, contextSize int)

	// ToolStart and ToolEnd bracket one tool invocation
	ToolStart(toolName, toolCallID string)
	ToolEnd(toolName, toolCallID, output string)

	// Question asks the user a free-text question and blocks until the
	// answer arrives or ctx is done.
	Question(ctx context.Context, toolCallID, content string) (string, error)

	// RequestForm asks the user to fill a structured form and blocks until
	// the response arrives or ctx is done.
	RequestForm(ctx context.Context, formID string, form json.RawMessage) (*Answer, error)

	// FileSend delivers a produced file to the user
	FileSend(fileName, contents string)

	// ProjectSet announces the project directory the runner settled on
	ProjectSet(path string)
}

// FatalError wraps an error the runner cannot recover from. The harness
// reports it with the fatal flag and exits.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf builds a fatal runner error
func Fatalf(format string, args ...interface{}) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err carries the fatal flag
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// AgentRunner is the integration point for the actual agent logic. Init is
// called once with the WORKER_INIT command; Run is called per task and must
// return promptly once ctx is cancelled.
type AgentRunner interface {
	Init(ctx context.Context, cmd *ipc.Command) error
	Run(ctx context.Context, turn *Turn, emit Emitter) (string, error)
}

// StubRunner is a placeholder runner used until a real agent integration is
// plugged in. It echoes the prompt, streams a little, and honors steering
// and cancellation.
type StubRunner struct {
	model string
}

// NewStubRunner creates a stub runner
func NewStubRunner() *StubRunner {
	return &StubRunner{}
}

// Init records the model from the init config
func (r *StubRunner) Init(_ context.Context, cmd *ipc.Command) error {
	if cmd.Config != nil {
		r.model = cmd.Config.Model
	}
	return nil
}

// Run streams a canned response. Steering input is appended to the reply so
// tests can observe that it reached the running task.
func (r *StubRunner) Run(ctx context.Context, turn *Turn, emit Emitter) (string, error) {
	emit.Progress("thinking", 0)

	var steered []string
	for i := 0; i < 3; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case s := <-turn.Steers:
			steered = append(steered, s)
		case <-time.After(10 * time.Millisecond):
		}
		emit.StreamText(fmt.Sprintf("chunk %d ", i+1))
	}

	reply := fmt.Sprintf("echo(%s): %s", r.model, turn.Content)
	if len(steered) > 0 {
		reply += " [steered: " + strings.Join(steered, "; ") + "]"
	}
	return reply, nil
}
