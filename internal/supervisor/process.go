package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/ipc"
)

// WorkerHandle is the descriptor of one live worker subprocess. The owning
// actor is the only reader of Events and the only writer of commands.
type WorkerHandle struct {
	PID    int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *ipc.Writer
	reader *ipc.EventReader

	exitOnce sync.Once
	exitErr  error
	exited   chan struct{}

	logger *logger.Logger
}

// SpawnWorker starts a worker subprocess and wires its stdio. Stderr lines
// are relayed to the daemon log unparsed.
func SpawnWorker(binaryPath string, args []string, env []string, log *logger.Logger) (*WorkerHandle, error) {
	cmd := exec.Command(binaryPath, args...)
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", binaryPath, err)
	}

	h := &WorkerHandle{
		PID:    cmd.Process.Pid,
		cmd:    cmd,
		stdin:  stdin,
		writer: ipc.NewWriter(stdin),
		reader: ipc.NewEventReader(stdout, log),
		exited: make(chan struct{}),
		logger: log.WithFields(zap.Int("worker_pid", cmd.Process.Pid)),
	}

	go h.pumpStderr(stderr)
	go func() {
		err := cmd.Wait()
		h.exitOnce.Do(func() {
			h.exitErr = err
			close(h.exited)
		})
	}()

	return h, nil
}

// Send writes one command to the worker's stdin
func (h *WorkerHandle) Send(cmd *ipc.Command) error {
	return h.writer.Write(cmd)
}

// Next reads the next event from the worker's stdout. Returns io.EOF when
// the stream closes.
func (h *WorkerHandle) Next() (*ipc.WorkerEvent, error) {
	return h.reader.Next()
}

// CloseStdin closes the worker's input stream. A well-behaved worker exits
// when its input closes and no task is running.
func (h *WorkerHandle) CloseStdin() error {
	return h.stdin.Close()
}

// Terminate asks the OS to stop the worker (SIGTERM on unix)
func (h *WorkerHandle) Terminate() error {
	return terminateProcess(h.cmd.Process)
}

// Kill force-stops the worker
func (h *WorkerHandle) Kill() error {
	return killProcess(h.cmd.Process)
}

// Pid returns the OS process id
func (h *WorkerHandle) Pid() int {
	return h.PID
}

// Exited returns a channel closed when the process has been reaped
func (h *WorkerHandle) Exited() <-chan struct{} {
	return h.exited
}

// ExitError returns the process exit error, valid after Exited closes
func (h *WorkerHandle) ExitError() error {
	return h.exitErr
}

func (h *WorkerHandle) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			h.logger.Debug("worker stderr", zap.String("line", line))
		}
	}
}
