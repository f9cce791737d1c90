package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/milohq/milo-agent/internal/ipc"
	"github.com/milohq/milo-agent/internal/worker"
)

// scenarioRunner maps the first word of a task to a scripted behavior:
//
//	echo         stream two chunks, finish with the prompt echoed back
//	slow         run until cancelled, checking ctx every 50ms
//	stall        run forever ignoring cancellation (SIGTERM reaps it)
//	crash        exit the process mid-task with a nonzero code
//	fatal        return a fatal error
//	fail         return a recoverable error
//	question     ask a question, reply with the answer
//	form         request a form, reply with its status
//	tools        emit a tool start/end pair then finish
//	file         emit a file then finish
//	steerable    wait for one steer (or 2s), echo what arrived
//
// Anything else behaves like echo.
type scenarioRunner struct {
	sessionID string
}

func newScenarioRunner() *scenarioRunner {
	return &scenarioRunner{}
}

func (r *scenarioRunner) Init(_ context.Context, cmd *ipc.Command) error {
	r.sessionID = cmd.SessionID
	if cmd.ProjectPath == "" {
		return fmt.Errorf("init without project path")
	}
	return nil
}

func (r *scenarioRunner) Run(ctx context.Context, turn *worker.Turn, emit worker.Emitter) (string, error) {
	scenario, rest, _ := strings.Cut(strings.TrimSpace(turn.Content), " ")

	switch scenario {
	case "slow":
		for {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}

	case "stall":
		// Ignores ctx on purpose; only a signal gets rid of it.
		select {}

	case "crash":
		os.Exit(3)
		return "", nil

	case "fatal":
		return "", worker.Fatalf("scripted fatal failure")

	case "fail":
		return "", fmt.Errorf("scripted recoverable failure")

	case "question":
		answer, err := emit.Question(ctx, "mock-call-1", "scripted question?")
		if err != nil {
			return "", err
		}
		return "answered: " + answer, nil

	case "form":
		resp, err := emit.RequestForm(ctx, "mock-form-1", []byte(`{"fields":[{"name":"choice"}]}`))
		if err != nil {
			return "", err
		}
		return "form " + resp.Status, nil

	case "tools":
		emit.ToolStart("Bash", "mock-tool-1")
		emit.ToolEnd("Bash", "mock-tool-1", "tool output")
		return "tools done", nil

	case "file":
		emit.FileSend("report.txt", "scripted file contents")
		return "file sent", nil

	case "steerable":
		select {
		case s := <-turn.Steers:
			return "steered: " + s, nil
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
			return "no steer arrived", nil
		}

	default:
		emit.Progress("working", 512)
		emit.StreamText("chunk one ")
		emit.StreamText("chunk two")
		if rest != "" {
			return scenario + " " + rest, nil
		}
		return "echo: " + turn.Content, nil
	}
}
