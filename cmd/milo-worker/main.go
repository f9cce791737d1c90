// Command milo-worker is the per-session worker process. The daemon spawns
// one per session and speaks the line-JSON protocol over stdin/stdout;
// stderr carries logs. The agent integration is pluggable; this binary
// ships the stub runner.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/worker"
)

func main() {
	sessionID := flag.String("session", "", "session id this worker serves")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevel,
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "milo-worker: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *sessionID != "" {
		log = log.WithSessionID(*sessionID)
	}

	// SIGTERM is the daemon's escalation path; exit promptly when it fires.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	harness := worker.NewHarness(worker.NewStubRunner(), os.Stdin, os.Stdout, log)
	if err := harness.Run(ctx); err != nil {
		log.Error("worker exiting with error", zap.Error(err))
		os.Exit(1)
	}
}
