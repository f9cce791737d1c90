// Command mock-worker is a scripted worker binary for supervisor and
// end-to-end tests. It speaks the real protocol; the first word of the task
// content selects a scenario.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/worker"
)

func main() {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-worker: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	harness := worker.NewHarness(newScenarioRunner(), os.Stdin, os.Stdout, log)
	if err := harness.Run(ctx); err != nil {
		log.Error("mock worker exiting with error", zap.Error(err))
		os.Exit(1)
	}
}
