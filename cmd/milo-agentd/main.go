// Command milo-agentd is the long-running agent daemon: it receives user
// messages from the remote service, runs one worker process per session,
// and reports results back over the realtime channel and REST.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/config"
	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/debugapi"
	"github.com/milohq/milo-agent/internal/events/bus"
	"github.com/milohq/milo-agent/internal/orchestrator"
	"github.com/milohq/milo-agent/internal/remote"
	"github.com/milohq/milo-agent/internal/store"
	"github.com/milohq/milo-agent/internal/telemetry"
	"github.com/milohq/milo-agent/internal/workspace"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	configPath := flag.String("config", "", "config file directory")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Milo agent daemon...", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Telemetry (no-op unless enabled)
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		log.Warn("Failed to initialize telemetry", zap.Error(err))
	} else {
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	// 4. Workspace layout
	ws, err := workspace.New(cfg.Workspace, log)
	if err != nil {
		log.Fatal("Failed to prepare workspace", zap.Error(err))
	}
	log.Info("Workspace ready", zap.String("root", ws.Root()))

	// 5. Durable store
	st, err := store.Open(cfg.Workspace.DatabasePath())
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("Store close error", zap.Error(err))
		}
	}()

	// 6. Internal event bus (in-memory unless a NATS URL is configured)
	eventBus, err := bus.Provide(cfg.Bus, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 7. Remote service client
	rest := remote.NewClient(cfg.Remote, log)

	// 8. Orchestrator service
	svc := orchestrator.New(cfg, version, st, ws, rest, eventBus, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start service", zap.Error(err))
	}

	// 9. Local debug API
	var debug *debugapi.Server
	if cfg.Debug.Enabled {
		debug = debugapi.NewServer(cfg.Debug, svc, st, eventBus, log)
		debug.Start()
	}

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if debug != nil {
		debug.Stop(shutdownCtx)
	}
	svc.Stop(shutdownCtx)
	cancel()

	log.Info("Milo agent daemon stopped")
}
