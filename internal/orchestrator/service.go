// Package orchestrator wires the daemon together: it owns the ingest
// router, the worker fleet, the outbound pipeline and the background loops
// for heartbeats, polling and orphan recovery.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/milohq/milo-agent/internal/common/config"
	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/events/bus"
	"github.com/milohq/milo-agent/internal/ingest"
	"github.com/milohq/milo-agent/internal/ipc"
	"github.com/milohq/milo-agent/internal/models"
	"github.com/milohq/milo-agent/internal/outbound"
	"github.com/milohq/milo-agent/internal/remote"
	"github.com/milohq/milo-agent/internal/store"
	"github.com/milohq/milo-agent/internal/supervisor"
	"github.com/milohq/milo-agent/internal/update"
	"github.com/milohq/milo-agent/internal/workspace"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// opTimeout bounds the store and REST calls made from sink callbacks,
// which carry no caller context.
const opTimeout = 10 * time.Second

// historyLimit is how many remote history messages are handed to a fresh
// worker on init.
const historyLimit = 50

// orphanTaskGrace is the window an orphaned prior-run worker gets to finish
// its running task, delivered to new workers with WORKER_INIT.
const orphanTaskGrace = 1800

// Service is the daemon's composition root.
type Service struct {
	cfg       *config.Config
	version   string
	store     *store.Store
	workspace *workspace.Workspace
	rest      *remote.Client
	bus       bus.EventBus
	logger    *logger.Logger

	publisher *eventPublisher
	pipeline  *outbound.Pipeline
	flusher   *outbound.Flusher
	manager   *supervisor.Manager
	router    *ingest.Router
	catalog   *models.Catalog
	updater   *update.Updater
	realtime  *remote.RealtimeClient
	orphans   *orphanTracker

	mu      sync.RWMutex
	agentID string

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New assembles the service. Nothing starts until Start is called.
func New(cfg *config.Config, version string, st *store.Store, ws *workspace.Workspace, rest *remote.Client, eventBus bus.EventBus, log *logger.Logger) *Service {
	s := &Service{
		cfg:       cfg,
		version:   version,
		store:     st,
		workspace: ws,
		rest:      rest,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
		orphans:   newOrphanTracker(),
	}

	s.publisher = &eventPublisher{bus: eventBus, logger: s.logger}
	s.pipeline = outbound.NewPipeline(st, s.publisher, s.AgentID, log)
	s.flusher = outbound.NewFlusher(st, rest, cfg.Outbox, log)
	s.catalog = models.NewCatalog(rest.CuratedModels, time.Hour, log)
	s.updater = update.NewUpdater(rest, ws.Root(), version, log)
	s.manager = supervisor.NewManager(cfg.Worker, s.spawnWorker, s.buildWorkerInit, s, log)
	s.router = ingest.NewRouter(st, s.pipeline, s.manager, ws, s.catalog, s.updater, s.orphans.Has, log)

	if cfg.Realtime.Enabled {
		s.realtime = remote.NewRealtimeClient(cfg.Realtime, cfg.Remote, rest, s.handleRealtimePayload, log)
		s.publisher.realtime = s.realtime
	}
	return s
}

// Router exposes the ingest router, used by the debug surfaces and tests.
func (s *Service) Router() *ingest.Router {
	return s.router
}

// Start brings the daemon online: orphan recovery first, then the realtime
// channel, the outbox flusher and the background loops.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.recoverOrphans(runCtx); err != nil {
		cancel()
		return fmt.Errorf("orphan recovery failed: %w", err)
	}

	if s.realtime != nil {
		s.realtime.Start(runCtx)
	}
	s.flusher.Start(runCtx)

	group, groupCtx := errgroup.WithContext(runCtx)
	s.group = group
	group.Go(func() error { return s.schedulerLoop(groupCtx) })
	group.Go(func() error { return s.orphanLoop(groupCtx) })

	s.pipeline.PublishEvent(runCtx, &v1.Event{
		Type:    v1.EventAgentStatus,
		Content: fmt.Sprintf("agent online, version %s", s.version),
	})
	s.logger.Info("service started", zap.String("version", s.version))
	return nil
}

// Stop shuts the daemon down: announce, stop intake, close the workers,
// then drain the outbox one last time.
func (s *Service) Stop(ctx context.Context) {
	s.pipeline.PublishEvent(ctx, &v1.Event{
		Type:    v1.EventAgentStatus,
		Content: "agent signing off",
	})

	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	if s.realtime != nil {
		s.realtime.Stop()
	}
	s.flusher.Stop()

	s.manager.Shutdown(ctx)

	// The workers are gone; whatever they produced is in the outbox now.
	s.flusher.FlushOnce(ctx)
	s.logger.Info("service stopped")
}

// AgentID returns the identity assigned by the remote service, empty until
// the first successful heartbeat.
func (s *Service) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

func (s *Service) setAgentID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentID != id {
		s.agentID = id
		s.logger.Info("agent identity assigned", zap.String("agent_id", id))
	}
}

// Version returns the running daemon version
func (s *Service) Version() string {
	return s.version
}

// RealtimeConnected reports whether the realtime cmd channel is live
func (s *Service) RealtimeConnected() bool {
	return s.realtime != nil && s.realtime.IsConnected()
}

// OutboxDepth returns the number of undelivered outbox entries
func (s *Service) OutboxDepth(ctx context.Context) (int, error) {
	return s.store.OutboxDepth(ctx)
}

// Actors returns a snapshot of the worker fleet
func (s *Service) Actors() map[string]supervisor.ActorInfo {
	return s.manager.Snapshot()
}

func (s *Service) handleRealtimePayload(payload json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	s.router.HandlePayload(ctx, payload)
}

// spawnWorker launches the per-session worker binary. An empty configured
// path means the milo-worker binary next to the daemon executable.
func (s *Service) spawnWorker(sessionID string) (supervisor.Worker, error) {
	binary := s.cfg.Worker.BinaryPath
	if binary == "" {
		executable, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate daemon executable: %w", err)
		}
		binary = filepath.Join(filepath.Dir(executable), "milo-worker")
	}
	return supervisor.SpawnWorker(binary, []string{"--session", sessionID}, os.Environ(), s.logger)
}

// buildWorkerInit assembles the WORKER_INIT command for a fresh worker:
// project path, persona, skills, secrets and recent remote history.
func (s *Service) buildWorkerInit(sessionID string, item *supervisor.WorkItem) (*ipc.Command, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	sessionType := string(v1.SessionTypeBot)
	sessionName := ""
	projectPath := ""
	if row, err := s.store.GetSession(ctx, sessionID); err == nil {
		sessionType = string(row.Type)
		sessionName = row.Name
		projectPath = row.ConfirmedProject
	}
	if projectPath == "" {
		name := sessionName
		if name == "" {
			name = sessionID
		}
		resolved, err := s.workspace.ProjectPath(name)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project path: %w", err)
		}
		projectPath = resolved
	}

	initCfg := &ipc.InitConfig{
		OrphanTimeout: orphanTaskGrace,
	}

	// item is nil on a respawn without a pending work item
	model := ""
	if item != nil {
		model = item.Model
	}
	if model == "" || !s.catalog.Valid(ctx, model) {
		model = s.catalog.Default(ctx)
	}
	initCfg.Model = model

	if item != nil && item.PersonaID != "" {
		if !s.workspace.PersonaCached(item.PersonaID, item.PersonaVersionID) {
			if persona, err := s.rest.Persona(ctx, item.PersonaID, item.PersonaVersionID); err != nil {
				s.logger.Warn("failed to fetch persona",
					zap.String("persona_id", item.PersonaID),
					zap.Error(err))
			} else if err := s.workspace.StorePersona(item.PersonaID, item.PersonaVersionID, persona.Content); err != nil {
				s.logger.Warn("failed to cache persona", zap.Error(err))
			}
		}
		if s.workspace.PersonaCached(item.PersonaID, item.PersonaVersionID) {
			initCfg.PersonaPath = s.workspace.PersonaPath(item.PersonaID, item.PersonaVersionID)
		}
	}

	if skills, err := s.workspace.SkillPaths(); err == nil {
		initCfg.SkillPaths = skills
	} else {
		s.logger.Warn("failed to enumerate skills", zap.Error(err))
	}

	if secrets, err := s.workspace.Secrets(); err == nil {
		initCfg.Env = secrets
	} else {
		s.logger.Warn("failed to load workspace secrets", zap.Error(err))
	}

	if history, err := s.rest.History(ctx, sessionID, historyLimit); err == nil && len(history) > 0 {
		if raw, err := json.Marshal(history); err == nil {
			initCfg.HistoryJSON = raw
		}
	} else if err != nil {
		s.logger.Warn("failed to fetch session history",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	return &ipc.Command{
		Type:          ipc.CmdInit,
		SessionID:     sessionID,
		SessionType:   sessionType,
		ProjectPath:   projectPath,
		WorkspacePath: s.workspace.Root(),
		Config:        initCfg,
	}, nil
}
