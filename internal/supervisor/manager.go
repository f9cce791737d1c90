package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/config"
	apperrors "github.com/milohq/milo-agent/internal/common/errors"
	"github.com/milohq/milo-agent/internal/common/logger"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// Manager owns the mapping from session id to actor. One actor per session,
// created on first routed work and kept until the session closes.
type Manager struct {
	cfg       config.WorkerConfig
	spawn     SpawnFunc
	buildInit InitBuilder
	sink      Sink
	logger    *logger.Logger

	mu     sync.RWMutex
	actors map[string]*Actor
}

// NewManager creates the actor manager
func NewManager(cfg config.WorkerConfig, spawn SpawnFunc, buildInit InitBuilder, sink Sink, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		spawn:     spawn,
		buildInit: buildInit,
		sink:      sink,
		logger:    log.WithFields(zap.String("component", "supervisor")),
		actors:    make(map[string]*Actor),
	}
}

func (m *Manager) actorConfig() ActorConfig {
	return ActorConfig{
		ReadyTimeout:  time.Duration(m.cfg.ReadyTimeout) * time.Second,
		CancelGrace:   time.Duration(m.cfg.CancelGrace) * time.Second,
		KillGrace:     time.Duration(m.cfg.KillGrace) * time.Second,
		ShutdownGrace: time.Duration(m.cfg.ShutdownGrace) * time.Second,
	}
}

// GetOrCreate returns the actor for a session, creating it if needed
func (m *Manager) GetOrCreate(sessionID string, sessionType v1.SessionType) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()

	if actor, ok := m.actors[sessionID]; ok {
		return actor
	}
	actor := NewActor(sessionID, sessionType, m.actorConfig(), m.spawn, m.buildInit, m.sink, m.logger)
	m.actors[sessionID] = actor
	m.logger.Info("actor created", zap.String("session_id", sessionID))
	return actor
}

// Get returns the actor for a session, nil when none exists
func (m *Manager) Get(sessionID string) *Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actors[sessionID]
}

// Remove drops an actor from the map. The caller has already closed it.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actors, sessionID)
}

// FormResponse routes a form answer to the actor waiting on it. When the
// session id is absent the actors are probed for a matching pending form.
func (m *Manager) FormResponse(sessionID, formID, status string, values []byte) error {
	if sessionID != "" {
		actor := m.Get(sessionID)
		if actor == nil {
			return apperrors.NotFound("session", sessionID)
		}
		return actor.SubmitFormResponse(formID, status, values)
	}

	m.mu.RLock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, actor := range m.actors {
		actors = append(actors, actor)
	}
	m.mu.RUnlock()

	for _, actor := range actors {
		if err := actor.SubmitFormResponse(formID, status, values); err == nil {
			return nil
		}
	}
	return apperrors.NotFound("form", formID)
}

// ActiveSessions returns the ids of sessions with a live actor
func (m *Manager) ActiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.actors))
	for id, actor := range m.actors {
		if actor.State() != ActorDead || actor.QueueLen() > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns a point-in-time view of all actors for the status
// surfaces.
func (m *Manager) Snapshot() map[string]ActorInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ActorInfo, len(m.actors))
	for id, actor := range m.actors {
		out[id] = ActorInfo{
			State:       actor.State(),
			QueueLen:    actor.QueueLen(),
			WorkerPid:   actor.WorkerPid(),
			ProjectPath: actor.ProjectPath(),
		}
	}
	return out
}

// ActorInfo is a read-only view of one actor.
type ActorInfo struct {
	State       ActorState `json:"state"`
	QueueLen    int        `json:"queue_len"`
	WorkerPid   int        `json:"worker_pid,omitempty"`
	ProjectPath string     `json:"project_path,omitempty"`
}

// Shutdown closes every actor and waits up to the shutdown grace for the
// workers to exit. Workers that exceed the window are terminated by their
// actor's escalation ladder.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, actor := range m.actors {
		actors = append(actors, actor)
	}
	m.mu.RUnlock()

	m.logger.Info("shutting down actors", zap.Int("count", len(actors)))
	for _, actor := range actors {
		actor.Close()
	}

	grace := time.Duration(m.cfg.ShutdownGrace+m.cfg.KillGrace) * time.Second
	deadline := time.After(grace)
	for _, actor := range actors {
		select {
		case <-actor.Exited():
		case <-deadline:
			m.logger.Warn("shutdown grace expired with workers still alive")
			return
		case <-ctx.Done():
			return
		}
	}
	m.logger.Info("all workers exited")
}
