package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/supervisor"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// orphanTracker holds the worker pids left behind by a previous daemon run.
// Sessions in here receive no new worker; their messages stay deferred in
// the inbox until the orphan exits.
type orphanTracker struct {
	mu   sync.Mutex
	pids map[string]int
}

func newOrphanTracker() *orphanTracker {
	return &orphanTracker{pids: make(map[string]int)}
}

func (t *orphanTracker) Add(sessionID string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pids[sessionID] = pid
}

// Has reports whether the session is held by an orphaned worker
func (t *orphanTracker) Has(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pids[sessionID]
	return ok
}

func (t *orphanTracker) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pids, sessionID)
}

// Snapshot returns a copy of the tracked session to pid mapping
func (t *orphanTracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.pids))
	for id, pid := range t.pids {
		out[id] = pid
	}
	return out
}

// recoverOrphans runs once at startup. Sessions whose recorded worker pid
// is still alive are marked orphaned; the process keeps its task and the
// session is left alone until it exits. Dead pids are finalized right away.
func (s *Service) recoverOrphans(ctx context.Context) error {
	rows, err := s.store.GetActiveSessions(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.WorkerPID == nil || *row.WorkerPID <= 0 {
			continue
		}
		pid := *row.WorkerPID
		if supervisor.IsProcessAlive(pid) {
			s.logger.Info("adopted orphaned worker",
				zap.String("session_id", row.ID),
				zap.Int("pid", pid))
			s.orphans.Add(row.ID, pid)
			continue
		}
		s.logger.Info("prior-run worker is gone, finalizing session",
			zap.String("session_id", row.ID),
			zap.Int("pid", pid))
		s.finalizeOrphan(ctx, row.ID)
	}
	return nil
}

// orphanLoop probes adopted orphans until they exit
func (s *Service) orphanLoop(ctx context.Context) error {
	interval := s.cfg.Worker.OrphanPollIntervalDuration()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for sessionID, pid := range s.orphans.Snapshot() {
				if supervisor.IsProcessAlive(pid) {
					continue
				}
				s.logger.Info("orphaned worker exited",
					zap.String("session_id", sessionID),
					zap.Int("pid", pid))
				s.finalizeOrphan(ctx, sessionID)
			}
		}
	}
}

// finalizeOrphan marks a session whose prior-run worker is gone as closed
// and redrives any messages that were deferred while it lived. A redriven
// user message reopens the session through the normal ingest path.
func (s *Service) finalizeOrphan(ctx context.Context, sessionID string) {
	s.orphans.Remove(sessionID)
	log := s.logger.WithSessionID(sessionID)

	if err := s.store.UpdateWorkerState(ctx, sessionID, v1.WorkerDead, nil); err != nil {
		log.Warn("failed to clear worker state", zap.Error(err))
	}
	if err := s.store.UpdateSessionStatus(ctx, sessionID, v1.SessionClosed); err != nil {
		log.Warn("failed to close session", zap.Error(err))
	}
	if err := s.workspace.AppendAudit(sessionID, v1.SenderSystem, "worker from a previous run exited"); err != nil {
		log.Warn("audit write failed", zap.Error(err))
	}

	if err := s.router.RedriveSession(ctx, sessionID); err != nil {
		log.Error("failed to redrive deferred messages", zap.Error(err))
	}
}
