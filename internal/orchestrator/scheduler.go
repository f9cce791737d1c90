package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// schedulerLoop drives the heartbeat and the polling fallback. The tick
// interval is shorter while the realtime channel is down, because polling
// is then the only way messages reach the daemon.
func (s *Service) schedulerLoop(ctx context.Context) error {
	s.tick(ctx)
	for {
		timer := time.NewTimer(s.tickInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tickInterval() time.Duration {
	if s.RealtimeConnected() {
		return s.cfg.Scheduler.ConnectedIntervalDuration()
	}
	return s.cfg.Scheduler.PollingIntervalDuration()
}

// tick sends one heartbeat and, when the realtime channel is down, drains
// the pending message backlog. Acks for polled messages ride the outbox
// like any other, so delivery stays exactly-once either way.
func (s *Service) tick(ctx context.Context) {
	agentID, err := s.rest.Heartbeat(ctx, s.manager.ActiveSessions())
	if err != nil {
		s.logger.Warn("heartbeat failed", zap.Error(err))
	} else {
		s.setAgentID(agentID)
	}

	if s.RealtimeConnected() {
		return
	}
	s.pollPending(ctx)
}

func (s *Service) pollPending(ctx context.Context) {
	messages, err := s.rest.PendingMessages(ctx)
	if err != nil {
		s.logger.Warn("pending messages poll failed", zap.Error(err))
		return
	}
	if len(messages) == 0 {
		return
	}
	if batch := s.cfg.Scheduler.PollBatchSize; batch > 0 && len(messages) > batch {
		messages = messages[:batch]
	}

	s.logger.Info("processing polled messages", zap.Int("count", len(messages)))
	for _, raw := range messages {
		s.router.HandlePayload(ctx, raw)
	}
}
