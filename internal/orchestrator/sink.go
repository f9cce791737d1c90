package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/ipc"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// The service is the supervisor's sink: worker output and lifecycle changes
// land here and become persisted state plus outbound events.

// WorkerEvent translates one worker event into outbound traffic. Streaming
// output rides the realtime channel only; final results also go through the
// durable outbox.
func (s *Service) WorkerEvent(sessionID string, ev *ipc.WorkerEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	log := s.logger.WithSessionID(sessionID)

	switch ev.Type {
	case ipc.EvtTaskStarted:
		s.pipeline.PublishEvent(ctx, &v1.Event{
			Type:      v1.EventAgentStatus,
			SessionID: sessionID,
			Content:   "working on it",
		})

	case ipc.EvtStreamText:
		s.pipeline.PublishEvent(ctx, &v1.Event{
			Type:      v1.EventAgentMessage,
			SessionID: sessionID,
			Content:   ev.Content,
		})

	case ipc.EvtProgress:
		s.pipeline.PublishEvent(ctx, &v1.Event{
			Type:        v1.EventAgentStatus,
			SessionID:   sessionID,
			Content:     ev.Content,
			ContextSize: ev.ContextSize,
		})

	case ipc.EvtToolStart, ipc.EvtToolEnd:
		s.pipeline.PublishEvent(ctx, &v1.Event{
			Type:       v1.EventToolUse,
			SessionID:  sessionID,
			ToolName:   ev.ToolName,
			ToolCallID: ev.ToolCallID,
			Content:    ev.ToolOutput,
		})

	case ipc.EvtTaskDone:
		s.recordAgentMessage(ctx, sessionID, ev.Content, ev.ContextSize)

	case ipc.EvtTaskCancelled:
		content := ev.Content
		if content == "" {
			content = "task cancelled"
		}
		s.recordAgentMessage(ctx, sessionID, content, 0)

	case ipc.EvtQuestion:
		s.recordAgentMessage(ctx, sessionID, ev.Content, 0)

	case ipc.EvtFormRequest:
		s.pipeline.PublishEvent(ctx, &v1.Event{
			Type:      v1.EventFormRequest,
			SessionID: sessionID,
			FormID:    ev.FormID,
			Form:      ev.Form,
		})

	case ipc.EvtFileSend:
		s.pipeline.PublishEvent(ctx, &v1.Event{
			Type:         v1.EventFileSend,
			SessionID:    sessionID,
			FileName:     ev.FileName,
			FileContents: ev.FileContents,
		})

	case ipc.EvtError:
		if ev.Fatal {
			s.recordAgentMessage(ctx, sessionID, fmt.Sprintf("worker failed: %s", ev.Message), 0)
			if err := s.workspace.AppendAudit(sessionID, v1.SenderSystem, fmt.Sprintf("worker error: %s", ev.Message)); err != nil {
				log.Warn("audit write failed", zap.Error(err))
			}
			return
		}
		s.pipeline.PublishEvent(ctx, &v1.Event{
			Type:      v1.EventError,
			SessionID: sessionID,
			Content:   ev.Message,
		})

	default:
		log.Debug("unhandled worker event", zap.String("type", ev.Type))
	}
}

// recordAgentMessage is the durable path for agent output the user must
// see: realtime event, outbox entry, session log and audit file.
func (s *Service) recordAgentMessage(ctx context.Context, sessionID, content string, contextSize int) {
	log := s.logger.WithSessionID(sessionID)
	if content == "" {
		return
	}
	if err := s.pipeline.SendAgentMessage(ctx, sessionID, content, contextSize); err != nil {
		log.Error("failed to enqueue agent message", zap.Error(err))
	}
	if err := s.store.InsertSessionMessage(ctx, sessionID, v1.SenderAgent, content, ""); err != nil {
		log.Warn("failed to persist agent message", zap.Error(err))
	}
	if err := s.workspace.AppendAudit(sessionID, v1.SenderAgent, content); err != nil {
		log.Warn("audit write failed", zap.Error(err))
	}
}

// StatusChanged persists a derived session status and announces it, both on
// the realtime channel and to the remote service's session record.
func (s *Service) StatusChanged(sessionID string, status v1.SessionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	log := s.logger.WithSessionID(sessionID)

	if err := s.store.UpdateSessionStatus(ctx, sessionID, status); err != nil {
		log.Warn("failed to persist session status", zap.Error(err))
	}
	s.pipeline.PublishEvent(ctx, &v1.Event{
		Type:          v1.EventSessionStatusChanged,
		SessionID:     sessionID,
		SessionStatus: status,
	})
	// The remote patch can be slow; never block the actor on it.
	go func() {
		patchCtx, patchCancel := context.WithTimeout(context.Background(), opTimeout)
		defer patchCancel()
		if err := s.rest.PatchSession(patchCtx, sessionID, &v1.PatchSessionRequest{Status: status}); err != nil {
			log.Debug("session status patch failed", zap.Error(err))
		}
	}()

	if status == v1.SessionClosed {
		s.manager.Remove(sessionID)
	}
}

// WorkerStateChanged persists worker lifecycle transitions, keeping the pid
// on disk so a restarted daemon can find orphaned workers.
func (s *Service) WorkerStateChanged(sessionID string, state v1.WorkerState, pid *int) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := s.store.UpdateWorkerState(ctx, sessionID, state, pid); err != nil {
		s.logger.WithSessionID(sessionID).Warn("failed to persist worker state", zap.Error(err))
	}
}

// ProjectConfirmed pins the project directory the worker settled on, so
// later workers for this session reuse it.
func (s *Service) ProjectConfirmed(sessionID, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	log := s.logger.WithSessionID(sessionID)

	if err := s.store.UpdateConfirmedProject(ctx, sessionID, path); err != nil {
		log.Warn("failed to persist confirmed project", zap.Error(err))
	}
	log.Info("project confirmed", zap.String("path", path))
}
