package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/models"
	"github.com/milohq/milo-agent/internal/outbound"
	"github.com/milohq/milo-agent/internal/store"
	"github.com/milohq/milo-agent/internal/supervisor"
	"github.com/milohq/milo-agent/internal/telemetry"
	"github.com/milohq/milo-agent/internal/update"
	"github.com/milohq/milo-agent/internal/workspace"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// OrphanCheck reports whether a session is held by an orphaned prior-run
// worker. Messages for such sessions stay unprocessed until the orphan
// exits and the inbox is redriven.
type OrphanCheck func(sessionID string) bool

// Router is the ingest path. Every message, whether it arrived over the
// realtime channel or a REST poll, passes through HandleUserMessage with
// identical semantics.
type Router struct {
	store     *store.Store
	pipeline  *outbound.Pipeline
	manager   *supervisor.Manager
	workspace *workspace.Workspace
	catalog   *models.Catalog
	updater   *update.Updater
	orphaned  OrphanCheck
	logger    *logger.Logger
}

// NewRouter creates the ingest router
func NewRouter(
	st *store.Store,
	pipeline *outbound.Pipeline,
	manager *supervisor.Manager,
	ws *workspace.Workspace,
	catalog *models.Catalog,
	updater *update.Updater,
	orphaned OrphanCheck,
	log *logger.Logger,
) *Router {
	if orphaned == nil {
		orphaned = func(string) bool { return false }
	}
	return &Router{
		store:     st,
		pipeline:  pipeline,
		manager:   manager,
		workspace: ws,
		catalog:   catalog,
		updater:   updater,
		orphaned:  orphaned,
		logger:    log.WithFields(zap.String("component", "ingest")),
	}
}

// HandlePayload routes one raw payload from the cmd channel or a poll.
// Malformed payloads and unknown types are dropped and logged.
func (r *Router) HandlePayload(ctx context.Context, raw json.RawMessage) {
	var envelope v1.IncomingEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		r.logger.Warn("dropping malformed payload", zap.Error(err))
		return
	}

	switch envelope.Type {
	case v1.IncomingTypeUserMessage:
		var msg v1.UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.logger.Warn("dropping malformed user message", zap.Error(err))
			return
		}
		if err := r.HandleUserMessage(ctx, &msg); err != nil {
			r.logger.Error("failed to handle user message",
				zap.String("message_id", msg.MessageID),
				zap.Error(err))
		}

	case v1.IncomingTypeFormResponse:
		var resp v1.FormResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			r.logger.Warn("dropping malformed form response", zap.Error(err))
			return
		}
		r.HandleFormResponse(ctx, &resp)

	case v1.IncomingTypeUIAction:
		var action v1.UIActionMessage
		if err := json.Unmarshal(raw, &action); err != nil {
			r.logger.Warn("dropping malformed ui action", zap.Error(err))
			return
		}
		r.HandleUIAction(ctx, &action)

	default:
		r.logger.Warn("dropping payload with unknown type", zap.String("type", envelope.Type))
	}
}

// HandleUserMessage runs the full ingest sequence for one user message.
func (r *Router) HandleUserMessage(ctx context.Context, msg *v1.UserMessage) error {
	if msg.MessageID == "" || msg.SessionID == "" {
		return fmt.Errorf("message missing messageId or sessionId")
	}
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.user_message",
		trace.WithAttributes(
			attribute.String("message.id", msg.MessageID),
			attribute.String("session.id", msg.SessionID),
		))
	defer span.End()
	log := r.logger.WithMessageID(msg.MessageID).WithSessionID(msg.SessionID)

	isNew, err := r.store.InsertInbox(ctx, &store.InboxEntry{
		MessageID:   msg.MessageID,
		SessionID:   msg.SessionID,
		SessionType: msg.SessionType,
		SessionName: msg.SessionName,
		Content:     msg.Content,
		UIAction:    msg.UIAction,
	})
	if err != nil {
		return fmt.Errorf("failed to record inbox entry: %w", err)
	}
	if !isNew {
		log.Debug("duplicate message dropped")
		return nil
	}

	// Fast receipt over the realtime channel; the durable ack follows via
	// the outbox.
	r.pipeline.PublishEvent(ctx, &v1.Event{
		Type:      v1.EventAgentStatus,
		SessionID: msg.SessionID,
		Content:   "Message received. Processing...",
	})
	if err := r.pipeline.EnqueueAck(ctx, msg.MessageID); err != nil {
		return fmt.Errorf("failed to enqueue ack: %w", err)
	}

	if err := r.store.UpsertSession(ctx, msg.SessionID, msg.SessionName, msg.SessionType); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	if err := r.store.InsertSessionMessage(ctx, msg.SessionID, v1.SenderUser, msg.Content, msg.MessageID); err != nil {
		return fmt.Errorf("failed to append session message: %w", err)
	}
	if err := r.workspace.AppendAudit(msg.SessionID, v1.SenderUser, msg.Content); err != nil {
		log.Warn("audit write failed", zap.Error(err))
	}

	kind := Classify(msg.UIAction, msg.Content)

	if r.orphaned(msg.SessionID) {
		log.Info("session held by orphaned worker, deferring message")
		return nil
	}

	switch kind {
	case supervisor.KindListModels:
		r.handleListModels(ctx, msg.SessionID)
		return r.store.MarkProcessed(ctx, msg.MessageID)
	case supervisor.KindStatus:
		r.handleStatus(ctx, msg.SessionID)
		return r.store.MarkProcessed(ctx, msg.MessageID)
	}

	if err := r.dispatch(ctx, msg, kind); err != nil {
		return err
	}
	return r.store.MarkProcessed(ctx, msg.MessageID)
}

// dispatch resolves the project, finds or creates the actor and submits
// the work item.
func (r *Router) dispatch(ctx context.Context, msg *v1.UserMessage, kind supervisor.WorkItemKind) error {
	ctx, span := telemetry.Tracer().Start(ctx, "ingest.dispatch",
		trace.WithAttributes(
			attribute.String("session.id", msg.SessionID),
			attribute.String("work_item.kind", string(kind)),
		))
	defer span.End()

	actor := r.manager.GetOrCreate(msg.SessionID, msg.SessionType)

	if actor.ProjectPath() == "" {
		confirmed := ""
		if row, err := r.store.GetSession(ctx, msg.SessionID); err == nil {
			confirmed = row.ConfirmedProject
		}
		path := confirmed
		if path == "" {
			name := msg.SessionName
			if name == "" {
				name = msg.SessionID
			}
			resolved, err := r.workspace.ProjectPath(name)
			if err != nil {
				return fmt.Errorf("failed to resolve project path: %w", err)
			}
			path = resolved
		}
		actor.SetProjectPath(path)
	}

	item := supervisor.NewWorkItem(kind, msg.MessageID, msg.Content)
	item.PersonaID = msg.PersonaID
	item.PersonaVersionID = msg.PersonaVersionID
	item.Model = msg.Model

	if err := actor.Submit(item); err != nil {
		r.publishError(ctx, msg.SessionID, "could not route your message, please try again")
		return fmt.Errorf("failed to submit work item: %w", err)
	}
	return nil
}

// HandleFormResponse routes a form answer to the waiting session. Form ids
// are daemon-local; a response to a form from before a restart gets an
// error event back.
func (r *Router) HandleFormResponse(ctx context.Context, resp *v1.FormResponse) {
	err := r.manager.FormResponse(resp.SessionID, resp.FormID, string(resp.Status), resp.Values)
	if err != nil {
		r.logger.Warn("form response had no destination",
			zap.String("form_id", resp.FormID),
			zap.Error(err))
		r.publishError(ctx, resp.SessionID, "that form is no longer active")
	}
}

// HandleUIAction executes control commands that are not bound to a worker.
func (r *Router) HandleUIAction(ctx context.Context, action *v1.UIActionMessage) {
	log := r.logger.WithFields(zap.String("action", action.Action))
	var err error

	switch action.Action {
	case v1.UIActionDeleteSession:
		err = r.deleteSession(ctx, action.SessionID)
	case v1.UIActionCheckUpdates:
		err = r.checkUpdates(ctx)
	case v1.UIActionUpdateAgent, v1.UIActionRunUpdate:
		err = r.runUpdate(ctx)
	case v1.UIActionSkillInstall, v1.UIActionSkillUpdate, v1.UIActionSkillDelete:
		err = r.handleSkillAction(action)
	default:
		log.Warn("dropping unknown ui action")
		return
	}

	success := err == nil
	if err != nil {
		log.Error("ui action failed", zap.Error(err))
	}
	r.pipeline.PublishEvent(ctx, &v1.Event{
		Type:      v1.EventUIActionResult,
		SessionID: action.SessionID,
		Action:    action.Action,
		Success:   &success,
	})
}

func (r *Router) deleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("delete_session requires a session id")
	}
	if actor := r.manager.Get(sessionID); actor != nil {
		actor.Close()
		r.manager.Remove(sessionID)
	}
	if err := r.store.UpdateSessionStatus(ctx, sessionID, v1.SessionClosed); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if err := r.workspace.AppendAudit(sessionID, v1.SenderSystem, "session deleted by user"); err != nil {
		r.logger.Warn("audit write failed", zap.Error(err))
	}
	r.pipeline.PublishEvent(ctx, &v1.Event{
		Type:          v1.EventSessionStatusChanged,
		SessionID:     sessionID,
		SessionStatus: v1.SessionClosed,
	})
	return nil
}

func (r *Router) checkUpdates(ctx context.Context) error {
	release, newer, err := r.updater.Check(ctx)
	if err != nil {
		return err
	}
	content := fmt.Sprintf("running version %s, already up to date", r.updater.CurrentVersion())
	if newer {
		content = fmt.Sprintf("version %s is available (running %s)", release.Version, r.updater.CurrentVersion())
	}
	r.pipeline.PublishEvent(ctx, &v1.Event{Type: v1.EventAgentStatus, Content: content})
	return nil
}

func (r *Router) runUpdate(ctx context.Context) error {
	release, newer, err := r.updater.Check(ctx)
	if err != nil {
		return err
	}
	if !newer {
		r.pipeline.PublishEvent(ctx, &v1.Event{
			Type:    v1.EventAgentStatus,
			Content: fmt.Sprintf("already running the latest version %s", r.updater.CurrentVersion()),
		})
		return nil
	}
	r.pipeline.PublishEvent(ctx, &v1.Event{
		Type:    v1.EventAgentStatus,
		Content: fmt.Sprintf("updating to %s, the agent will restart shortly", release.Version),
	})
	return r.updater.Apply(ctx, release)
}

type skillPayload struct {
	Slug    string `json:"slug"`
	Content string `json:"content,omitempty"`
}

func (r *Router) handleSkillAction(action *v1.UIActionMessage) error {
	var payload skillPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return fmt.Errorf("invalid skill payload: %w", err)
	}
	if payload.Slug == "" {
		return fmt.Errorf("skill action requires a slug")
	}

	switch action.Action {
	case v1.UIActionSkillInstall:
		return r.workspace.InstallSkill(payload.Slug, payload.Content)
	case v1.UIActionSkillUpdate:
		return r.workspace.UpdateSkill(payload.Slug, payload.Content)
	case v1.UIActionSkillDelete:
		return r.workspace.DeleteSkill(payload.Slug)
	}
	return nil
}

// handleListModels serves the curated model list inline, without a worker.
func (r *Router) handleListModels(ctx context.Context, sessionID string) {
	list := r.catalog.List(ctx)
	r.pipeline.PublishEvent(ctx, &v1.Event{
		Type:      v1.EventModelsList,
		SessionID: sessionID,
		Models:    list,
	})

	var b strings.Builder
	b.WriteString("Available models:\n")
	for _, m := range list {
		if m.Default {
			fmt.Fprintf(&b, "- %s (%s, default)\n", m.Name, m.ID)
		} else {
			fmt.Fprintf(&b, "- %s (%s)\n", m.Name, m.ID)
		}
	}
	if err := r.pipeline.EnqueueSend(ctx, &v1.SendMessageRequest{SessionID: sessionID, Content: b.String()}); err != nil {
		r.logger.Error("failed to enqueue models reply", zap.Error(err))
	}
}

// handleStatus serves a session status summary inline.
func (r *Router) handleStatus(ctx context.Context, sessionID string) {
	content := "session is idle"
	if row, err := r.store.GetSession(ctx, sessionID); err == nil {
		content = fmt.Sprintf("session status: %s, worker: %s", row.Status, row.WorkerState)
	}
	if actor := r.manager.Get(sessionID); actor != nil {
		content = fmt.Sprintf("%s, queued items: %d", content, actor.QueueLen())
	}

	r.pipeline.PublishEvent(ctx, &v1.Event{
		Type:      v1.EventAgentStatus,
		SessionID: sessionID,
		Content:   content,
	})
	if err := r.pipeline.EnqueueSend(ctx, &v1.SendMessageRequest{SessionID: sessionID, Content: content}); err != nil {
		r.logger.Error("failed to enqueue status reply", zap.Error(err))
	}
}

func (r *Router) publishError(ctx context.Context, sessionID, message string) {
	r.pipeline.PublishEvent(ctx, &v1.Event{
		Type:      v1.EventError,
		SessionID: sessionID,
		Content:   message,
	})
}

// RedriveSession reprocesses unprocessed inbox rows for one session, used
// after an orphaned prior-run worker exits.
func (r *Router) RedriveSession(ctx context.Context, sessionID string) error {
	entries, err := r.store.GetUnprocessedForSession(ctx, sessionID, 100)
	if err != nil {
		return fmt.Errorf("failed to read deferred messages: %w", err)
	}
	for _, entry := range entries {
		msg := &v1.UserMessage{
			Type:        v1.IncomingTypeUserMessage,
			MessageID:   entry.MessageID,
			SessionID:   entry.SessionID,
			SessionType: entry.SessionType,
			SessionName: entry.SessionName,
			Content:     entry.Content,
			UIAction:    entry.UIAction,
		}
		kind := Classify(msg.UIAction, msg.Content)
		switch kind {
		case supervisor.KindListModels:
			r.handleListModels(ctx, msg.SessionID)
		case supervisor.KindStatus:
			r.handleStatus(ctx, msg.SessionID)
		default:
			if err := r.dispatch(ctx, msg, kind); err != nil {
				return err
			}
		}
		if err := r.store.MarkProcessed(ctx, entry.MessageID); err != nil {
			return err
		}
	}
	r.logger.Info("redrove deferred messages",
		zap.String("session_id", sessionID),
		zap.Int("count", len(entries)))
	return nil
}
