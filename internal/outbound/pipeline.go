// Package outbound delivers events to the user over two paths: a
// best-effort realtime publish for latency, and a durable outbox drained by
// a periodic flusher for reliability. The outbox copy is the source of
// truth; realtime failures are logged and ignored.
package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/store"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// Publisher is the realtime fan-out capability.
type Publisher interface {
	Publish(ctx context.Context, event *v1.Event) error
	IsConnected() bool
}

// NopPublisher is used when the realtime channel is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *v1.Event) error { return nil }
func (NopPublisher) IsConnected() bool                        { return false }

type ackPayload struct {
	MessageIDs []string `json:"messageIds"`
}

// Pipeline is the write side of the outbound path.
type Pipeline struct {
	store     *store.Store
	publisher Publisher
	agentID   func() string
	logger    *logger.Logger
}

// NewPipeline creates the outbound write pipeline. agentID is resolved per
// event because the id is only known after the first heartbeat.
func NewPipeline(st *store.Store, pub Publisher, agentID func() string, log *logger.Logger) *Pipeline {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Pipeline{
		store:     st,
		publisher: pub,
		agentID:   agentID,
		logger:    log.WithFields(zap.String("component", "outbound")),
	}
}

// PublishEvent publishes an event on the realtime evt channel. Best effort:
// failures are logged, never propagated.
func (p *Pipeline) PublishEvent(ctx context.Context, event *v1.Event) {
	if event.AgentID == "" {
		event.AgentID = p.agentID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Debug("realtime publish failed",
			zap.String("event_type", event.Type),
			zap.String("session_id", event.SessionID),
			zap.Error(err))
	}
}

// EnqueueAck records a durable acknowledgement of processed message ids.
func (p *Pipeline) EnqueueAck(ctx context.Context, messageIDs ...string) error {
	payload, err := json.Marshal(ackPayload{MessageIDs: messageIDs})
	if err != nil {
		return fmt.Errorf("failed to marshal ack payload: %w", err)
	}
	_, err = p.store.EnqueueOutbox(ctx, store.OutboxKindAckMessage, string(payload), nil)
	return err
}

// EnqueueSend records a durable agent reply for REST delivery.
func (p *Pipeline) EnqueueSend(ctx context.Context, req *v1.SendMessageRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal send payload: %w", err)
	}
	_, err = p.store.EnqueueOutbox(ctx, store.OutboxKindSendMessage, string(payload), &req.SessionID)
	return err
}

// SendAgentMessage performs the dual write for an agent reply: realtime
// publish for latency plus a durable outbox entry.
func (p *Pipeline) SendAgentMessage(ctx context.Context, sessionID, content string, contextSize int) error {
	p.PublishEvent(ctx, &v1.Event{
		Type:        v1.EventAgentMessage,
		SessionID:   sessionID,
		Content:     content,
		ContextSize: contextSize,
	})
	return p.EnqueueSend(ctx, &v1.SendMessageRequest{SessionID: sessionID, Content: content})
}
