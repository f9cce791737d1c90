package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/milohq/milo-agent/internal/common/logger"
	"github.com/milohq/milo-agent/internal/events/bus"
	"github.com/milohq/milo-agent/internal/remote"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// eventPublisher fans outbound events to the realtime channel and mirrors
// session-scoped ones onto the internal bus, where the debug surfaces and
// tests can observe them.
type eventPublisher struct {
	realtime *remote.RealtimeClient
	bus      bus.EventBus
	logger   *logger.Logger
}

func (p *eventPublisher) Publish(ctx context.Context, event *v1.Event) error {
	if event.SessionID != "" && p.bus != nil {
		busEvent := bus.NewEvent(event.Type, "orchestrator", map[string]interface{}{
			"content": event.Content,
			"action":  event.Action,
		})
		busEvent.SessionID = event.SessionID
		subject := fmt.Sprintf(bus.SubjectSessionEvents, event.SessionID)
		if err := p.bus.Publish(ctx, subject, busEvent); err != nil {
			p.logger.Debug("bus publish failed", zap.Error(err))
		}
	}

	if p.realtime == nil {
		return fmt.Errorf("realtime channel disabled")
	}
	return p.realtime.Publish(ctx, event)
}

func (p *eventPublisher) IsConnected() bool {
	return p.realtime != nil && p.realtime.IsConnected()
}
