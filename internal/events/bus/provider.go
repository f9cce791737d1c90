package bus

import (
	"github.com/milohq/milo-agent/internal/common/config"
	"github.com/milohq/milo-agent/internal/common/logger"
)

// Provide selects the event bus implementation from configuration. An empty
// NATS URL selects the in-memory bus.
func Provide(cfg config.BusConfig, log *logger.Logger) (EventBus, error) {
	if cfg.NATSURL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
