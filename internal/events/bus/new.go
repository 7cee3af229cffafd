package bus

import (
	"github.com/sandboxgw/sandboxgw/internal/common/config"
	"github.com/sandboxgw/sandboxgw/internal/common/logger"
)

// New connects to NATS when cfg.URL is set, falling back to the in-memory
// bus otherwise (e.g. local development, tests).
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		log.Info("nats url not set, using in-memory event bus")
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
