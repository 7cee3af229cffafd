package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sandboxgw/sandboxgw/internal/common/logger"
)

// MemoryEventBus implements EventBus by logging published events. It is
// used whenever NATS is not configured, so lifecycle events still have a
// sink without requiring an external broker for local runs and tests.
type MemoryEventBus struct {
	mu     sync.RWMutex
	logger *logger.Logger
	closed bool
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{logger: log}
}

// Publish records an event. There are no in-memory subscribers; this bus
// exists purely so publishers have somewhere to send lifecycle events when
// no NATS URL is configured.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Close closes the event bus.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.logger.Info("memory event bus closed")
}

// IsConnected always reports true for the in-memory bus until closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
