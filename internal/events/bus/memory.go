package bus

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/google/uuid"
	"github.com/milohq/milo-agent/internal/common/logger"
)

// MemoryEventBus is an in-process EventBus. It is the default when no NATS
// URL is configured, which is the common single-binary deployment.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	id      string
	subject string
	handler EventHandler
	bus     *MemoryEventBus
	valid   bool
	mu      sync.RWMutex
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "memory-bus")),
	}
}

// Publish delivers the event to all matching subscriptions. Handlers run in
// their own goroutines so a slow consumer cannot block the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	var handlers []EventHandler
	for pattern, subs := range b.subscriptions {
		if !subjectMatches(pattern, subject) {
			continue
		}
		for _, sub := range subs {
			if sub.IsValid() {
				handlers = append(handlers, sub.handler)
			}
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		h := handler
		go func() {
			if err := h(ctx, event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("subject", subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}()
	}
	return nil
}

// Subscribe registers a handler for a subject pattern. Patterns follow NATS
// conventions: "*" matches one token, ">" matches the rest.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySubscription{
		id:      uuid.New().String(),
		subject: subject,
		handler: handler,
		bus:     b,
		valid:   true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

// Close invalidates all subscriptions
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.invalidate()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}

// IsConnected always reports true for the in-memory bus
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	s.invalidate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid
}

func (s *memorySubscription) invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

// subjectMatches implements NATS-style subject matching with "*" (one token)
// and ">" (tail) wildcards.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, pt := range pTokens {
		if pt == ">" {
			return true
		}
		if i >= len(sTokens) {
			return false
		}
		if pt != "*" && pt != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}
