package memory

import (
	"context"
	"sync"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
	"go.uber.org/zap"
)

const subscriptionBuffer = 256

// InMemoryEventBus implements EventBus using in-process subscriptions.
// Each subscription receives events in publish order on its own goroutine.
type InMemoryEventBus struct {
	subscribers map[string]map[uint64]*subscription
	nextID      uint64
	logger      *zap.Logger
	mu          sync.RWMutex
}

type subscription struct {
	events chan domain.Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make(map[string]map[uint64]*subscription),
		logger:      logger,
	}
}

// Publish delivers an event to every subscriber of a topic. Slow subscribers
// whose buffer is full miss the event.
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, sub := range e.subscribers[topic] {
		select {
		case sub.events <- event:
		case <-sub.done:
		default:
			e.logger.Warn("dropping event for slow subscriber",
				zap.String("topic", topic),
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)))
		}
	}

	return nil
}

// Subscribe registers handler on topic until ctx is cancelled
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	sub := &subscription{
		events: make(chan domain.Event, subscriptionBuffer),
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	if e.subscribers[topic] == nil {
		e.subscribers[topic] = make(map[uint64]*subscription)
	}
	e.subscribers[topic][id] = sub
	e.mu.Unlock()

	go func() {
		defer e.unsubscribe(topic, id)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case event := <-sub.events:
				if err := handler(ctx, event); err != nil {
					e.logger.Debug("event handler error",
						zap.String("topic", topic),
						zap.String("event_id", event.ID),
						zap.Error(err))
				}
			}
		}
	}()

	return nil
}

// Close stops every subscription
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, subs := range e.subscribers {
		for _, sub := range subs {
			sub.stop()
		}
	}
	e.subscribers = make(map[string]map[uint64]*subscription)
	return nil
}

// unsubscribe removes a subscription from a topic
func (e *InMemoryEventBus) unsubscribe(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sub, ok := e.subscribers[topic][id]; ok {
		sub.stop()
		delete(e.subscribers[topic], id)
	}
	if len(e.subscribers[topic]) == 0 {
		delete(e.subscribers, topic)
	}
}

// subscriberCount is used by tests
func (e *InMemoryEventBus) subscriberCount(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers[topic])
}
