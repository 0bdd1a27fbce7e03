package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/interfaces"
)

// eventService implements interfaces.EventService with an in-memory
// subscriber registry. Publish dispatches on a goroutine per event;
// PublishSync walks subscribers in registration order on the caller's
// goroutine so event order is preserved for ordering-sensitive streams.
type eventService struct {
	mu          sync.RWMutex
	subscribers map[interfaces.EventType][]interfaces.EventHandler
	logger      arbor.ILogger
	closed      bool
	wg          sync.WaitGroup
}

// NewEventService creates a new event service instance
func NewEventService(logger arbor.ILogger) interfaces.EventService {
	return &eventService{
		subscribers: make(map[interfaces.EventType][]interfaces.EventHandler),
		logger:      logger,
	}
}

func (s *eventService) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("event service is closed")
	}

	s.subscribers[eventType] = append(s.subscribers[eventType], handler)
	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Handler subscribed")

	return nil
}

func (s *eventService) Publish(ctx context.Context, event interfaces.Event) error {
	handlers, err := s.handlersFor(event.Type)
	if err != nil {
		return err
	}

	for _, handler := range handlers {
		s.wg.Add(1)
		go func(h interfaces.EventHandler) {
			defer s.wg.Done()
			if err := h(ctx, event); err != nil {
				s.logger.Warn().
					Err(err).
					Str("event_type", string(event.Type)).
					Msg("Event handler failed")
			}
		}(handler)
	}

	return nil
}

func (s *eventService) PublishSync(ctx context.Context, event interfaces.Event) error {
	handlers, err := s.handlersFor(event.Type)
	if err != nil {
		return err
	}

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			s.logger.Warn().
				Err(err).
				Str("event_type", string(event.Type)).
				Msg("Event handler failed")
		}
	}

	return nil
}

func (s *eventService) handlersFor(eventType interfaces.EventType) ([]interfaces.EventHandler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("event service is closed")
	}

	registered := s.subscribers[eventType]
	handlers := make([]interfaces.EventHandler, len(registered))
	copy(handlers, registered)
	return handlers, nil
}

func (s *eventService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subscribers = make(map[interfaces.EventType][]interfaces.EventHandler)
	s.mu.Unlock()

	// Let in-flight async deliveries drain.
	s.wg.Wait()

	s.logger.Debug().Msg("Event service closed")
	return nil
}
