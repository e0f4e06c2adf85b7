package sqlexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// --- Event System ---

// EventType defines the type for executor lifecycle events.
type EventType string

// Standard lifecycle event types
const (
	EventTypeBeforeQuery    EventType = "BeforeQuery"
	EventTypeAfterQuery     EventType = "AfterQuery"
	EventTypeBeforeUpdate   EventType = "BeforeUpdate"
	EventTypeAfterUpdate    EventType = "AfterUpdate"
	EventTypeBeforeCommit   EventType = "BeforeCommit"
	EventTypeAfterCommit    EventType = "AfterCommit"
	EventTypeBeforeRollback EventType = "BeforeRollback"
	EventTypeAfterRollback  EventType = "AfterRollback"
)

// EventListener is called for a lifecycle event. ms is nil for commit and
// rollback events. data carries the arguments for Before events and the
// result (rows or affected-row count) for After events.
type EventListener func(ctx context.Context, eventType EventType, ms *MappedStatement, data any) error

// Hooks holds the listeners registered for each event type. The zero value
// is not usable; create one with NewHooks. A nil *Hooks has no listeners.
type Hooks struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventListener
}

func NewHooks() *Hooks {
	return &Hooks{listeners: make(map[EventType][]EventListener)}
}

// RegisterListener adds a listener function for a specific event type.
func (h *Hooks) RegisterListener(eventType EventType, listener EventListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[eventType] = append(h.listeners[eventType], listener)
}

// Count returns the number of listeners for eventType.
func (h *Hooks) Count(eventType EventType) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[eventType])
}

// trigger executes all registered listeners for eventType in registration
// order and stops at the first failure.
func (h *Hooks) trigger(ctx context.Context, logger zerolog.Logger, eventType EventType, ms *MappedStatement, data any) error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	listeners := h.listeners[eventType]
	h.mu.RUnlock()

	for _, listener := range listeners {
		if err := listener(ctx, eventType, ms, data); err != nil {
			id := ""
			if ms != nil {
				id = ms.ID
			}
			logger.Error().Err(err).Str("event", string(eventType)).Str("statement", id).Msg("event listener failed")
			return fmt.Errorf("event listener for %s failed: %w", eventType, err)
		}
	}
	return nil
}
