// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types for virtualme
const (
	// Conversation store
	EventTypeStateChanged   EventType = "store.state_changed"
	EventTypeMessageAdded   EventType = "store.message_added"
	EventTypeQuotaExceeded  EventType = "store.quota_exceeded"
	EventTypeSuggestionsSet EventType = "store.suggestions"

	// Speech capture
	EventTypeListeningStarted EventType = "stt.listening_started"
	EventTypeListeningStopped EventType = "stt.listening_stopped"
	EventTypeTranscript       EventType = "stt.transcript"
	EventTypeCaptureError     EventType = "stt.error"

	// Playback
	EventTypeSpeakingStarted EventType = "audio.speaking_started"
	EventTypeSpeakingStopped EventType = "audio.speaking_stopped"

	// Synthesis
	EventTypeTTSCompleted EventType = "tts.completed"
	EventTypeTTSFailed    EventType = "tts.failed"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
}

// PublishSync calls every handler in subscription order on the caller's
// goroutine. Subscribers that need ordered delivery (state snapshots sent to
// a client) rely on this.
func (b *EventBus) PublishSync(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		handler(event)
	}
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
}

func (b *EventBus) snapshot(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	return handlers
}
