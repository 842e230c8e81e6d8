package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventRouteSuccess    EventType = "route_success"
	EventRouteError      EventType = "route_error"
	EventRewardApplied   EventType = "reward_applied"
	EventFeedbackApplied EventType = "feedback_applied"
	EventProviderHealth  EventType = "provider_health"
)

// Event is a single operational event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	RequestID     string  `json:"request_id,omitempty"`
	UserID        string  `json:"user_id,omitempty"`
	Model         string  `json:"model,omitempty"`
	Provider      string  `json:"provider,omitempty"`
	Domain        string  `json:"domain,omitempty"`
	SelectionMode string  `json:"selection_mode,omitempty"`
	Attempts      int     `json:"attempts,omitempty"`
	LatencyMs     float64 `json:"latency_ms,omitempty"`
	CostUSD       float64 `json:"cost_usd,omitempty"`
	ErrorMsg      string  `json:"error_msg,omitempty"`

	// Reward fields.
	Reward float64 `json:"reward,omitempty"`
	Reason string  `json:"reason,omitempty"`

	// Feedback fields.
	ModelsUpdated int `json:"models_updated,omitempty"`

	// Provider health transitions.
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers without blocking. A nil bus
// discards the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Slow subscriber; drop.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
