package coordinator

import (
	"sync"
	"time"
)

// EventType identifies a fleet state change.
type EventType string

const (
	EventDeviceOnline     EventType = "device_online"
	EventDeviceOffline    EventType = "device_offline"
	EventTelemetryUpdated EventType = "telemetry_updated"
)

// Event is a fleet state-change notification published by the coordinator.
// Consumers (dashboards, schedulers) subscribe instead of the core calling
// into them.
type Event struct {
	Type      EventType `json:"type"`
	DeviceID  string    `json:"device_id"`
	Battery   int       `json:"battery,omitempty"`
	Signal    int       `json:"signal,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans events out to subscribers over buffered channels. Publishing
// never blocks: a subscriber that falls behind misses events rather than
// stalling message processing.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel function must
// be called when done to release the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber not keeping up, drop
		}
	}
}
