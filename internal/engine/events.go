package engine

import (
	"log/slog"
	"sync"
	"time"

	"netwatch/internal/metrics"
	"netwatch/internal/store"
)

// Event types
const (
	EventDeviceChanged = "device_changed"
	EventDeviceAdded   = "device_added"
	EventDeviceRemoved = "device_removed"
	EventSimulation    = "simulation"
)

// DefaultQueueSize is the per-subscriber event buffer.
const DefaultQueueSize = 256

// Event represents an engine event.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// DeviceChange is the payload of EventDeviceChanged.
type DeviceChange struct {
	DeviceID      uint64       `json:"device_id"`
	Status        store.Status `json:"status"`
	Latency       int          `json:"latency"`
	DowntimeStart *time.Time   `json:"downtime_start"`
	ObservedAt    time.Time    `json:"observed_at"`
}

// Fields flattens the change into a generic map for script and bridge consumers.
func (c DeviceChange) Fields() map[string]interface{} {
	m := map[string]interface{}{
		"device_id":   c.DeviceID,
		"status":      string(c.Status),
		"latency":     c.Latency,
		"observed_at": c.ObservedAt.Format(time.RFC3339),
	}
	if c.DowntimeStart != nil {
		m["downtime_start"] = c.DowntimeStart.Format(time.RFC3339)
	}
	return m
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscriber struct {
	name      string
	eventType string // empty = all events
	handler   EventHandler
	queue     chan Event
}

// EventBus fans events out to subscribers. Every subscriber owns a bounded
// queue drained by its own goroutine, so Emit never blocks: when a queue is
// full the event is dropped for that subscriber only. Events reach a given
// subscriber in the order they were emitted.
type EventBus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    uint64
	queueSize int
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// WithQueueSize sets the per-subscriber buffer length.
func WithQueueSize(n int) BusOption {
	return func(eb *EventBus) {
		if n > 0 {
			eb.queueSize = n
		}
	}
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger, opts ...BusOption) *EventBus {
	eb := &EventBus{
		subs:      make(map[uint64]*subscriber),
		queueSize: DefaultQueueSize,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(eb)
	}
	return eb
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(name, eventType string, handler EventHandler) func() {
	return eb.subscribe(name, eventType, handler)
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(name string, handler EventHandler) func() {
	return eb.subscribe(name, "", handler)
}

func (eb *EventBus) subscribe(name, eventType string, handler EventHandler) func() {
	sub := &subscriber{
		name:      name,
		eventType: eventType,
		handler:   handler,
		queue:     make(chan Event, eb.queueSize),
	}

	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.subs[id] = sub
	eb.mu.Unlock()

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for event := range sub.queue {
			eb.dispatch(sub, event)
		}
	}()

	return func() {
		eb.mu.Lock()
		_, ok := eb.subs[id]
		delete(eb.subs, id)
		eb.mu.Unlock()
		if ok {
			close(sub.queue)
		}
	}
}

func (eb *EventBus) dispatch(sub *subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "subscriber", sub.name, "type", event.Type, "panic", r)
		}
	}()
	sub.handler(event)
}

// Emit queues an event for every matching subscriber without blocking.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, sub := range eb.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			metrics.EventsDropped.WithLabelValues(sub.name).Inc()
			eb.logger.Warn("subscriber queue full, dropping event", "subscriber", sub.name, "type", event.Type)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (eb *EventBus) Subscribers() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

// Close unsubscribes everyone and waits for queued events to drain.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	subs := eb.subs
	eb.subs = make(map[uint64]*subscriber)
	eb.mu.Unlock()
	for _, sub := range subs {
		close(sub.queue)
	}
	eb.wg.Wait()
}
