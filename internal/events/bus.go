// Package events fans operation and state-change events out to live
// subscribers: the WebSocket stream, the SSE stream and the state
// monitor all meet here.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/dispatch"
)

// Event types published by the core.
const (
	TypeOperation       = "operation"
	TypeVMStateChanged  = "vm.state_changed"
	TypeMonitorSnapshot = "monitor.snapshot"
)

// Event is the JSON envelope every subscriber receives.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Resource string         `json:"resource,omitempty"`
	Time     time.Time      `json:"time"`
	Data     map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(eventType, resource string, data map[string]any) Event {
	return Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Resource: resource,
		Time:     time.Now().UTC(),
		Data:     data,
	}
}

const defaultBuffer = 64

// Bus is a non-blocking fan-out. A subscriber that cannot keep up
// loses events rather than stalling publishers: the dispatch path must
// never wait on a slow WebSocket client.
type Bus struct {
	logger  *slog.Logger
	buffer  int
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
	subs   map[string]chan Event
}

// NewBus builds a Bus. buffer <= 0 selects the default per-subscriber
// queue depth.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		buffer: buffer,
		subs:   make(map[string]chan Event),
	}
}

// Subscribe registers a new subscriber. The returned cancel function is
// idempotent and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	id := uuid.New().String()
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has queue space.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("event dropped for slow subscriber",
				"subscriber", id, "type", ev.Type)
		}
	}
}

// SubscriberCount reports how many subscribers are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped reports how many events were lost to full subscriber queues.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close detaches and closes every subscriber channel. Publish becomes a
// no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// OperationPublisher adapts the bus to the dispatcher's event sink. The
// operation id carries over as the event id so log lines, audit rows
// and stream events correlate.
type OperationPublisher struct {
	Bus *Bus
}

func (p OperationPublisher) PublishOperation(op dispatch.Operation) {
	data := map[string]any{
		"domain":      op.Domain,
		"action":      op.Action,
		"outcome":     string(op.Outcome),
		"duration_ms": op.Duration.Milliseconds(),
	}
	if op.Error != "" {
		data["error"] = op.Error
	}
	p.Bus.Publish(Event{
		ID:       op.ID,
		Type:     TypeOperation,
		Resource: op.Resource,
		Time:     time.Now().UTC(),
		Data:     data,
	})
}
