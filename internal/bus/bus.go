// Package bus is the in-process nervous system: publish/subscribe with a
// synchronous fast path, a bounded async queue drained by one worker, and
// a retention ring buffer for diagnostic replay.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Well-known topics published by the kernel.
const (
	TopicUnitEvolved    = "unit.evolved"
	TopicUnitIntegrated = "unit.integrated"
	TopicUnitFailed     = "unit.failed"
	TopicHeartbeat      = "system.heartbeat"
	TopicExternalEdit   = "genome.external_edit"
)

// Event is a typed message routed by topic. CorrelationID ties together
// events belonging to the same causal chain.
type Event struct {
	Topic         string         `json:"topic"`
	Data          map[string]any `json:"data,omitempty"`
	Source        string         `json:"source"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
}

// NewEvent builds an event with a fresh correlation ID.
func NewEvent(topic, source string, data map[string]any) Event {
	return Event{
		Topic:         topic,
		Data:          data,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.NewString()[:8],
	}
}

// Handler receives events. Handlers run on the publisher's goroutine for
// Publish and on the bus worker for PublishAsync.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

const (
	// DefaultQueueSize bounds the async queue; a full queue drops the
	// newest event rather than blocking the publisher.
	DefaultQueueSize = 1000
	// DefaultRetention bounds the diagnostic ring buffer.
	DefaultRetention = 100
)

// stopSentinel ends the worker loop after a drain.
const stopSentinel = "\x00bus.stop"

// Bus is the event bus. The zero value is not usable; construct with New.
type Bus struct {
	log *zap.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[string][]subscription

	queue   chan Event
	started bool
	done    chan struct{}

	retention *ring
}

// New creates a bus with the given async queue capacity and retention
// length. Zero values select the defaults; a negative retention disables
// the ring buffer.
func New(queueSize, retention int, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if retention == 0 {
		retention = DefaultRetention
	}
	var r *ring
	if retention > 0 {
		r = newRing(retention)
	}
	return &Bus{
		log:       log,
		subs:      make(map[string][]subscription),
		queue:     make(chan Event, queueSize),
		retention: r,
	}
}

// Subscribe registers a handler for a topic and returns its unsubscribe
// function. Handlers for one topic are invoked in registration order.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event synchronously to all current subscribers of
// its topic, in registration order, on the caller's goroutine. A panicking
// handler is caught and logged; delivery continues with the remaining
// handlers.
func (b *Bus) Publish(ev Event) {
	if b.retention != nil && ev.Topic != stopSentinel {
		b.retention.push(ev)
	}

	b.mu.Lock()
	list := make([]subscription, len(b.subs[ev.Topic]))
	copy(list, b.subs[ev.Topic])
	b.mu.Unlock()

	for _, s := range list {
		b.deliver(s.handler, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked",
				zap.String("topic", ev.Topic),
				zap.Any("panic", r))
		}
	}()
	h(ev)
}

// PublishAsync enqueues the event for the background worker. When the
// queue is full the event is dropped and a warning logged; the publisher
// is never blocked.
func (b *Bus) PublishAsync(ev Event) {
	select {
	case b.queue <- ev:
	default:
		b.log.Warn("event queue full, dropping event", zap.String("topic", ev.Topic))
	}
}

// Start launches the background worker for the async queue. Idempotent.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.work()
	b.log.Debug("event bus worker started")
}

func (b *Bus) work() {
	defer close(b.done)
	for ev := range b.queue {
		if ev.Topic == stopSentinel {
			return
		}
		b.Publish(ev)
	}
}

// Stop shuts the worker down. With drain set it waits up to timeout for
// the queue to empty first; anything still queued after the sentinel is
// discarded.
func (b *Bus) Stop(drain bool, timeout time.Duration) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	done := b.done
	b.mu.Unlock()

	if drain {
		deadline := time.Now().Add(timeout)
		for len(b.queue) > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	// The sentinel stops the worker even when undrained events remain. A
	// concurrent PublishAsync can refill a slot the moment it is freed, so
	// keep making room until the send lands.
	for {
		select {
		case b.queue <- Event{Topic: stopSentinel}:
			<-done
			b.log.Debug("event bus worker stopped")
			return
		default:
			select {
			case <-b.queue:
			default:
			}
		}
	}
}

// QueueLen reports the current async queue depth.
func (b *Bus) QueueLen() int { return len(b.queue) }

// SubscriberCount reports subscribers for a topic, or all topics when
// topic is empty.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic != "" {
		return len(b.subs[topic])
	}
	total := 0
	for _, list := range b.subs {
		total += len(list)
	}
	return total
}

// Retained returns recent events from the ring buffer, oldest first,
// optionally filtered by topic and capped at count (0 means all).
func (b *Bus) Retained(topic string, count int) []Event {
	if b.retention == nil {
		return nil
	}
	events := b.retention.snapshot()
	if topic != "" {
		filtered := events[:0:0]
		for _, ev := range events {
			if ev.Topic == topic {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if count > 0 && len(events) > count {
		events = events[len(events)-count:]
	}
	return events
}
