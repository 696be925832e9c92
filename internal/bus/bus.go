// Package bus is the in-process topic bus agents coordinate over.
// Delivery is asynchronous and best-effort: every subscription owns a
// buffered queue drained by one goroutine, publishers never block, and
// a full queue drops the event for that subscriber with a warning.
// Subscribers are written to be idempotent, so at-most-once is enough.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueSize is the per-subscription buffer.
const DefaultQueueSize = 128

// Event is one message on a topic.
type Event struct {
	Topic   string         `json:"topic"`
	Name    string         `json:"name"`
	From    string         `json:"from,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	TS      time.Time      `json:"ts"`
}

// Handler consumes events for one subscription. Handlers run on the
// subscription's own goroutine; a slow handler delays only itself.
type Handler func(Event)

type subscription struct {
	id      string
	topic   string
	handler Handler
	queue   chan Event
	quit    chan struct{}
}

// Bus routes events between topic publishers and subscribers.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]map[string]*subscription
	queueSize int
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// New creates a bus with the default queue size.
func New(logger *slog.Logger) *Bus {
	return NewSized(logger, DefaultQueueSize)
}

// NewSized creates a bus with an explicit per-subscription queue size.
func NewSized(logger *slog.Logger, queueSize int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		topics:    make(map[string]map[string]*subscription),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscribe registers a handler under id on a topic. Re-subscribing
// with the same id replaces the previous subscription.
func (b *Bus) Subscribe(topic, id string, h Handler) {
	sub := &subscription{
		id:      id,
		topic:   topic,
		handler: h,
		queue:   make(chan Event, b.queueSize),
		quit:    make(chan struct{}),
	}

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*subscription)
		b.topics[topic] = subs
	}
	if prev, ok := subs[id]; ok {
		close(prev.quit)
	}
	subs[id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case ev := <-sub.queue:
				sub.handler(ev)
			case <-sub.quit:
				return
			}
		}
	}()
}

// SubscribeMany registers the same handler on several topics.
func (b *Bus) SubscribeMany(topics []string, id string, h Handler) {
	for _, topic := range topics {
		b.Subscribe(topic, id, h)
	}
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	if sub, ok := subs[id]; ok {
		close(sub.quit)
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// UnsubscribeAll removes every subscription held under id, across all
// topics. Used when a gateway client or agent goes away.
func (b *Bus) UnsubscribeAll(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.topics {
		if sub, ok := subs[id]; ok {
			close(sub.quit)
			delete(subs, id)
		}
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Publish delivers an event to every subscriber of the topic. It never
// blocks: subscribers whose queue is full miss this event.
func (b *Bus) Publish(topic string, ev Event) {
	ev.Topic = topic
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.topics[topic] {
		select {
		case sub.queue <- ev:
		default:
			b.logger.Warn("bus.event_dropped",
				"topic", topic,
				"subscriber", sub.id,
				"event", ev.Name)
		}
	}
}

// Subscribers reports how many subscriptions a topic currently has.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close stops every subscription goroutine and waits for them.
func (b *Bus) Close() {
	b.mu.Lock()
	for topic, subs := range b.topics {
		for id, sub := range subs {
			close(sub.quit)
			delete(subs, id)
		}
		delete(b.topics, topic)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
