// ABOUTME: In-memory fan-out bus keyed by event kind and correlation id
// ABOUTME: Subscriptions are handles whose Cancel is the only removal path

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Kinds published on the bus.
const (
	KindTaskUpdate      = "task-update"
	KindTerminalCreated = "terminal-created"
	KindTerminalOutput  = "terminal-output"
	KindFileChange      = "file-change"
)

// Topic names a stream: the event kind plus the id it correlates with.
type Topic struct {
	Kind string
	ID   string
}

// Event is one published message.
type Event struct {
	Topic Topic
	// Source is the subscription id of the publisher, if it has one.
	// Subscribers with that id do not receive the event.
	Source string
	Data   any
	Time   time.Time
}

// Bus fans events out to subscribers of a topic.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[string]*Subscription
	closed      bool
	logger      *slog.Logger
}

// NewBus creates a Bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[Topic]map[string]*Subscription),
		logger:      logger.With("component", "events"),
	}
}

// Subscription is a registration on one topic.
type Subscription struct {
	id    string
	topic Topic
	ch    chan Event
	bus   *Bus
	once  sync.Once
}

// ID identifies the subscription. Pass it as Event.Source to skip it.
func (s *Subscription) ID() string { return s.id }

// Topic returns the topic the subscription listens on.
func (s *Subscription) Topic() Topic { return s.topic }

// C returns the channel events arrive on. It is closed on Cancel or Bus.Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Cancel removes the subscription and closes its channel. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Subscribe registers for events on topic. After Close it returns an
// already-closed subscription.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		id:    uuid.New().String(),
		topic: topic,
		ch:    make(chan Event, subscriberBufferSize),
		bus:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]*Subscription)
	}
	b.subscribers[topic][sub.id] = sub

	b.logger.Debug("subscriber added", "kind", topic.Kind, "id", topic.ID, "sub_id", sub.id)
	return sub
}

// Publish delivers e to every subscriber of topic except e.Source.
// It drops the event for subscribers whose buffers are full.
func (b *Bus) Publish(topic Topic, e Event) {
	e.Topic = topic
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Sends happen under the read lock so a concurrent Cancel cannot close
	// a channel mid-send; they never block.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers[topic] {
		if e.Source != "" && id == e.Source {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Debug("dropped event for slow subscriber", "kind", topic.Kind, "id", topic.ID, "sub_id", id)
		}
	}
}

// Subscribers returns how many subscriptions are registered on topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sub.topic]
	if !ok {
		return
	}
	if _, exists := subs[sub.id]; !exists {
		return
	}

	delete(subs, sub.id)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.subscribers, sub.topic)
	}

	b.logger.Debug("subscriber removed", "kind", sub.topic.Kind, "id", sub.topic.ID, "sub_id", sub.id)
}

// Close closes every subscriber channel. Later subscriptions are born closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for id, sub := range subs {
			close(sub.ch)
			delete(subs, id)
		}
		delete(b.subscribers, topic)
	}
	b.closed = true

	b.logger.Debug("bus closed")
}
