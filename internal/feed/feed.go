package feed

import (
	"encoding/json"
	"sync"
)

// =============================================================================
// Feed Broker - in-process change feed standing in for the remote stores'
// snapshot / child-event listeners. Writers publish raw documents to a topic;
// engines subscribe and reconcile.
// =============================================================================

// EventType kind of change within a topic
type EventType int

const (
	ChildAdded EventType = iota
	ChildChanged
	ChildRemoved
)

// String returns the wire name of the event type
func (t EventType) String() string {
	switch t {
	case ChildAdded:
		return "child_added"
	case ChildChanged:
		return "child_changed"
	case ChildRemoved:
		return "child_removed"
	default:
		return "unknown"
	}
}

// Event is one document change. Doc is the raw record as stored; consumers
// decode it themselves and decide how to handle malformed fields.
type Event struct {
	Type EventType
	Doc  json.RawMessage
}

// Handler receives one delivered batch. Batches preserve publish order within
// a topic. A handler must not call Cancel on its own subscription.
type Handler func(events []Event)

// ErrorHandler receives the terminal error of a closed topic. After it runs
// the subscription is detached and delivers nothing further.
type ErrorHandler func(err error)

// Subscription is a cancellable listener registration. Cancel is synchronous:
// once it returns, no handler invocation is running or will run. Cancelling
// twice is safe.
type Subscription struct {
	mu       sync.Mutex
	canceled bool
	onEvent  Handler
	onError  ErrorHandler
	detach   func()
}

// Deliver invokes the handler unless the subscription was cancelled.
func (s *Subscription) deliver(events []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.canceled || len(events) == 0 {
		return
	}
	s.onEvent(events)
}

// fail delivers the terminal error exactly once and detaches.
func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	onError := s.onError
	s.mu.Unlock()

	if onError != nil {
		onError(err)
	}
	s.detach()
}

// Cancel unregisters the listener. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	s.mu.Unlock()

	s.detach()
}

// Broker routes published events to topic subscribers.
type Broker struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string]map[uint64]*Subscription
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]map[uint64]*Subscription),
	}
}

// Subscribe registers a listener on a topic. onError may be nil when the
// caller does not care about terminal topic errors.
func (b *Broker) Subscribe(topic string, onEvent Handler, onError ErrorHandler) *Subscription {
	sub := &Subscription{
		onEvent: onEvent,
		onError: onError,
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]*Subscription)
	}
	b.topics[topic][id] = sub
	b.mu.Unlock()

	sub.detach = func() {
		b.mu.Lock()
		if subs, ok := b.topics[topic]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
		}
		b.mu.Unlock()
	}

	return sub
}

// Publish delivers one batch of events to every current subscriber of the
// topic. Delivery runs on the caller's goroutine; per-subscription ordering
// follows publish order.
func (b *Broker) Publish(topic string, events ...Event) {
	if len(events) == 0 {
		return
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(events)
	}
}

// CloseTopic delivers a terminal error to every subscriber of the topic and
// detaches them. Further publishes to the topic reach nobody until someone
// subscribes again.
func (b *Broker) CloseTopic(topic string, err error) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		subs = append(subs, s)
	}
	delete(b.topics, topic)
	b.mu.Unlock()

	for _, s := range subs {
		s.fail(err)
	}
}

// SubscriberCount reports the current number of listeners on a topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
