package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Task lifecycle topics.
const (
	TopicTaskEnqueued = "task.enqueued"
	TopicTaskRunning  = "task.running"
	TopicTaskSuccess  = "task.success"
	TopicTaskFailed   = "task.failed"
	TopicTaskRetrying = "task.retrying"
	TopicTaskDeleted  = "task.deleted"

	TopicChainAppended   = "chain.appended"
	TopicWebhookReceived = "webhook.received"
)

// TaskStateChangedEvent is published on every task status transition.
type TaskStateChangedEvent struct {
	TaskID    string `json:"task_id"`
	Slug      string `json:"slug"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status"`
	Error     string `json:"error,omitempty"`
}

// ChainAppendedEvent is published when an operation is signed onto the audit chain.
type ChainAppendedEvent struct {
	OpID   string `json:"op_id"`
	Tool   string `json:"tool"`
	Length int    `json:"length"`
}

// WebhookReceivedEvent is published when a trigger ingress accepts a delivery.
type WebhookReceivedEvent struct {
	Trigger string `json:"trigger"`
	TaskID  string `json:"task_id"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
// It is constructed once at startup and injected into producers and consumers;
// there is no package-level instance.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
