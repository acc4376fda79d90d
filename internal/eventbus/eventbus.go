// Package eventbus is a process-local publish/subscribe topic multiplexer.
// It has no antecedent in the teacher codebase (a batch CLI orchestrator has
// no need for pub/sub); it exists because the Scheduler, SyncEngine, and
// HTTP/SSE API all need to observe the same lifecycle events without being
// wired directly to one another. Per spec.md §4.7 there is no persistence
// and listeners are in-process only -- an external broker (e.g. Redis, used
// elsewhere in the example pack) would be the wrong shape here, see
// DESIGN.md.
package eventbus

import (
	"sync"
)

// Topic names used across Orca's components.
const (
	TopicTaskUpdated         = "task:updated"
	TopicInvocationStarted   = "invocation:started"
	TopicInvocationCompleted = "invocation:completed"
	TopicStatusUpdated       = "status:updated"
)

// Event is a single published message.
type Event struct {
	Topic   string
	Payload interface{}
}

// subscriberBuffer bounds how many undelivered events a slow subscriber can
// accumulate before further events for it are dropped.
const subscriberBuffer = 64

// Bus is a best-effort fan-out multiplexer: a full subscriber channel drops
// the event rather than blocking the publisher, so one slow SSE client can
// never stall the Scheduler's own event-driven wakeups.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe registers a new listener for topic and returns a channel of
// events plus an unsubscribe function. Callers must drain the channel or
// call unsubscribe when done to avoid leaking the registration.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		for i, c := range subs {
			if c == ch {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}

	return ch, unsubscribe
}

// Publish fans payload out to every current subscriber of topic. Delivery
// is best-effort: a subscriber whose buffer is full has the event dropped
// rather than blocking this call.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
			// slow subscriber; drop rather than block the publisher.
		}
	}
}

// Close shuts down every subscriber channel. Called once on Supervisor
// shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, topic)
	}
}
