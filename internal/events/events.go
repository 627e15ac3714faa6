// Package events implements the typed publish/subscribe event stream of
// spec.md §9: "a typed publish/subscribe channel with a bounded buffer;
// subscribers that block past the buffer are dropped with a warning,
// never backpressure the producer." The teacher has no dedicated
// event-bus package; this is new machinery grounded in the shape of its
// event-like occurrences (internal/loop.IterationRecord, consumed by
// internal/reporter) but implemented with Go channels, the host-runtime
// primitive the spec names directly.
package events

import (
	"sync"
	"time"

	"github.com/dataparency-dev/taskloom/internal/obs"
)

// Kind identifies one of the four event types of spec.md §4.5/§9.
type Kind string

const (
	KindTaskTransition     Kind = "task:transition"
	KindAutomationProcessed Kind = "automation:processed"
	KindTimeout            Kind = "timeout"
	KindStagnation         Kind = "stagnation"
)

// Event is the envelope published on the bus; Payload's concrete type
// depends on Kind (TaskTransitionPayload, AutomationProcessedPayload,
// TimeoutPayload, StagnationPayload).
type Event struct {
	Kind    Kind
	Payload any
}

// TaskTransitionPayload is published for every lifecycle transition.
type TaskTransitionPayload struct {
	TaskID     string
	Transition any // *lifecycle.TransitionRecord; kept as any to avoid an import cycle
}

// AutomationProcessedPayload summarizes one processAutomatedTransitions pass.
type AutomationProcessedPayload struct {
	TasksProcessed      int
	TransitionsTriggered int
	ProcessingTime      time.Duration
}

// TimeoutPayload is published by the Adaptive Timeout Manager.
type TimeoutPayload struct {
	OperationID string
	Progress    any
}

// StagnationPayload is published when the timeout manager's stagnation
// monitor fires.
type StagnationPayload struct {
	OperationID string
	Stage       string
	SinceUpdate time.Duration
}

// defaultBufferSize is the bounded-buffer capacity per subscriber.
const defaultBufferSize = 64

type subscriber struct {
	ch chan Event
}

// Bus is an in-process, bounded, drop-on-full pub/sub channel. No
// ordering is guaranteed across unrelated task ids, per spec.md §6.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	bufferSize  int
}

// NewBus creates a Bus with the default per-subscriber buffer size.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]*subscriber), bufferSize: defaultBufferSize}
}

// Subscription is a handle returned by Subscribe; call Unsubscribe when
// the consumer is done.
type Subscription struct {
	bus *Bus
	id  int
	ch  chan Event
}

// Events returns the channel to range over.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe removes the subscriber and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subscribers, s.id)
	}
}

// Subscribe registers a new subscriber and returns its Subscription.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = &subscriber{ch: ch}
	return &Subscription{bus: b, id: id, ch: ch}
}

// Publish sends event to every current subscriber. A subscriber whose
// buffer is full is dropped with a warning (its channel is closed and it
// receives no further events) rather than blocking the publisher.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			obs.Component("events").Warnw("subscriber buffer full, dropping subscriber", "subscriberId", id, "kind", event.Kind)
			close(sub.ch)
			delete(b.subscribers, id)
		}
	}
}
