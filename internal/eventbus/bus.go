// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package eventbus

import (
	"sync"

	"github.com/google/uuid"

	"swarmcore/internal/clock"
	"swarmcore/internal/logging"
)

// Bus is a typed, in-process publish/subscribe hub. Emitting an event
// invokes every subscriber registered for that event's Kind; a failure (or
// panic) in one subscriber never affects delivery to its siblings.
// Delivery is synchronous with respect to emission order within a single
// subscription's own work queue, but never blocks the emitter for
// arbitrary time: each subscription runs its handler on its own buffered
// worker goroutine, mirroring the corpus's memory event bus
// (per-subscription channel + goroutine, opaque cancel handle).
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[Kind]map[string]*subscription
	clock         clock.Clock
	logger        logging.Logger
}

type subscription struct {
	id      string
	kind    Kind
	handler Handler
	events  chan Event
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Cancel() {
	s.once.Do(func() { close(s.done) })
}

// New creates an empty event bus.
func New(clk clock.Clock, logger logging.Logger) *Bus {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logging.Noop{}
	}
	return &Bus{
		subscriptions: make(map[Kind]map[string]*subscription),
		clock:         clk,
		logger:        logger,
	}
}

// Subscribe registers handler for every event of the given kind, returning
// an opaque handle that stops delivery when Cancel is called.
func (b *Bus) Subscribe(kind Kind, handler Handler) Subscription {
	sub := &subscription{
		id:      uuid.New().String(),
		kind:    kind,
		handler: handler,
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subscriptions[kind] == nil {
		b.subscriptions[kind] = make(map[string]*subscription)
	}
	b.subscriptions[kind][sub.id] = sub
	b.mu.Unlock()

	go b.runSubscriber(sub)

	return &subscriptionHandle{bus: b, kind: kind, id: sub.id, sub: sub}
}

type subscriptionHandle struct {
	bus  *Bus
	kind Kind
	id   string
	sub  *subscription
}

func (h *subscriptionHandle) Cancel() {
	h.bus.mu.Lock()
	if subs := h.bus.subscriptions[h.kind]; subs != nil {
		delete(subs, h.id)
	}
	h.bus.mu.Unlock()
	h.sub.Cancel()
}

func (b *Bus) runSubscriber(sub *subscription) {
	for {
		select {
		case ev := <-sub.events:
			b.invoke(sub, ev)
		case <-sub.done:
			return
		}
	}
}

func (b *Bus) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus subscriber panicked",
				"kind", string(sub.kind), "subscription_id", sub.id, "panic", r)
		}
	}()
	sub.handler(ev)
}

// Emit delivers ev to every subscriber registered for ev.Kind. Emission
// order is preserved per-emitter (each subscriber's channel is FIFO), but
// no ordering is guaranteed across distinct emitting goroutines or across
// distinct subscribers. If ev.Timestamp is zero it is set from the bus's
// clock.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now()
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscriptions[ev.Kind]))
	for _, sub := range b.subscriptions[ev.Kind] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.events <- ev:
		case <-sub.done:
		default:
			// Subscriber's queue is saturated; drop rather than block the
			// emitter, and let the subscriber know it's falling behind.
			b.logger.Warn("eventbus subscriber queue full, dropping event",
				"kind", string(ev.Kind), "subscription_id", sub.id)
		}
	}
}

// SubscriberCount reports how many subscriptions are registered for kind,
// used by tests and diagnostics.
func (b *Bus) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions[kind])
}
