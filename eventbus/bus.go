// Package eventbus is a small publish/subscribe bus with two dispatch modes:
// Trigger fans out synchronously on the caller's goroutine, TriggerAsync
// queues the fan-out for a single dispatcher goroutine so handlers never run
// inside the code that raised the event.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/NeboLoop/chatsession-go-sdk/logging"
)

// Handler receives the event name and its payload.
type Handler func(event string, data any)

type subscription struct {
	id      uint64
	handler Handler
}

type pending struct {
	event string
	data  any
}

// Bus is safe for concurrent use.
type Bus struct {
	logger logging.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
	all    []subscription

	queueMu   sync.Mutex
	queue     []pending
	wake      chan struct{}
	done      chan struct{}
	drain     chan struct{}
	stopped   chan struct{}
	once      sync.Once
	drainOnce sync.Once
}

// New creates a bus and starts its async dispatcher.
func New(logger logging.Logger) *Bus {
	b := &Bus{
		logger:  logging.OrDefault(logger),
		subs:    make(map[string][]subscription),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		drain:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Subscribe registers h for event. The returned func removes it; calling it
// more than once is harmless.
func (b *Bus) Subscribe(event string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[event] = remove(b.subs[event], id)
		if len(b.subs[event]) == 0 {
			delete(b.subs, event)
		}
	}
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

// UnsubscribeAll drops every subscription.
func (b *Bus) UnsubscribeAll() {
	b.mu.Lock()
	b.subs = make(map[string][]subscription)
	b.all = nil
	b.mu.Unlock()
}

// Trigger delivers data to the event's subscribers, then to the wildcard
// subscribers, before returning. A panicking handler is logged and does not
// stop the others.
func (b *Bus) Trigger(event string, data any) {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[event])+len(b.all))
	targets = append(targets, b.subs[event]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, s := range targets {
		b.call(s.handler, event, data)
	}
}

// TriggerAsync queues the event for the dispatcher goroutine. Events are
// delivered in the order they were queued.
func (b *Bus) TriggerAsync(event string, data any) {
	select {
	case <-b.done:
		return
	case <-b.drain:
		return
	default:
	}

	b.queueMu.Lock()
	b.queue = append(b.queue, pending{event: event, data: data})
	b.queueMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close stops the dispatcher. Queued events that have not been delivered yet
// are dropped.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}

// CloseWhenIdle stops the dispatcher once every event already queued has
// been delivered. Later TriggerAsync calls are ignored.
func (b *Bus) CloseWhenIdle() {
	b.drainOnce.Do(func() { close(b.drain) })
}

// Stopped is closed when the dispatcher goroutine has exited.
func (b *Bus) Stopped() <-chan struct{} {
	return b.stopped
}

func (b *Bus) dispatchLoop() {
	defer close(b.stopped)
	for {
		draining := false
		select {
		case <-b.done:
			return
		case <-b.wake:
		case <-b.drain:
			draining = true
		}

		for {
			b.queueMu.Lock()
			if len(b.queue) == 0 {
				b.queueMu.Unlock()
				break
			}
			next := b.queue[0]
			b.queue[0] = pending{}
			b.queue = b.queue[1:]
			b.queueMu.Unlock()

			select {
			case <-b.done:
				return
			default:
			}
			b.Trigger(next.event, next.data)
		}
		if draining {
			return
		}
	}
}

func (b *Bus) call(h Handler, event string, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", event, "panic", fmt.Sprint(r))
		}
	}()
	h(event, data)
}

func remove(list []subscription, id uint64) []subscription {
	for i, s := range list {
		if s.id == id {
			out := make([]subscription, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...)
		}
	}
	return list
}
