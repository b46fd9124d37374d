// Package eventbus provides a typed publish/subscribe event bus for
// cross-component communication within the flowatch daemon.
package eventbus

import (
	"context"
	"sync"
)

// Event identifies an event type on the bus.
type Event string

// All bus events. Keep list sorted A-Z.
const (
	EventActionPerformed       Event = "action.performed"
	EventActionScheduled       Event = "action.scheduled"
	EventActionSkipped         Event = "action.skipped"
	EventFlowAdvanced          Event = "flow.advanced"
	EventHistoryUpdated        Event = "history.updated"
	EventNotificationPublished Event = "notification.published"
	EventSettingsReloaded      Event = "settings.reloaded"
	EventTaskReady             Event = "task.ready"
)

// envelope pairs an event with its payload for the dispatch loop.
type envelope struct {
	event   Event
	payload any
}

// EventBus fans events out to registered subscribers from a single dispatch
// goroutine. Publishing never blocks: when the buffer is full the event is
// dropped and the OnDrop hooks fire.
type EventBus struct {
	ch    chan envelope
	mu    sync.RWMutex
	subs  map[Event][]func(any)
	hooks hooks

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates an EventBus with the given publish buffer size.
func New(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventBus{
		ch:   make(chan envelope, buffer),
		subs: map[Event][]func(any){},
		done: make(chan struct{}),
	}
}

// Start launches the dispatch loop. It returns immediately; the loop runs
// until the context is cancelled or Stop is called. Subsequent calls no-op.
func (bus *EventBus) Start(ctx context.Context) {
	bus.startOnce.Do(func() {
		go bus.loop(ctx)
	})
}

// Stop terminates the dispatch loop. Pending buffered events are dropped.
func (bus *EventBus) Stop() {
	bus.stopOnce.Do(func() { close(bus.done) })
}

func (bus *EventBus) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-bus.done:
			return
		case env := <-bus.ch:
			bus.dispatch(env)
		}
	}
}

// dispatch delivers one event to its subscribers, isolating panics so a
// misbehaving subscriber never kills the loop.
func (bus *EventBus) dispatch(env envelope) {
	bus.mu.RLock()
	handlers := make([]func(any), len(bus.subs[env.event]))
	copy(handlers, bus.subs[env.event])
	bus.mu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					bus.runOnPanic(env.event, env.payload, r)
				}
			}()
			fn(env.payload)
		}()
	}
}

// subscribe registers a raw handler. Used by the typed Subscribe* methods.
func (bus *EventBus) subscribe(event Event, fn func(any)) {
	bus.mu.Lock()
	bus.subs[event] = append(bus.subs[event], fn)
	bus.mu.Unlock()
	bus.runOnSubscribe(event)
}
