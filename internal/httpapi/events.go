package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowatch/flowatch/internal/core/eventbus"
)

// streamEvent is the wire shape of one event on the /v1/events stream.
type streamEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// eventHub fans bus events out to connected event-stream clients. The bus
// offers no unsubscribe, so the hub subscribes exactly once and manages
// per-connection channels itself.
type eventHub struct {
	mu      sync.Mutex
	clients map[chan streamEvent]bool
}

func newEventHub(bus *eventbus.EventBus) *eventHub {
	h := &eventHub{clients: map[chan streamEvent]bool{}}

	bus.SubscribeFlowAdvanced(func(p eventbus.FlowAdvancedPayload) {
		h.broadcast(eventbus.EventFlowAdvanced, p)
	})
	bus.SubscribeTaskReady(func(p eventbus.TaskReadyPayload) {
		h.broadcast(eventbus.EventTaskReady, p)
	})
	bus.SubscribeHistoryUpdated(func(p eventbus.HistoryUpdatedPayload) {
		h.broadcast(eventbus.EventHistoryUpdated, p)
	})
	bus.SubscribeActionScheduled(func(p eventbus.ActionScheduledPayload) {
		h.broadcast(eventbus.EventActionScheduled, p)
	})
	bus.SubscribeActionPerformed(func(p eventbus.ActionPerformedPayload) {
		h.broadcast(eventbus.EventActionPerformed, p)
	})
	bus.SubscribeNotificationPublished(func(p eventbus.NotificationPublishedPayload) {
		h.broadcast(eventbus.EventNotificationPublished, p)
	})
	bus.SubscribeSettingsReloaded(func(p eventbus.SettingsReloadedPayload) {
		h.broadcast(eventbus.EventSettingsReloaded, p)
	})

	return h
}

// broadcast delivers best-effort: a slow client loses events rather than
// stalling the bus dispatch goroutine.
func (h *eventHub) broadcast(event eventbus.Event, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- streamEvent{Type: string(event), Data: data}:
		default:
		}
	}
}

func (h *eventHub) register() chan streamEvent {
	ch := make(chan streamEvent, 64)
	h.mu.Lock()
	h.clients[ch] = true
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unregister(ch chan streamEvent) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// handleEvents streams bus events and shared-store changes to a websocket
// client until it disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("events upgrade failed")
		return
	}
	defer conn.Close()

	events := s.hub.register()
	defer s.hub.unregister(events)

	changes, cancel := s.svc.Changes("")
	defer cancel()

	// Reader exists only to observe the close handshake.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		var msg streamEvent
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			msg = ev
		case change, ok := <-changes:
			if !ok {
				return
			}
			msg = streamEvent{Type: "store.changed", Data: change}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
