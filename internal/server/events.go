package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/idoleat/Mikey/internal/metrics"
	"github.com/idoleat/Mikey/internal/stream"
)

const (
	// DefaultSubscriberBuffer is the number of events queued per websocket
	// subscriber before new events are dropped.
	DefaultSubscriberBuffer = 64

	eventWriteTimeout = 5 * time.Second
)

// EventHub fans period-elapsed notifications out to websocket subscribers.
// It implements stream.Sink and never blocks the tick: a subscriber that
// cannot keep up loses events.
type EventHub struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	buffer  int

	mu     sync.RWMutex
	subs   map[stream.Key]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	key stream.Key
	ch  chan stream.PeriodEvent
}

// NewEventHub creates an empty hub. buffer <= 0 selects DefaultSubscriberBuffer.
func NewEventHub(logger *slog.Logger, m *metrics.Metrics, buffer int) *EventHub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &EventHub{
		logger:  logger,
		metrics: m,
		buffer:  buffer,
		subs:    make(map[stream.Key]map[*subscriber]struct{}),
	}
}

// PeriodElapsed delivers ev to every subscriber of its substream.
func (h *EventHub) PeriodElapsed(_ *stream.Substream, ev stream.PeriodEvent) {
	key := stream.Key{StreamID: ev.StreamID, Direction: ev.Direction}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[key] {
		select {
		case sub.ch <- ev:
		default:
			h.metrics.RecordEventDropped()
		}
	}
}

// Subscribe registers a subscriber for key. The returned channel is closed by
// the cancel function or by Close.
func (h *EventHub) Subscribe(key stream.Key) (<-chan stream.PeriodEvent, func()) {
	sub := &subscriber{key: key, ch: make(chan stream.PeriodEvent, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[key] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	h.metrics.AddEventSubscribers(1)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { h.unsubscribe(sub) })
	}
}

func (h *EventHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[sub.key]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.key)
	}
	close(sub.ch)
	h.metrics.AddEventSubscribers(-1)
}

// Subscribers returns the number of subscribers for key.
func (h *EventHub) Subscribers(key stream.Key) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

// Close disconnects every subscriber. Later subscriptions are closed at once.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for key, set := range h.subs {
		for sub := range set {
			close(sub.ch)
			h.metrics.AddEventSubscribers(-1)
		}
		delete(h.subs, key)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveEvents upgrades the request and streams events for key as JSON text
// messages until the client goes away or the hub is closed.
func (h *EventHub) serveEvents(w http.ResponseWriter, r *http.Request, key stream.Key) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Warn("Websocket upgrade failed",
			slog.String("substream", key.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	events, cancel := h.Subscribe(key)
	defer cancel()

	h.logger.Info("Event subscriber connected",
		slog.String("substream", key.String()),
		slog.String("remote_addr", r.RemoteAddr),
	)

	// Reads only detect the peer closing the connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			h.logger.Info("Event subscriber disconnected", slog.String("substream", key.String()))
			return

		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Warn("Failed to write event",
					slog.String("substream", key.String()),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}
