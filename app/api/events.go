package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lysyi3m/tumblhook/app/database"
)

const (
	subscriberBuffer = 32
	writeTimeout     = 10 * time.Second
)

// EventHub fans activity entries out to websocket subscribers. Slow
// subscribers miss entries instead of blocking the engine.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[chan activityView]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subscribers: make(map[chan activityView]struct{})}
}

func (h *EventHub) Publish(entry database.ActivityEntry) {
	view := newActivityView(entry)

	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers {
		select {
		case ch <- view:
		default:
			slog.Debug("Dropping activity event for slow subscriber")
		}
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *EventHub) subscribe() (<-chan activityView, func()) {
	ch := make(chan activityView, subscriberBuffer)

	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}
}

// Events streams activity entries as JSON over a websocket until the client
// goes away. Browsers may connect from the API's own host or from a host
// matching one of the allowed origin patterns.
func (h *Handler) Events(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	events, unsubscribe := h.events.subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(c.Request.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case view := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, view)
			cancel()
			if err != nil {
				slog.Debug("Websocket write failed", "error", err)
				return
			}
		}
	}
}
