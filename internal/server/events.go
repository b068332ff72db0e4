package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/ngome/internal/sandbox"
)

// Event is one engine lifecycle event pushed to WebSocket subscribers.
type Event struct {
	Type        string    `json:"type"` // "execution" or "call"
	ExecutionID string    `json:"execution_id"`
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	Path        string    `json:"path,omitempty"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

const subscriberBuffer = 64

// EventHub fans engine events out to connected WebSocket clients.
// Slow clients are disconnected rather than allowed to backpressure the
// engine: a full subscriber buffer drops the connection.
type EventHub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewEventHub creates an event hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &EventHub{
		logger: logger,
		subs:   make(map[chan Event]struct{}),
	}
}

// Publish delivers ev to all subscribers without blocking.
func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Buffer full: close the lagging subscriber.
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// OnExecution adapts the hub to a sandbox execution hook.
func (h *EventHub) OnExecution(ev sandbox.ExecutionEvent) {
	status := "error"
	switch {
	case ev.Result.Success:
		status = "success"
	case ev.Result.TimedOut:
		status = "timeout"
	}
	h.Publish(Event{
		Type:        "execution",
		ExecutionID: ev.ExecutionID,
		SessionID:   ev.SessionID,
		Status:      status,
		Output:      ev.Result.Output,
		Error:       ev.Result.Error,
		DurationMS:  ev.Result.Duration.Milliseconds(),
		Timestamp:   ev.When,
	})
}

// OnCall adapts the hub to a sandbox capability-call hook.
func (h *EventHub) OnCall(ev sandbox.CallEvent) {
	h.Publish(Event{
		Type:        "call",
		ExecutionID: ev.ExecutionID,
		SessionID:   ev.SessionID,
		Status:      ev.Status,
		Path:        ev.Path,
		DurationMS:  ev.Duration.Milliseconds(),
		Timestamp:   ev.When,
	})
}

func (h *EventHub) subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// SubscriberCount returns the number of connected subscribers.
func (h *EventHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a WebSocket and streams events until the
// client disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Auth happens before the upgrade.
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	h.logger.Debug("event subscriber connected", slog.String("remote", r.RemoteAddr))

	ctx := r.Context()
	// Reader goroutine: detect client disconnect (we never expect inbound data).
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-readDone:
			return
		case <-ctx.Done():
			return
		}
	}
}
