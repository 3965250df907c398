package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/RichardoC/ollamachat/internal/session"
	"go.uber.org/zap"
)

const (
	subscriberBuffer  = 256
	keepAliveInterval = 15 * time.Second
)

// Hub fans view events out to every connected Server-Sent Events client.
// A client that falls behind is disconnected rather than stalling the
// session manager or silently missing fragments; on reconnect it calls
// PUT /api/view to get the partial text back.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan session.ViewEvent]struct{}
	logger      *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[chan session.ViewEvent]struct{}),
		logger:      logger,
	}
}

func (h *Hub) Publish(ev session.ViewEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("Disconnecting slow client",
				zap.String("kind", string(ev.Kind)),
				zap.String("conversation_id", ev.ConversationID))
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

func (h *Hub) subscribe() chan session.ViewEvent {
	ch := make(chan session.ViewEvent, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan session.ViewEvent) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
}

// ServeHTTP streams view events until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to encode view event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
