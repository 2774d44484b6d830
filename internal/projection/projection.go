// Package projection is the thin HTTP/SSE presentation surface that fans
// out CfdsChanged notifications to subscribers; explicitly outside core
// scope, but the collaborator the Process Manager notifies on every
// committed event. Grounded on pkg/server/ledger_handlers.go's plain
// net/http handler shape (the teacher uses no router library, so neither
// do we).
package projection

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/certen/cfd-daemon/internal/cfd"
)

// Change is one CfdsChanged notification: the CFD id and its freshly
// folded state, ready to serialize for a subscriber.
type Change struct {
	CfdID cfd.OrderID `json:"cfdId"`
	State *cfd.State  `json:"state"`
}

// Hub fans out Change notifications to any number of HTTP/SSE subscribers.
// It implements process.Notifier.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan Change]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Change]struct{})}
}

// NotifyEvent satisfies process.Notifier: it discards the raw event and
// fans out the freshly folded state, which is all a presentation layer
// should ever see.
func (h *Hub) NotifyEvent(id cfd.OrderID, _ cfd.Event, state *cfd.State) {
	h.broadcast(Change{CfdID: id, State: state})
}

func (h *Hub) broadcast(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- c:
		default:
			// Slow subscriber; drop rather than block the single-writer
			// Process Manager on a presentation-layer client.
		}
	}
}

func (h *Hub) subscribe() chan Change {
	ch := make(chan Change, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Change) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
	close(ch)
}

// HandleStream serves GET /cfds/stream as an SSE feed of every CfdsChanged
// notification.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(c)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
