package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

type sseMessage struct {
	event string
	data  []byte
}

// eventHub fans notification events out to open streams.
type eventHub struct {
	mu      sync.Mutex
	streams map[int64]map[chan sseMessage]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{streams: make(map[int64]map[chan sseMessage]struct{})}
}

func (h *eventHub) subscribe(companyID int64) chan sseMessage {
	ch := make(chan sseMessage, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[companyID] == nil {
		h.streams[companyID] = make(map[chan sseMessage]struct{})
	}
	h.streams[companyID][ch] = struct{}{}
	return ch
}

func (h *eventHub) unsubscribe(companyID int64, ch chan sseMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams[companyID], ch)
}

func (h *eventHub) emit(companyID int64, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.streams[companyID] {
		select {
		case ch <- sseMessage{event: event, data: data}:
		default:
		}
	}
}

func (h *eventHub) count(companyID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams[companyID])
}

// closeAll ends every stream; the handlers return once their channel closes.
func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, chans := range h.streams {
		for ch := range chans {
			close(ch)
		}
		delete(h.streams, id)
	}
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	me := caller(r)
	ch := s.events.subscribe(me)
	defer s.events.unsubscribe(me, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ":connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event:%s\ndata:%s\n\n", m.event, m.data)
			flusher.Flush()
		}
	}
}
