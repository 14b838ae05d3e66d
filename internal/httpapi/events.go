package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is one sync lifecycle notification pushed to websocket subscribers.
type Event struct {
	Type      string    `json:"type"`
	MappingID string    `json:"mappingId,omitempty"`
	Time      time.Time `json:"time"`
}

// eventHub fans events out to connected websocket clients. Slow clients are
// dropped rather than allowed to stall the publisher.
type eventHub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	logger zerolog.Logger
}

func newEventHub(logger zerolog.Logger) *eventHub {
	return &eventHub{
		subs:   map[int]chan Event{},
		logger: logger.With().Str("component", "events").Logger(),
	}
}

func (h *eventHub) publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.logger.Warn().Int("subscriber", id).Msg("dropping slow event subscriber")
			close(ch)
			delete(h.subs, id)
		}
	}
}

func (h *eventHub) subscribe() (int, chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, 16)
	h.subs[id] = ch
	return id, ch
}

func (h *eventHub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	id, ch := s.events.subscribe()
	defer s.events.unsubscribe(id)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
