package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/callscope/internal/ingest"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsEvent is the websocket frame for one bus event.
type wsEvent struct {
	ID        string          `json:"event_id"`
	Type      string          `json:"event_type"`
	SubType   string          `json:"sub_type,omitempty"`
	Timestamp string          `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

func toWSEvent(e ingest.SSEEvent) wsEvent {
	return wsEvent{
		ID:        e.ID,
		Type:      e.Type,
		SubType:   e.SubType,
		Timestamp: e.Timestamp,
		AgentID:   e.AgentID,
		Data:      json.RawMessage(e.Data),
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		return origin == "" || allowed[strings.TrimSpace(origin)]
	}
}

// StreamEventsWS is the websocket twin of StreamEvents. Each event is sent
// as one JSON text message. Browsers cannot set Last-Event-ID on a
// websocket, so replay is requested with ?last_event_id=.
func (h *EventsHandler) StreamEventsWS(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}
	log := hlog.FromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	filter := eventFilterFromRequest(r)
	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	// The reader only handles control frames; it ends when the client goes away.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(e ingest.SSEEvent) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(toWSEvent(e))
	}

	replayedSeq := int64(-1)
	if lastEventID := r.URL.Query().Get("last_event_id"); lastEventID != "" {
		for _, e := range h.live.ReplaySince(lastEventID, filter) {
			if err := send(e); err != nil {
				return
			}
			replayedSeq = eventSeq(e.ID)
		}
	}

	log.Info().Strs("types", filter.Types).Strs("agents", filter.Agents).Msg("websocket client connected")

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Info().Msg("websocket client disconnected")
			return
		case <-r.Context().Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if replayedSeq >= 0 && eventSeq(event.ID) <= replayedSeq {
				continue
			}
			if err := send(event); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
