package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/callscope/internal/ingest"
)

const sseKeepalive = 15 * time.Second

type EventsHandler struct {
	live     LiveDataSource
	upgrader websocket.Upgrader
}

// NewEventsHandler serves the SSE and websocket event streams. Websocket
// upgrades are accepted from the given origins; none or "*" accepts any.
func NewEventsHandler(live LiveDataSource, origins []string) *EventsHandler {
	return &EventsHandler{
		live: live,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func writeSSE(w http.ResponseWriter, e ingest.SSEEvent) {
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data)
}

// StreamEvents opens an SSE connection and pushes filtered events.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}

	// ResponseController sees through the metrics and access-log writers.
	rc := http.NewResponseController(w)

	filter := eventFilterFromRequest(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}
	// The server write timeout would otherwise cut long-lived streams.
	rc.SetWriteDeadline(time.Time{})

	// Subscribe before replay so nothing published in between is lost.
	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	replayedSeq := int64(-1)
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		for _, e := range h.live.ReplaySince(lastEventID, filter) {
			writeSSE(w, e)
			replayedSeq = eventSeq(e.ID)
		}
	}
	rc.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	log.Info().Strs("types", filter.Types).Strs("agents", filter.Agents).Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			// Already sent as part of the replay.
			if replayedSeq >= 0 && eventSeq(event.ID) <= replayedSeq {
				continue
			}
			writeSSE(w, event)
			rc.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			rc.Flush()
		}
	}
}

func eventFilterFromRequest(r *http.Request) ingest.EventFilter {
	return ingest.EventFilter{
		Types:  QueryStringList(r, "types"),
		Agents: QueryStringListAliased(r, "agents", "agent_id"),
	}
}

// eventSeq returns the sequence part of a bus event id ("{unix_ms}-{seq}"),
// or -1 if the id is malformed.
func eventSeq(id string) int64 {
	_, seq, ok := strings.Cut(id, "-")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// ListAgents returns the latest heartbeat from every agent.
func (h *EventsHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	var agents []ingest.AgentStatus
	if h.live != nil {
		agents = h.live.AgentStatuses()
	}
	if agents == nil {
		agents = []ingest.AgentStatus{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"total":  len(agents),
	})
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events/stream", h.StreamEvents)
	r.Get("/events/ws", h.StreamEventsWS)
	r.Get("/agents", h.ListAgents)
}
