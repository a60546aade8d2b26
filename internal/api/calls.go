package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/callscope/internal/database"
	"github.com/snarg/callscope/internal/ingest"
	"github.com/snarg/callscope/internal/storage"
)

// CallStore is the call persistence the handlers read and update.
type CallStore interface {
	ListCalls(ctx context.Context, filter database.CallFilter) ([]database.CallAPI, int, error)
	GetCall(ctx context.Context, id string) (*database.CallDetail, error)
	UpdateCall(ctx context.Context, id string, notes *string, isRead *bool) error
}

type CallsHandler struct {
	db       CallStore
	ingester TranscriptIngester
	archive  storage.TranscriptStore
}

// NewCallsHandler creates the calls handler. ingester and archive may be
// nil; their endpoints then answer 503.
func NewCallsHandler(db CallStore, ingester TranscriptIngester, archive storage.TranscriptStore) *CallsHandler {
	return &CallsHandler{db: db, ingester: ingester, archive: archive}
}

var callSortFields = map[string]string{
	"started_at":         "c.started_at",
	"created_at":         "c.created_at",
	"duration":           "c.duration",
	"latency_p50":        "c.latency_p50",
	"latency_p90":        "c.latency_p90",
	"latency_p95":        "c.latency_p95",
	"interruption_p90":   "c.interruption_p90",
	"num_interruptions":  "c.num_interruptions",
	"time_to_first_word": "c.time_to_first_word",
}

// callFilterFromRequest reads the filters shared by the list and stats
// endpoints.
func callFilterFromRequest(r *http.Request) (database.CallFilter, string) {
	var filter database.CallFilter
	if v, ok := QueryString(r, "owner_id"); ok {
		filter.OwnerID = v
	}
	filter.AgentIDs = QueryStringListAliased(r, "agent_id", "agents")
	if t, ok := QueryTime(r, "start_time"); ok {
		filter.StartTime = &t
	}
	if t, ok := QueryTime(r, "end_time"); ok {
		filter.EndTime = &t
	}
	filter.Metadata = QueryMetadata(r)
	return filter, ValidateTimeRange(filter.StartTime, filter.EndTime)
}

// ListCalls returns calls matching the query filters.
func (h *CallsHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter, msg := callFilterFromRequest(r)
	if msg != "" {
		WriteError(w, http.StatusBadRequest, msg)
		return
	}
	if v, ok := QueryBool(r, "is_read"); ok {
		filter.IsRead = &v
	}
	sort := ParseSort(r, "-started_at", callSortFields)
	filter.Limit = p.Limit
	filter.Offset = p.Offset
	filter.Sort = sort.SQLOrderBy(callSortFields) + " NULLS LAST"

	calls, total, err := h.db.ListCalls(r.Context(), filter)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list calls failed")
		WriteError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"calls":  calls,
		"total":  total,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

// callID reads and validates the {id} path parameter.
func callID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := PathString(r, "id")
	if err == nil {
		_, err = uuid.Parse(id)
	}
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid call ID")
		return "", false
	}
	return id, true
}

// GetCall returns a single call with its transcript and derived rows.
func (h *CallsHandler) GetCall(w http.ResponseWriter, r *http.Request) {
	id, ok := callID(w, r)
	if !ok {
		return
	}
	call, err := h.db.GetCall(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("call_id", id).Msg("get call failed")
		WriteError(w, http.StatusInternalServerError, "failed to get call")
		return
	}
	WriteJSON(w, http.StatusOK, call)
}

type updateCallRequest struct {
	Notes  *string `json:"notes"`
	IsRead *bool   `json:"is_read"`
}

// UpdateCall sets notes and/or the read flag.
func (h *CallsHandler) UpdateCall(w http.ResponseWriter, r *http.Request) {
	id, ok := callID(w, r)
	if !ok {
		return
	}
	var req updateCallRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Notes == nil && req.IsRead == nil {
		WriteError(w, http.StatusBadRequest, "nothing to update: set notes or is_read")
		return
	}

	err := h.db.UpdateCall(r.Context(), id, req.Notes, req.IsRead)
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("call_id", id).Msg("update call failed")
		WriteError(w, http.StatusInternalServerError, "failed to update call")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IngestCall accepts a transcript for asynchronous analysis.
func (h *CallsHandler) IngestCall(w http.ResponseWriter, r *http.Request) {
	if h.ingester == nil {
		WriteError(w, http.StatusServiceUnavailable, "ingest not available")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	result, err := h.ingester.IngestJSON(r.Context(), "http", body)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusAccepted, result)
	case errors.Is(err, ingest.ErrInvalidTranscript):
		WriteErrorDetail(w, http.StatusBadRequest, "invalid transcript", err.Error())
	case errors.Is(err, ingest.ErrDuplicateCall):
		WriteErrorDetail(w, http.StatusConflict, "duplicate call", err.Error())
	case errors.Is(err, ingest.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		WriteError(w, http.StatusServiceUnavailable, "analysis queue full, retry later")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("ingest failed")
		WriteError(w, http.StatusInternalServerError, "failed to ingest call")
	}
}

// GetCallTranscript streams the archived raw transcript of a call.
func (h *CallsHandler) GetCallTranscript(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		WriteError(w, http.StatusServiceUnavailable, "transcript archive not configured")
		return
	}
	id, ok := callID(w, r)
	if !ok {
		return
	}
	call, err := h.db.GetCall(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to get call")
		return
	}

	// Rows written before the key was stored fall back to re-deriving it.
	key := call.ArchiveKey
	if key == "" {
		key = storage.Key(call.OwnerID, call.StartedAt, call.CustomerCallID)
	}
	rc, err := h.archive.Open(r.Context(), key)
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Str("key", key).Msg("archived transcript not found")
		WriteError(w, http.StatusNotFound, "archived transcript not found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

// Routes registers call routes on the given router.
func (h *CallsHandler) Routes(r chi.Router) {
	r.Get("/calls", h.ListCalls)
	r.Post("/calls", h.IngestCall)
	r.Get("/calls/{id}", h.GetCall)
	r.Patch("/calls/{id}", h.UpdateCall)
	r.Get("/calls/{id}/transcript", h.GetCallTranscript)
}
