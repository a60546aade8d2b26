package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/callscope/internal/ingest"
	"github.com/snarg/callscope/internal/telemetry"
)

// AnalyzeHandler runs transcript analysis without persisting anything.
type AnalyzeHandler struct {
	opts telemetry.SummaryOptions
}

func NewAnalyzeHandler(opts telemetry.SummaryOptions) *AnalyzeHandler {
	return &AnalyzeHandler{opts: opts}
}

type analyzeRequest struct {
	Messages []ingest.MessageData `json:"messages"`

	// Overrides the configured long interruption threshold, in seconds.
	LongInterruptionSeconds *float64 `json:"long_interruption_seconds,omitempty"`
}

// decodeMessages reads a {messages:[...]} body and converts it to turns.
func decodeMessages(w http.ResponseWriter, r *http.Request, req *analyzeRequest) ([]telemetry.Turn, bool) {
	if err := DecodeJSON(r, req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return nil, false
	}
	if err := ingest.ValidateMessages(req.Messages); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid transcript", err.Error())
		return nil, false
	}
	return ingest.TurnsFromMessages(req.Messages), true
}

// Analyze returns interruptions, latency blocks and their percentiles for
// the posted transcript.
func (h *AnalyzeHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	turns, ok := decodeMessages(w, r, &req)
	if !ok {
		return
	}
	opts := h.opts
	if req.LongInterruptionSeconds != nil {
		if *req.LongInterruptionSeconds < 0 {
			WriteError(w, http.StatusBadRequest, "long_interruption_seconds must not be negative")
			return
		}
		opts.LongInterruptionThreshold = *req.LongInterruptionSeconds
	}
	WriteJSON(w, http.StatusOK, telemetry.Summarize(turns, opts))
}

func (h *AnalyzeHandler) Routes(r chi.Router) {
	r.Post("/analyze", h.Analyze)
}
