package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/callscope/internal/database"
	"github.com/snarg/callscope/internal/telemetry"
)

// StatsStore is the read side used for overview and rollup endpoints.
type StatsStore interface {
	GetStats(ctx context.Context, ownerID string) (*database.StatsResponse, error)
	ListCallSamples(ctx context.Context, filter database.CallFilter) ([]telemetry.CallSample, error)
}

type StatsHandler struct {
	db StatsStore
}

func NewStatsHandler(db StatsStore) *StatsHandler {
	return &StatsHandler{db: db}
}

const (
	defaultChartWindow = 7 * 24 * time.Hour
	minChartPeriod     = time.Minute
	maxChartBuckets    = 10000
	defaultLookback    = 24 * time.Hour
)

// now is replaced in tests.
var now = time.Now

// GetStats returns call counts and per-agent activity.
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	owner, _ := QueryString(r, "owner_id")
	stats, err := h.db.GetStats(r.Context(), owner)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("get stats failed")
		WriteError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// GetPercentiles returns latency and interruption percentiles bucketed by
// chart_period (seconds or a duration, default 1h). Without a start_time
// the last 7 days are charted.
func (h *StatsHandler) GetPercentiles(w http.ResponseWriter, r *http.Request) {
	filter, msg := callFilterFromRequest(r)
	if msg != "" {
		WriteError(w, http.StatusBadRequest, msg)
		return
	}
	period, ok, err := QueryDuration(r, "chart_period")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		period = telemetry.DefaultChartPeriod
	}
	if period < minChartPeriod {
		WriteError(w, http.StatusBadRequest, "chart_period must be at least 60 seconds")
		return
	}

	end := now()
	if filter.EndTime != nil {
		end = *filter.EndTime
	}
	if filter.StartTime == nil {
		start := end.Add(-defaultChartWindow)
		filter.StartTime = &start
	}
	if end.Sub(*filter.StartTime)/period > maxChartBuckets {
		WriteError(w, http.StatusBadRequest, "time range too large for chart_period")
		return
	}

	samples, err := h.db.ListCallSamples(r.Context(), filter)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list call samples failed")
		WriteError(w, http.StatusInternalServerError, "failed to compute percentiles")
		return
	}

	series := telemetry.BucketPercentiles(samples, period)
	WriteJSON(w, http.StatusOK, map[string]any{
		"chart_period":  int64(period / time.Second),
		"start_time":    filter.StartTime.UTC(),
		"end_time":      end.UTC(),
		"calls":         len(samples),
		"latency":       series.Latency,
		"interruptions": series.Interruptions,
	})
}

// GetLookback pools every latency block of calls started within the
// lookback window (default 24h). A POST body with messages adds that
// transcript's latency blocks to the pool, for comparing a call that has
// not been stored yet against recent traffic.
func (h *StatsHandler) GetLookback(w http.ResponseWriter, r *http.Request) {
	filter, msg := callFilterFromRequest(r)
	if msg != "" {
		WriteError(w, http.StatusBadRequest, msg)
		return
	}
	lookback, ok, err := QueryDuration(r, "lookback")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		lookback = defaultLookback
	}

	var extra []float64
	var current *telemetry.Percentiles
	if r.Method == http.MethodPost {
		var req analyzeRequest
		turns, ok := decodeMessages(w, r, &req)
		if !ok {
			return
		}
		extra = telemetry.LatencyDurations(telemetry.ComputeLatencyBlocks(telemetry.FilterSpeech(turns)))
		p := telemetry.CalculatePercentiles(extra)
		current = &p
	}

	start := now().Add(-lookback)
	filter.StartTime = &start
	filter.EndTime = nil

	samples, err := h.db.ListCallSamples(r.Context(), filter)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list call samples failed")
		WriteError(w, http.StatusInternalServerError, "failed to compute lookback percentiles")
		return
	}

	resp := map[string]any{
		"lookback_seconds": int64(lookback / time.Second),
		"calls":            len(samples),
		"latency":          telemetry.PoolPercentiles(samples, extra),
	}
	if current != nil {
		resp["current"] = current
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Routes registers stats routes on the given router.
func (h *StatsHandler) Routes(r chi.Router) {
	r.Get("/stats", h.GetStats)
	r.Get("/stats/percentiles", h.GetPercentiles)
	r.Get("/stats/lookback", h.GetLookback)
	r.Post("/stats/lookback", h.GetLookback)
}
