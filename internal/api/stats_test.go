package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/snarg/callscope/internal/database"
	"github.com/snarg/callscope/internal/telemetry"
)

func fixNow(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func sampleAt(ts time.Time, latency ...float64) telemetry.CallSample {
	return telemetry.CallSample{StartedAt: &ts, LatencyDurations: latency}
}

func TestGetStats(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.stats = &database.StatsResponse{TotalCalls: 12, Unread: 3}

	rec := ts.do("GET", "/api/v1/stats?owner_id=acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got database.StatsResponse
	decodeBody(t, rec, &got)
	if got.TotalCalls != 12 || got.Unread != 3 {
		t.Errorf("stats = %+v", got)
	}

	ts.store.err = errBoom
	if rec := ts.do("GET", "/api/v1/stats", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status with store error = %d, want 500", rec.Code)
	}
}

func TestGetPercentiles(t *testing.T) {
	end := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	fixNow(t, end)

	ts := newTestServer(t, nil)
	ts.store.samples = []telemetry.CallSample{
		sampleAt(end.Add(-90*time.Minute), 0.4, 0.6),
		sampleAt(end.Add(-80*time.Minute), 1.0),
		sampleAt(end.Add(-10*time.Minute), 2.0),
	}

	rec := ts.do("GET", "/api/v1/stats/percentiles?chart_period=1h&agent_id=a1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var body struct {
		ChartPeriod int64                   `json:"chart_period"`
		StartTime   time.Time               `json:"start_time"`
		Calls       int                     `json:"calls"`
		Latency     []telemetry.SeriesPoint `json:"latency"`
	}
	decodeBody(t, rec, &body)

	if body.ChartPeriod != 3600 {
		t.Errorf("chart_period = %d, want 3600", body.ChartPeriod)
	}
	if !body.StartTime.Equal(end.Add(-7 * 24 * time.Hour)) {
		t.Errorf("start_time = %v, want 7 days before now", body.StartTime)
	}
	if body.Calls != 3 {
		t.Errorf("calls = %d", body.Calls)
	}
	if len(body.Latency) != 2 {
		t.Fatalf("latency points = %d, want 2", len(body.Latency))
	}
	first := body.Latency[0]
	if first.Timestamp != end.Add(-2*time.Hour).UnixMilli() {
		t.Errorf("first bucket = %d", first.Timestamp)
	}
	// Pooled [0.4 0.6 1.0]: p50 index 1, p90 and p95 index 2.
	if first.Percentiles != (telemetry.Percentiles{P50: 600, P90: 1000, P95: 1000}) {
		t.Errorf("first bucket percentiles = %+v", first.Percentiles)
	}

	f := ts.store.filter()
	if len(f.AgentIDs) != 1 || f.AgentIDs[0] != "a1" {
		t.Errorf("AgentIDs = %v", f.AgentIDs)
	}
}

func TestGetPercentilesBadRequests(t *testing.T) {
	fixNow(t, time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	ts := newTestServer(t, nil)
	tests := []struct {
		name  string
		query string
	}{
		{"period_too_small", "chart_period=30"},
		{"period_garbage", "chart_period=hourly"},
		{"too_many_buckets", "chart_period=60&start_time=2000-01-01T00:00:00Z"},
		{"reversed_range", "start_time=2026-03-15T00:00:00Z&end_time=2026-03-14T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do("GET", "/api/v1/stats/percentiles?"+tt.query, ""); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestGetLookback(t *testing.T) {
	at := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	fixNow(t, at)

	ts := newTestServer(t, nil)
	ts.store.samples = []telemetry.CallSample{
		sampleAt(at.Add(-time.Hour), 0.2, 0.4),
		sampleAt(at.Add(-2*time.Hour), 0.8),
	}

	rec := ts.do("GET", "/api/v1/stats/lookback?lookback=6h", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		LookbackSeconds int64                  `json:"lookback_seconds"`
		Calls           int                    `json:"calls"`
		Latency         telemetry.Percentiles  `json:"latency"`
		Current         *telemetry.Percentiles `json:"current"`
	}
	decodeBody(t, rec, &body)
	if body.LookbackSeconds != 6*3600 {
		t.Errorf("lookback_seconds = %d", body.LookbackSeconds)
	}
	if body.Latency != (telemetry.Percentiles{P50: 400, P90: 800, P95: 800}) {
		t.Errorf("latency = %+v", body.Latency)
	}
	if body.Current != nil {
		t.Errorf("current = %+v, want absent for GET", body.Current)
	}

	f := ts.store.filter()
	if f.StartTime == nil || !f.StartTime.Equal(at.Add(-6*time.Hour)) {
		t.Errorf("StartTime = %v", f.StartTime)
	}
	if f.EndTime != nil {
		t.Errorf("EndTime = %v, want nil", f.EndTime)
	}
}

func TestPostLookbackIncludesCurrentCall(t *testing.T) {
	at := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	fixNow(t, at)

	ts := newTestServer(t, nil)
	ts.store.samples = []telemetry.CallSample{sampleAt(at.Add(-time.Hour), 0.2)}

	rec := ts.do("POST", "/api/v1/stats/lookback", analyzeBody+`}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Latency telemetry.Percentiles  `json:"latency"`
		Current *telemetry.Percentiles `json:"current"`
	}
	decodeBody(t, rec, &body)
	if body.Current == nil || body.Current.P50 != 500 {
		t.Fatalf("current = %+v, want p50 500", body.Current)
	}
	// Pooled [0.2 0.5]: p50 index 1.
	if body.Latency.P50 != 500 {
		t.Errorf("pooled p50 = %d, want 500", body.Latency.P50)
	}

	if f := ts.store.filter(); f.StartTime == nil || !f.StartTime.Equal(at.Add(-24*time.Hour)) {
		t.Errorf("default lookback StartTime = %v", f.StartTime)
	}
}

func TestPostLookbackInvalidTranscript(t *testing.T) {
	ts := newTestServer(t, nil)
	if rec := ts.do("POST", "/api/v1/stats/lookback", `{"messages":[]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
