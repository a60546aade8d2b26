package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/callscope/internal/analyze"
	"github.com/snarg/callscope/internal/ingest"
)

type HealthResponse struct {
	Status        string                `json:"status"`
	Version       string                `json:"version"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Checks        map[string]string     `json:"checks"`
	Analyzer      *analyze.QueueStats   `json:"analyzer,omitempty"`
	Watcher       *ingest.WatcherStatus `json:"watcher,omitempty"`
	Agents        []ingest.AgentStatus  `json:"agents,omitempty"`
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionStatus reports a long-lived connection's state.
type ConnectionStatus interface {
	IsConnected() bool
}

type HealthHandler struct {
	db        HealthChecker
	mqtt      ConnectionStatus // nil when MQTT ingest is not configured
	live      LiveDataSource
	version   string
	startTime time.Time
}

func NewHealthHandler(db HealthChecker, mqtt ConnectionStatus, live LiveDataSource, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mqtt:      mqtt,
		live:      live,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK
	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Database check
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.db.HealthCheck(ctx); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			degrade()
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}

	if h.live != nil {
		if ws := h.live.WatcherStatus(); ws != nil {
			checks["file_watcher"] = ws.Status
			if ws.Status == "stopped" {
				degrade()
			}
			resp.Watcher = ws
		} else {
			checks["file_watcher"] = "not_configured"
		}

		stats := h.live.AnalyzerStats()
		resp.Analyzer = &stats
		checks["analyzer"] = "ok"
		if stats.Failed > 0 && stats.Completed == 0 {
			checks["analyzer"] = "failing"
			degrade()
		}
		resp.Agents = h.live.AgentStatuses()
	}

	resp.Status = status
	WriteJSON(w, httpStatus, resp)
}
