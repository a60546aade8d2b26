package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/callscope/internal/config"
	"github.com/snarg/callscope/internal/metrics"
	"github.com/snarg/callscope/internal/storage"
	"github.com/snarg/callscope/internal/telemetry"
)

// Store is everything the HTTP layer reads from the database.
type Store interface {
	CallStore
	StatsStore
	HealthChecker
}

type ServerOptions struct {
	Config   *config.Config
	DB       Store
	MQTT     ConnectionStatus // nil when MQTT ingest is not configured
	Live     LiveDataSource
	Ingester TranscriptIngester
	Archive  storage.TranscriptStore
	Summary  telemetry.SummaryOptions

	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      NewRouter(opts),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// NewRouter builds the full route tree.
func NewRouter(opts ServerOptions) http.Handler {
	cfg := opts.Config
	origins := splitOrigins(cfg.CORSOrigins)
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(CORSWithOrigins(origins))
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Health endpoint, no auth
		health := NewHealthHandler(opts.DB, opts.MQTT, opts.Live, opts.Version, opts.StartTime)
		r.Get("/health", health.ServeHTTP)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))
			if cfg.RateLimitRPS > 0 {
				r.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))
			}

			NewEventsHandler(opts.Live, origins).Routes(r)

			r.Group(func(r chi.Router) {
				r.Use(MaxBodySize(cfg.MaxBodyBytes))
				NewCallsHandler(opts.DB, opts.Ingester, opts.Archive).Routes(r)
				NewAnalyzeHandler(opts.Summary).Routes(r)
				NewStatsHandler(opts.DB).Routes(r)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
