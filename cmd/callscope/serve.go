package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/callscope"
	"github.com/snarg/callscope/internal/analyze"
	"github.com/snarg/callscope/internal/api"
	"github.com/snarg/callscope/internal/database"
	"github.com/snarg/callscope/internal/ingest"
	"github.com/snarg/callscope/internal/metrics"
	"github.com/snarg/callscope/internal/mqttclient"
	"github.com/snarg/callscope/internal/storage"
	"github.com/snarg/callscope/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingest, analysis and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	startTime := time.Now()

	cfg, log, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}
	log.Info().Str("version", version).Msg("callscope starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := openDatabase(ctx, cfg.DatabaseURL, database.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Error().Err(err).Msg("database setup failed")
		return err
	}
	defer db.Close()

	// Transcript archive
	archive, services, err := storage.New(cfg.S3, cfg.ArchiveDir, log.With().Str("component", "storage").Logger())
	if err != nil {
		log.Error().Err(err).Msg("failed to set up transcript archive")
		return err
	}
	for _, svc := range services {
		svc.Start()
	}
	defer func() {
		for _, svc := range services {
			svc.Stop()
		}
	}()

	// Analysis
	summary := telemetry.SummaryOptions{LongInterruptionThreshold: cfg.LongInterruptionSeconds}
	bus := ingest.NewEventBus(4096)
	analyzer := analyze.NewWorkerPool(analyze.Options{
		Store:             db,
		Workers:           cfg.AnalyzeWorkers,
		QueueSize:         cfg.AnalyzeQueueSize,
		Summary:           summary,
		LatencyAlertP90Ms: cfg.LatencyAlertP90Ms,
		PublishEvent:      bus.Publisher(),
		Log:               log.With().Str("component", "analyze").Logger(),
	})
	analyzer.Start()

	// Ingest
	pipeline := ingest.NewPipeline(ingest.PipelineOptions{
		Store:        db,
		Archive:      archive,
		Analyzer:     analyzer,
		Events:       bus,
		DefaultOwner: cfg.DefaultOwner,
		Log:          log,
	})
	pipeline.Start()

	prometheus.MustRegister(metrics.NewCollector(db.Pool, pipeline))

	// MQTT
	var mqtt *mqttclient.Client
	if cfg.MQTTBrokerURL != "" {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topics:    cfg.MQTTTopics,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			QoS:       cfg.MQTTQoS,
			Handler:   pipeline.HandleMessage,
			Log:       log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to connect to mqtt broker")
			return err
		}
	} else {
		log.Info().Msg("MQTT_BROKER_URL not set, mqtt ingest disabled")
	}

	// Watch directory
	if cfg.WatchDir != "" {
		if err := pipeline.StartWatcher(cfg.WatchDir, cfg.WatchBackfill); err != nil {
			log.Error().Err(err).Str("dir", cfg.WatchDir).Msg("failed to start file watcher")
			return err
		}
	}

	// HTTP Server
	opts := api.ServerOptions{
		Config:    cfg,
		DB:        db,
		Live:      pipeline,
		Ingester:  pipeline,
		Archive:   archive,
		Summary:   summary,
		Version:   version,
		StartTime: startTime,
		Log:       log.With().Str("component", "http").Logger(),
	}
	if mqtt != nil {
		opts.MQTT = mqtt
	}
	srv := api.NewServer(opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		// Ingest stops first so queued calls are flushed to the database.
		if mqtt != nil {
			mqtt.Close()
		}
		pipeline.Stop()
		analyzer.Stop()

		// Graceful shutdown with 10s timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("http server error")
		return err
	}
	log.Info().Msg("callscope stopped")
	return nil
}

// openDatabase connects and brings the schema up to date.
func openDatabase(ctx context.Context, url string, pool database.PoolOptions, log zerolog.Logger) (*database.DB, error) {
	db, err := database.Connect(ctx, url, pool, log)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := db.InitSchema(ctx, callscope.SchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}
