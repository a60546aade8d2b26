package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscope/internal/config"
)

// TranscriptStore abstracts raw transcript archive backends.
type TranscriptStore interface {
	// Save stores a payload. key format: {owner}/{YYYY-MM-DD}/{call_id}.json
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for a stored payload.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if a payload exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// Key builds the archive key for a call. A nil start time files the call
// under the day it was received.
func Key(ownerID string, startedAt *time.Time, customerCallID string) string {
	day := time.Now().UTC()
	if startedAt != nil {
		day = startedAt.UTC()
	}
	return safeSegment(ownerID) + "/" + day.Format("2006-01-02") + "/" + safeSegment(customerCallID) + ".json"
}

// safeSegment keeps caller-supplied ids from escaping their directory.
func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		return "_"
	}
	return s
}

// New creates a TranscriptStore based on config. Returns the store and
// optional background services that the caller must Start/Stop.
// Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, archiveDir string, log zerolog.Logger) (TranscriptStore, []BackgroundService, error) {
	if !cfg.Enabled() {
		return NewLocalStore(archiveDir), nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return s3store, nil, nil
	}

	// Tiered mode: local primary, S3 mirror written in the background
	uploader := NewAsyncUploader(s3store, 256, 2, log)
	tiered := NewTieredStore(s3store, NewLocalStore(archiveDir), uploader, log)
	return tiered, []BackgroundService{uploader}, nil
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}
