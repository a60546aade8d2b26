package api

import (
	"context"

	"github.com/snarg/callscope/internal/analyze"
	"github.com/snarg/callscope/internal/ingest"
)

// LiveDataSource provides real-time state from the ingest pipeline to the API layer.
type LiveDataSource interface {
	// Subscribe returns a channel that receives SSE events matching the filter,
	// and a cancel function to unsubscribe.
	Subscribe(filter ingest.EventFilter) (<-chan ingest.SSEEvent, func())

	// ReplaySince returns buffered events since the given event ID (for Last-Event-ID recovery).
	ReplaySince(lastEventID string, filter ingest.EventFilter) []ingest.SSEEvent

	// WatcherStatus returns the file watcher status, or nil if not active.
	WatcherStatus() *ingest.WatcherStatus

	// AgentStatuses returns the last heartbeat of every known agent.
	AgentStatuses() []ingest.AgentStatus

	AnalyzerStats() analyze.QueueStats
}

// TranscriptIngester accepts transcripts submitted over HTTP.
type TranscriptIngester interface {
	IngestJSON(ctx context.Context, source string, payload []byte) (*ingest.IngestResult, error)
}
