// Package analyze runs transcript analysis off the ingest path: each job is
// summarized, batched, and written through a Store.
package analyze

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/callscope/internal/database"
	"github.com/snarg/callscope/internal/metrics"
	"github.com/snarg/callscope/internal/telemetry"
)

// Job is one call waiting for analysis.
type Job struct {
	Call       *database.AnalyzedCall
	Turns      []telemetry.Turn
	EnqueuedAt time.Time
}

// Store persists analyzed calls. It returns the ids that were actually
// inserted; calls already stored are skipped without error.
type Store interface {
	InsertAnalyzedCalls(ctx context.Context, calls []*database.AnalyzedCall) ([]string, error)
}

// QueueStats reports the current state of the analysis queue.
type QueueStats struct {
	Pending    int   `json:"pending"`
	Unflushed  int   `json:"unflushed"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Duplicates int64 `json:"duplicates"`
	Alerts     int64 `json:"alerts"`
}

// EventPublishFunc is a callback for publishing SSE events.
type EventPublishFunc func(eventType, agentID string, payload any)

// Options configures the worker pool.
type Options struct {
	Store         Store
	Workers       int
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Summary       telemetry.SummaryOptions

	// LatencyAlertP90Ms publishes a latency_alert event for calls whose p90
	// latency is above it. Zero disables alerts.
	LatencyAlertP90Ms int

	PublishEvent EventPublishFunc
	Log          zerolog.Logger
}

// WorkerPool manages analysis workers.
type WorkerPool struct {
	jobs    chan Job
	store   Store
	batcher *Batcher[*database.AnalyzedCall]
	opts    Options
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	completed  atomic.Int64
	failed     atomic.Int64
	duplicates atomic.Int64
	alerts     atomic.Int64
}

// NewWorkerPool creates a new analysis worker pool.
func NewWorkerPool(opts Options) *WorkerPool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 100
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	wp := &WorkerPool{
		jobs:   make(chan Job, opts.QueueSize),
		store:  opts.Store,
		opts:   opts,
		log:    opts.Log,
		ctx:    ctx,
		cancel: cancel,
	}
	wp.batcher = NewBatcher[*database.AnalyzedCall](opts.BatchSize, opts.FlushInterval, wp.flush)
	return wp
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Info().
		Int("workers", wp.opts.Workers).
		Int("queue_size", wp.opts.QueueSize).
		Int("batch_size", wp.opts.BatchSize).
		Msg("analysis worker pool started")
}

// Stop drains queued jobs, flushes pending writes and waits for completion.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.batcher.Stop()
	wp.cancel()
	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Int64("duplicates", wp.duplicates.Load()).
		Msg("analysis worker pool stopped")
}

// Enqueue adds a job to the queue. Returns false if the queue is full or
// the pool is stopped.
func (wp *WorkerPool) Enqueue(j Job) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	select {
	case wp.jobs <- j:
		return true
	default:
		return false
	}
}

// Stats returns current queue statistics.
func (wp *WorkerPool) Stats() QueueStats {
	return QueueStats{
		Pending:    len(wp.jobs),
		Unflushed:  wp.batcher.Pending(),
		Completed:  wp.completed.Load(),
		Failed:     wp.failed.Load(),
		Duplicates: wp.duplicates.Load(),
		Alerts:     wp.alerts.Load(),
	}
}

// QueueDepth returns the number of jobs not yet analyzed.
func (wp *WorkerPool) QueueDepth() int { return len(wp.jobs) }

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int { return wp.opts.Workers }

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for job := range wp.jobs {
		call := wp.analyze(job)
		log.Debug().
			Str("customer_call_id", call.CustomerCallID).
			Int("latency_blocks", len(call.Summary.LatencyBlocks)).
			Int("interruptions", len(call.Summary.Interruptions)).
			Dur("queued", time.Since(job.EnqueuedAt)).
			Msg("call analyzed")
		wp.batcher.Add(call)
	}
}

// analyze fills in the summary and id of the job's call.
func (wp *WorkerPool) analyze(job Job) *database.AnalyzedCall {
	call := job.Call
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	call.Summary = telemetry.Summarize(job.Turns, wp.opts.Summary)
	for _, b := range call.Summary.LatencyBlocks {
		metrics.LatencyBlockSeconds.Observe(b.Duration)
	}
	return call
}

func (wp *WorkerPool) flush(calls []*database.AnalyzedCall) {
	ctx, cancel := context.WithTimeout(wp.ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	inserted, err := wp.store.InsertAnalyzedCalls(ctx, calls)
	if err != nil {
		wp.failed.Add(int64(len(calls)))
		metrics.CallsFailedTotal.Add(float64(len(calls)))
		wp.log.Error().Err(err).Int("calls", len(calls)).Msg("failed to store analyzed calls")
		return
	}

	stored := make(map[string]bool, len(inserted))
	for _, id := range inserted {
		stored[id] = true
	}
	for _, c := range calls {
		if !stored[c.ID] {
			wp.duplicates.Add(1)
			continue
		}
		wp.completed.Add(1)
		metrics.CallsAnalyzedTotal.Inc()
		metrics.InterruptionsTotal.Add(float64(len(c.Summary.Interruptions)))
		wp.publish(c)
	}
	wp.log.Debug().
		Int("batch", len(calls)).
		Int("inserted", len(inserted)).
		Dur("took", time.Since(start)).
		Msg("analyzed calls stored")
}

func (wp *WorkerPool) publish(c *database.AnalyzedCall) {
	s := c.Summary
	threshold := wp.opts.LatencyAlertP90Ms
	alert := threshold > 0 && s.Latency.P90 > threshold
	if alert {
		wp.alerts.Add(1)
		metrics.LatencyAlertsTotal.Inc()
		wp.log.Warn().
			Str("call_id", c.ID).
			Str("agent_id", c.AgentID).
			Int("latency_p90", s.Latency.P90).
			Int("threshold", threshold).
			Msg("latency alert")
	}

	if wp.opts.PublishEvent == nil {
		return
	}
	wp.opts.PublishEvent("call_analyzed", c.AgentID, map[string]any{
		"id":                    c.ID,
		"customer_call_id":      c.CustomerCallID,
		"owner_id":              c.OwnerID,
		"agent_id":              c.AgentID,
		"latency":               s.Latency,
		"interruption":          s.Interruption,
		"num_interruptions":     s.NumInterruptions,
		"time_to_first_word_ms": s.TimeToFirstWordMs,
		"duration":              s.Duration,
	})
	if alert {
		wp.opts.PublishEvent("latency_alert", c.AgentID, map[string]any{
			"id":               c.ID,
			"customer_call_id": c.CustomerCallID,
			"agent_id":         c.AgentID,
			"latency_p90":      s.Latency.P90,
			"threshold_ms":     threshold,
		})
	}
}
