package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscope/internal/analyze"
	"github.com/snarg/callscope/internal/metrics"
	"github.com/snarg/callscope/internal/storage"
)

var (
	// ErrInvalidTranscript wraps every payload or validation failure.
	ErrInvalidTranscript = errors.New("invalid transcript")
	// ErrDuplicateCall is returned when the owner already has a call with
	// the same customer call id.
	ErrDuplicateCall = errors.New("duplicate call")
	// ErrQueueFull is returned when the analysis queue cannot take the call.
	ErrQueueFull = errors.New("analysis queue full")
)

// CallStore is the subset of the database the pipeline needs.
type CallStore interface {
	CallExists(ctx context.Context, ownerID, customerCallID string) (bool, error)
}

// Analyzer accepts calls for asynchronous analysis.
type Analyzer interface {
	Enqueue(job analyze.Job) bool
	Stats() analyze.QueueStats
}

// Pipeline validates incoming transcripts from MQTT, HTTP and the watch
// directory, archives them and hands them to the analyzer.
type Pipeline struct {
	store        CallStore
	archive      storage.TranscriptStore
	analyzer     Analyzer
	defaultOwner string
	log          zerolog.Logger

	// Event bus for SSE subscribers
	eventBus *EventBus

	watcher *FileWatcher

	// Agent status cache: agent_id → agentStatusEntry
	agentStatus sync.Map

	ctx    context.Context
	cancel context.CancelFunc

	msgCount     atomic.Int64
	received     atomic.Int64
	rejected     atomic.Int64
	handlerCount sync.Map // handler name → *atomic.Int64
}

type PipelineOptions struct {
	Store        CallStore
	Archive      storage.TranscriptStore // optional
	Analyzer     Analyzer
	Events       *EventBus // optional, created when nil
	DefaultOwner string
	Log          zerolog.Logger
}

// IngestResult describes a transcript accepted for analysis.
type IngestResult struct {
	CustomerCallID string `json:"customer_call_id"`
	OwnerID        string `json:"owner_id"`
	AgentID        string `json:"agent_id,omitempty"`
	Messages       int    `json:"messages"`
	ArchiveKey     string `json:"archive_key,omitempty"`
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	bus := opts.Events
	if bus == nil {
		bus = NewEventBus(4096)
	}
	owner := opts.DefaultOwner
	if owner == "" {
		owner = "default"
	}
	return &Pipeline{
		store:        opts.Store,
		archive:      opts.Archive,
		analyzer:     opts.Analyzer,
		defaultOwner: owner,
		log:          opts.Log.With().Str("component", "ingest").Logger(),
		eventBus:     bus,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins periodic stats logging.
func (p *Pipeline) Start() {
	go p.statsLoop()
	p.log.Info().Msg("ingest pipeline started")
}

// Stop stops the watcher, if any, and cancels the context.
func (p *Pipeline) Stop() {
	p.log.Info().
		Int64("total_messages", p.msgCount.Load()).
		Int64("received", p.received.Load()).
		Int64("rejected", p.rejected.Load()).
		Msg("ingest pipeline stopping")
	if p.watcher != nil {
		p.watcher.Stop()
	}
	p.cancel()
}

// StartWatcher ingests transcript files dropped into dir. With backfill set,
// files already present are ingested first.
func (p *Pipeline) StartWatcher(dir string, backfill bool) error {
	fw := newFileWatcher(p, dir, backfill)
	if err := fw.Start(); err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}
	p.watcher = fw
	return nil
}

// statsLoop logs message counts every 60 seconds.
func (p *Pipeline) statsLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	var lastTotal int64
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			total := p.msgCount.Load()
			delta := total - lastTotal
			lastTotal = total

			evt := p.log.Info().
				Int64("total", total).
				Int64("last_60s", delta).
				Int64("received", p.received.Load()).
				Int64("rejected", p.rejected.Load())
			if p.analyzer != nil {
				evt = evt.Int("queue_pending", p.analyzer.Stats().Pending)
			}

			// Collect per-handler counts
			p.handlerCount.Range(func(key, value any) bool {
				evt = evt.Int64(key.(string), value.(*atomic.Int64).Load())
				return true
			})

			evt.Msg("stats")
		}
	}
}

// HandleMessage is the entry point called by the MQTT client for each message.
func (p *Pipeline) HandleMessage(topic string, payload []byte) {
	p.msgCount.Add(1)

	route := ParseTopic(topic)
	if route == nil {
		p.log.Warn().Str("topic", topic).Msg("unknown topic, skipping")
		return
	}
	p.dispatch(route, topic, payload)
}

func (p *Pipeline) incHandler(name string) {
	v, _ := p.handlerCount.LoadOrStore(name, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
	metrics.MQTTHandlerMessagesTotal.WithLabelValues(name).Inc()
}

func (p *Pipeline) dispatch(route *Route, topic string, payload []byte) {
	p.incHandler(route.Handler)
	var err error

	switch route.Handler {
	case "transcript":
		err = p.handleTranscript(route, payload)
	case "status":
		err = p.handleStatus(route, payload)
	default:
		p.log.Warn().Str("handler", route.Handler).Msg("no handler for route")
		return
	}

	if err != nil {
		evt := p.log.Error()
		if errors.Is(err, ErrDuplicateCall) {
			evt = p.log.Debug()
		}
		evt.Err(err).
			Str("handler", route.Handler).
			Str("topic", topic).
			Msg("handler error")
	}
}

func (p *Pipeline) handleTranscript(route *Route, payload []byte) error {
	env, err := ParseTranscript(payload)
	if err != nil {
		p.reject("invalid")
		return err
	}
	if env.Call.AgentID == "" {
		env.Call.AgentID = route.AgentID
	}
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	_, err = p.ProcessTranscript(ctx, "mqtt", env)
	return err
}

func (p *Pipeline) handleStatus(route *Route, payload []byte) error {
	var msg StatusMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	agent := msg.AgentID
	if agent == "" {
		agent = route.AgentID
	}
	if agent == "" || msg.Status == "" {
		return fmt.Errorf("status message missing agent_id or status")
	}

	ts := time.Now()
	if msg.Timestamp > 0 {
		ts = time.Unix(msg.Timestamp, 0)
	}
	p.UpdateAgentStatus(agent, msg.Status, ts)
	p.log.Debug().
		Str("agent_id", agent).
		Str("status", msg.Status).
		Msg("agent status recorded")
	return nil
}

// IngestJSON parses and processes a transcript from a raw payload.
func (p *Pipeline) IngestJSON(ctx context.Context, source string, payload []byte) (*IngestResult, error) {
	env, err := ParseTranscript(payload)
	if err != nil {
		p.reject("invalid")
		return nil, err
	}
	return p.ProcessTranscript(ctx, source, env)
}

// ProcessTranscript validates a transcript, rejects duplicates, archives the
// payload and queues the call for analysis.
func (p *Pipeline) ProcessTranscript(ctx context.Context, source string, env *TranscriptEnvelope) (*IngestResult, error) {
	if err := env.Validate(); err != nil {
		p.reject("invalid")
		return nil, err
	}

	call := env.toAnalyzedCall(source, p.defaultOwner)

	if p.store != nil {
		exists, err := p.store.CallExists(ctx, call.OwnerID, call.CustomerCallID)
		if err != nil {
			return nil, fmt.Errorf("check existing call: %w", err)
		}
		if exists {
			p.reject("duplicate")
			return nil, fmt.Errorf("%w: owner=%s customer_call_id=%s", ErrDuplicateCall, call.OwnerID, call.CustomerCallID)
		}
	}

	// Archive is best-effort; analysis proceeds without it.
	var archiveKey string
	if p.archive != nil {
		key := storage.Key(call.OwnerID, call.StartedAt, call.CustomerCallID)
		if data, err := json.Marshal(env); err != nil {
			p.log.Warn().Err(err).Str("customer_call_id", call.CustomerCallID).Msg("failed to encode transcript for archive")
		} else if err := p.archive.Save(ctx, key, data, "application/json"); err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("failed to archive transcript")
		} else {
			archiveKey = key
		}
	}
	call.ArchiveKey = archiveKey

	if p.analyzer == nil || !p.analyzer.Enqueue(analyze.Job{Call: call, Turns: env.Turns()}) {
		p.reject("queue_full")
		return nil, ErrQueueFull
	}

	p.received.Add(1)
	metrics.TranscriptsReceivedTotal.WithLabelValues(source).Inc()

	result := &IngestResult{
		CustomerCallID: call.CustomerCallID,
		OwnerID:        call.OwnerID,
		AgentID:        call.AgentID,
		Messages:       len(call.Messages),
		ArchiveKey:     archiveKey,
	}
	p.PublishEvent(EventData{
		Type:    "call_received",
		AgentID: call.AgentID,
		Payload: map[string]any{
			"customer_call_id": result.CustomerCallID,
			"owner_id":         result.OwnerID,
			"agent_id":         result.AgentID,
			"source":           source,
			"messages":         result.Messages,
		},
	})

	p.log.Debug().
		Str("source", source).
		Str("owner_id", call.OwnerID).
		Str("customer_call_id", call.CustomerCallID).
		Int("messages", len(call.Messages)).
		Msg("transcript accepted")
	return result, nil
}

func (p *Pipeline) reject(reason string) {
	p.rejected.Add(1)
	metrics.TranscriptsRejectedTotal.WithLabelValues(reason).Inc()
}

// Subscribe registers a new SSE subscriber with the given filter.
func (p *Pipeline) Subscribe(filter EventFilter) (<-chan SSEEvent, func()) {
	return p.eventBus.Subscribe(filter)
}

// ReplaySince returns buffered events since the given event ID.
func (p *Pipeline) ReplaySince(lastEventID string, filter EventFilter) []SSEEvent {
	return p.eventBus.ReplaySince(lastEventID, filter)
}

// PublishEvent is a convenience method to publish an event through the event bus.
func (p *Pipeline) PublishEvent(e EventData) {
	if p.eventBus != nil {
		p.eventBus.Publish(e)
	}
}

// SSESubscriberCount returns the number of connected SSE clients.
func (p *Pipeline) SSESubscriberCount() int {
	return p.eventBus.SubscriberCount()
}

// AnalyzerStats returns the analysis queue statistics.
func (p *Pipeline) AnalyzerStats() analyze.QueueStats {
	if p.analyzer == nil {
		return analyze.QueueStats{}
	}
	return p.analyzer.Stats()
}

// QueueDepth returns the number of calls waiting for analysis.
func (p *Pipeline) QueueDepth() int {
	return p.AnalyzerStats().Pending
}

// WatcherStatus returns the file watcher state, or nil when no watcher runs.
func (p *Pipeline) WatcherStatus() *WatcherStatus {
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Status()
}

// AgentStatus is the last heartbeat seen from a voice agent.
type AgentStatus struct {
	AgentID  string    `json:"agent_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

type agentStatusEntry struct {
	Status   string
	LastSeen time.Time
}

// UpdateAgentStatus caches the latest status for an agent and announces
// status changes.
func (p *Pipeline) UpdateAgentStatus(agentID, status string, t time.Time) {
	prev, loaded := p.agentStatus.Swap(agentID, agentStatusEntry{Status: status, LastSeen: t})
	if loaded && prev.(agentStatusEntry).Status == status {
		return
	}
	p.PublishEvent(EventData{
		Type:    "agent_status",
		SubType: status,
		AgentID: agentID,
		Payload: AgentStatus{AgentID: agentID, Status: status, LastSeen: t},
	})
}

// AgentStatuses returns the cached status of all known agents, sorted by id.
func (p *Pipeline) AgentStatuses() []AgentStatus {
	var result []AgentStatus
	p.agentStatus.Range(func(key, value any) bool {
		entry := value.(agentStatusEntry)
		result = append(result, AgentStatus{
			AgentID:  key.(string),
			Status:   entry.Status,
			LastSeen: entry.LastSeen,
		})
		return true
	})
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}
