package analyze

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscope/internal/database"
	"github.com/snarg/callscope/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore records inserted calls and treats repeated customer ids as
// already stored.
type fakeStore struct {
	mu    sync.Mutex
	seen  map[string]bool
	calls []*database.AnalyzedCall
	err   error
}

func newFakeStore() *fakeStore { return &fakeStore{seen: map[string]bool{}} }

func (s *fakeStore) InsertAnalyzedCalls(_ context.Context, calls []*database.AnalyzedCall) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var ids []string
	for _, c := range calls {
		if s.seen[c.CustomerCallID] {
			continue
		}
		s.seen[c.CustomerCallID] = true
		s.calls = append(s.calls, c)
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *fakeStore) stored() []*database.AnalyzedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*database.AnalyzedCall(nil), s.calls...)
}

type event struct {
	typ     string
	agentID string
	payload map[string]any
}

type eventLog struct {
	mu     sync.Mutex
	events []event
}

func (l *eventLog) publish(typ, agentID string, payload any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, _ := payload.(map[string]any)
	l.events = append(l.events, event{typ: typ, agentID: agentID, payload: p})
}

func (l *eventLog) ofType(typ string) []event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event
	for _, e := range l.events {
		if e.typ == typ {
			out = append(out, e)
		}
	}
	return out
}

func newTestPool(store Store, queueSize int, events *eventLog) *WorkerPool {
	opts := Options{
		Store:         store,
		Workers:       2,
		QueueSize:     queueSize,
		BatchSize:     10,
		FlushInterval: 10 * time.Millisecond,
		Log:           zerolog.Nop(),
	}
	if events != nil {
		opts.PublishEvent = events.publish
	}
	return NewWorkerPool(opts)
}

// slowCall: user 0-2, bot 3-5 (1s gap), user 6-8, bot 10.5-12 (2.5s gap).
func slowCall(customerID string) Job {
	return Job{
		Call: &database.AnalyzedCall{
			CustomerCallID: customerID,
			OwnerID:        "acme",
			AgentID:        "agent-1",
		},
		Turns: []telemetry.Turn{
			{SecondsFromStart: 0, Duration: 2, Role: telemetry.RoleUser},
			{SecondsFromStart: 3, Duration: 2, Role: telemetry.RoleBot},
			{SecondsFromStart: 6, Duration: 2, Role: telemetry.RoleUser},
			{SecondsFromStart: 10.5, Duration: 1.5, Role: telemetry.RoleBot},
		},
	}
}

func TestNewWorkerPoolDefaults(t *testing.T) {
	wp := NewWorkerPool(Options{Store: newFakeStore(), Log: zerolog.Nop()})
	assert.Equal(t, 1, wp.Workers())
	assert.Equal(t, 100, cap(wp.jobs))
	assert.Equal(t, 50, wp.opts.BatchSize)
	assert.Equal(t, time.Second, wp.opts.FlushInterval)
}

func TestWorkerPool_EnqueueFull(t *testing.T) {
	wp := newTestPool(newFakeStore(), 2, nil) // not started, nobody draining

	assert.True(t, wp.Enqueue(slowCall("a")))
	assert.True(t, wp.Enqueue(slowCall("b")))
	assert.False(t, wp.Enqueue(slowCall("c")), "queue is full")
	assert.Equal(t, 2, wp.Stats().Pending)
	assert.Equal(t, 2, wp.QueueDepth())
}

func TestWorkerPool_EnqueueAfterStop(t *testing.T) {
	wp := newTestPool(newFakeStore(), 10, nil)
	wp.Start()
	wp.Stop()

	assert.False(t, wp.Enqueue(slowCall("a")))
	wp.Stop() // second Stop is a no-op
}

func TestWorkerPool_AnalyzesAndStores(t *testing.T) {
	store := newFakeStore()
	events := &eventLog{}
	wp := newTestPool(store, 10, events)
	wp.Start()

	require.True(t, wp.Enqueue(slowCall("call-1")))
	wp.Stop()

	calls := store.stored()
	require.Len(t, calls, 1)
	c := calls[0]
	assert.NotEmpty(t, c.ID, "id assigned")
	assert.Equal(t, []telemetry.LatencyBlock{
		{SecondsFromStart: 2, Duration: 1},
		{SecondsFromStart: 8, Duration: 2.5},
	}, c.Summary.LatencyBlocks)
	assert.Equal(t, telemetry.Percentiles{P50: 2500, P90: 2500, P95: 2500}, c.Summary.Latency)
	assert.Equal(t, 1000, c.Summary.TimeToFirstWordMs)
	assert.Empty(t, c.Summary.Interruptions)

	analyzed := events.ofType("call_analyzed")
	require.Len(t, analyzed, 1)
	assert.Equal(t, "agent-1", analyzed[0].agentID)
	assert.Equal(t, c.ID, analyzed[0].payload["id"])
	assert.Empty(t, events.ofType("latency_alert"), "alerts disabled")

	stats := wp.Stats()
	assert.EqualValues(t, 1, stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestWorkerPool_KeepsProvidedID(t *testing.T) {
	store := newFakeStore()
	wp := newTestPool(store, 10, nil)
	wp.Start()

	job := slowCall("call-1")
	job.Call.ID = "5b3c1f7e-0000-4000-8000-000000000001"
	require.True(t, wp.Enqueue(job))
	wp.Stop()

	require.Len(t, store.stored(), 1)
	assert.Equal(t, job.Call.ID, store.stored()[0].ID)
}

func TestWorkerPool_Duplicates(t *testing.T) {
	store := newFakeStore()
	events := &eventLog{}
	wp := newTestPool(store, 10, events)
	wp.Start()

	require.True(t, wp.Enqueue(slowCall("same")))
	require.True(t, wp.Enqueue(slowCall("same")))
	wp.Stop()

	assert.Len(t, store.stored(), 1)
	stats := wp.Stats()
	assert.EqualValues(t, 1, stats.Completed)
	assert.EqualValues(t, 1, stats.Duplicates)
	assert.Len(t, events.ofType("call_analyzed"), 1, "duplicates are not announced")
}

func TestWorkerPool_LatencyAlert(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		wantAlert bool
	}{
		{"below_p90", 2000, true},
		{"equal_to_p90", 2500, false},
		{"disabled", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &eventLog{}
			wp := NewWorkerPool(Options{
				Store:             newFakeStore(),
				Workers:           1,
				QueueSize:         4,
				FlushInterval:     10 * time.Millisecond,
				LatencyAlertP90Ms: tt.threshold,
				PublishEvent:      events.publish,
				Log:               zerolog.Nop(),
			})
			wp.Start()
			require.True(t, wp.Enqueue(slowCall("call-1")))
			wp.Stop()

			alerts := events.ofType("latency_alert")
			if !tt.wantAlert {
				assert.Empty(t, alerts)
				assert.Zero(t, wp.Stats().Alerts)
				return
			}
			require.Len(t, alerts, 1)
			assert.Equal(t, 2500, alerts[0].payload["latency_p90"])
			assert.Equal(t, tt.threshold, alerts[0].payload["threshold_ms"])
			assert.EqualValues(t, 1, wp.Stats().Alerts)
		})
	}
}

func TestWorkerPool_StoreFailure(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")
	events := &eventLog{}
	wp := newTestPool(store, 10, events)
	wp.Start()

	require.True(t, wp.Enqueue(slowCall("a")))
	require.True(t, wp.Enqueue(slowCall("b")))
	wp.Stop()

	stats := wp.Stats()
	assert.EqualValues(t, 2, stats.Failed)
	assert.Zero(t, stats.Completed)
	assert.Empty(t, events.ofType("call_analyzed"))
}

func TestWorkerPool_LongInterruptionOption(t *testing.T) {
	store := newFakeStore()
	wp := NewWorkerPool(Options{
		Store:         store,
		Workers:       1,
		QueueSize:     4,
		FlushInterval: 10 * time.Millisecond,
		Summary:       telemetry.SummaryOptions{LongInterruptionThreshold: 0.5},
		Log:           zerolog.Nop(),
	})
	wp.Start()

	// Bot starts at 1 while the user is still talking; duration runs to bot end (1s).
	require.True(t, wp.Enqueue(Job{
		Call: &database.AnalyzedCall{CustomerCallID: "i", OwnerID: "acme"},
		Turns: []telemetry.Turn{
			{SecondsFromStart: 0, Duration: 3, Role: telemetry.RoleUser},
			{SecondsFromStart: 1, Duration: 1, Role: telemetry.RoleBot},
		},
	}))
	wp.Stop()

	require.Len(t, store.stored(), 1)
	s := store.stored()[0].Summary
	assert.Equal(t, []telemetry.Interruption{{SecondsFromStart: 1, Duration: 1}}, s.Interruptions)
	assert.Equal(t, 1, s.NumInterruptions)
}
