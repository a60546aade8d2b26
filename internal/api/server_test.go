package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscope/internal/analyze"
	"github.com/snarg/callscope/internal/config"
	"github.com/snarg/callscope/internal/database"
	"github.com/snarg/callscope/internal/ingest"
	"github.com/snarg/callscope/internal/telemetry"
)

// ── fakes ────────────────────────────────────────────────────────────

type fakeStore struct {
	mu sync.Mutex

	calls     []database.CallAPI
	details   map[string]*database.CallDetail
	samples   []telemetry.CallSample
	stats     *database.StatsResponse
	healthErr error
	err       error

	lastFilter database.CallFilter
	updates    []fakeUpdate
}

type fakeUpdate struct {
	id     string
	notes  *string
	isRead *bool
}

func (f *fakeStore) ListCalls(_ context.Context, filter database.CallFilter) ([]database.CallAPI, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.calls, len(f.calls), nil
}

func (f *fakeStore) GetCall(_ context.Context, id string) (*database.CallDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	if d, ok := f.details[id]; ok {
		return d, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) UpdateCall(_ context.Context, id string, notes *string, isRead *bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.details[id]; !ok {
		return database.ErrNotFound
	}
	f.updates = append(f.updates, fakeUpdate{id: id, notes: notes, isRead: isRead})
	return nil
}

func (f *fakeStore) GetStats(_ context.Context, ownerID string) (*database.StatsResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.stats == nil {
		return &database.StatsResponse{}, nil
	}
	return f.stats, nil
}

func (f *fakeStore) ListCallSamples(_ context.Context, filter database.CallFilter) ([]telemetry.CallSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.samples, nil
}

func (f *fakeStore) HealthCheck(context.Context) error { return f.healthErr }

func (f *fakeStore) filter() database.CallFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFilter
}

type fakeLive struct {
	bus     *ingest.EventBus
	watcher *ingest.WatcherStatus
	agents  []ingest.AgentStatus
	stats   analyze.QueueStats
}

func newFakeLive() *fakeLive {
	return &fakeLive{bus: ingest.NewEventBus(64)}
}

func (f *fakeLive) Subscribe(filter ingest.EventFilter) (<-chan ingest.SSEEvent, func()) {
	return f.bus.Subscribe(filter)
}

func (f *fakeLive) ReplaySince(id string, filter ingest.EventFilter) []ingest.SSEEvent {
	return f.bus.ReplaySince(id, filter)
}

func (f *fakeLive) WatcherStatus() *ingest.WatcherStatus { return f.watcher }
func (f *fakeLive) AgentStatuses() []ingest.AgentStatus  { return f.agents }
func (f *fakeLive) AnalyzerStats() analyze.QueueStats    { return f.stats }

type fakeIngester struct {
	result  *ingest.IngestResult
	err     error
	payload []byte
	source  string
}

func (f *fakeIngester) IngestJSON(_ context.Context, source string, payload []byte) (*ingest.IngestResult, error) {
	f.source = source
	f.payload = payload
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeMQTT struct{ connected bool }

func (f fakeMQTT) IsConnected() bool { return f.connected }

// ── helpers ──────────────────────────────────────────────────────────

func testConfig() *config.Config {
	return &config.Config{
		HTTPAddr:     ":0",
		MaxBodyBytes: 1 << 20,
	}
}

type testServer struct {
	handler  http.Handler
	store    *fakeStore
	live     *fakeLive
	ingester *fakeIngester
}

func newTestServer(t *testing.T, mutate func(*ServerOptions)) *testServer {
	t.Helper()
	ts := &testServer{
		store:    &fakeStore{details: map[string]*database.CallDetail{}},
		live:     newFakeLive(),
		ingester: &fakeIngester{},
	}
	opts := ServerOptions{
		Config:    testConfig(),
		DB:        ts.store,
		Live:      ts.live,
		Ingester:  ts.ingester,
		Version:   "test",
		StartTime: time.Now(),
		Log:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	ts.handler = NewRouter(opts)
	return ts
}

func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

// ── routing ──────────────────────────────────────────────────────────

func TestRouterNotFoundIsJSON(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do("GET", "/api/v1/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body ErrorResponse
	decodeBody(t, rec, &body)
	if body.Error != "not found" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestRouterMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do("DELETE", "/api/v1/calls", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestRouterAuth(t *testing.T) {
	ts := newTestServer(t, func(o *ServerOptions) {
		o.Config.AuthToken = "s3cret"
	})

	t.Run("health_is_public", func(t *testing.T) {
		if rec := ts.do("GET", "/api/v1/health", ""); rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
	t.Run("calls_need_token", func(t *testing.T) {
		if rec := ts.do("GET", "/api/v1/calls", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
	t.Run("wrong_token", func(t *testing.T) {
		rec := ts.do("GET", "/api/v1/calls", "", "Authorization", "Bearer nope")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
	t.Run("valid_token", func(t *testing.T) {
		rec := ts.do("GET", "/api/v1/calls", "", "Authorization", "Bearer s3cret")
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}

func TestRouterRateLimit(t *testing.T) {
	ts := newTestServer(t, func(o *ServerOptions) {
		o.Config.RateLimitRPS = 1
		o.Config.RateLimitBurst = 2
	})
	var limited bool
	for i := 0; i < 5; i++ {
		if rec := ts.do("GET", "/api/v1/agents", ""); rec.Code == http.StatusTooManyRequests {
			limited = true
			if rec.Header().Get("Retry-After") == "" {
				t.Error("missing Retry-After header")
			}
			break
		}
	}
	if !limited {
		t.Error("expected a 429 after exceeding the burst")
	}
}

func TestRouterRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do("GET", "/api/v1/health", "", "X-Request-ID", "req-42")
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do("GET", "/api/v1/health", "")
	rec := ts.do("GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "callscope_http_requests_total") {
		t.Error("metrics output missing http request counter")
	}
}

func TestSplitOrigins(t *testing.T) {
	got := splitOrigins(" https://a.example , ,https://b.example")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("splitOrigins = %v", got)
	}
	if got := splitOrigins(""); got != nil {
		t.Errorf("splitOrigins(\"\") = %v, want nil", got)
	}
}

// Compile-time checks that the fakes satisfy the handler interfaces.
var (
	_ Store              = (*fakeStore)(nil)
	_ LiveDataSource     = (*fakeLive)(nil)
	_ TranscriptIngester = (*fakeIngester)(nil)
	_ ConnectionStatus   = fakeMQTT{}
)

var errBoom = errors.New("boom")
