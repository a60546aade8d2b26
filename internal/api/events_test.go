package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/snarg/callscope/internal/ingest"
)

type sseFrame struct {
	id, event, data string
}

// readFrame reads one SSE frame, skipping keepalive comments.
func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if f.id != "" || f.event != "" {
				return f
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, query, lastEventID string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/v1/events/stream"+query, nil)
	if err != nil {
		t.Fatal(err)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	return bufio.NewReader(resp.Body)
}

func waitSubscribers(t *testing.T, bus *ingest.EventBus, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for bus.SubscriberCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", bus.SubscriberCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamEventsLive(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.handler)
	t.Cleanup(srv.Close)

	r := openStream(t, srv, "?types=call_analyzed&agents=a1", "")
	waitSubscribers(t, ts.live.bus, 1)

	bus := ts.live.bus
	bus.Publish(ingest.EventData{Type: "call_received", AgentID: "a1", Payload: map[string]string{"n": "skip"}})
	bus.Publish(ingest.EventData{Type: "call_analyzed", AgentID: "a2", Payload: map[string]string{"n": "skip"}})
	bus.Publish(ingest.EventData{Type: "call_analyzed", AgentID: "a1", Payload: map[string]string{"n": "want"}})

	f := readFrame(t, r)
	if f.event != "call_analyzed" {
		t.Errorf("event = %q, want call_analyzed", f.event)
	}
	if f.data != `{"n":"want"}` {
		t.Errorf("data = %q", f.data)
	}
}

func TestStreamEventsReplay(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.handler)
	t.Cleanup(srv.Close)

	bus := ts.live.bus
	bus.Publish(ingest.EventData{Type: "call_received", Payload: map[string]int{"n": 1}})
	bus.Publish(ingest.EventData{Type: "call_received", Payload: map[string]int{"n": 2}})
	bus.Publish(ingest.EventData{Type: "call_received", Payload: map[string]int{"n": 3}})
	first := bus.ReplaySince("missing", ingest.EventFilter{})[0]

	r := openStream(t, srv, "", first.ID)

	if f := readFrame(t, r); f.data != `{"n":2}` {
		t.Errorf("first replayed = %q, want n=2", f.data)
	}
	if f := readFrame(t, r); f.data != `{"n":3}` {
		t.Errorf("second replayed = %q, want n=3", f.data)
	}

	// Replay finished, so the subscription is live.
	bus.Publish(ingest.EventData{Type: "call_received", Payload: map[string]int{"n": 4}})
	if f := readFrame(t, r); f.data != `{"n":4}` {
		t.Errorf("live event after replay = %q, want n=4", f.data)
	}
}

func TestStreamEventsUnsubscribesOnDisconnect(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/v1/events/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	waitSubscribers(t, ts.live.bus, 1)
	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for ts.live.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamEventsWithoutLiveSource(t *testing.T) {
	ts := newTestServer(t, func(o *ServerOptions) {
		o.Live = nil
	})
	if rec := ts.do("GET", "/api/v1/events/stream", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestEventSeq(t *testing.T) {
	tests := []struct {
		id   string
		want int64
	}{
		{"1718000000000-42", 42},
		{"1718000000000-0", 0},
		{"garbage", -1},
		{"1718000000000-x", -1},
	}
	for _, tt := range tests {
		if got := eventSeq(tt.id); got != tt.want {
			t.Errorf("eventSeq(%q) = %d, want %d", tt.id, got, tt.want)
		}
	}
}

func TestListAgents(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.live.agents = []ingest.AgentStatus{
		{AgentID: "a1", Status: "online", LastSeen: time.Unix(1700000000, 0).UTC()},
	}
	rec := ts.do("GET", "/api/v1/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Agents []ingest.AgentStatus `json:"agents"`
		Total  int                  `json:"total"`
	}
	decodeBody(t, rec, &body)
	if body.Total != 1 || body.Agents[0].AgentID != "a1" || body.Agents[0].Status != "online" {
		t.Errorf("body = %+v", body)
	}
}

func TestListAgentsEmpty(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do("GET", "/api/v1/agents", "")
	if !strings.Contains(rec.Body.String(), `"agents":[]`) {
		t.Errorf("body = %s, want an empty agents array", rec.Body.String())
	}
}
