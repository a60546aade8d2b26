package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/snarg/callscope/internal/analyze"
	"github.com/snarg/callscope/internal/metrics"
)

// SSEEvent is a server-sent event ready for transmission.
type SSEEvent struct {
	ID        string `json:"event_id"`
	Type      string `json:"event_type"`
	SubType   string `json:"sub_type,omitempty"`
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id,omitempty"`
	Data      []byte `json:"-"` // pre-serialized JSON payload
}

// EventFilter specifies which events an SSE subscriber wants to receive.
// Empty fields match everything; events without an agent pass the agent filter.
type EventFilter struct {
	Types  []string
	Agents []string
}

// EventBus provides pub-sub event distribution for SSE subscribers.
// It maintains a ring buffer for replay on reconnect.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64

	ring     []SSEEvent
	ringSize int
	ringHead int
	seq      uint64 // guarded by ringMu
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan SSEEvent
	filter EventFilter
}

// NewEventBus creates an event bus with the given ring buffer size.
func NewEventBus(ringSize int) *EventBus {
	if ringSize < 1 {
		ringSize = 1
	}
	return &EventBus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]SSEEvent, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (eb *EventBus) Subscribe(filter EventFilter) (<-chan SSEEvent, func()) {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	ch := make(chan SSEEvent, 64)
	eb.subscribers[id] = subscriber{ch: ch, filter: filter}
	eb.mu.Unlock()

	cancel := func() {
		eb.mu.Lock()
		delete(eb.subscribers, id)
		eb.mu.Unlock()
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// ReplaySince returns buffered events after the given event ID, oldest
// first. If the ID is empty or has already been overwritten, every buffered
// event is returned so a reconnecting client does not silently miss events.
func (eb *EventBus) ReplaySince(lastEventID string, filter EventFilter) []SSEEvent {
	eb.ringMu.RLock()
	defer eb.ringMu.RUnlock()

	ordered := make([]SSEEvent, 0, eb.ringSize)
	start := 0
	for i := 0; i < eb.ringSize; i++ {
		e := eb.ring[(eb.ringHead+i)%eb.ringSize]
		if e.ID == "" {
			continue
		}
		ordered = append(ordered, e)
		if lastEventID != "" && e.ID == lastEventID {
			start = len(ordered)
		}
	}

	var events []SSEEvent
	for _, e := range ordered[start:] {
		if matchesFilter(e, filter) {
			events = append(events, e)
		}
	}
	return events
}

// EventData holds all fields needed to publish an SSE event.
type EventData struct {
	Type    string
	SubType string
	AgentID string
	Payload any
}

// Publish sends an event to all matching subscribers and adds it to the ring buffer.
func (eb *EventBus) Publish(e EventData) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return
	}

	// ringMu is held through fan-out so ids, ring order and delivery order
	// to each subscriber all agree.
	eb.ringMu.Lock()
	defer eb.ringMu.Unlock()
	now := time.Now()
	eb.seq++
	event := SSEEvent{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), eb.seq),
		Type:      e.Type,
		SubType:   e.SubType,
		Timestamp: now.UTC().Format(time.RFC3339),
		AgentID:   e.AgentID,
		Data:      data,
	}
	eb.ring[eb.ringHead] = event
	eb.ringHead = (eb.ringHead + 1) % eb.ringSize
	metrics.SSEEventsPublishedTotal.Inc()

	eb.mu.RLock()
	for _, sub := range eb.subscribers {
		if matchesFilter(event, sub.filter) {
			select {
			case sub.ch <- event:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	eb.mu.RUnlock()
}

// Publisher adapts the bus to the analyzer's event callback.
func (eb *EventBus) Publisher() analyze.EventPublishFunc {
	return func(eventType, agentID string, payload any) {
		eb.Publish(EventData{Type: eventType, AgentID: agentID, Payload: payload})
	}
}

func matchesFilter(e SSEEvent, f EventFilter) bool {
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			t = strings.TrimSpace(t)
			if base, sub, ok := strings.Cut(t, ":"); ok {
				// Compound filter: "agent_status:offline" matches type + subtype
				if base == e.Type && sub == e.SubType {
					match = true
					break
				}
			} else if t == e.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(f.Agents) > 0 && e.AgentID != "" && !stringSliceContains(f.Agents, e.AgentID) {
		return false
	}
	return true
}

func stringSliceContains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
