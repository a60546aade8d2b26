package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/snarg/callscope/internal/database"
	"github.com/snarg/callscope/internal/telemetry"
)

// Envelope is the common wrapper for every message published by voice
// agents and telephony bridges.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source,omitempty"`
}

// TranscriptEnvelope carries one finished call.
type TranscriptEnvelope struct {
	Envelope
	Call CallData `json:"call"`
}

// CallData is the call payload of a transcript message.
type CallData struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agent_id,omitempty"`
	OwnerID      string            `json:"owner_id,omitempty"`
	StartedAt    string            `json:"started_at,omitempty"` // RFC 3339
	RecordingURL string            `json:"recording_url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Messages     []MessageData     `json:"messages"`
}

// MessageData is one transcript line.
type MessageData struct {
	Role             string  `json:"role"`
	Message          string  `json:"message"`
	SecondsFromStart float64 `json:"seconds_from_start"`
	Duration         float64 `json:"duration"`
}

// StatusMsg is an agent heartbeat.
type StatusMsg struct {
	Envelope
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// ParseTranscript decodes a transcript payload. Both the full envelope and
// a bare call object are accepted.
func ParseTranscript(payload []byte) (*TranscriptEnvelope, error) {
	var env TranscriptEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTranscript, err)
	}
	if env.Call.ID == "" && len(env.Call.Messages) == 0 {
		var call CallData
		if err := json.Unmarshal(payload, &call); err == nil && (call.ID != "" || len(call.Messages) > 0) {
			env.Call = call
		}
	}
	if env.Type == "" {
		env.Type = "transcript"
	}
	return &env, nil
}

// Validate checks the fields analysis depends on.
func (e *TranscriptEnvelope) Validate() error {
	if e.Call.ID == "" {
		return fmt.Errorf("%w: call.id is required", ErrInvalidTranscript)
	}
	if err := ValidateMessages(e.Call.Messages); err != nil {
		return err
	}
	if _, err := e.startedAt(); err != nil {
		return fmt.Errorf("%w: started_at: %v", ErrInvalidTranscript, err)
	}
	return nil
}

// ValidateMessages rejects an empty transcript and negative offsets or
// durations.
func ValidateMessages(msgs []MessageData) error {
	if len(msgs) == 0 {
		return fmt.Errorf("%w: messages is empty", ErrInvalidTranscript)
	}
	for i, m := range msgs {
		if m.Duration < 0 {
			return fmt.Errorf("%w: message %d has negative duration", ErrInvalidTranscript, i)
		}
		if m.SecondsFromStart < 0 {
			return fmt.Errorf("%w: message %d starts before the call", ErrInvalidTranscript, i)
		}
	}
	return nil
}

func (e *TranscriptEnvelope) startedAt() (*time.Time, error) {
	if e.Call.StartedAt == "" {
		if e.Timestamp > 0 {
			t := time.Unix(e.Timestamp, 0).UTC()
			return &t, nil
		}
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, e.Call.StartedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Turns converts transcript messages to telemetry turns. Speaker labels
// are normalized; non-speech roles pass through and are ignored by analysis.
func (e *TranscriptEnvelope) Turns() []telemetry.Turn {
	return TurnsFromMessages(e.Call.Messages)
}

// TurnsFromMessages converts transcript lines to telemetry turns.
func TurnsFromMessages(msgs []MessageData) []telemetry.Turn {
	turns := make([]telemetry.Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = telemetry.Turn{
			SecondsFromStart: m.SecondsFromStart,
			Duration:         m.Duration,
			Role:             telemetry.ParseRole(m.Role),
		}
	}
	return turns
}

// toAnalyzedCall builds the row skeleton the analyzer fills in.
func (e *TranscriptEnvelope) toAnalyzedCall(source, defaultOwner string) *database.AnalyzedCall {
	owner := e.Call.OwnerID
	if owner == "" {
		owner = defaultOwner
	}
	startedAt, _ := e.startedAt()

	msgs := make([]database.MessageRow, len(e.Call.Messages))
	for i, m := range e.Call.Messages {
		msgs[i] = database.MessageRow{
			Role:             string(telemetry.ParseRole(m.Role)),
			Message:          m.Message,
			SecondsFromStart: m.SecondsFromStart,
			Duration:         m.Duration,
		}
	}
	return &database.AnalyzedCall{
		CustomerCallID: e.Call.ID,
		OwnerID:        owner,
		AgentID:        e.Call.AgentID,
		Source:         source,
		StartedAt:      startedAt,
		RecordingURL:   e.Call.RecordingURL,
		Metadata:       e.Call.Metadata,
		Messages:       msgs,
	}
}
