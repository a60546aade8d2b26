// Package telemetry derives interruption and latency signals from a call's
// timestamped transcript. Every function here is pure: inputs are never
// mutated and results are freshly allocated.
package telemetry

import (
	"sort"
	"strings"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleBot  Role = "bot"
	RoleUser Role = "user"
)

// ParseRole normalizes speaker labels used by transcription providers.
// Unknown labels are returned as-is and are not treated as speech.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bot", "agent", "assistant":
		return RoleBot
	case "user", "customer":
		return RoleUser
	}
	return Role(s)
}

// IsSpeech reports whether the role is one of the two speaking parties.
func (r Role) IsSpeech() bool {
	return r == RoleBot || r == RoleUser
}

// Turn is one contiguous utterance. It occupies
// [SecondsFromStart, SecondsFromStart+Duration).
type Turn struct {
	SecondsFromStart float64 `json:"seconds_from_start"`
	Duration         float64 `json:"duration"`
	Role             Role    `json:"role"`
}

// End returns the exclusive end offset of the turn.
func (t Turn) End() float64 {
	return t.SecondsFromStart + t.Duration
}

// Interruption is a bot turn that overlapped a user turn.
type Interruption struct {
	SecondsFromStart float64 `json:"seconds_from_start"`
	Duration         float64 `json:"duration"`
}

// LatencyBlock is the silence between a user turn ending and the bot's
// next turn starting.
type LatencyBlock struct {
	SecondsFromStart float64 `json:"seconds_from_start"`
	Duration         float64 `json:"duration"`
}

// FilterSpeech returns the bot and user turns, dropping tool calls,
// tool results and system messages.
func FilterSpeech(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role.IsSpeech() {
			out = append(out, t)
		}
	}
	return out
}

// sortedCopy orders turns by start offset. Ties keep input order since
// both detection and gap measurement depend on it.
func sortedCopy(turns []Turn) []Turn {
	sorted := make([]Turn, len(turns))
	copy(sorted, turns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SecondsFromStart < sorted[j].SecondsFromStart
	})
	return sorted
}
