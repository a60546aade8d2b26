package ingest

import "testing"

func TestParseTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		want    *Route
		wantNil bool
	}{
		{name: "call_ended", topic: "callscope/agents/support-bot/call_ended", want: &Route{Handler: "transcript", AgentID: "support-bot"}},
		{name: "transcript", topic: "callscope/agents/support-bot/transcript", want: &Route{Handler: "transcript", AgentID: "support-bot"}},
		{name: "status", topic: "callscope/agents/sales-bot/status", want: &Route{Handler: "status", AgentID: "sales-bot"}},

		// Custom prefixes: router only cares about trailing segments
		{name: "custom_prefix", topic: "acme/prod/voice/agent-7/call_ended", want: &Route{Handler: "transcript", AgentID: "agent-7"}},
		{name: "no_agent_segment", topic: "flat/transcript", want: &Route{Handler: "transcript", AgentID: "flat"}},

		// Nil cases
		{name: "empty_string", topic: "", wantNil: true},
		{name: "single_segment", topic: "call_ended", wantNil: true},
		{name: "unknown_suffix", topic: "callscope/agents/a/unknown", wantNil: true},
		{name: "trailing_slash", topic: "callscope/agents/a/", wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTopic(tt.topic)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("ParseTopic(%q) = %+v, want nil", tt.topic, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("ParseTopic(%q) = nil, want %+v", tt.topic, tt.want)
			}
			if got.Handler != tt.want.Handler {
				t.Errorf("Handler = %q, want %q", got.Handler, tt.want.Handler)
			}
			if got.AgentID != tt.want.AgentID {
				t.Errorf("AgentID = %q, want %q", got.AgentID, tt.want.AgentID)
			}
		})
	}
}
