package ingest

import "strings"

// Route describes a parsed MQTT topic.
type Route struct {
	Handler string // "transcript" or "status"
	AgentID string // segment before the message type, if any
}

// ParseTopic maps an MQTT topic string to a Route.
//
// Routing is based entirely on the trailing segments of the topic; the prefix
// is ignored, so any prefix works as long as MQTT_TOPICS is set to match.
//
//	.../{agent_id}/call_ended → transcript
//	.../{agent_id}/transcript → transcript
//	.../{agent_id}/status     → status
func ParseTopic(topic string) *Route {
	parts := strings.Split(topic, "/")
	n := len(parts)
	if n < 2 {
		return nil
	}

	agent := parts[n-2]
	switch parts[n-1] {
	case "call_ended", "transcript":
		return &Route{Handler: "transcript", AgentID: agent}
	case "status":
		return &Route{Handler: "status", AgentID: agent}
	}
	return nil
}
