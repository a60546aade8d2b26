package database

import (
	"context"
	"fmt"
	"slices"

	"github.com/snarg/callscope/internal/telemetry"
)

// StatsResponse contains overall call statistics.
type StatsResponse struct {
	TotalCalls         int             `json:"total_calls"`
	Calls30d           int             `json:"calls_30d"`
	Calls24h           int             `json:"calls_24h"`
	Calls1h            int             `json:"calls_1h"`
	Unread             int             `json:"unread"`
	TotalDurationHours float64         `json:"total_duration_hours"`
	AgentActivity      []AgentActivity `json:"agent_activity"`
}

// AgentActivity is the per-agent breakdown over the last 24 hours.
type AgentActivity struct {
	AgentID          string  `json:"agent_id"`
	Calls24h         int     `json:"calls_24h"`
	AvgLatencyP50    float64 `json:"avg_latency_p50"`
	AvgLatencyP90    float64 `json:"avg_latency_p90"`
	NumInterruptions int     `json:"num_interruptions"`
}

// GetStats returns overall call statistics for an owner. An empty owner
// covers every call.
func (db *DB) GetStats(ctx context.Context, ownerID string) (*StatsResponse, error) {
	owner := pqString(ownerID)

	var s StatsResponse
	err := db.Pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE started_at > now() - interval '30 days'),
			count(*) FILTER (WHERE started_at > now() - interval '24 hours'),
			count(*) FILTER (WHERE started_at > now() - interval '1 hour'),
			count(*) FILTER (WHERE NOT is_read),
			COALESCE(sum(duration) / 3600.0, 0)
		FROM calls
		WHERE ($1::text IS NULL OR owner_id = $1)
	`, owner).Scan(&s.TotalCalls, &s.Calls30d, &s.Calls24h, &s.Calls1h, &s.Unread, &s.TotalDurationHours)
	if err != nil {
		return nil, err
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT agent_id, count(*),
			COALESCE(avg(latency_p50), 0), COALESCE(avg(latency_p90), 0),
			COALESCE(sum(num_interruptions), 0)
		FROM calls
		WHERE agent_id IS NOT NULL
			AND started_at > now() - interval '24 hours'
			AND ($1::text IS NULL OR owner_id = $1)
		GROUP BY agent_id
		ORDER BY count(*) DESC, agent_id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a AgentActivity
		if err := rows.Scan(&a.AgentID, &a.Calls24h, &a.AvgLatencyP50, &a.AvgLatencyP90, &a.NumInterruptions); err != nil {
			return nil, err
		}
		s.AgentActivity = append(s.AgentActivity, a)
	}
	if s.AgentActivity == nil {
		s.AgentActivity = []AgentActivity{}
	}
	return &s, rows.Err()
}

// sampleCallLimit bounds how many calls a rollup reads. When a window holds
// more, the newest calls are kept.
var sampleCallLimit = 50000

// ListCallSamples returns start time plus latency and interruption
// durations of the newest calls matching the filter, oldest first. Limit
// and Sort on the filter are ignored.
func (db *DB) ListCallSamples(ctx context.Context, filter CallFilter) ([]telemetry.CallSample, error) {
	qb := newQueryBuilder()
	if err := filter.apply(qb); err != nil {
		return nil, err
	}

	rows, err := db.Pool.Query(ctx, callSamplesQuery(qb.WhereClause(), sampleCallLimit), qb.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []telemetry.CallSample
	for rows.Next() {
		var s telemetry.CallSample
		if err := rows.Scan(&s.StartedAt, &s.LatencyDurations, &s.InterruptionDurations); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(samples) == sampleCallLimit {
		db.log.Warn().Int("limit", sampleCallLimit).Msg("call sample limit reached, older calls left out of rollup")
	}
	if samples == nil {
		return []telemetry.CallSample{}, nil
	}
	slices.Reverse(samples)
	return samples, nil
}

// callSamplesQuery selects newest first so the limit drops the oldest calls.
func callSamplesQuery(whereClause string, limit int) string {
	return fmt.Sprintf(`
		SELECT c.started_at,
			COALESCE((SELECT array_agg(lb.duration ORDER BY lb.seconds_from_start)
				FROM latency_blocks lb WHERE lb.call_id = c.id), '{}'),
			COALESCE((SELECT array_agg(i.duration ORDER BY i.seconds_from_start)
				FROM interruptions i WHERE i.call_id = c.id), '{}')
		FROM calls c %s
		ORDER BY c.started_at DESC NULLS LAST, c.created_at DESC
		LIMIT %d
	`, whereClause, limit)
}
