package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/snarg/callscope/internal/telemetry"
)

// queryBuilder builds parameterized WHERE clauses for dynamic queries.
type queryBuilder struct {
	where  []string
	args   []any
	argIdx int
}

func newQueryBuilder() *queryBuilder {
	return &queryBuilder{argIdx: 1}
}

// Add appends a WHERE condition. The clause should contain %s which will be replaced with $N.
func (qb *queryBuilder) Add(clause string, val any) {
	parameterized := strings.Replace(clause, "%s", fmt.Sprintf("$%d", qb.argIdx), 1)
	qb.where = append(qb.where, parameterized)
	qb.args = append(qb.args, val)
	qb.argIdx++
}

// AddRaw appends a WHERE condition with no parameters.
func (qb *queryBuilder) AddRaw(clause string) {
	qb.where = append(qb.where, clause)
}

// WhereClause returns the full WHERE clause (including "WHERE") or empty string if no conditions.
func (qb *queryBuilder) WhereClause() string {
	if len(qb.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(qb.where, " AND ")
}

// Args returns all accumulated arguments.
func (qb *queryBuilder) Args() []any {
	return qb.args
}

// CallFilter specifies filters for listing calls.
type CallFilter struct {
	OwnerID   string
	AgentIDs  []string
	StartTime *time.Time
	EndTime   *time.Time
	Metadata  map[string]string
	IsRead    *bool
	Limit     int
	Offset    int
	Sort      string
}

// apply adds the filter's conditions to qb. Shared by ListCalls and
// ListCallSamples so list views and rollups see the same calls.
func (f CallFilter) apply(qb *queryBuilder) error {
	if f.OwnerID != "" {
		qb.Add("c.owner_id = %s", f.OwnerID)
	}
	if len(f.AgentIDs) > 0 {
		qb.Add("c.agent_id = ANY(%s)", f.AgentIDs)
	}
	if f.StartTime != nil {
		qb.Add("c.started_at >= %s", *f.StartTime)
	}
	if f.EndTime != nil {
		qb.Add("c.started_at < %s", *f.EndTime)
	}
	if len(f.Metadata) > 0 {
		raw, err := json.Marshal(f.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata filter: %w", err)
		}
		qb.Add("c.metadata @> %s::jsonb", string(raw))
	}
	if f.IsRead != nil {
		qb.Add("c.is_read = %s", *f.IsRead)
	}
	return nil
}

// CallAPI represents a call for API responses.
type CallAPI struct {
	ID                string                `json:"id"`
	CustomerCallID    string                `json:"customer_call_id"`
	OwnerID           string                `json:"owner_id"`
	AgentID           string                `json:"agent_id,omitempty"`
	Source            string                `json:"source"`
	Status            string                `json:"status"`
	StartedAt         *time.Time            `json:"started_at,omitempty"`
	Duration          float64               `json:"duration"`
	RecordingURL      string                `json:"recording_url,omitempty"`
	ArchiveKey        string                `json:"archive_key,omitempty"`
	Metadata          map[string]string     `json:"metadata"`
	Latency           telemetry.Percentiles `json:"latency"`
	Interruption      telemetry.Percentiles `json:"interruption"`
	NumInterruptions  int                   `json:"num_interruptions"`
	TimeToFirstWordMs int                   `json:"time_to_first_word_ms"`
	Notes             string                `json:"notes"`
	IsRead            bool                  `json:"is_read"`
	CreatedAt         time.Time             `json:"created_at"`
}

// CallDetail is a call with its transcript and derived rows.
type CallDetail struct {
	CallAPI
	Messages      []MessageRow             `json:"messages"`
	LatencyBlocks []telemetry.LatencyBlock `json:"latency_blocks"`
	Interruptions []telemetry.Interruption `json:"interruptions"`
}

const callColumns = `
	c.id::text, c.customer_call_id, c.owner_id, COALESCE(c.agent_id, ''),
	c.source, c.status, c.started_at, c.duration, COALESCE(c.recording_url, ''),
	COALESCE(c.archive_key, ''), c.metadata,
	c.latency_p50, c.latency_p90, c.latency_p95,
	c.interruption_p50, c.interruption_p90, c.interruption_p95,
	c.num_interruptions, c.time_to_first_word, c.notes, c.is_read, c.created_at`

func scanCall(row pgx.Row, c *CallAPI) error {
	return row.Scan(
		&c.ID, &c.CustomerCallID, &c.OwnerID, &c.AgentID,
		&c.Source, &c.Status, &c.StartedAt, &c.Duration, &c.RecordingURL,
		&c.ArchiveKey, &c.Metadata,
		&c.Latency.P50, &c.Latency.P90, &c.Latency.P95,
		&c.Interruption.P50, &c.Interruption.P90, &c.Interruption.P95,
		&c.NumInterruptions, &c.TimeToFirstWordMs, &c.Notes, &c.IsRead, &c.CreatedAt,
	)
}

// ListCalls returns calls matching the filter with a total count.
func (db *DB) ListCalls(ctx context.Context, filter CallFilter) ([]CallAPI, int, error) {
	qb := newQueryBuilder()
	if err := filter.apply(qb); err != nil {
		return nil, 0, err
	}
	whereClause := qb.WhereClause()

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM calls c"+whereClause, qb.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	orderBy := "c.started_at DESC NULLS LAST"
	if filter.Sort != "" {
		orderBy = filter.Sort
	}

	dataQuery := fmt.Sprintf(`
		SELECT %s
		FROM calls c %s
		ORDER BY %s
		LIMIT %d OFFSET %d
	`, callColumns, whereClause, orderBy, filter.Limit, filter.Offset)

	rows, err := db.Pool.Query(ctx, dataQuery, qb.Args()...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var calls []CallAPI
	for rows.Next() {
		var c CallAPI
		if err := scanCall(rows, &c); err != nil {
			return nil, 0, err
		}
		calls = append(calls, c)
	}
	if calls == nil {
		calls = []CallAPI{}
	}
	return calls, total, rows.Err()
}

// GetCall returns a single call with messages, latency blocks and
// interruptions in timeline order.
func (db *DB) GetCall(ctx context.Context, id string) (*CallDetail, error) {
	var d CallDetail
	row := db.Pool.QueryRow(ctx, "SELECT "+callColumns+" FROM calls c WHERE c.id = $1::uuid", id)
	if err := scanCall(row, &d.CallAPI); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT role, message, seconds_from_start, duration
		FROM messages WHERE call_id = $1::uuid
		ORDER BY seconds_from_start, id
	`, id)
	if err != nil {
		return nil, err
	}
	d.Messages, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (MessageRow, error) {
		var m MessageRow
		err := r.Scan(&m.Role, &m.Message, &m.SecondsFromStart, &m.Duration)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	rows, err = db.Pool.Query(ctx, `
		SELECT seconds_from_start, duration FROM latency_blocks
		WHERE call_id = $1::uuid ORDER BY seconds_from_start, id
	`, id)
	if err != nil {
		return nil, err
	}
	d.LatencyBlocks, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (telemetry.LatencyBlock, error) {
		var b telemetry.LatencyBlock
		err := r.Scan(&b.SecondsFromStart, &b.Duration)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("load latency blocks: %w", err)
	}

	rows, err = db.Pool.Query(ctx, `
		SELECT seconds_from_start, duration FROM interruptions
		WHERE call_id = $1::uuid ORDER BY seconds_from_start, id
	`, id)
	if err != nil {
		return nil, err
	}
	d.Interruptions, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (telemetry.Interruption, error) {
		var in telemetry.Interruption
		err := r.Scan(&in.SecondsFromStart, &in.Duration)
		return in, err
	})
	if err != nil {
		return nil, fmt.Errorf("load interruptions: %w", err)
	}

	if d.Messages == nil {
		d.Messages = []MessageRow{}
	}
	if d.LatencyBlocks == nil {
		d.LatencyBlocks = []telemetry.LatencyBlock{}
	}
	if d.Interruptions == nil {
		d.Interruptions = []telemetry.Interruption{}
	}
	return &d, nil
}
