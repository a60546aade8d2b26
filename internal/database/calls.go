package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/snarg/callscope/internal/telemetry"
)

// MessageRow is one transcript message as stored.
type MessageRow struct {
	Role             string  `json:"role"`
	Message          string  `json:"message"`
	SecondsFromStart float64 `json:"seconds_from_start"`
	Duration         float64 `json:"duration"`
}

// AnalyzedCall is a call transcript together with its derived telemetry,
// ready to be written in one transaction.
type AnalyzedCall struct {
	ID             string
	CustomerCallID string
	OwnerID        string
	AgentID        string
	Source         string
	StartedAt      *time.Time
	RecordingURL   string
	ArchiveKey     string // empty when the raw transcript was not archived
	Metadata       map[string]string
	Messages       []MessageRow
	Summary        telemetry.CallSummary
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InsertAnalyzedCalls writes calls with their messages, latency blocks and
// interruptions in a single transaction. A call whose (owner, customer call
// id) already exists is skipped; the returned slice lists the ids that were
// actually inserted.
func (db *DB) InsertAnalyzedCalls(ctx context.Context, calls []*AnalyzedCall) ([]string, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted []string
	for _, c := range calls {
		metadata := c.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		metaJSON, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata for %s: %w", c.CustomerCallID, err)
		}

		s := c.Summary
		tag, err := tx.Exec(ctx, `
			INSERT INTO calls (
				id, customer_call_id, owner_id, agent_id, source, started_at,
				duration, recording_url, metadata,
				latency_p50, latency_p90, latency_p95,
				interruption_p50, interruption_p90, interruption_p95,
				num_interruptions, time_to_first_word, archive_key
			) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (owner_id, customer_call_id) DO NOTHING
		`,
			c.ID, c.CustomerCallID, c.OwnerID, nullString(c.AgentID), c.Source, c.StartedAt,
			s.Duration, nullString(c.RecordingURL), metaJSON,
			s.Latency.P50, s.Latency.P90, s.Latency.P95,
			s.Interruption.P50, s.Interruption.P90, s.Interruption.P95,
			s.NumInterruptions, s.TimeToFirstWordMs, nullString(c.ArchiveKey),
		)
		if err != nil {
			return nil, fmt.Errorf("insert call %s: %w", c.CustomerCallID, err)
		}
		if tag.RowsAffected() == 0 {
			db.log.Debug().Str("customer_call_id", c.CustomerCallID).Msg("call already stored, skipping")
			continue
		}

		batch := &pgx.Batch{}
		for _, m := range c.Messages {
			batch.Queue(`INSERT INTO messages (call_id, role, message, seconds_from_start, duration) VALUES ($1::uuid, $2, $3, $4, $5)`,
				c.ID, m.Role, m.Message, m.SecondsFromStart, m.Duration)
		}
		for _, b := range s.LatencyBlocks {
			batch.Queue(`INSERT INTO latency_blocks (call_id, seconds_from_start, duration) VALUES ($1::uuid, $2, $3)`,
				c.ID, b.SecondsFromStart, b.Duration)
		}
		for _, in := range s.Interruptions {
			batch.Queue(`INSERT INTO interruptions (call_id, seconds_from_start, duration) VALUES ($1::uuid, $2, $3)`,
				c.ID, in.SecondsFromStart, in.Duration)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return nil, fmt.Errorf("insert children of call %s: %w", c.CustomerCallID, err)
			}
		}
		inserted = append(inserted, c.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// CallExists reports whether a call with this customer id is stored for the owner.
func (db *DB) CallExists(ctx context.Context, ownerID, customerCallID string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM calls WHERE owner_id = $1 AND customer_call_id = $2)`,
		ownerID, customerCallID,
	).Scan(&exists)
	return exists, err
}

// UpdateCall sets notes and/or the read flag. Nil fields are left unchanged.
func (db *DB) UpdateCall(ctx context.Context, id string, notes *string, isRead *bool) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE calls SET
			notes = COALESCE($2, notes),
			is_read = COALESCE($3, is_read)
		WHERE id = $1::uuid
	`, id, notes, isRead)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
