package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name:  "add calls.source",
		sql:   `ALTER TABLE calls ADD COLUMN IF NOT EXISTS source text NOT NULL DEFAULT 'api'`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'calls' AND column_name = 'source')`,
	},
	{
		name:  "add calls.time_to_first_word",
		sql:   `ALTER TABLE calls ADD COLUMN IF NOT EXISTS time_to_first_word int NOT NULL DEFAULT 0`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'calls' AND column_name = 'time_to_first_word')`,
	},
	{
		name:  "add calls agent index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_calls_agent_started ON calls (agent_id, started_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_calls_agent_started')`,
	},
	{
		name:  "add calls metadata gin index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_calls_metadata ON calls USING gin (metadata jsonb_path_ops)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_calls_metadata')`,
	},
	{
		name:  "add calls.archive_key",
		sql:   `ALTER TABLE calls ADD COLUMN IF NOT EXISTS archive_key text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'calls' AND column_name = 'archive_key')`,
	},
}

// Migrate runs all pending schema migrations. A failed apply is returned
// as a *MigrationError; callers should treat it as fatal since queries
// depend on these columns.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart callscope.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
