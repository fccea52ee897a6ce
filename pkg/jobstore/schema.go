package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the job schema in-place.
//
// Migration is strictly additive and safe to run repeatedly: tables are
// created IF NOT EXISTS and later versions only add columns. After the
// schema is settled, any job row whose state falls outside the known enum is
// repaired into ORPHANED rather than left inconsistent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			spec TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			state_reason TEXT NOT NULL DEFAULT '',
			result TEXT,
			params_hash TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			worker_id TEXT,
			worker_pid INTEGER,
			last_heartbeat TEXT,
			abort_requested INTEGER NOT NULL DEFAULT 0,
			progress REAL NOT NULL DEFAULT 0,
			phase TEXT NOT NULL DEFAULT '',
			error_details TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state_created_at ON jobs(state, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_abort ON jobs(abort_requested, state);`,

		// The store, not application logic, enforces that at most one active
		// record exists per (job_type, params_hash).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_fingerprint
			ON jobs(job_type, params_hash)
			WHERE params_hash != '' AND state IN ('QUEUED','RUNNING','SUCCEEDED');`,

		`CREATE TABLE IF NOT EXISTS workers (
			worker_id TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			current_job_id TEXT,
			status TEXT NOT NULL,
			spawned_at TEXT NOT NULL,
			exited_at TEXT,
			hostname TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workers_pid ON workers(pid);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: worker host-metric columns reported with heartbeats.
	if current < 2 {
		alters := []string{
			`ALTER TABLE workers ADD COLUMN rss_bytes INTEGER NOT NULL DEFAULT 0;`,
			`ALTER TABLE workers ADD COLUMN goroutines INTEGER NOT NULL DEFAULT 0;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				// SQLite reports duplicate columns as an error; treat as idempotent.
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := repairInvalidStates(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func repairInvalidStates(ctx context.Context, tx *sql.Tx) error {
	known := States()
	placeholders := make([]string, 0, len(known))
	args := make([]any, 0, len(known)+2)
	args = append(args, string(StateOrphaned), fmtTime(time.Now()))
	for _, s := range known {
		placeholders = append(placeholders, "?")
		args = append(args, string(s))
	}

	stmt := fmt.Sprintf(
		`UPDATE jobs
		 SET state = ?, state_reason = 'invalid state repaired', updated_at = ?
		 WHERE state NOT IN (%s)`,
		strings.Join(placeholders, ","),
	)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("repair invalid states: %w", err)
	}
	return nil
}
