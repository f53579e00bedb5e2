package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one hardcoded, immutable-once-released schema change. The ordered
// list below is the single source of truth for schema evolution (spec §4.1).
type migration struct {
	Version     int
	Description string
	DDL         string
}

// migrations is applied in strictly increasing version order; a fresh database is
// initialized via fullSchemaDDL and stamped at the latest version directly, rather
// than replayed through every historical migration.
var migrations = []migration{
	{
		Version:     1,
		Description: "add performance indexes on tasks and orchestrations",
		DDL: `
			CREATE INDEX IF NOT EXISTS idx_task_status ON tasks(status);
			CREATE INDEX IF NOT EXISTS idx_task_created ON tasks(created_at);
			CREATE INDEX IF NOT EXISTS idx_orch_status ON orchestrations(status);
		`,
	},
	{
		Version:     2,
		Description: "add retry tracking fields to tasks",
		DDL: `
			ALTER TABLE tasks ADD COLUMN retry_count INTEGER DEFAULT 0;
			ALTER TABLE tasks ADD COLUMN last_retry_at TIMESTAMP;
		`,
	},
}

const fullSchemaDDL = `
CREATE TABLE IF NOT EXISTS orchestrations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	status TEXT NOT NULL DEFAULT 'pending',
	total_tasks INTEGER NOT NULL DEFAULT 0,
	completed_tasks INTEGER NOT NULL DEFAULT 0,
	failed_tasks INTEGER NOT NULL DEFAULT 0,
	skipped_tasks INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at TIMESTAMP,
	ended_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	status TEXT NOT NULL DEFAULT 'PENDING',
	working_directory TEXT NOT NULL,
	system_prompt TEXT,
	execution_prompt TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT 'sonnet',
	pid INTEGER,
	log_file_path TEXT NOT NULL DEFAULT '',
	last_action_cache TEXT,
	final_summary TEXT,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at TIMESTAMP,
	ended_at TIMESTAMP,
	orchestration_id INTEGER REFERENCES orchestrations(id),
	identifier TEXT,
	depends_on TEXT,
	initial_delay REAL DEFAULT 0,
	dependency_failed_at TIMESTAMP,
	retry_count INTEGER DEFAULT 0,
	last_retry_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_task_orchestration ON tasks(orchestration_id);
CREATE INDEX IF NOT EXISTS idx_task_identifier ON tasks(identifier);
CREATE INDEX IF NOT EXISTS idx_task_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_task_created ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_orch_status ON orchestrations(status);

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	description TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL
);
`

func latestVersion() int {
	v := 0
	for _, m := range migrations {
		if m.Version > v {
			v = m.Version
		}
	}
	return v
}

func ensureMigrationTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`)
	return err
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func isFreshDatabase(ctx context.Context, db *sql.DB) (bool, error) {
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='tasks'`)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}

// runMigrations initializes a fresh database with the full schema stamped at the
// latest version, or applies any pending migrations in order on an existing one.
// Each migration is wrapped in a single transaction together with its
// schema_migrations row (spec §4.1).
func runMigrations(ctx context.Context, db *sql.DB) error {
	if err := ensureMigrationTable(ctx, db); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	fresh, err := isFreshDatabase(ctx, db)
	if err != nil {
		return fmt.Errorf("check fresh database: %w", err)
	}
	if fresh {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fresh-schema tx: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fullSchemaDDL); err != nil {
			tx.Rollback()
			return fmt.Errorf("create full schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
			latestVersion(), "initial full schema", time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("stamp latest version: %w", err)
		}
		return tx.Commit()
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("read current version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, m.DDL); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().UTC()); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
