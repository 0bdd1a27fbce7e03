package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create tasks and resources",
		sql: `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_url TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	finished_at TIMESTAMP,
	total_items INTEGER NOT NULL DEFAULT 0,
	downloaded_items INTEGER NOT NULL DEFAULT 0,
	save_path TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS resources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	filename TEXT,
	local_path TEXT,
	file_size INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	error TEXT,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_resources_task_url ON resources(task_id, url);
CREATE INDEX IF NOT EXISTS idx_resources_task ON resources(task_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`,
	},
}

// applyMigrations brings the schema up to the latest version. Each
// migration runs in its own transaction and is recorded in
// schema_migrations.
func applyMigrations(db *sql.DB, logger arbor.ILogger) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return &common.StorageError{Op: "create migrations table", Err: err}
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return &common.StorageError{Op: "read schema version", Err: err}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return &common.StorageError{Op: "begin migration", Err: err}
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return &common.StorageError{
				Op:  fmt.Sprintf("apply migration %d", m.version),
				Err: err,
			}
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
			tx.Rollback()
			return &common.StorageError{
				Op:  fmt.Sprintf("record migration %d", m.version),
				Err: err,
			}
		}
		if err := tx.Commit(); err != nil {
			return &common.StorageError{
				Op:  fmt.Sprintf("commit migration %d", m.version),
				Err: err,
			}
		}

		logger.Info().
			Int("version", m.version).
			Str("name", m.name).
			Msg("Applied migration")
	}

	return nil
}
