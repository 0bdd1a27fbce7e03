package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	_ "modernc.org/sqlite"

	"github.com/ternarybob/colligo/internal/common"
)

// Open creates (or opens) the catalog database and applies pragmas and
// migrations. Pragmas ride in the DSN so every pooled connection gets
// them, not just the first.
func Open(config *common.SQLiteConfig, logger arbor.ILogger) (*sql.DB, error) {
	if dir := filepath.Dir(config.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &common.StorageError{Op: "create database directory", Err: err}
		}
	}

	db, err := sql.Open("sqlite", buildDSN(config))
	if err != nil {
		return nil, &common.StorageError{Op: "open database", Err: err}
	}

	// modernc/sqlite serializes writes; a small pool keeps readers flowing
	// under WAL without piling up lock contention.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := checkIntegrity(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().
		Str("path", config.Path).
		Bool("wal", config.WALMode).
		Msg("Catalog database ready")

	return db, nil
}

func buildDSN(config *common.SQLiteConfig) string {
	busyTimeout := config.BusyTimeoutMS
	if busyTimeout <= 0 {
		busyTimeout = 5000
	}

	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout))
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "synchronous(NORMAL)")
	if config.WALMode {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	if config.CacheSizeMB > 0 {
		params.Add("_pragma", fmt.Sprintf("cache_size(-%d)", config.CacheSizeMB*1024))
	}

	return fmt.Sprintf("file:%s?%s", config.Path, params.Encode())
}

// checkIntegrity runs SQLite's self-check; anything but "ok" refuses the
// database rather than crawling on top of corruption.
func checkIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return &common.StorageError{Op: "integrity check", Err: err}
	}
	if result != "ok" {
		return &common.StorageError{Op: "integrity check", Err: fmt.Errorf("database corrupt: %s", result)}
	}
	return nil
}
