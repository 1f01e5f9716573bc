// Package db opens the shared SQLite database and applies the schema.
// The request store, credential authority, and completion notifier all
// operate on this one handle; their correctness comes from conditional
// UPDATE statements, so SQLite's single-writer semantics are sufficient
// even with multiple service instances pointed at the same file.
package db

import (
	"database/sql"
	"log/slog"

	"github.com/peerframe/screenshotd/pkg/errors"
	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the engine database at dbPath.
func Open(dbPath string) (*sql.DB, error) {
	slog.Info("database_init", "db_path", dbPath)

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Serialize writers up front rather than surfacing SQLITE_BUSY to
	// concurrent upload handlers.
	if _, err := conn.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		conn.Close()
		slog.Error("database_pragma_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to configure database")
	}

	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return conn, nil
}
