package queue

import (
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name: "sqlite",
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS emails (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			recipients TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			tries INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			next_attempt_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_emails_status_created ON emails(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_emails_status_updated ON emails(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			port INTEGER NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			tls TEXT NOT NULL DEFAULT ''
		)`,
	},
	// IMMEDIATE transactions take the write lock up front
	lockRow: "",
	noLimit: "LIMIT -1",
}

// NewSQLiteStorage opens (and migrates) a SQLite file. Every transaction is
// IMMEDIATE, so processes sharing the file serialize their writes.
func NewSQLiteStorage(path string) (*SQLStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return openSQL("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", sqliteDialect)
}
