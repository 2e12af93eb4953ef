package queue

import (
	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name: "postgres",
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
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			next_attempt_at BIGINT NOT NULL DEFAULT 0
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
	numbered: true,
	lockRow:  " FOR UPDATE",
	noLimit:  "LIMIT ALL",
}

// NewPostgresStorage connects to (and migrates) a PostgreSQL database.
// dsn is a postgres:// URL or a key=value connection string.
func NewPostgresStorage(dsn string) (*SQLStorage, error) {
	return openSQL("pgx", dsn, postgresDialect)
}
