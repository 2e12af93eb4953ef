package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/courier/internal/email"
	"github.com/foxzi/courier/internal/relay"
)

// SQLStorage implements Storage on a SQL database. Conditional writes
// run in one transaction that locks the row, so several processes may share
// the database.
type SQLStorage struct {
	db *sql.DB
	d  dialect
}

// dialect holds what differs between the SQL backends
type dialect struct {
	name       string
	migrations []string

	// numbered placeholders ($1, $2) instead of ?
	numbered bool

	// appended to SELECTs that precede a conditional write
	lockRow string

	// LIMIT clause meaning no limit
	noLimit string
}

func openSQL(driverName, dsn string, d dialect) (*SQLStorage, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLStorage{db: db, d: d}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLStorage) migrate() error {
	for _, m := range s.d.migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("%s migration failed: %w", s.d.name, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for the dialect
func (s *SQLStorage) rebind(query string) string {
	if !s.d.numbered {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const emailColumns = `id, sender, subject, body, recipients, status, reason, tries, worker_id, created_at, updated_at, next_attempt_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmail(row rowScanner) (*email.Email, error) {
	var (
		e          email.Email
		recipients string
		status     string
		created    int64
		updated    int64
		next       int64
	)

	err := row.Scan(&e.ID, &e.Sender, &e.Subject, &e.Body, &recipients, &status,
		&e.Reason, &e.Tries, &e.WorkerID, &created, &updated, &next)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(recipients), &e.Recipients); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients: %w", err)
	}
	e.Status = email.Status(status)
	e.CreatedAt = fromUnixNano(created)
	e.UpdatedAt = fromUnixNano(updated)
	e.NextAttemptAt = fromUnixNano(next)

	return &e, nil
}

func emailArgs(e *email.Email) ([]any, error) {
	recipients := e.Recipients
	if recipients == nil {
		recipients = []email.Recipient{}
	}
	data, err := json.Marshal(recipients)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal recipients: %w", err)
	}

	return []any{
		e.ID, e.Sender, e.Subject, e.Body, string(data), string(e.Status), e.Reason,
		e.Tries, e.WorkerID, toUnixNano(e.CreatedAt), toUnixNano(e.UpdatedAt), toUnixNano(e.NextAttemptAt),
	}, nil
}

// Insert stores a new email
func (s *SQLStorage) Insert(ctx context.Context, e *email.Email) error {
	args, err := emailArgs(e)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO emails (`+emailColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
	return wrapErr("insert", err)
}

// Get retrieves an email by ID
func (s *SQLStorage) Get(ctx context.Context, id string) (*email.Email, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+emailColumns+` FROM emails WHERE id = ?`), id)

	e, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get", err)
	}
	return e, nil
}

// List returns emails ordered by creation time
func (s *SQLStorage) List(ctx context.Context, filter ListFilter) ([]*email.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails`
	var args []any

	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, id`

	switch {
	case filter.Limit > 0:
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	case filter.Offset > 0:
		query += ` ` + s.d.noLimit + ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, wrapErr("list", err)
	}
	defer rows.Close()

	var emails []*email.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, wrapErr("list", err)
		}
		emails = append(emails, e)
	}

	return emails, wrapErr("list", rows.Err())
}

// Delete removes an email unless it is being delivered
func (s *SQLStorage) Delete(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM emails WHERE id = ?`+s.d.lockRow), id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if email.Status(status) == email.StatusInProgress {
			return ErrInProgress
		}

		_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM emails WHERE id = ?`), id)
		return err
	})
	return wrapErr("delete", err)
}

// Stats returns queue statistics
func (s *SQLStorage) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), MIN(created_at) FROM emails GROUP BY status`)
	if err != nil {
		return nil, wrapErr("stats", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var (
			status string
			count  int64
			oldest int64
		)
		if err := rows.Scan(&status, &count, &oldest); err != nil {
			return nil, wrapErr("stats", err)
		}

		stats.Total += count
		switch email.Status(status) {
		case email.StatusIncomplete:
			stats.Incomplete = count
			stats.OldestIncomplete = fromUnixNano(oldest)
		case email.StatusInProgress:
			stats.InProgress = count
		case email.StatusComplete:
			stats.Complete = count
		case email.StatusFailed:
			stats.Failed = count
		}
	}

	return stats, wrapErr("stats", rows.Err())
}

// FindOne returns the oldest email matching q
func (s *SQLStorage) FindOne(ctx context.Context, q Query) (*email.Email, error) {
	var (
		where []string
		args  []any
	)
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.ReadyBy.IsZero() {
		where = append(where, "next_attempt_at <= ?")
		args = append(args, toUnixNano(q.ReadyBy))
	}
	if !q.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, toUnixNano(q.UpdatedBefore))
	}

	query := `SELECT ` + emailColumns + ` FROM emails`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id LIMIT 1`

	e, err := scanEmail(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("find", err)
	}
	return e, nil
}

// Swap applies fn to the email if it matches cond, in one transaction
// holding the row
func (s *SQLStorage) Swap(ctx context.Context, id string, cond Condition, fn func(e *email.Email) error) (*email.Email, error) {
	var result *email.Email

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := scanEmail(tx.QueryRowContext(ctx, s.rebind(`SELECT `+emailColumns+` FROM emails WHERE id = ?`+s.d.lockRow), id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !cond.Match(e) {
			return ErrConditionFailed
		}

		if err := fn(e); err != nil {
			return &callerError{err: err}
		}
		e.ID = id
		e.UpdatedAt = time.Now()

		if err := s.updateEmail(ctx, tx, e); err != nil {
			return err
		}

		result = e
		return nil
	})
	if err != nil {
		return nil, wrapErr("swap", err)
	}

	return result, nil
}

// Update overwrites the email by ID
func (s *SQLStorage) Update(ctx context.Context, e *email.Email) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e.UpdatedAt = time.Now()
		return s.updateEmail(ctx, tx, e)
	})
	return wrapErr("update", err)
}

func (s *SQLStorage) updateEmail(ctx context.Context, tx *sql.Tx, e *email.Email) error {
	args, err := emailArgs(e)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE emails SET sender = ?, subject = ?, body = ?, recipients = ?, status = ?, reason = ?,
			tries = ?, worker_id = ?, created_at = ?, updated_at = ?, next_attempt_at = ?
		WHERE id = ?`), append(args[1:], e.ID)...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CleanupFinished removes complete emails older than maxAge
func (s *SQLStorage) CleanupFinished(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM emails WHERE status = ? AND updated_at < ?`),
		string(email.StatusComplete), toUnixNano(time.Now().Add(-maxAge)))
	if err != nil {
		return 0, wrapErr("cleanup", err)
	}

	n, err := res.RowsAffected()
	return int(n), wrapErr("cleanup", err)
}

// AddServer stores a relay server, assigning an ID when missing
func (s *SQLStorage) AddServer(ctx context.Context, srv *relay.Server) error {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO servers (id, hostname, port, username, password, tls) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET hostname = excluded.hostname, port = excluded.port,
			username = excluded.username, password = excluded.password, tls = excluded.tls`),
		srv.ID, srv.Hostname, srv.Port, srv.Username, srv.Password, string(srv.TLS))
	return wrapErr("add server", err)
}

// ListServers returns every relay server
func (s *SQLStorage) ListServers(ctx context.Context) ([]relay.Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hostname, port, username, password, tls FROM servers ORDER BY hostname, port`)
	if err != nil {
		return nil, wrapErr("list servers", err)
	}
	defer rows.Close()

	var servers []relay.Server
	for rows.Next() {
		var (
			srv relay.Server
			tls string
		)
		if err := rows.Scan(&srv.ID, &srv.Hostname, &srv.Port, &srv.Username, &srv.Password, &tls); err != nil {
			return nil, wrapErr("list servers", err)
		}
		srv.TLS = relay.TLSMode(tls)
		servers = append(servers, srv)
	}

	return servers, wrapErr("list servers", rows.Err())
}

// DeleteServer removes a relay server
func (s *SQLStorage) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM servers WHERE id = ?`), id)
	if err != nil {
		return wrapErr("delete server", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("delete server", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database connection
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func (s *SQLStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
