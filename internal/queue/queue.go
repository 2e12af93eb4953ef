package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/courier/internal/email"
	"github.com/foxzi/courier/internal/relay"
)

var (
	// ErrNotFound is returned when an email or server does not exist
	ErrNotFound = errors.New("not found")

	// ErrConditionFailed is returned by Swap when the stored email no longer
	// matches the expected condition
	ErrConditionFailed = errors.New("condition failed")

	// ErrInProgress is returned when deleting an email a worker is delivering
	ErrInProgress = errors.New("email is being delivered")
)

// TransientError wraps a storage engine failure that may go away on retry
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a storage failure worth retrying
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// callerError carries an error returned by a Swap callback out of the
// transaction so it is not mistaken for a storage failure
type callerError struct {
	err error
}

func (e *callerError) Error() string {
	return e.err.Error()
}

func (e *callerError) Unwrap() error {
	return e.err
}

// wrapErr leaves the store's sentinel errors and callback errors untouched
// and marks everything else as transient
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *callerError
	if errors.As(err, &ce) {
		return ce.err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConditionFailed) || errors.Is(err, ErrInProgress) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// Query selects emails. Zero fields are ignored.
type Query struct {
	Status email.Status

	// ReadyBy matches emails whose next_attempt_at is not after it
	ReadyBy time.Time

	// UpdatedBefore matches emails last updated strictly before it
	UpdatedBefore time.Time
}

// Match reports whether e satisfies the query
func (q Query) Match(e *email.Email) bool {
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	if !q.ReadyBy.IsZero() && e.NextAttemptAt.After(q.ReadyBy) {
		return false
	}
	if !q.UpdatedBefore.IsZero() && !e.UpdatedAt.Before(q.UpdatedBefore) {
		return false
	}
	return true
}

// Condition is the expected state of an email for Swap to apply.
// Status and UpdatedAt are ignored when zero; WorkerID is compared only
// when CheckWorker is set.
type Condition struct {
	Status      email.Status
	CheckWorker bool
	WorkerID    string
	UpdatedAt   time.Time
}

// Unclaimed matches an incomplete email nobody holds
func Unclaimed() Condition {
	return Condition{Status: email.StatusIncomplete, CheckWorker: true}
}

// OwnedBy matches an email claimed by workerID
func OwnedBy(workerID string) Condition {
	return Condition{Status: email.StatusInProgress, CheckWorker: true, WorkerID: workerID}
}

// Match reports whether e satisfies the condition
func (c Condition) Match(e *email.Email) bool {
	if c.Status != "" && e.Status != c.Status {
		return false
	}
	if c.CheckWorker && e.WorkerID != c.WorkerID {
		return false
	}
	if !c.UpdatedAt.IsZero() && !e.UpdatedAt.Equal(c.UpdatedAt) {
		return false
	}
	return true
}

// ListFilter represents filter options for listing emails
type ListFilter struct {
	Status email.Status
	Limit  int
	Offset int
}

// Stats represents queue statistics
type Stats struct {
	Incomplete       int64     `json:"incomplete"`
	InProgress       int64     `json:"in_progress"`
	Complete         int64     `json:"complete"`
	Failed           int64     `json:"failed"`
	Total            int64     `json:"total"`
	OldestIncomplete time.Time `json:"oldest_incomplete,omitempty"`
}

func (s *Stats) add(e *email.Email) {
	s.Total++
	switch e.Status {
	case email.StatusIncomplete:
		s.Incomplete++
		if s.OldestIncomplete.IsZero() || e.CreatedAt.Before(s.OldestIncomplete) {
			s.OldestIncomplete = e.CreatedAt
		}
	case email.StatusInProgress:
		s.InProgress++
	case email.StatusComplete:
		s.Complete++
	case email.StatusFailed:
		s.Failed++
	}
}

// Store is the persisted collection of emails the delivery engine works on
type Store interface {
	// Insert stores a new email
	Insert(ctx context.Context, e *email.Email) error

	// Get retrieves an email by ID
	// Returns nil, nil if it does not exist
	Get(ctx context.Context, id string) (*email.Email, error)

	// List returns emails ordered by creation time
	List(ctx context.Context, filter ListFilter) ([]*email.Email, error)

	// Delete removes an email. Emails in progress are refused with ErrInProgress.
	Delete(ctx context.Context, id string) error

	// Stats returns queue statistics
	Stats(ctx context.Context) (*Stats, error)

	// FindOne returns the oldest email (by created_at) matching q
	// Returns nil, nil if none matches
	FindOne(ctx context.Context, q Query) (*email.Email, error)

	// Swap atomically applies fn to the email if it still matches cond and
	// returns the stored result. updated_at is always stamped.
	Swap(ctx context.Context, id string, cond Condition, fn func(e *email.Email) error) (*email.Email, error)

	// Update overwrites the email by ID without any condition. The delivery
	// engine never calls it; it is for tooling that owns the whole store,
	// such as migrations and fixtures.
	Update(ctx context.Context, e *email.Email) error

	// CleanupFinished removes complete emails last updated before now-maxAge
	CleanupFinished(ctx context.Context, maxAge time.Duration) (int, error)

	// Close closes the storage connection
	Close() error
}

// ServerStore persists the relay servers emails are sent through
type ServerStore interface {
	AddServer(ctx context.Context, srv *relay.Server) error
	ListServers(ctx context.Context) ([]relay.Server, error)
	DeleteServer(ctx context.Context, id string) error
}

// Storage is a Store that also keeps relay servers
type Storage interface {
	Store
	ServerStore
}

// Storage drivers
const (
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open opens the storage backend selected by driver. path is a file for
// bolt and sqlite and a connection string for postgres.
func Open(driver, path string) (Storage, error) {
	switch driver {
	case "", DriverBolt:
		return NewBoltStorage(path)
	case DriverSQLite:
		return NewSQLiteStorage(path)
	case DriverPostgres:
		return NewPostgresStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
