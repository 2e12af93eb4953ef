package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/courier/internal/email"
	"github.com/foxzi/courier/internal/relay"
)

var (
	bucketEmails     = []byte("emails")
	bucketIncomplete = []byte("incomplete")
	bucketServers    = []byte("servers")
)

// BoltStorage implements Storage using BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEmails, bucketIncomplete, bucketServers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Insert stores a new email
func (s *BoltStorage) Insert(ctx context.Context, e *email.Email) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEmails)
		if b.Get([]byte(e.ID)) != nil {
			return fmt.Errorf("email %s already exists", e.ID)
		}
		return putEmail(tx, e)
	})
	return wrapErr("insert", err)
}

// Get retrieves an email by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*email.Email, error) {
	var e *email.Email

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEmails).Get([]byte(id))
		if data == nil {
			return nil
		}

		e = &email.Email{}
		return json.Unmarshal(data, e)
	})

	return e, wrapErr("get", err)
}

// List returns emails ordered by creation time
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*email.Email, error) {
	var emails []*email.Email

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEmails).ForEach(func(k, v []byte) error {
			var e email.Email
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if filter.Status != "" && e.Status != filter.Status {
				return nil
			}
			emails = append(emails, &e)
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("list", err)
	}

	sortByCreated(emails)

	if filter.Offset > 0 {
		if filter.Offset >= len(emails) {
			return nil, nil
		}
		emails = emails[filter.Offset:]
	}
	if filter.Limit > 0 && len(emails) > filter.Limit {
		emails = emails[:filter.Limit]
	}

	return emails, nil
}

// Delete removes an email unless it is being delivered
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEmails)

		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var e email.Email
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		if e.Status == email.StatusInProgress {
			return ErrInProgress
		}

		if err := tx.Bucket(bucketIncomplete).Delete(makeIndexKey(e.CreatedAt, e.ID)); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
	return wrapErr("delete", err)
}

// Stats returns queue statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEmails).ForEach(func(k, v []byte) error {
			var e email.Email
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			stats.add(&e)
			return nil
		})
	})

	return stats, wrapErr("stats", err)
}

// FindOne returns the oldest email matching q
func (s *BoltStorage) FindOne(ctx context.Context, q Query) (*email.Email, error) {
	var found *email.Email

	err := s.db.View(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketEmails)

		// Incomplete emails are indexed by creation time
		if q.Status == email.StatusIncomplete {
			c := tx.Bucket(bucketIncomplete).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				data := msgBucket.Get(v)
				if data == nil {
					continue
				}

				var e email.Email
				if err := json.Unmarshal(data, &e); err != nil {
					continue
				}
				if q.Match(&e) {
					found = &e
					return nil
				}
			}
			return nil
		}

		return msgBucket.ForEach(func(k, v []byte) error {
			var e email.Email
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if !q.Match(&e) {
				return nil
			}
			if found == nil || e.CreatedAt.Before(found.CreatedAt) {
				found = &e
			}
			return nil
		})
	})

	return found, wrapErr("find", err)
}

// Swap applies fn to the email if it matches cond, in one write transaction
func (s *BoltStorage) Swap(ctx context.Context, id string, cond Condition, fn func(e *email.Email) error) (*email.Email, error) {
	var result *email.Email

	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEmails).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var e email.Email
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("failed to unmarshal email: %w", err)
		}
		if !cond.Match(&e) {
			return ErrConditionFailed
		}

		if err := fn(&e); err != nil {
			return &callerError{err: err}
		}
		e.ID = id
		e.UpdatedAt = time.Now()

		if err := putEmail(tx, &e); err != nil {
			return err
		}

		result = &e
		return nil
	})
	if err != nil {
		return nil, wrapErr("swap", err)
	}

	return result, nil
}

// Update overwrites the email by ID
func (s *BoltStorage) Update(ctx context.Context, e *email.Email) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEmails).Get([]byte(e.ID)) == nil {
			return ErrNotFound
		}
		e.UpdatedAt = time.Now()
		return putEmail(tx, e)
	})
	return wrapErr("update", err)
}

// CleanupFinished removes complete emails older than maxAge
func (s *BoltStorage) CleanupFinished(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEmails)

		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e email.Email
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if e.Status == email.StatusComplete && e.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, wrapErr("cleanup", err)
}

// AddServer stores a relay server, assigning an ID when missing
func (s *BoltStorage) AddServer(ctx context.Context, srv *relay.Server) error {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}

	data, err := json.Marshal(srv)
	if err != nil {
		return fmt.Errorf("failed to marshal server: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).Put([]byte(srv.ID), data)
	})
	return wrapErr("add server", err)
}

// ListServers returns every relay server
func (s *BoltStorage) ListServers(ctx context.Context) ([]relay.Server, error) {
	var servers []relay.Server

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).ForEach(func(k, v []byte) error {
			var srv relay.Server
			if err := json.Unmarshal(v, &srv); err != nil {
				return nil
			}
			servers = append(servers, srv)
			return nil
		})
	})

	return servers, wrapErr("list servers", err)
}

// DeleteServer removes a relay server
func (s *BoltStorage) DeleteServer(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServers)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
	return wrapErr("delete server", err)
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// putEmail writes the document and keeps the incomplete index in sync
func putEmail(tx *bolt.Tx, e *email.Email) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal email: %w", err)
	}
	if err := tx.Bucket(bucketEmails).Put([]byte(e.ID), data); err != nil {
		return fmt.Errorf("failed to store email: %w", err)
	}

	index := tx.Bucket(bucketIncomplete)
	key := makeIndexKey(e.CreatedAt, e.ID)
	if e.Status == email.StatusIncomplete {
		return index.Put(key, []byte(e.ID))
	}
	return index.Delete(key)
}

// indexTimeLayout is fixed width so keys sort chronologically
const indexTimeLayout = "20060102T150405.000000000"

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeLayout) + ":" + id)
}

func sortByCreated(emails []*email.Email) {
	sort.SliceStable(emails, func(i, j int) bool {
		if emails[i].CreatedAt.Equal(emails[j].CreatedAt) {
			return emails[i].ID < emails[j].ID
		}
		return emails[i].CreatedAt.Before(emails[j].CreatedAt)
	})
}
