// Package claim gives one worker at a time exclusive ownership of an email.
// All coordination goes through the store's conditional update, so workers
// in different processes can share one store.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/courier/internal/email"
	"github.com/foxzi/courier/internal/queue"
)

// ErrClaimLost is returned when the worker no longer owns the email,
// usually because the reaper took it back
var ErrClaimLost = errors.New("claim lost")

// Outcome is how a worker finishes a claim
type Outcome struct {
	Status email.Status
	Reason string

	// Recipients replaces the stored recipients when set
	Recipients []email.Recipient

	// NextAttemptAt delays the next claim of a requeued email
	NextAttemptAt time.Time
}

// Manager claims and releases emails
type Manager struct {
	store    queue.Store
	maxTries int
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a claim manager
func NewManager(store queue.Store, maxTries int, logger *slog.Logger) *Manager {
	if maxTries <= 0 {
		maxTries = 3
	}
	return &Manager{
		store:    store,
		maxTries: maxTries,
		logger:   logger,
		now:      time.Now,
	}
}

// MaxTries returns the retry cap
func (m *Manager) MaxTries() int {
	return m.maxTries
}

// TryClaim claims the oldest eligible incomplete email for workerID.
// It returns nil, nil when there is no work or another worker won the race.
func (m *Manager) TryClaim(ctx context.Context, workerID string) (*email.Email, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}

	candidate, err := m.store.FindOne(ctx, queue.Query{
		Status:  email.StatusIncomplete,
		ReadyBy: m.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find email: %w", err)
	}
	if candidate == nil {
		return nil, nil
	}

	claimed, err := m.store.Swap(ctx, candidate.ID, queue.Unclaimed(), func(e *email.Email) error {
		e.Status = email.StatusInProgress
		e.WorkerID = workerID
		e.Tries++
		return nil
	})
	switch {
	case errors.Is(err, queue.ErrConditionFailed), errors.Is(err, queue.ErrNotFound):
		m.logger.Debug("claim race lost", "email_id", candidate.ID, "worker_id", workerID)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to claim email %s: %w", candidate.ID, err)
	}

	return claimed, nil
}

// Record persists the outcome of one recipient while the claim is held.
// It also refreshes updated_at, which keeps the reaper away.
func (m *Manager) Record(ctx context.Context, claimed *email.Email, index int, r email.Recipient) (*email.Email, error) {
	updated, err := m.store.Swap(ctx, claimed.ID, queue.OwnedBy(claimed.WorkerID), func(e *email.Email) error {
		if index < 0 || index >= len(e.Recipients) {
			return fmt.Errorf("recipient index %d out of range", index)
		}
		e.Recipients[index].StatusCode = r.StatusCode
		e.Recipients[index].Reason = r.Reason
		return nil
	})
	if err != nil {
		return nil, m.ownershipErr(claimed, "record recipient", err)
	}
	return updated, nil
}

// Release ends the claim. Requeueing an email that has used up its tries
// fails it instead.
func (m *Manager) Release(ctx context.Context, claimed *email.Email, out Outcome) (*email.Email, error) {
	released, err := m.store.Swap(ctx, claimed.ID, queue.OwnedBy(claimed.WorkerID), func(e *email.Email) error {
		if out.Recipients != nil {
			if len(out.Recipients) != len(e.Recipients) {
				return errors.New("recipients cannot be added or removed")
			}
			copy(e.Recipients, out.Recipients)
		}

		status := out.Status
		reason := out.Reason
		switch status {
		case email.StatusComplete:
			if !e.AllDelivered() {
				return fmt.Errorf("email %s has undelivered recipients", e.ID)
			}
			reason = ""
		case email.StatusIncomplete:
			if e.Tries >= m.maxTries {
				status = email.StatusFailed
				reason = e.UndeliveredReason()
			}
		case email.StatusFailed:
			if reason == "" {
				reason = e.UndeliveredReason()
			}
		default:
			return fmt.Errorf("cannot release email as %q", status)
		}

		e.Status = status
		e.Reason = reason
		e.WorkerID = ""
		if status == email.StatusIncomplete {
			e.NextAttemptAt = out.NextAttemptAt
		} else {
			e.NextAttemptAt = time.Time{}
		}
		return nil
	})
	if err != nil {
		return nil, m.ownershipErr(claimed, "release", err)
	}
	return released, nil
}

// Reap takes back claims whose updated_at is older than timeout. A stale
// email that turns out to be fully delivered is completed, one out of
// tries is failed, anything else is requeued.
func (m *Manager) Reap(ctx context.Context, timeout time.Duration) (int, error) {
	reaped := 0
	cutoff := m.now().Add(-timeout)

	for {
		stale, err := m.store.FindOne(ctx, queue.Query{
			Status:        email.StatusInProgress,
			UpdatedBefore: cutoff,
		})
		if err != nil {
			return reaped, fmt.Errorf("failed to find stale claims: %w", err)
		}
		if stale == nil {
			return reaped, nil
		}

		cond := queue.OwnedBy(stale.WorkerID)
		cond.UpdatedAt = stale.UpdatedAt

		reclaimed, err := m.store.Swap(ctx, stale.ID, cond, func(e *email.Email) error {
			e.WorkerID = ""
			e.NextAttemptAt = time.Time{}
			switch {
			case e.AllDelivered():
				e.Status = email.StatusComplete
				e.Reason = ""
			case e.Tries >= m.maxTries:
				e.Status = email.StatusFailed
				e.Reason = e.UndeliveredReason()
			default:
				e.Status = email.StatusIncomplete
			}
			return nil
		})
		switch {
		case errors.Is(err, queue.ErrConditionFailed), errors.Is(err, queue.ErrNotFound):
			// The owner made progress or finished meanwhile
			continue
		case err != nil:
			return reaped, fmt.Errorf("failed to reap email %s: %w", stale.ID, err)
		}

		reaped++
		m.logger.Warn("reclaimed stuck email",
			"email_id", reclaimed.ID,
			"worker_id", stale.WorkerID,
			"status", reclaimed.Status,
			"tries", reclaimed.Tries,
			"stale_since", stale.UpdatedAt,
		)
	}
}

// Requeue puts a finished email back in the queue with a fresh retry budget.
// Emails being delivered cannot be requeued.
func (m *Manager) Requeue(ctx context.Context, id string) (*email.Email, error) {
	requeued, err := m.store.Swap(ctx, id, queue.Condition{}, func(e *email.Email) error {
		if e.Status == email.StatusInProgress {
			return queue.ErrInProgress
		}
		e.Status = email.StatusIncomplete
		e.Reason = ""
		e.Tries = 0
		e.WorkerID = ""
		e.NextAttemptAt = time.Time{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to requeue email %s: %w", id, err)
	}
	return requeued, nil
}

func (m *Manager) ownershipErr(claimed *email.Email, op string, err error) error {
	if errors.Is(err, queue.ErrConditionFailed) || errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", op, claimed.ID, ErrClaimLost)
	}
	return fmt.Errorf("failed to %s %s: %w", op, claimed.ID, err)
}
