package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/courier/internal/email"
	"github.com/foxzi/courier/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T) queue.Storage {
	t.Helper()

	s, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "claim.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insert(t *testing.T, s queue.Store, id string, created time.Time, addrs ...string) *email.Email {
	t.Helper()

	e := &email.Email{
		ID:        id,
		Sender:    "alice@x.com",
		Subject:   "Hi",
		Body:      "Hello",
		Status:    email.StatusIncomplete,
		CreatedAt: created,
		UpdatedAt: created,
	}
	for _, a := range addrs {
		e.Recipients = append(e.Recipients, email.Recipient{Address: a, Type: email.RecipientTo})
	}
	if err := s.Insert(context.Background(), e); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return e
}

func TestTryClaim(t *testing.T) {
	s := newStore(t)
	m := NewManager(s, 3, testLogger())
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	insert(t, s, "second", base.Add(time.Minute), "bob@x.com")
	insert(t, s, "first", base, "bob@x.com")

	claimed, err := m.TryClaim(ctx, "w1")
	if err != nil {
		t.Fatalf("TryClaim() error = %v", err)
	}
	if claimed == nil || claimed.ID != "first" {
		t.Fatalf("TryClaim() = %v, want oldest email", claimed)
	}
	if claimed.Status != email.StatusInProgress || claimed.WorkerID != "w1" || claimed.Tries != 1 {
		t.Errorf("TryClaim() = status %v worker %q tries %d", claimed.Status, claimed.WorkerID, claimed.Tries)
	}

	next, err := m.TryClaim(ctx, "w2")
	if err != nil {
		t.Fatalf("TryClaim() error = %v", err)
	}
	if next == nil || next.ID != "second" {
		t.Fatalf("TryClaim() = %v, want second", next)
	}

	none, err := m.TryClaim(ctx, "w3")
	if err != nil || none != nil {
		t.Errorf("TryClaim() on empty queue = %v, %v", none, err)
	}

	if _, err := m.TryClaim(ctx, ""); err == nil {
		t.Error("TryClaim() with empty worker id succeeded")
	}
}

func TestTryClaimSkipsBackedOff(t *testing.T) {
	s := newStore(t)
	m := NewManager(s, 3, testLogger())
	ctx := context.Background()

	e := insert(t, s, "later", time.Now().Add(-time.Hour), "bob@x.com")
	e.NextAttemptAt = time.Now().Add(time.Hour)
	if err := s.Update(ctx, e); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if got, err := m.TryClaim(ctx, "w1"); err != nil || got != nil {
		t.Fatalf("TryClaim() = %v, %v, want nothing before next_attempt_at", got, err)
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if got, err := m.TryClaim(ctx, "w1"); err != nil || got == nil {
		t.Fatalf("TryClaim() = %v, %v, want the email after next_attempt_at", got, err)
	}
}

func TestTryClaimMutualExclusion(t *testing.T) {
	s := newStore(t)
	m := NewManager(s, 3, testLogger())
	ctx := context.Background()

	insert(t, s, "only", time.Now(), "bob@x.com")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			got, err := m.TryClaim(ctx, worker)
			if err != nil {
				t.Errorf("TryClaim() error = %v", err)
				return
			}
			if got != nil {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()

	if claims != 1 {
		t.Fatalf("email claimed %d times, want 1", claims)
	}

	stored, _ := s.Get(ctx, "only")
	if stored.Tries != 1 {
		t.Errorf("tries = %d, want 1", stored.Tries)
	}
}

func TestRecordAndRelease(t *testing.T) {
	s := newStore(t)
	m := NewManager(s, 3, testLogger())
	ctx := context.Background()

	insert(t, s, "e1", time.Now(), "bob@x.com", "carol@x.com")

	claimed, err := m.TryClaim(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("TryClaim() = %v, %v", claimed, err)
	}

	if _, err := m.Record(ctx, claimed, 0, email.Recipient{StatusCode: email.StatusCodeDelivered}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	stored, _ := s.Get(ctx, "e1")
	if !stored.Recipients[0].Delivered() {
		t.Error("Record() did not persist the recipient outcome")
	}

	// A bad index is a caller bug, not a store failure
	if _, err := m.Record(ctx, claimed, 5, email.Recipient{StatusCode: email.StatusCodeDelivered}); err == nil || queue.IsTransient(err) {
		t.Errorf("Record() out of range error = %v, want a non-transient error", err)
	}

	// Completing with an undelivered recipient is refused
	if _, err := m.Release(ctx, claimed, Outcome{Status: email.StatusComplete}); err == nil || queue.IsTransient(err) {
		t.Errorf("Release(complete) with undelivered recipients error = %v, want a non-transient error", err)
	}

	released, err := m.Release(ctx, claimed, Outcome{Status: email.StatusIncomplete})
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if released.Status != email.StatusIncomplete || released.WorkerID != "" {
		t.Errorf("Release() = status %v worker %q", released.Status, released.WorkerID)
	}

	// The old claim is gone
	if _, err := m.Record(ctx, claimed, 1, email.Recipient{StatusCode: email.StatusCodeDelivered}); !errors.Is(err, ErrClaimLost) {
		t.Errorf("Record() after release error = %v, want ErrClaimLost", err)
	}
	if _, err := m.Release(ctx, claimed, Outcome{Status: email.StatusIncomplete}); !errors.Is(err, ErrClaimLost) {
		t.Errorf("Release() twice error = %v, want ErrClaimLost", err)
	}
}

func TestReleaseAtMaxTriesFails(t *testing.T) {
	s := newStore(t)
	m := NewManager(s, 1, testLogger())
	ctx := context.Background()

	insert(t, s, "e1", time.Now(), "bob@x.com")

	claimed, _ := m.TryClaim(ctx, "w1")
	released, err := m.Release(ctx, claimed, Outcome{Status: email.StatusIncomplete})
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if released.Status != email.StatusFailed {
		t.Errorf("Release() status = %v, want failed", released.Status)
	}
	if released.Reason != "undelivered recipients: bob@x.com" {
		t.Errorf("Release() reason = %q", released.Reason)
	}
}

func TestReap(t *testing.T) {
	s := newStore(t)
	m := NewManager(s, 3, testLogger())
	ctx := context.Background()

	insert(t, s, "stuck", time.Now().Add(-time.Hour), "bob@x.com")
	claimed, _ := m.TryClaim(ctx, "dead-worker")
	if claimed == nil {
		t.Fatal("TryClaim() returned nil")
	}

	// Fresh claims are left alone
	n, err := m.Reap(ctx, time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("Reap() = %d, %v, want 0", n, err)
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = m.Reap(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Reap() = %d, want 1", n)
	}

	stored, _ := s.Get(ctx, "stuck")
	if stored.Status != email.StatusIncomplete || stored.WorkerID != "" {
		t.Errorf("after reap status = %v worker %q", stored.Status, stored.WorkerID)
	}
	if stored.Tries != 1 {
		t.Errorf("after reap tries = %d, want 1", stored.Tries)
	}

	// The dead worker cannot finish what it no longer owns
	if _, err := m.Release(ctx, claimed, Outcome{Status: email.StatusIncomplete}); !errors.Is(err, ErrClaimLost) {
		t.Errorf("Release() after reap error = %v, want ErrClaimLost", err)
	}
}

func TestReapFinalizes(t *testing.T) {
	s := newStore(t)
	m := NewManager(s, 1, testLogger())
	ctx := context.Background()

	insert(t, s, "delivered", time.Now().Add(-2*time.Hour), "bob@x.com")
	insert(t, s, "exhausted", time.Now().Add(-time.Hour), "carol@x.com")

	first, _ := m.TryClaim(ctx, "w1")
	if _, err := m.Record(ctx, first, 0, email.Recipient{StatusCode: email.StatusCodeDelivered}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if second, _ := m.TryClaim(ctx, "w2"); second == nil {
		t.Fatal("TryClaim() returned nil")
	}

	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := m.Reap(ctx, time.Minute)
	if err != nil || n != 2 {
		t.Fatalf("Reap() = %d, %v, want 2", n, err)
	}

	delivered, _ := s.Get(ctx, "delivered")
	if delivered.Status != email.StatusComplete {
		t.Errorf("delivered status = %v, want complete", delivered.Status)
	}
	exhausted, _ := s.Get(ctx, "exhausted")
	if exhausted.Status != email.StatusFailed || exhausted.Reason == "" {
		t.Errorf("exhausted = %v %q, want failed with reason", exhausted.Status, exhausted.Reason)
	}
	for _, e := range []*email.Email{delivered, exhausted} {
		if e.WorkerID != "" {
			t.Errorf("%s worker_id = %q after reap", e.ID, e.WorkerID)
		}
	}
}

func TestRequeue(t *testing.T) {
	s := newStore(t)
	m := NewManager(s, 1, testLogger())
	ctx := context.Background()

	insert(t, s, "e1", time.Now(), "bob@x.com")

	claimed, _ := m.TryClaim(ctx, "w1")
	if _, err := m.Requeue(ctx, "e1"); !errors.Is(err, queue.ErrInProgress) {
		t.Errorf("Requeue() of in_progress email error = %v, want ErrInProgress", err)
	}

	if _, err := m.Release(ctx, claimed, Outcome{Status: email.StatusFailed}); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	requeued, err := m.Requeue(ctx, "e1")
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if requeued.Status != email.StatusIncomplete || requeued.Tries != 0 || requeued.Reason != "" {
		t.Errorf("Requeue() = %v tries %d reason %q", requeued.Status, requeued.Tries, requeued.Reason)
	}

	if _, err := m.Requeue(ctx, "missing"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("Requeue() of missing email error = %v, want ErrNotFound", err)
	}
}
