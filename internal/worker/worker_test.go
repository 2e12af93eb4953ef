package worker

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

	"github.com/foxzi/courier/internal/claim"
	"github.com/foxzi/courier/internal/email"
	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/queue"
	"github.com/foxzi/courier/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRelay records sends and fails them on demand
type fakeRelay struct {
	mu     sync.Mutex
	sends  []string
	counts map[string]int

	// fail decides the result of the n-th send (1-based) to an address
	fail     func(to string, n int) error
	availErr error

	// hang makes every send wait for its context to end
	hang bool
}

func newFakeRelay(fail func(to string, n int) error) *fakeRelay {
	return &fakeRelay{counts: make(map[string]int), fail: fail}
}

func (r *fakeRelay) Send(ctx context.Context, from, to string, msg []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without a deadline")
	}

	r.mu.Lock()
	r.sends = append(r.sends, to)
	r.counts[to]++
	n := r.counts[to]
	r.mu.Unlock()

	if r.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.fail != nil {
		return r.fail(to, n)
	}
	return nil
}

func (r *fakeRelay) Available(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availErr
}

func (r *fakeRelay) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sends...)
}

func (r *fakeRelay) count(to string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[to]
}

func rejected(code int) error {
	return &relay.DeliveryError{Code: code, Temporary: code < 500, Message: fmt.Sprintf("RCPT TO failed: %d mailbox unavailable", code)}
}

type fixture struct {
	store     queue.Storage
	claims    *claim.Manager
	relay     *fakeRelay
	deliverer *Deliverer
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, maxTries int, r *fakeRelay) *fixture {
	t.Helper()

	s, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "worker.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m := metrics.New()
	claims := claim.NewManager(s, maxTries, testLogger())
	d := NewDeliverer(claims, r, DelivererConfig{SendTimeout: time.Second}, m, testLogger())

	return &fixture{store: s, claims: claims, relay: r, deliverer: d, metrics: m}
}

func (f *fixture) insert(t *testing.T, id string, recipients ...email.Recipient) {
	t.Helper()

	now := time.Now()
	e := &email.Email{
		ID:         id,
		Sender:     "alice@x.com",
		Subject:    "Hello",
		Body:       "Hi",
		Recipients: recipients,
		Status:     email.StatusIncomplete,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := f.store.Insert(context.Background(), e); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
}

// attempt claims one email and delivers it
func (f *fixture) attempt(t *testing.T, workerID string) *email.Email {
	t.Helper()

	claimed, err := f.claims.TryClaim(context.Background(), workerID)
	if err != nil {
		t.Fatalf("TryClaim() error = %v", err)
	}
	if claimed == nil {
		t.Fatal("TryClaim() found no work")
	}

	released, err := f.deliverer.Deliver(context.Background(), claimed)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if released.Status == email.StatusIncomplete && released.WorkerID != "" {
		t.Fatalf("incomplete email kept worker_id %q", released.WorkerID)
	}
	return released
}

func to(addr string) email.Recipient {
	return email.Recipient{Address: addr, Type: email.RecipientTo}
}

func TestDeliverAllSucceed(t *testing.T) {
	f := newFixture(t, 3, newFakeRelay(nil))
	f.insert(t, "e1",
		email.Recipient{Address: "bcc@x.com", Type: email.RecipientBCC},
		email.Recipient{Address: "cc@x.com", Type: email.RecipientCC},
		to("to@x.com"),
	)

	got := f.attempt(t, "w1")
	if got.Status != email.StatusComplete || got.Reason != "" || got.WorkerID != "" {
		t.Errorf("Deliver() = %v %q worker %q", got.Status, got.Reason, got.WorkerID)
	}
	for _, r := range got.Recipients {
		if r.StatusCode != email.StatusCodeDelivered {
			t.Errorf("%s status_code = %d", r.Address, r.StatusCode)
		}
	}

	// to before cc before bcc
	sent := f.relay.sent()
	want := []string{"to@x.com", "cc@x.com", "bcc@x.com"}
	if fmt.Sprint(sent) != fmt.Sprint(want) {
		t.Errorf("send order = %v, want %v", sent, want)
	}
}

func TestDeliverRetriesUntilComplete(t *testing.T) {
	r := newFakeRelay(func(to string, n int) error {
		if to == "bob@x.com" && n <= 2 {
			return rejected(451)
		}
		return nil
	})
	f := newFixture(t, 3, r)
	f.insert(t, "e1", to("carol@x.com"), to("bob@x.com"))

	first := f.attempt(t, "w1")
	if first.Status != email.StatusIncomplete || first.Tries != 1 {
		t.Fatalf("after attempt 1: %v tries %d", first.Status, first.Tries)
	}
	if first.Recipients[1].StatusCode != 451 || first.Recipients[1].Reason == "" {
		t.Errorf("bob = %+v, want 451 with reason", first.Recipients[1])
	}

	f.attempt(t, "w2")
	final := f.attempt(t, "w3")

	if final.Status != email.StatusComplete {
		t.Errorf("status = %v, want complete", final.Status)
	}
	if final.Tries != 3 {
		t.Errorf("tries = %d, want 3", final.Tries)
	}
	if final.Recipients[1].Reason != "" {
		t.Errorf("bob reason = %q after success", final.Recipients[1].Reason)
	}

	// carol was delivered on the first attempt and never again
	if n := r.count("carol@x.com"); n != 1 {
		t.Errorf("carol sent %d times, want 1", n)
	}
	if n := r.count("bob@x.com"); n != 3 {
		t.Errorf("bob sent %d times, want 3", n)
	}
}

func TestDeliverFailsAtMaxTries(t *testing.T) {
	r := newFakeRelay(func(to string, n int) error { return rejected(550) })
	f := newFixture(t, 2, r)
	f.insert(t, "e1", to("bob@x.com"), email.Recipient{Address: "carol@x.com", Type: email.RecipientCC})

	f.attempt(t, "w1")
	final := f.attempt(t, "w2")

	if final.Status != email.StatusFailed {
		t.Fatalf("status = %v, want failed", final.Status)
	}
	if final.Tries != 2 {
		t.Errorf("tries = %d, want 2", final.Tries)
	}
	if final.Reason != "undelivered recipients: bob@x.com, carol@x.com" {
		t.Errorf("reason = %q", final.Reason)
	}
	for _, rc := range final.Recipients {
		if rc.Reason == "" || rc.StatusCode != 550 {
			t.Errorf("%s = %+v, want 550 with reason", rc.Address, rc)
		}
	}

	// Nothing left to claim
	if e, err := f.claims.TryClaim(context.Background(), "w3"); err != nil || e != nil {
		t.Errorf("TryClaim() after failure = %v, %v", e, err)
	}
}

func TestDeliverIdempotentRetry(t *testing.T) {
	r := newFakeRelay(nil)
	f := newFixture(t, 3, r)

	f.insert(t, "e1", to("done@x.com"), to("pending@x.com"))

	// A previous attempt already delivered the first recipient
	e, _ := f.store.Get(context.Background(), "e1")
	e.Recipients[0].StatusCode = email.StatusCodeDelivered
	if err := f.store.Update(context.Background(), e); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got := f.attempt(t, "w1")
	if got.Status != email.StatusComplete {
		t.Errorf("status = %v, want complete", got.Status)
	}
	if sent := f.relay.sent(); len(sent) != 1 || sent[0] != "pending@x.com" {
		t.Errorf("sends = %v, want only pending@x.com", sent)
	}
}

func TestDeliverRelayUnavailable(t *testing.T) {
	r := newFakeRelay(func(to string, n int) error {
		return &relay.DeliveryError{
			Temporary: true,
			Message:   "connection failed to 127.0.0.1:1025: connection refused",
			Err:       relay.ErrUnavailable,
		}
	})
	f := newFixture(t, 3, r)
	f.insert(t, "e1", to("a@x.com"), to("b@x.com"), to("c@x.com"))

	got := f.attempt(t, "w1")
	if got.Status != email.StatusIncomplete || got.Tries != 1 {
		t.Errorf("status = %v tries %d, want incomplete after 1", got.Status, got.Tries)
	}
	for _, rc := range got.Recipients {
		if rc.StatusCode != email.StatusCodeUnavailable || rc.Reason == "" {
			t.Errorf("%s = %+v, want 421 with reason", rc.Address, rc)
		}
	}
	if n := len(r.sent()); n != 1 {
		t.Errorf("relay called %d times, want 1", n)
	}
}

func TestDeliverSendTimeout(t *testing.T) {
	r := newFakeRelay(nil)
	r.hang = true
	f := newFixture(t, 3, r)
	f.deliverer.sendTimeout = 100 * time.Millisecond
	f.insert(t, "e1", to("bob@x.com"))

	start := time.Now()
	got := f.attempt(t, "w1")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Deliver() took %v with a 100ms send timeout", elapsed)
	}

	if got.Status != email.StatusIncomplete || got.Tries != 1 {
		t.Errorf("status = %v tries %d, want incomplete after 1", got.Status, got.Tries)
	}
	rc := got.Recipients[0]
	if rc.StatusCode != email.StatusCodeUnavailable || rc.Reason == "" {
		t.Errorf("recipient = %+v, want 421 with reason", rc)
	}
}

func TestDeliverBacksOffRequeue(t *testing.T) {
	r := newFakeRelay(func(to string, n int) error { return rejected(451) })
	f := newFixture(t, 3, r)
	f.deliverer.retryInterval = time.Minute
	f.insert(t, "e1", to("bob@x.com"))

	before := time.Now()
	got := f.attempt(t, "w1")
	if got.NextAttemptAt.Before(before.Add(time.Minute)) {
		t.Errorf("next_attempt_at = %v, want >= 1m from now", got.NextAttemptAt)
	}

	// Not claimable until the backoff passes
	if e, err := f.claims.TryClaim(context.Background(), "w2"); err != nil || e != nil {
		t.Errorf("TryClaim() during backoff = %v, %v", e, err)
	}
}

func TestDeliverFinishesAfterCancel(t *testing.T) {
	f := newFixture(t, 3, newFakeRelay(nil))
	f.insert(t, "e1", to("bob@x.com"))

	claimed, err := f.claims.TryClaim(context.Background(), "w1")
	if err != nil || claimed == nil {
		t.Fatalf("TryClaim() = %v, %v", claimed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := f.deliverer.Deliver(ctx, claimed)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got.Status != email.StatusComplete {
		t.Errorf("status = %v, want complete", got.Status)
	}
}

func TestDeliverClaimLost(t *testing.T) {
	f := newFixture(t, 3, newFakeRelay(nil))
	f.insert(t, "e1", to("bob@x.com"))

	claimed, _ := f.claims.TryClaim(context.Background(), "w1")

	// Someone else owns the email now
	stolen := *claimed
	stolen.WorkerID = "w2"
	if err := f.store.Update(context.Background(), &stolen); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if _, err := f.deliverer.Deliver(context.Background(), claimed); !errors.Is(err, claim.ErrClaimLost) {
		t.Errorf("Deliver() error = %v, want ErrClaimLost", err)
	}
}

func TestRecipientOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"success", nil, email.StatusCodeDelivered},
		{"smtp code", rejected(550), 550},
		{"no code", errors.New("EOF"), email.StatusCodeUnavailable},
		{"timeout", &relay.DeliveryError{Code: 451, Message: "timeout", Err: context.DeadlineExceeded}, email.StatusCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recipientOutcome(tt.err)
			if got.StatusCode != tt.code {
				t.Errorf("StatusCode = %d, want %d", got.StatusCode, tt.code)
			}
			if (tt.err == nil) != (got.Reason == "") {
				t.Errorf("Reason = %q", got.Reason)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		tries int
		want  time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{5, 60 * time.Minute}, // Should cap at 1 hour
		{64, 60 * time.Minute},
	}

	for _, tt := range tests {
		if got := Backoff(5*time.Minute, tt.tries); got != tt.want {
			t.Errorf("Backoff(5m, %d) = %v, want %v", tt.tries, got, tt.want)
		}
	}

	if got := Backoff(time.Second, 10); got != 12*time.Second {
		t.Errorf("Backoff(1s, 10) = %v, want 12s", got)
	}
	if got := Backoff(0, 3); got != 0 {
		t.Errorf("Backoff(0, 3) = %v, want 0", got)
	}
}
