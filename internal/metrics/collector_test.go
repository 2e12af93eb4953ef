package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/courier/internal/queue"
)

type mockQueueStatsProvider struct {
	stats *queue.Stats
	err   error
}

func (m *mockQueueStatsProvider) Stats(ctx context.Context) (*queue.Stats, error) {
	return m.stats, m.err
}

func TestCollectorCollect(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	path := filepath.Join(t.TempDir(), "courier.db")
	if err := os.WriteFile(path, make([]byte, 4096), 0600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	m := New()
	stats := &mockQueueStatsProvider{
		stats: &queue.Stats{
			Incomplete:       10,
			InProgress:       2,
			Complete:         30,
			Failed:           1,
			Total:            43,
			OldestIncomplete: time.Now().Add(-time.Minute),
		},
	}

	c := NewCollector(m, stats, path, time.Second, logger)
	c.Collect(context.Background())

	if v := gaugeValue(t, m.QueueEmails.WithLabelValues("incomplete")); v != 10 {
		t.Errorf("Expected incomplete 10, got %f", v)
	}
	if v := gaugeValue(t, m.QueueEmails.WithLabelValues("in_progress")); v != 2 {
		t.Errorf("Expected in_progress 2, got %f", v)
	}
	if v := gaugeValue(t, m.QueueEmails.WithLabelValues("complete")); v != 30 {
		t.Errorf("Expected complete 30, got %f", v)
	}
	if v := gaugeValue(t, m.QueueOldestSeconds); v < 59 {
		t.Errorf("Expected oldest >= 59s, got %f", v)
	}
	if v := gaugeValue(t, m.StorageUsedBytes); v != 4096 {
		t.Errorf("Expected storage size 4096, got %f", v)
	}
	if v := gaugeValue(t, m.Goroutines); v <= 0 {
		t.Errorf("Expected goroutines > 0, got %f", v)
	}
}

func TestCollectorStatsError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()

	c := NewCollector(m, &mockQueueStatsProvider{err: errors.New("locked")}, "", 0, logger)
	if c.interval != 5*time.Second {
		t.Errorf("expected default interval 5s, got %v", c.interval)
	}

	// Should not panic and should leave queue gauges untouched
	c.Collect(context.Background())
	if v := gaugeValue(t, m.QueueEmails.WithLabelValues("incomplete")); v != 0 {
		t.Errorf("Expected incomplete 0, got %f", v)
	}
}

func TestCollectorStartStop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()

	c := NewCollector(m, &mockQueueStatsProvider{stats: &queue.Stats{Incomplete: 1}}, "", 10*time.Millisecond, logger)
	c.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	c.Stop()

	if v := gaugeValue(t, m.QueueEmails.WithLabelValues("incomplete")); v != 1 {
		t.Errorf("Expected incomplete 1, got %f", v)
	}
}
