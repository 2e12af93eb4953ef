package metrics

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/foxzi/courier/internal/email"
	"github.com/foxzi/courier/internal/queue"
)

// QueueStatsProvider provides queue statistics for metrics
type QueueStatsProvider interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Collector periodically refreshes the queue and system gauges
type Collector struct {
	metrics     *Metrics
	queueStats  QueueStatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time
	logger      *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, queueStats QueueStatsProvider, storagePath string, interval time.Duration, logger *slog.Logger) *Collector {
	if interval == 0 {
		interval = 5 * time.Second
	}

	return &Collector{
		metrics:     m,
		queueStats:  queueStats,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector background task
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.updateLoop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) updateLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect updates every gauge once
func (c *Collector) Collect(ctx context.Context) {
	// Update uptime
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())

	// Update goroutines
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	// Update storage size
	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queueStats == nil {
		return
	}

	stats, err := c.queueStats.Stats(ctx)
	if err != nil {
		c.logger.Warn("failed to collect queue stats", "error", err)
		return
	}

	c.metrics.QueueEmails.WithLabelValues(string(email.StatusIncomplete)).Set(float64(stats.Incomplete))
	c.metrics.QueueEmails.WithLabelValues(string(email.StatusInProgress)).Set(float64(stats.InProgress))
	c.metrics.QueueEmails.WithLabelValues(string(email.StatusComplete)).Set(float64(stats.Complete))
	c.metrics.QueueEmails.WithLabelValues(string(email.StatusFailed)).Set(float64(stats.Failed))

	if stats.OldestIncomplete.IsZero() {
		c.metrics.QueueOldestSeconds.Set(0)
	} else {
		c.metrics.QueueOldestSeconds.Set(time.Since(stats.OldestIncomplete).Seconds())
	}
}
