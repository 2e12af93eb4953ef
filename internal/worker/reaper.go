package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/courier/internal/claim"
	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/queue"
)

// ReaperConfig contains reaper settings
type ReaperConfig struct {
	// Claims not updated for ClaimTimeout are taken back
	ClaimTimeout time.Duration
	Interval     time.Duration

	// CompleteMaxAge removes complete emails older than it, 0 keeps them
	CompleteMaxAge time.Duration
}

// Reaper takes back stuck claims and prunes old complete emails
type Reaper struct {
	claims  *claim.Manager
	store   queue.Store
	cfg     ReaperConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewReaper creates a new reaper
func NewReaper(claims *claim.Manager, store queue.Store, cfg ReaperConfig, m *metrics.Metrics, logger *slog.Logger) *Reaper {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 10 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reaper{
		claims:  claims,
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start starts the reaper goroutine
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)

	r.logger.Info("reaper started",
		"claim_timeout", r.cfg.ClaimTimeout,
		"interval", r.cfg.Interval,
		"complete_max_age", r.cfg.CompleteMaxAge,
	)
}

// Stop stops the reaper and waits for it to finish
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.logger.Info("reaper stopped")
	})
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce reaps stuck claims and, when retention is set, removes old
// complete emails
func (r *Reaper) RunOnce(ctx context.Context) {
	reaped, err := r.claims.Reap(ctx, r.cfg.ClaimTimeout)
	r.metrics.AddReaped(reaped)
	if err != nil {
		r.logger.Error("failed to reap stuck claims", "error", err)
	} else if reaped > 0 {
		r.logger.Info("reaped stuck claims", "reaped", reaped)
	}

	if r.cfg.CompleteMaxAge <= 0 {
		return
	}

	deleted, err := r.store.CleanupFinished(ctx, r.cfg.CompleteMaxAge)
	if err != nil {
		r.logger.Error("failed to cleanup complete emails", "error", err)
		return
	}

	if deleted > 0 {
		r.logger.Info("cleaned up complete emails", "deleted", deleted)
	}
}
