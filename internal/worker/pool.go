package worker

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/courier/internal/claim"
	"github.com/foxzi/courier/internal/metrics"
)

// maxErrorBackoff caps the wait after repeated store failures
const maxErrorBackoff = time.Minute

// PoolConfig contains pool configuration
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration

	// PollJitter spreads idle polls by +/- this fraction of PollInterval
	PollJitter float64
}

// Pool runs delivery workers against the store
type Pool struct {
	claims    *claim.Manager
	deliverer *Deliverer
	relay     Relay
	reaper    *Reaper
	cfg       PoolConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a new worker pool
func NewPool(claims *claim.Manager, deliverer *Deliverer, reaper *Reaper, cfg PoolConfig, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PollJitter < 0 || cfg.PollJitter >= 1 {
		cfg.PollJitter = 0
	}

	return &Pool{
		claims:    claims,
		deliverer: deliverer,
		relay:     deliverer.relay,
		reaper:    reaper,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start recovers claims left by a previous process, then starts the
// workers and the reaper
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("starting worker pool",
		"workers", p.cfg.Workers,
		"poll_interval", p.cfg.PollInterval,
		"max_tries", p.claims.MaxTries(),
	)

	if p.reaper != nil {
		p.reaper.RunOnce(ctx)
		p.reaper.Start(ctx)
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "courier"
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, host+"-"+uuid.New().String())
	}
}

// Stop asks workers to stop claiming and waits for in-flight emails.
// Calls after the first only wait.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")
		close(p.stopCh)
	})
	p.wg.Wait()
	if p.reaper != nil {
		p.reaper.Stop()
	}
	p.logger.Info("worker pool stopped")
}

// worker is the main claim loop
func (p *Pool) worker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	failures := 0
	for {
		if p.stopping(ctx) {
			logger.Debug("worker stopped")
			return
		}

		// Don't lock up an email while there is nowhere to send it
		if err := p.relay.Available(ctx); err != nil {
			logger.Debug("relay unavailable, not claiming", "error", err)
			if !p.sleep(ctx, p.pollDelay()) {
				return
			}
			continue
		}

		e, err := p.claims.TryClaim(ctx, workerID)
		if err != nil {
			p.metrics.IncClaims(metrics.ClaimError)
			failures++
			delay := errorBackoff(p.cfg.PollInterval, failures)
			logger.Error("failed to claim email", "error", err, "failures", failures, "retry_in", delay)
			if !p.sleep(ctx, delay) {
				return
			}
			continue
		}
		failures = 0

		if e == nil {
			p.metrics.IncClaims(metrics.ClaimEmpty)
			if !p.sleep(ctx, p.pollDelay()) {
				return
			}
			continue
		}

		p.metrics.IncClaims(metrics.ClaimClaimed)
		p.metrics.WorkerBusy()
		if _, err := p.deliverer.Deliver(ctx, e); err != nil {
			logger.Error("failed to finish delivery, leaving email to the reaper",
				"email_id", e.ID,
				"error", err,
			)
		}
		p.metrics.WorkerIdle()
	}
}

func (p *Pool) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d and reports false when the pool is stopping
func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// pollDelay is the poll interval with jitter
func (p *Pool) pollDelay() time.Duration {
	return jitter(p.cfg.PollInterval, p.cfg.PollJitter)
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * fraction
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// errorBackoff doubles the poll interval per consecutive failure
func errorBackoff(interval time.Duration, failures int) time.Duration {
	backoff := interval
	for i := 1; i < failures && backoff < maxErrorBackoff; i++ {
		backoff *= 2
	}
	return min(backoff, maxErrorBackoff)
}
