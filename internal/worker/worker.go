// Package worker runs the delivery engine: a pool of workers that claim
// emails from the store and send them recipient by recipient through the
// relay, plus the reaper that takes back claims of dead workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/courier/internal/claim"
	"github.com/foxzi/courier/internal/email"
	"github.com/foxzi/courier/internal/metrics"
	"github.com/foxzi/courier/internal/relay"
)

// Relay sends a rendered message to one recipient
type Relay interface {
	Send(ctx context.Context, from, to string, msg []byte) error
	Available(ctx context.Context) error
}

// Deliverer runs one claimed email through a delivery attempt
type Deliverer struct {
	claims        *claim.Manager
	relay         Relay
	sendTimeout   time.Duration
	retryInterval time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// DelivererConfig contains delivery settings
type DelivererConfig struct {
	// SendTimeout bounds every single recipient send
	SendTimeout time.Duration

	// RetryInterval is the base of the backoff before a requeued email
	// can be claimed again. Zero makes it eligible right away.
	RetryInterval time.Duration
}

// NewDeliverer creates a deliverer
func NewDeliverer(claims *claim.Manager, r Relay, cfg DelivererConfig, m *metrics.Metrics, logger *slog.Logger) *Deliverer {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Deliverer{
		claims:        claims,
		relay:         r,
		sendTimeout:   cfg.SendTimeout,
		retryInterval: cfg.RetryInterval,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
	}
}

// Deliver sends the claimed email to every recipient not delivered yet and
// releases the claim. Recipient failures are recorded on the email, never
// returned. An error means the outcome could not be stored; the reaper
// recovers the email in that case.
func (d *Deliverer) Deliver(ctx context.Context, claimed *email.Email) (*email.Email, error) {
	logger := d.logger.With("email_id", claimed.ID, "worker_id", claimed.WorkerID, "tries", claimed.Tries)
	logger.Debug("delivering email", "recipients", len(claimed.Recipients))

	// Sends and store writes outlive a shutdown request
	ctx = context.WithoutCancel(ctx)

	msg := claimed.Message()
	current := claimed

	var unavailable error
	for _, i := range claimed.PendingIndexes() {
		addr := current.Recipients[i].Address

		var err error
		if unavailable != nil {
			err = unavailable
		} else {
			err = d.send(ctx, claimed.Sender, addr, msg)
			if relay.IsUnavailable(err) {
				unavailable = err
			}
		}

		outcome := recipientOutcome(err)
		if err == nil {
			d.metrics.IncRecipientDelivered()
			logger.Debug("recipient delivered", "to", addr)
		} else {
			d.metrics.IncRecipientFailed(errorType(err))
			logger.Warn("recipient delivery failed",
				"to", addr,
				"status_code", outcome.StatusCode,
				"error", err,
			)
		}

		updated, err := d.claims.Record(ctx, current, i, outcome)
		if err != nil {
			return nil, fmt.Errorf("failed to record recipient %s: %w", addr, err)
		}
		current = updated
	}

	out := claim.Outcome{Status: email.StatusComplete}
	if !current.AllDelivered() {
		out.Status = email.StatusIncomplete
		if current.Tries >= d.claims.MaxTries() {
			out.Status = email.StatusFailed
		} else {
			out.NextAttemptAt = d.now().Add(Backoff(d.retryInterval, current.Tries))
		}
	}

	released, err := d.claims.Release(ctx, current, out)
	if err != nil {
		return nil, err
	}

	d.metrics.IncEmailsFinished(string(released.Status))
	switch released.Status {
	case email.StatusComplete:
		logger.Info("email delivered", "from", released.Sender, "recipients", len(released.Recipients))
	case email.StatusFailed:
		logger.Error("email failed permanently",
			"max_tries", d.claims.MaxTries(),
			"reason", released.Reason,
		)
	default:
		logger.Info("email requeued",
			"undelivered", len(released.Undelivered()),
			"next_attempt_at", released.NextAttemptAt,
		)
	}

	return released, nil
}

// send makes one bounded relay call
func (d *Deliverer) send(ctx context.Context, from, to string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	start := time.Now()
	err := d.relay.Send(ctx, from, to, msg)
	d.metrics.ObserveSend(time.Since(start))

	return err
}

// recipientOutcome maps a send result to the recipient's status
func recipientOutcome(err error) email.Recipient {
	if err == nil {
		return email.Recipient{StatusCode: email.StatusCodeDelivered}
	}

	code := relay.StatusCode(err)
	if code == 0 || code == email.StatusCodeDelivered || errors.Is(err, context.DeadlineExceeded) {
		code = email.StatusCodeUnavailable
	}

	reason := err.Error()
	if reason == "" {
		reason = "delivery failed"
	}

	return email.Recipient{StatusCode: code, Reason: reason}
}

func errorType(err error) string {
	switch {
	case relay.IsUnavailable(err):
		return "unavailable"
	case relay.IsTemporaryError(err):
		return "temporary"
	default:
		return "permanent"
	}
}

// Backoff returns how long a requeued email waits after its tries-th
// attempt: interval * 2^(tries-1), capped at 12x the interval and 1 hour.
func Backoff(interval time.Duration, tries int) time.Duration {
	if interval <= 0 {
		return 0
	}
	if tries < 1 {
		tries = 1
	}

	multiplier := 12 // Cap at ~12x retry_interval
	if tries <= 4 {
		multiplier = min(1<<(tries-1), 12)
	}

	backoff := time.Duration(multiplier) * interval

	// Max 1 hour
	if backoff > time.Hour {
		return time.Hour
	}

	return backoff
}
