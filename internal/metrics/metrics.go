package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Claim results
const (
	ClaimClaimed = "claimed"
	ClaimEmpty   = "empty"
	ClaimError   = "error"
)

// Metrics holds all Prometheus metrics for courier.
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	// Delivery counters
	ClaimsTotal            *prometheus.CounterVec
	ClaimsReapedTotal      prometheus.Counter
	EmailsFinishedTotal    *prometheus.CounterVec
	RecipientsTotal        *prometheus.CounterVec
	RecipientFailuresTotal *prometheus.CounterVec
	SendDurationSeconds    prometheus.Histogram
	WorkersBusy            prometheus.Gauge

	// Queue gauges
	QueueEmails        *prometheus.GaugeVec
	QueueOldestSeconds prometheus.Gauge

	// Ops HTTP server
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_claims_total",
				Help: "Total number of claim attempts by result",
			},
			[]string{"result"},
		),
		ClaimsReapedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_claims_reaped_total",
				Help: "Total number of stuck claims taken back by the reaper",
			},
		),
		EmailsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_emails_finished_total",
				Help: "Total number of delivery attempts by resulting email status",
			},
			[]string{"status"},
		),
		RecipientsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_recipients_total",
				Help: "Total number of recipient sends by result",
			},
			[]string{"result"},
		),
		RecipientFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_recipient_failures_total",
				Help: "Total number of failed recipient sends by error type",
			},
			[]string{"error_type"},
		),
		SendDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courier_send_duration_seconds",
				Help:    "Duration of a single recipient send through the relay",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		WorkersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_workers_busy",
				Help: "Number of workers currently delivering an email",
			},
		),

		QueueEmails: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_queue_emails",
				Help: "Number of emails in the store by status",
			},
			[]string{"status"},
		),
		QueueOldestSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_queue_oldest_seconds",
				Help: "Age of the oldest incomplete email in seconds",
			},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_http_requests_total",
				Help: "Total number of ops HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_http_request_duration_seconds",
				Help:    "Ops HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_storage_used_bytes",
				Help: "Store file size in bytes",
			},
		),

		registry: reg,
	}

	// Register all metrics
	reg.MustRegister(
		m.ClaimsTotal,
		m.ClaimsReapedTotal,
		m.EmailsFinishedTotal,
		m.RecipientsTotal,
		m.RecipientFailuresTotal,
		m.SendDurationSeconds,
		m.WorkersBusy,
		m.QueueEmails,
		m.QueueOldestSeconds,
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncClaims counts a claim attempt
func (m *Metrics) IncClaims(result string) {
	if m != nil {
		m.ClaimsTotal.WithLabelValues(result).Inc()
	}
}

// AddReaped counts claims taken back by the reaper
func (m *Metrics) AddReaped(n int) {
	if m != nil && n > 0 {
		m.ClaimsReapedTotal.Add(float64(n))
	}
}

// IncEmailsFinished counts a finished delivery attempt by email status
func (m *Metrics) IncEmailsFinished(status string) {
	if m != nil {
		m.EmailsFinishedTotal.WithLabelValues(status).Inc()
	}
}

// IncRecipientDelivered counts a delivered recipient
func (m *Metrics) IncRecipientDelivered() {
	if m != nil {
		m.RecipientsTotal.WithLabelValues("delivered").Inc()
	}
}

// IncRecipientFailed counts a failed recipient
func (m *Metrics) IncRecipientFailed(errorType string) {
	if m != nil {
		m.RecipientsTotal.WithLabelValues("failed").Inc()
		m.RecipientFailuresTotal.WithLabelValues(errorType).Inc()
	}
}

// ObserveSend records the duration of one relay send
func (m *Metrics) ObserveSend(d time.Duration) {
	if m != nil {
		m.SendDurationSeconds.Observe(d.Seconds())
	}
}

// WorkerBusy marks a worker as delivering
func (m *Metrics) WorkerBusy() {
	if m != nil {
		m.WorkersBusy.Inc()
	}
}

// WorkerIdle marks a worker as done delivering
func (m *Metrics) WorkerIdle() {
	if m != nil {
		m.WorkersBusy.Dec()
	}
}
