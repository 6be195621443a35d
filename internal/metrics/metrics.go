package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mailfleet/mailfleet/internal/dispatch"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Mailfleet
type Metrics struct {
	// Dispatch counters
	MessagesSentTotal     *prometheus.CounterVec
	MessagesFailedTotal   *prometheus.CounterVec
	MessagesSkippedTotal  prometheus.Counter
	MessagesRequeuedTotal *prometheus.CounterVec

	// Run metrics
	RunsTotal          *prometheus.CounterVec
	RunDurationSeconds *prometheus.HistogramVec
	RunActive          prometheus.Gauge

	// Send latency
	SendDurationSeconds *prometheus.HistogramVec

	// Identity gauges
	IdentityDailySent    *prometheus.GaugeVec
	IdentitySuspended    *prometheus.GaugeVec
	ThrottleMatchesTotal *prometheus.CounterVec

	// Ledger metrics
	LedgerRecipients  prometheus.Gauge
	LedgerErrorsTotal prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

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
		// Dispatch counters
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailfleet_messages_sent_total",
				Help: "Total number of successfully delivered messages",
			},
			[]string{"identity"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailfleet_messages_failed_total",
				Help: "Total number of failed send attempts",
			},
			[]string{"identity", "class"},
		),
		MessagesSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailfleet_messages_skipped_total",
				Help: "Total number of recipients skipped as already sent",
			},
		),
		MessagesRequeuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailfleet_messages_requeued_total",
				Help: "Total number of recipients returned to the queue",
			},
			[]string{"identity"},
		),

		// Run metrics
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailfleet_runs_total",
				Help: "Total number of dispatch runs",
			},
			[]string{"mode"},
		),
		RunDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailfleet_run_duration_seconds",
				Help:    "Dispatch run duration in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 7200},
			},
			[]string{"mode"},
		),
		RunActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailfleet_run_active",
				Help: "1 while a dispatch run is executing",
			},
		),

		// Send latency
		SendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailfleet_send_duration_seconds",
				Help:    "Gateway send duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"identity"},
		),

		// Identity gauges
		IdentityDailySent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailfleet_identity_daily_sent",
				Help: "Messages sent today per identity",
			},
			[]string{"identity"},
		),
		IdentitySuspended: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailfleet_identity_suspended",
				Help: "1 while the identity is suspended",
			},
			[]string{"identity"},
		),
		ThrottleMatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailfleet_throttle_matches_total",
				Help: "Total number of inbound throttle notices matched by the feedback monitor",
			},
			[]string{"identity"},
		),

		// Ledger metrics
		LedgerRecipients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailfleet_ledger_recipients",
				Help: "Number of recipient entries in the delivery ledger",
			},
		),
		LedgerErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailfleet_ledger_errors_total",
				Help: "Total number of ledger read/write failures",
			},
		),

		// API metrics
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailfleet_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailfleet_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailfleet_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		// System metrics
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailfleet_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailfleet_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailfleet_storage_used_bytes",
				Help: "Ledger database file size in bytes",
			},
		),

		registry: reg,
	}

	// Register all metrics
	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesSkippedTotal,
		m.MessagesRequeuedTotal,
		m.RunsTotal,
		m.RunDurationSeconds,
		m.RunActive,
		m.SendDurationSeconds,
		m.IdentityDailySent,
		m.IdentitySuspended,
		m.ThrottleMatchesTotal,
		m.LedgerRecipients,
		m.LedgerErrorsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
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

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}

// Observer adapts Metrics to the dispatch scheduler's event hooks.
type Observer struct {
	m *Metrics
}

// NewObserver wraps m for use as the scheduler observer.
func NewObserver(m *Metrics) *Observer {
	return &Observer{m: m}
}

func (o *Observer) RunStarted(mode string) {
	o.m.RunsTotal.WithLabelValues(mode).Inc()
	o.m.RunActive.Set(1)
}

func (o *Observer) RunFinished(mode string, summary *dispatch.Summary) {
	o.m.RunActive.Set(0)
	if summary != nil {
		o.m.RunDurationSeconds.WithLabelValues(mode).Observe(summary.Finished.Sub(summary.Started).Seconds())
	}
}

func (o *Observer) MessageSent(identityID string, elapsed time.Duration) {
	o.m.MessagesSentTotal.WithLabelValues(identityID).Inc()
	o.m.SendDurationSeconds.WithLabelValues(identityID).Observe(elapsed.Seconds())
}

func (o *Observer) MessageFailed(identityID, class string) {
	o.m.MessagesFailedTotal.WithLabelValues(identityID, class).Inc()
}

func (o *Observer) MessageSkipped() {
	o.m.MessagesSkippedTotal.Inc()
}

func (o *Observer) MessageRequeued(identityID string) {
	o.m.MessagesRequeuedTotal.WithLabelValues(identityID).Inc()
}

func (o *Observer) LedgerError() {
	o.m.LedgerErrorsTotal.Inc()
}
