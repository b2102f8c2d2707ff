// Package metrics exposes per-inbox Prometheus gauges and counters. The
// collectors are registered with promauto at package init; the enabled
// flag on Metrics only gates recording.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PendingCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reliable_inbox_pending_count",
			Help: "Number of messages currently pending capture",
		},
		[]string{"inbox"},
	)

	CapturedCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reliable_inbox_captured_count",
			Help: "Number of messages currently captured by a processor",
		},
		[]string{"inbox"},
	)

	DeadLetterCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reliable_inbox_dead_letter_count",
			Help: "Number of messages currently in the dead-letter store",
		},
		[]string{"inbox"},
	)

	QueueLagSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reliable_inbox_queue_lag_seconds",
			Help: "Age of the oldest pending message, in seconds",
		},
		[]string{"inbox"},
	)

	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliable_inbox_messages_processed_total",
			Help: "Total number of messages resolved by outcome",
		},
		[]string{"inbox", "outcome"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reliable_inbox_processing_duration_seconds",
			Help:    "Time spent dispatching one captured batch",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
		[]string{"inbox"},
	)

	LockExtensionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliable_inbox_lock_extension_failures_total",
			Help: "Total number of failed lock extension attempts",
		},
		[]string{"inbox"},
	)

	CleanupRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliable_inbox_cleanup_removed_total",
			Help: "Total number of records removed by a cleanup task",
		},
		[]string{"inbox", "task"},
	)
)

// Metrics gates metric recording behind an enabled flag, avoiding the
// overhead of the label lookups when observability is switched off.
type Metrics struct {
	enabled bool
}

// New constructs a Metrics recorder. When enabled is false every method
// is a no-op.
func New(enabled bool) *Metrics {
	return &Metrics{enabled: enabled}
}

func (m *Metrics) isEnabled() bool { return m.enabled }

// RecordHealth publishes point-in-time queue depth and lag gauges for inboxName.
func (m *Metrics) RecordHealth(inboxName string, pending, captured, deadLetter int, lag time.Duration) {
	if !m.isEnabled() {
		return
	}
	PendingCount.WithLabelValues(inboxName).Set(float64(pending))
	CapturedCount.WithLabelValues(inboxName).Set(float64(captured))
	DeadLetterCount.WithLabelValues(inboxName).Set(float64(deadLetter))
	QueueLagSeconds.WithLabelValues(inboxName).Set(lag.Seconds())
}

// RecordOutcome increments the processed counter for inboxName broken
// down by outcome label ("success", "failed", "retry", "dead_letter").
func (m *Metrics) RecordOutcome(inboxName, outcome string) {
	if !m.isEnabled() {
		return
	}
	MessagesProcessedTotal.WithLabelValues(inboxName, outcome).Inc()
}

// RecordProcessingDuration observes how long one captured batch took to
// dispatch for inboxName.
func (m *Metrics) RecordProcessingDuration(inboxName string, d time.Duration) {
	if !m.isEnabled() {
		return
	}
	ProcessingDuration.WithLabelValues(inboxName).Observe(d.Seconds())
}

// RecordLockExtensionFailure increments the lock extension failure
// counter for inboxName.
func (m *Metrics) RecordLockExtensionFailure(inboxName string) {
	if !m.isEnabled() {
		return
	}
	LockExtensionFailuresTotal.WithLabelValues(inboxName).Inc()
}

// RecordCleanupRemoved increments the cleanup-removed counter for the
// given inbox and task name by count.
func (m *Metrics) RecordCleanupRemoved(inboxName, task string, count int) {
	if !m.isEnabled() || count <= 0 {
		return
	}
	CleanupRemovedTotal.WithLabelValues(inboxName, task).Add(float64(count))
}
