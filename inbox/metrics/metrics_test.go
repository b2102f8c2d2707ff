package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	m := New(true)
	assert.NotNil(t, m)
	assert.True(t, m.enabled)

	m2 := New(false)
	assert.NotNil(t, m2)
	assert.False(t, m2.enabled)
}

func TestRecordHealth_Enabled(t *testing.T) {
	PendingCount.Reset()
	CapturedCount.Reset()
	DeadLetterCount.Reset()
	QueueLagSeconds.Reset()

	m := New(true)
	m.RecordHealth("orders", 5, 2, 1, 30*time.Second)

	assert.Equal(t, float64(5), testutil.ToFloat64(PendingCount.WithLabelValues("orders")))
	assert.Equal(t, float64(2), testutil.ToFloat64(CapturedCount.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(DeadLetterCount.WithLabelValues("orders")))
	assert.Equal(t, float64(30), testutil.ToFloat64(QueueLagSeconds.WithLabelValues("orders")))
}

func TestRecordHealth_Disabled(t *testing.T) {
	PendingCount.Reset()

	m := New(false)
	m.RecordHealth("orders", 5, 2, 1, 30*time.Second)

	assert.Equal(t, float64(0), testutil.ToFloat64(PendingCount.WithLabelValues("orders")))
}

func TestRecordOutcome(t *testing.T) {
	MessagesProcessedTotal.Reset()

	m := New(true)
	m.RecordOutcome("orders", "success")
	m.RecordOutcome("orders", "success")
	m.RecordOutcome("orders", "failed")

	assert.Equal(t, float64(2), testutil.ToFloat64(MessagesProcessedTotal.WithLabelValues("orders", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(MessagesProcessedTotal.WithLabelValues("orders", "failed")))
}

func TestRecordCleanupRemoved_ZeroIsNoOp(t *testing.T) {
	CleanupRemovedTotal.Reset()

	m := New(true)
	m.RecordCleanupRemoved("orders", "dedup", 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(CleanupRemovedTotal.WithLabelValues("orders", "dedup")))

	m.RecordCleanupRemoved("orders", "dedup", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(CleanupRemovedTotal.WithLabelValues("orders", "dedup")))
}
