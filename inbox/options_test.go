package inbox_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/reliable-inbox/inbox"
)

func TestNewOptionsDefaults(t *testing.T) {
	o, err := inbox.NewOptions(inbox.Default)
	require.NoError(t, err)
	assert.Equal(t, 100, o.ReadBatchSize)
	assert.Equal(t, 100, o.WriteBatchSize)
	assert.Equal(t, 30*time.Second, o.MaxProcessingTime)
	assert.Equal(t, 5, o.MaxAttempts)
	assert.False(t, o.EnableDeduplication)
	assert.False(t, o.EnableDeadLetter)
}

func TestNewOptionsAppliesOverrides(t *testing.T) {
	o, err := inbox.NewOptions(inbox.Batched,
		inbox.WithReadBatchSize(50),
		inbox.WithMaxAttempts(3),
		inbox.WithDeduplication(time.Hour),
	)
	require.NoError(t, err)
	assert.Equal(t, 50, o.ReadBatchSize)
	assert.Equal(t, 3, o.MaxAttempts)
	assert.True(t, o.EnableDeduplication)
	assert.Equal(t, time.Hour, o.DeduplicationInterval)
}

func TestNewOptionsRejectsInvalidValues(t *testing.T) {
	_, err := inbox.NewOptions(inbox.Default, inbox.WithReadBatchSize(0))
	require.Error(t, err)
	var cfgErr *inbox.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "read_batch_size", cfgErr.Option)
}

func TestNewOptionsRejectsLockExtensionOutOfRange(t *testing.T) {
	_, err := inbox.NewOptions(inbox.Default, inbox.WithLockExtension(0.95))
	require.Error(t, err)
}

func TestLockExtensionInterval(t *testing.T) {
	o, err := inbox.NewOptions(inbox.FIFO, inbox.WithMaxProcessingTime(10*time.Second), inbox.WithLockExtension(0.5))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, o.LockExtensionInterval())
}

func TestValidateInboxName(t *testing.T) {
	assert.NoError(t, inbox.ValidateInboxName("orders-v2"))
	assert.Error(t, inbox.ValidateInboxName(""))
	assert.Error(t, inbox.ValidateInboxName("has a space"))
}
