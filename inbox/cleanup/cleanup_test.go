package cleanup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/cleanup"
	"github.com/mixaill76/reliable-inbox/inbox/provider/memory"
	"github.com/mixaill76/reliable-inbox/inbox/registry"
)

type widget struct{ N int }

func buildInbox(t *testing.T) (*inbox.Inbox, *memory.Provider) {
	t.Helper()
	p := memory.New(false, time.Second)
	reg := registry.New()
	require.NoError(t, registry.Register[widget](reg, "widget"))
	opts, err := inbox.NewOptions(inbox.Default,
		inbox.WithDeduplication(time.Hour),
	)
	require.NoError(t, err)
	ibx, err := inbox.NewInbox("widgets", p, reg, opts, nil)
	require.NoError(t, err)
	return ibx, p
}

func TestExecuteOnceDrainsExpiredDedup(t *testing.T) {
	ibx, p := buildInbox(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Write(ctx, &inbox.Message{
			ID: itoa(i), InboxName: "widgets", MessageType: "widget",
			DeduplicationID: "dedup-" + itoa(i), Payload: "v", ReceivedAt: time.Now(),
		}))
	}

	task, err := cleanup.ForDedup(ibx, cleanup.Config{
		Mode: cleanup.ExecuteOnce, BatchSize: 2, MaxAge: -time.Hour, // negative MaxAge: cutoff is in the future, everything is "expired"
	}, nil)
	require.NoError(t, err)

	require.NoError(t, task.OnStart(ctx))

	metrics, err := p.GetHealthMetrics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), metrics.PendingCount, "dedup cleanup must not touch the messages themselves")
}

func TestContinuousTaskStopsOnOnStop(t *testing.T) {
	ibx, _ := buildInbox(t)

	task, err := cleanup.ForDedup(ibx, cleanup.Config{
		Mode: cleanup.Continuous, Interval: 5 * time.Millisecond, RestartDelay: 5 * time.Millisecond,
		BatchSize: 10, MaxAge: time.Hour,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, task.OnStart(context.Background()))
	time.Sleep(20 * time.Millisecond)
	task.OnStop(context.Background()) // must return promptly, not hang
}

func itoa(i int) string {
	digits := "0123456789"
	return string(digits[i])
}
