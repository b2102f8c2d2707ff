package manager_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/manager"
	"github.com/mixaill76/reliable-inbox/inbox/provider/memory"
	"github.com/mixaill76/reliable-inbox/inbox/registry"
)

type ping struct{ N int }

func buildInbox(t *testing.T, name string) *inbox.Inbox {
	t.Helper()
	p := memory.New(false, time.Second)
	reg := registry.New()
	require.NoError(t, registry.Register[ping](reg, "ping"))
	opts, err := inbox.NewOptions(inbox.Default,
		inbox.WithPollingInterval(5*time.Millisecond),
		inbox.WithShutdownTimeout(200*time.Millisecond),
	)
	require.NoError(t, err)
	ibx, err := inbox.NewInbox(name, p, reg, opts, nil)
	require.NoError(t, err)
	return ibx
}

type countingHook struct {
	started, stopped atomic.Int32
	failStart        bool
}

func (h *countingHook) OnStart(ctx context.Context) error {
	if h.failStart {
		return assertError
	}
	h.started.Add(1)
	return nil
}

func (h *countingHook) OnStop(ctx context.Context) {
	h.stopped.Add(1)
}

var assertError = &stubErr{"hook failed"}

type stubErr struct{ msg string }

func (e *stubErr) Error() string { return e.msg }

func TestManagerStartStopIdempotent(t *testing.T) {
	a := buildInbox(t, "a")
	require.NoError(t, inbox.RegisterSingleHandler(a, "ping", func(ctx context.Context, env inbox.TypedEnvelope[ping]) inbox.Outcome {
		return inbox.Success
	}))
	b := buildInbox(t, "b") // no handlers: no processing loop

	m := manager.New(nil, []*inbox.Inbox{a, b})
	hook := &countingHook{}
	m.RegisterHook(hook)

	require.NoError(t, m.StartAsync(context.Background()))
	require.True(t, m.IsRunning())
	require.NoError(t, m.StartAsync(context.Background())) // idempotent
	require.EqualValues(t, 1, hook.started.Load())

	require.NoError(t, m.StopAsync(context.Background()))
	require.False(t, m.IsRunning())
	require.NoError(t, m.StopAsync(context.Background())) // idempotent
	require.EqualValues(t, 1, hook.stopped.Load())
}

func TestManagerStartRollsBackOnHookFailure(t *testing.T) {
	a := buildInbox(t, "a")
	require.NoError(t, inbox.RegisterSingleHandler(a, "ping", func(ctx context.Context, env inbox.TypedEnvelope[ping]) inbox.Outcome {
		return inbox.Success
	}))

	m := manager.New(nil, []*inbox.Inbox{a})
	good := &countingHook{}
	bad := &countingHook{failStart: true}
	m.RegisterHook(good)
	m.RegisterHook(bad)

	err := m.StartAsync(context.Background())
	require.Error(t, err)
	require.False(t, m.IsRunning())
}
