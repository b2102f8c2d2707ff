package processing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/processing"
	"github.com/mixaill76/reliable-inbox/inbox/provider/memory"
	"github.com/mixaill76/reliable-inbox/inbox/registry"
)

type greeting struct {
	Text string `json:"text"`
}

func buildInbox(t *testing.T, mode inbox.DeliveryMode, opts ...inbox.Option) (*inbox.Inbox, *memory.Provider) {
	t.Helper()
	p := memory.New(mode == inbox.FIFO || mode == inbox.FIFOBatched, 2*time.Second)
	reg := registry.New()
	require.NoError(t, registry.Register[greeting](reg, "greeting"))

	options, err := inbox.NewOptions(mode, append([]inbox.Option{
		inbox.WithPollingInterval(10 * time.Millisecond),
		inbox.WithShutdownTimeout(500 * time.Millisecond),
		inbox.WithMaxProcessingTime(2 * time.Second),
	}, opts...)...)
	require.NoError(t, err)

	ibx, err := inbox.NewInbox("greetings", p, reg, options, nil)
	require.NoError(t, err)
	return ibx, p
}

func TestLoopProcessesAndCompletesMessage(t *testing.T) {
	ibx, p := buildInbox(t, inbox.Default)

	processed := make(chan string, 1)
	require.NoError(t, inbox.RegisterSingleHandler(ibx, "greeting", func(ctx context.Context, env inbox.TypedEnvelope[greeting]) inbox.Outcome {
		processed <- env.Payload.Text
		return inbox.Success
	}))

	w := inbox.NewWriter(ibx, nil)
	require.NoError(t, w.Write(context.Background(), greeting{Text: "hi"}))

	loop := processing.New(ibx, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	select {
	case text := <-processed:
		require.Equal(t, "hi", text)
	case <-time.After(2 * time.Second):
		t.Fatal("message was never processed")
	}

	cancel()
	<-loop.Stopped()

	health, err := p.GetHealthMetrics(context.Background())
	require.NoError(t, err)
	require.Zero(t, health.PendingCount)
	require.Zero(t, health.CapturedCount)
}

func TestLoopMaxAttemptsToDeadLetter(t *testing.T) {
	ibx, p := buildInbox(t, inbox.Default, inbox.WithMaxAttempts(3))

	require.NoError(t, inbox.RegisterSingleHandler(ibx, "greeting", func(ctx context.Context, env inbox.TypedEnvelope[greeting]) inbox.Outcome {
		return inbox.Failed
	}))

	w := inbox.NewWriter(ibx, nil)
	require.NoError(t, w.Write(context.Background(), greeting{Text: "doomed"}))

	loop := processing.New(ibx, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	defer func() {
		cancel()
		<-loop.Stopped()
	}()

	require.Eventually(t, func() bool {
		health, err := p.GetHealthMetrics(context.Background())
		require.NoError(t, err)
		return health.DeadLetterCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	dl, err := p.ReadDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	require.Equal(t, "Max attempts (3) exceeded", dl[0].FailureReason)
}

func TestLoopGracefulDrainReleasesInFlight(t *testing.T) {
	ibx, p := buildInbox(t, inbox.Default, inbox.WithShutdownTimeout(200*time.Millisecond))

	handlerStarted := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, inbox.RegisterSingleHandler(ibx, "greeting", func(ctx context.Context, env inbox.TypedEnvelope[greeting]) inbox.Outcome {
		close(handlerStarted)
		<-release
		return inbox.Success
	}))

	w := inbox.NewWriter(ibx, nil)
	require.NoError(t, w.Write(context.Background(), greeting{Text: "slow"}))

	loop := processing.New(ibx, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	<-handlerStarted
	cancel()

	require.Eventually(t, func() bool {
		health, err := p.GetHealthMetrics(context.Background())
		require.NoError(t, err)
		return health.PendingCount == 1
	}, time.Second, 10*time.Millisecond, "message must be released (pending again) within shutdown_timeout")

	close(release)
	<-loop.Stopped()
}
