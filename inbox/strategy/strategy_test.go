package strategy

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/provider/memory"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	callOrder []string
	outcome   func(env inbox.Envelope) inbox.Outcome
}

func (f *fakeDispatcher) DispatchSingle(ctx context.Context, messageType string, env inbox.Envelope) (inbox.Outcome, string, error) {
	f.mu.Lock()
	f.callOrder = append(f.callOrder, env.ID)
	f.mu.Unlock()
	return f.outcome(env), "", nil
}

func (f *fakeDispatcher) DispatchBatched(ctx context.Context, messageType string, envs []inbox.Envelope) ([]inbox.MessageResult, error) {
	var out []inbox.MessageResult
	for _, env := range envs {
		f.mu.Lock()
		f.callOrder = append(f.callOrder, env.ID)
		f.mu.Unlock()
		out = append(out, inbox.MessageResult{ID: env.ID, Outcome: f.outcome(env)})
	}
	return out, nil
}

func (f *fakeDispatcher) DispatchFifoBatched(ctx context.Context, messageType, groupID string, envs []inbox.Envelope) ([]inbox.MessageResult, error) {
	return f.DispatchBatched(ctx, messageType, envs)
}

func newRuntime(p inbox.StorageProvider, d inbox.Dispatcher, mode inbox.DeliveryMode) Runtime {
	opts, err := inbox.NewOptions(mode, inbox.WithMaxProcessingThreads(4), inbox.WithMaxAttempts(3))
	if err != nil {
		panic(err)
	}
	return Runtime{Dispatcher: d, Provider: p, Options: opts, Logger: slog.Default()}
}

func TestFIFOStrategyPreservesOrderWithinGroup(t *testing.T) {
	p := memory.New(true, 30*time.Second)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Write(ctx, &inbox.Message{
			ID: itoa(i), InboxName: "inbox", MessageType: "t", GroupID: "g1",
			Payload: "v", ReceivedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	captured, err := p.ReadAndCapture(ctx, "worker-1", 100)
	require.NoError(t, err)
	require.Len(t, captured, 1, "the reference memory backend captures one message per group per cycle")

	// Drain the whole group across cycles, recording overall call order.
	d := &fakeDispatcher{outcome: func(inbox.Envelope) inbox.Outcome { return inbox.Success }}
	for len(captured) > 0 {
		rt := newRuntime(p, d, inbox.FIFO)
		FIFOStrategy{}.Run(ctx, rt, captured, nil)
		captured, err = p.ReadAndCapture(ctx, "worker-1", 100)
		require.NoError(t, err)
	}

	require.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, d.callOrder)
}

func TestFIFOStrategyReleasesRemainingOnFailure(t *testing.T) {
	p := memory.New(true, 30*time.Second)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Write(ctx, &inbox.Message{
			ID: itoa(i), InboxName: "inbox", MessageType: "t", GroupID: "g1",
			Payload: "v", ReceivedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	// All 3 share a group lock; the memory backend only captures one
	// message per group per ReadAndCapture call, so exercise the
	// "remaining messages released" path against a hand-built batch
	// instead of relying on a single capture cycle.
	captured, err := p.ReadAndCapture(ctx, "worker-1", 100)
	require.NoError(t, err)
	require.Len(t, captured, 1)

	all := []*inbox.Message{
		{ID: "0", MessageType: "t", GroupID: "g1", AttemptsCount: 0},
		{ID: "1", MessageType: "t", GroupID: "g1", AttemptsCount: 0},
		{ID: "2", MessageType: "t", GroupID: "g1", AttemptsCount: 0},
	}
	d := &fakeDispatcher{outcome: func(env inbox.Envelope) inbox.Outcome {
		if env.ID == "1" {
			return inbox.Failed
		}
		return inbox.Success
	}}

	rt := newRuntime(p, d, inbox.FIFO)
	var reported []string
	FIFOStrategy{}.Run(ctx, rt, all, func(id string) { reported = append(reported, id) })

	require.ElementsMatch(t, []string{"0", "1", "2"}, reported)
	require.Equal(t, []string{"0", "1"}, d.callOrder, "message 2 must never be dispatched after message 1 failed")
}

func itoa(i int) string {
	digits := "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	panic("itoa: out of range for this test helper")
}
