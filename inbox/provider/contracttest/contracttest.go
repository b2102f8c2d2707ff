// Package contracttest exercises the universal invariants and concrete
// scenarios every storage provider must satisfy, regardless of backend.
// Backend packages call contracttest.Run from their own
// *_test.go files so the same battery of assertions runs uniformly
// against the in-memory, relational, and key-value backends.
package contracttest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixaill76/reliable-inbox/inbox"
)

// Options configures which scenarios Run exercises, since not every
// backend under test supports dedup/dead-letter the same way at the
// contract-test level (they always do behaviorally; FIFO is the one
// true branch).
type Options struct {
	FIFO bool
}

// Run executes the contract test suite against a freshly constructed
// provider returned by newProvider for each sub-test.
func Run(t *testing.T, newProvider func(t *testing.T) inbox.StorageProvider, opts Options) {
	t.Run("CollapseLatest", func(t *testing.T) { testCollapseLatest(t, newProvider(t)) })
	t.Run("DedupBlocks", func(t *testing.T) { testDedupBlocks(t, newProvider(t)) })
	t.Run("CaptureIsExclusive", func(t *testing.T) { testCaptureIsExclusive(t, newProvider(t)) })
	t.Run("ReleaseMakesPendingAgain", func(t *testing.T) { testReleaseMakesPendingAgain(t, newProvider(t)) })
	t.Run("FailBumpsAttempts", func(t *testing.T) { testFailBumpsAttempts(t, newProvider(t)) })
	t.Run("MoveToDeadLetterIsIdempotent", func(t *testing.T) { testMoveToDeadLetterIdempotent(t, newProvider(t)) })
	t.Run("ExtendLocksSkipsUnowned", func(t *testing.T) { testExtendLocksSkipsUnowned(t, newProvider(t)) })
	t.Run("WriteCaptureRoundTrip", func(t *testing.T) { testWriteCaptureRoundTrip(t, newProvider(t)) })
	if opts.FIFO {
		t.Run("GroupLockExcludesConcurrentCapture", func(t *testing.T) { testGroupLockExcludesConcurrentCapture(t, newProvider(t)) })
		t.Run("ReleaseGroupLocksIdempotent", func(t *testing.T) { testReleaseGroupLocksIdempotent(t, newProvider(t)) })
	}
}

func mustWrite(t *testing.T, p inbox.StorageProvider, msg *inbox.Message) {
	t.Helper()
	require.NoError(t, p.Write(context.Background(), msg))
}

func testCollapseLatest(t *testing.T, p inbox.StorageProvider) {
	ctx := context.Background()
	mustWrite(t, p, &inbox.Message{ID: "a", InboxName: "inbox", MessageType: "t", Payload: "v=1", CollapseKey: "k", ReceivedAt: time.Now()})
	mustWrite(t, p, &inbox.Message{ID: "b", InboxName: "inbox", MessageType: "t", Payload: "v=2", CollapseKey: "k", ReceivedAt: time.Now().Add(time.Millisecond)})

	got, err := p.ReadAndCapture(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "v=2", got[0].Payload)

	health, err := p.GetHealthMetrics(ctx)
	require.NoError(t, err)
	require.Zero(t, health.PendingCount)
}

func testDedupBlocks(t *testing.T, p inbox.StorageProvider) {
	ctx := context.Background()
	mustWrite(t, p, &inbox.Message{ID: "a", InboxName: "inbox", MessageType: "t", Payload: "v=1", DeduplicationID: "x", ReceivedAt: time.Now()})
	mustWrite(t, p, &inbox.Message{ID: "b", InboxName: "inbox", MessageType: "t", Payload: "v=2", DeduplicationID: "x", ReceivedAt: time.Now().Add(time.Millisecond)})

	got, err := p.ReadAndCapture(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "v=1", got[0].Payload)

	require.NoError(t, p.ProcessResultsBatch(ctx, inbox.ResultBatch{ToComplete: []string{got[0].ID}}))
	health, err := p.GetHealthMetrics(ctx)
	require.NoError(t, err)
	require.Zero(t, health.PendingCount)
}

func testCaptureIsExclusive(t *testing.T, p inbox.StorageProvider) {
	ctx := context.Background()
	mustWrite(t, p, &inbox.Message{ID: "a", InboxName: "inbox", MessageType: "t", Payload: "v", ReceivedAt: time.Now()})

	got1, err := p.ReadAndCapture(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, got1, 1)

	got2, err := p.ReadAndCapture(ctx, "worker-2", 10)
	require.NoError(t, err)
	require.Empty(t, got2)
}

func testReleaseMakesPendingAgain(t *testing.T, p inbox.StorageProvider) {
	ctx := context.Background()
	mustWrite(t, p, &inbox.Message{ID: "a", InboxName: "inbox", MessageType: "t", Payload: "v", ReceivedAt: time.Now()})

	got, err := p.ReadAndCapture(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, p.ReleaseBatch(ctx, []string{got[0].ID}))

	got2, err := p.ReadAndCapture(ctx, "worker-2", 10)
	require.NoError(t, err)
	require.Len(t, got2, 1)
	require.Equal(t, 0, got2[0].AttemptsCount)
}

func testFailBumpsAttempts(t *testing.T, p inbox.StorageProvider) {
	ctx := context.Background()
	mustWrite(t, p, &inbox.Message{ID: "a", InboxName: "inbox", MessageType: "t", Payload: "v", ReceivedAt: time.Now()})

	got, err := p.ReadAndCapture(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.NoError(t, p.FailBatch(ctx, []string{got[0].ID}))

	got2, err := p.ReadAndCapture(ctx, "worker-2", 10)
	require.NoError(t, err)
	require.Len(t, got2, 1)
	require.Equal(t, 1, got2[0].AttemptsCount)
}

func testMoveToDeadLetterIdempotent(t *testing.T, p inbox.StorageProvider) {
	ctx := context.Background()
	mustWrite(t, p, &inbox.Message{ID: "a", InboxName: "inbox", MessageType: "t", Payload: "v", ReceivedAt: time.Now()})

	_, err := p.ReadAndCapture(ctx, "worker-1", 10)
	require.NoError(t, err)

	require.NoError(t, p.MoveToDeadLetterBatch(ctx, []inbox.DeadLetterMove{{ID: "a", Reason: "boom"}}))
	require.NoError(t, p.MoveToDeadLetterBatch(ctx, []inbox.DeadLetterMove{{ID: "a", Reason: "boom again"}}))

	dl, err := p.ReadDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	require.Equal(t, "boom", dl[0].FailureReason)
}

func testExtendLocksSkipsUnowned(t *testing.T, p inbox.StorageProvider) {
	ctx := context.Background()
	mustWrite(t, p, &inbox.Message{ID: "a", InboxName: "inbox", MessageType: "t", Payload: "v", ReceivedAt: time.Now()})

	_, err := p.ReadAndCapture(ctx, "worker-1", 10)
	require.NoError(t, err)

	n, err := p.ExtendLocks(ctx, "worker-2", []string{"a"}, time.Now())
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = p.ExtendLocks(ctx, "worker-1", []string{"a"}, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testWriteCaptureRoundTrip(t *testing.T, p inbox.StorageProvider) {
	ctx := context.Background()
	mustWrite(t, p, &inbox.Message{ID: "a", InboxName: "inbox", MessageType: "t", Payload: "payload-bytes", ReceivedAt: time.Now()})

	got, err := p.ReadAndCapture(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "payload-bytes", got[0].Payload)
}

func testGroupLockExcludesConcurrentCapture(t *testing.T, p inbox.StorageProvider) {
	ctx := context.Background()
	mustWrite(t, p, &inbox.Message{ID: "a", InboxName: "inbox", MessageType: "t", Payload: "v1", GroupID: "g1", ReceivedAt: time.Now()})
	mustWrite(t, p, &inbox.Message{ID: "b", InboxName: "inbox", MessageType: "t", Payload: "v2", GroupID: "g1", ReceivedAt: time.Now().Add(time.Millisecond)})

	got1, err := p.ReadAndCapture(ctx, "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, got1, 1)
	require.Equal(t, "v1", got1[0].Payload)

	got2, err := p.ReadAndCapture(ctx, "worker-2", 10)
	require.NoError(t, err)
	require.Empty(t, got2, "group lock held by worker-1 must exclude worker-2 from the same group")
}

func testReleaseGroupLocksIdempotent(t *testing.T, p inbox.StorageProvider) {
	ctx := context.Background()
	mustWrite(t, p, &inbox.Message{ID: "a", InboxName: "inbox", MessageType: "t", Payload: "v1", GroupID: "g1", ReceivedAt: time.Now()})

	_, err := p.ReadAndCapture(ctx, "worker-1", 10)
	require.NoError(t, err)

	require.NoError(t, p.ReleaseGroupLocks(ctx, []string{"g1"}))
	require.NoError(t, p.ReleaseGroupLocks(ctx, []string{"g1"}))
	require.NoError(t, p.ReleaseBatch(ctx, []string{"a"}))

	got, err := p.ReadAndCapture(ctx, "worker-2", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
