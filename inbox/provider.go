package inbox

import (
	"context"
	"time"
)

// StorageProvider is the storage provider contract: the exact set of
// operations a backend must implement, encapsulating one
// backing store for one named inbox. Implementations must be safe for
// concurrent use; the backend driver's own pooling is expected to
// handle that (see provider/memory, provider/sqlprovider,
// provider/kvprovider).
type StorageProvider interface {
	// Write persists a single message, applying collapse-by-key then
	// dedup-by-id as one atomic step ahead of the insert.
	Write(ctx context.Context, msg *Message) error

	// WriteBatch persists several messages, applying (1) collapse and
	// (2) dedup per message while remaining a single round-trip where
	// the backend permits.
	WriteBatch(ctx context.Context, msgs []*Message) error

	// ReadAndCapture atomically selects up to batchSize pending-or-stale
	// messages and marks them captured by processorID, ordered by
	// ReceivedAt ascending then ID as tiebreaker. FIFO providers only
	// return messages whose group has no live GroupLock, and acquire or
	// refresh that lock as part of the same atomic step.
	ReadAndCapture(ctx context.Context, processorID string, batchSize int) ([]*Message, error)

	// Fail bumps AttemptsCount and clears capture for the given ids. It
	// does not consult MaxAttempts; that policy lives in the engine.
	FailBatch(ctx context.Context, ids []string) error

	// ReleaseBatch clears capture for the given ids without touching
	// AttemptsCount.
	ReleaseBatch(ctx context.Context, ids []string) error

	// MoveToDeadLetterBatch atomically copies each (id, reason) pair to
	// the dead-letter store and removes it from the primary store.
	MoveToDeadLetterBatch(ctx context.Context, moves []DeadLetterMove) error

	// ProcessResultsBatch completes, fails, releases, and dead-letters in
	// a single transaction/pipeline. Any subset may be empty.
	ProcessResultsBatch(ctx context.Context, batch ResultBatch) error

	// ReadDeadLetters returns up to count dead-lettered messages,
	// oldest-first by MovedAt.
	ReadDeadLetters(ctx context.Context, count int) ([]*DeadLetterMessage, error)

	// ExtendLocks refreshes CapturedAt to newCapturedAt for every message
	// in ids still owned by processorID (and, for FIFO providers, the
	// matching GroupLock rows), returning the count actually extended.
	ExtendLocks(ctx context.Context, processorID string, ids []string, newCapturedAt time.Time) (int, error)

	// ReleaseGroupLocks deletes the named (InboxName, GroupID) locks.
	// Idempotent; FIFO providers only.
	ReleaseGroupLocks(ctx context.Context, groupIDs []string) error

	// ReleaseMessagesAndGroupLocks atomically clears capture on ids and
	// deletes the group locks for groupIDs. FIFO providers only.
	ReleaseMessagesAndGroupLocks(ctx context.Context, ids []string, groupIDs []string) error

	// GetHealthMetrics returns point-in-time counts for the inbox.
	GetHealthMetrics(ctx context.Context) (HealthMetrics, error)

	// Migrate idempotently creates any schema/keyspace the provider
	// needs. Optional: providers with nothing to create may no-op.
	Migrate(ctx context.Context) error

	// IsFIFO reports whether this provider enforces group locks. Used by
	// the writer to decide whether a missing GroupID is an error.
	IsFIFO() bool
}

// Cleaner is implemented by providers that support the background
// cleanup tasks: expired dedup records, expired group locks, and
// expired dead-letter messages. All three backends implement it;
// callers type-assert rather than requiring it on StorageProvider so a
// custom minimal provider can still satisfy the core contract.
type Cleaner interface {
	// DeleteExpiredDedup removes dedup records created before cutoff, up
	// to batchSize rows, returning the count removed.
	DeleteExpiredDedup(ctx context.Context, cutoff time.Time, batchSize int) (int, error)

	// DeleteExpiredGroupLocks removes group locks acquired before cutoff,
	// up to batchSize rows, returning the count removed.
	DeleteExpiredGroupLocks(ctx context.Context, cutoff time.Time, batchSize int) (int, error)

	// DeleteExpiredDeadLetters removes dead-letter messages moved before
	// cutoff, up to batchSize rows, returning the count removed.
	DeleteExpiredDeadLetters(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}

// DeadLetterMove is one (id, reason) pair for MoveToDeadLetterBatch.
type DeadLetterMove struct {
	ID     string
	Reason string
}

// ResultBatch partitions a strategy's verdicts into the four subsets
// ProcessResultsBatch commits atomically.
type ResultBatch struct {
	ToComplete  []string
	ToFail      []string
	ToRelease   []string
	ToDeadLetter []DeadLetterMove
}

// IsEmpty reports whether the batch has nothing to commit.
func (b ResultBatch) IsEmpty() bool {
	return len(b.ToComplete) == 0 && len(b.ToFail) == 0 && len(b.ToRelease) == 0 && len(b.ToDeadLetter) == 0
}
