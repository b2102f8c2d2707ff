package provider

import (
	"context"
	"time"

	"github.com/mixaill76/reliable-inbox/inbox"
)

// Retrying wraps an inbox.StorageProvider so every operation is
// executed through the retry executor, with retry behavior configured
// per backend.
type Retrying struct {
	inner  inbox.StorageProvider
	config RetryConfig
}

// Wrap returns a Retrying StorageProvider delegating to inner.
func Wrap(inner inbox.StorageProvider, config RetryConfig) *Retrying {
	return &Retrying{inner: inner, config: config}
}

var _ inbox.StorageProvider = (*Retrying)(nil)

func (r *Retrying) IsFIFO() bool { return r.inner.IsFIFO() }

func (r *Retrying) Write(ctx context.Context, msg *inbox.Message) error {
	return Execute(ctx, r.config, func(ctx context.Context) error { return r.inner.Write(ctx, msg) })
}

func (r *Retrying) WriteBatch(ctx context.Context, msgs []*inbox.Message) error {
	return Execute(ctx, r.config, func(ctx context.Context) error { return r.inner.WriteBatch(ctx, msgs) })
}

func (r *Retrying) ReadAndCapture(ctx context.Context, processorID string, batchSize int) ([]*inbox.Message, error) {
	var out []*inbox.Message
	err := Execute(ctx, r.config, func(ctx context.Context) error {
		var err error
		out, err = r.inner.ReadAndCapture(ctx, processorID, batchSize)
		return err
	})
	return out, err
}

func (r *Retrying) FailBatch(ctx context.Context, ids []string) error {
	return Execute(ctx, r.config, func(ctx context.Context) error { return r.inner.FailBatch(ctx, ids) })
}

func (r *Retrying) ReleaseBatch(ctx context.Context, ids []string) error {
	return Execute(ctx, r.config, func(ctx context.Context) error { return r.inner.ReleaseBatch(ctx, ids) })
}

func (r *Retrying) MoveToDeadLetterBatch(ctx context.Context, moves []inbox.DeadLetterMove) error {
	return Execute(ctx, r.config, func(ctx context.Context) error { return r.inner.MoveToDeadLetterBatch(ctx, moves) })
}

func (r *Retrying) ProcessResultsBatch(ctx context.Context, batch inbox.ResultBatch) error {
	return Execute(ctx, r.config, func(ctx context.Context) error { return r.inner.ProcessResultsBatch(ctx, batch) })
}

func (r *Retrying) ReadDeadLetters(ctx context.Context, count int) ([]*inbox.DeadLetterMessage, error) {
	var out []*inbox.DeadLetterMessage
	err := Execute(ctx, r.config, func(ctx context.Context) error {
		var err error
		out, err = r.inner.ReadDeadLetters(ctx, count)
		return err
	})
	return out, err
}

func (r *Retrying) ExtendLocks(ctx context.Context, processorID string, ids []string, newCapturedAt time.Time) (int, error) {
	var n int
	err := Execute(ctx, r.config, func(ctx context.Context) error {
		var err error
		n, err = r.inner.ExtendLocks(ctx, processorID, ids, newCapturedAt)
		return err
	})
	return n, err
}

func (r *Retrying) ReleaseGroupLocks(ctx context.Context, groupIDs []string) error {
	return Execute(ctx, r.config, func(ctx context.Context) error { return r.inner.ReleaseGroupLocks(ctx, groupIDs) })
}

func (r *Retrying) ReleaseMessagesAndGroupLocks(ctx context.Context, ids []string, groupIDs []string) error {
	return Execute(ctx, r.config, func(ctx context.Context) error {
		return r.inner.ReleaseMessagesAndGroupLocks(ctx, ids, groupIDs)
	})
}

func (r *Retrying) GetHealthMetrics(ctx context.Context) (inbox.HealthMetrics, error) {
	var h inbox.HealthMetrics
	err := Execute(ctx, r.config, func(ctx context.Context) error {
		var err error
		h, err = r.inner.GetHealthMetrics(ctx)
		return err
	})
	return h, err
}

func (r *Retrying) Migrate(ctx context.Context) error {
	return Execute(ctx, r.config, func(ctx context.Context) error { return r.inner.Migrate(ctx) })
}
