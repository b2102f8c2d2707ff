package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mixaill76/reliable-inbox/inbox/workerpool"
)

// Writer builds Messages from arbitrary registered payload values and
// persists them through a target Inbox's StorageProvider, applying
// intra-batch collapse/dedup and chunked parallel writes.
//
// Writer resolves its target inbox explicitly by name at construction;
// this repo does not carry the "message's registered default inbox"
// convenience the original description alludes to, since the
// registry.Registry tracks only the type<->message_type bijection, not
// a default-inbox mapping per type.
type Writer struct {
	inbox  *Inbox
	logger *slog.Logger
}

// NewWriter constructs a Writer targeting ibx.
func NewWriter(ibx *Inbox, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{inbox: ibx, logger: logger.With("component", "writer", "inbox", ibx.Name())}
}

// Write persists a single payload value. A nil payload is a silent
// no-op.
func (w *Writer) Write(ctx context.Context, payload any) error {
	if payload == nil {
		return nil
	}
	return w.WriteBatch(ctx, []any{payload})
}

// WriteBatch builds Messages for each payload, collapses/dedups within
// the batch, and persists the result in chunks of WriteBatchSize. An
// empty batch is a silent no-op.
func (w *Writer) WriteBatch(ctx context.Context, payloads []any) error {
	if len(payloads) == 0 {
		return nil
	}

	msgs := make([]*Message, 0, len(payloads))
	for _, payload := range payloads {
		msg, err := w.buildMessage(payload)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	msgs = collapseIntraBatch(msgs)

	opts := w.inbox.Options()
	chunkSize := opts.WriteBatchSize
	chunks := chunk(msgs, chunkSize)

	errs := workerpool.RunChunks(ctx, opts.MaxWriteThreads, len(chunks), w.logger, func(ctx context.Context, i int) error {
		return w.inbox.Provider().WriteBatch(ctx, chunks[i])
	})
	if len(errs) > 0 {
		return fmt.Errorf("inbox: writing %d/%d chunks failed: %w", len(errs), len(chunks), errors.Join(errs...))
	}
	return nil
}

func (w *Writer) buildMessage(payload any) (*Message, error) {
	messageType, ok := w.inbox.Registry().TypeNameFor(payload)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrTypeNotRegistered, payload)
	}
	extracted, _ := w.inbox.Registry().Extract(payload)

	serialized, err := w.inbox.serializer.Serialize(payload)
	if err != nil {
		return nil, fmt.Errorf("inbox: serializing %T: %w", payload, err)
	}

	id := extracted.ExternalID
	if !extracted.HasExternalID || id == "" {
		id = uuid.NewString()
	}

	receivedAt := time.Now().UTC()
	if extracted.HasReceivedAt {
		receivedAt = extracted.ReceivedAt
	}

	msg := &Message{
		ID:              id,
		InboxName:       w.inbox.Name(),
		MessageType:     messageType,
		Payload:         serialized,
		CollapseKey:     extracted.CollapseKey,
		DeduplicationID: extracted.DeduplicationID,
		ReceivedAt:      receivedAt,
		AttemptsCount:   0,
	}
	if extracted.HasGroupID {
		msg.GroupID = extracted.GroupID
	}

	if w.inbox.Provider().IsFIFO() && msg.GroupID == "" {
		return nil, &InvalidMessageError{InboxName: w.inbox.Name(), Reason: "FIFO inbox requires a non-empty group id"}
	}

	return msg, nil
}

// collapseIntraBatch walks the batch in reverse, keeping only the last
// occurrence of each collapse_key and deduplication_id: this avoids
// spurious storage churn where the storage layer would immediately
// delete the earlier version.
func collapseIntraBatch(msgs []*Message) []*Message {
	seenCollapse := make(map[string]struct{}, len(msgs))
	seenDedup := make(map[string]struct{}, len(msgs))
	keep := make([]bool, len(msgs))

	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		drop := false
		if m.CollapseKey != "" {
			if _, seen := seenCollapse[m.CollapseKey]; seen {
				drop = true
			} else {
				seenCollapse[m.CollapseKey] = struct{}{}
			}
		}
		if !drop && m.DeduplicationID != "" {
			if _, seen := seenDedup[m.DeduplicationID]; seen {
				drop = true
			} else {
				seenDedup[m.DeduplicationID] = struct{}{}
			}
		}
		keep[i] = !drop
	}

	out := make([]*Message, 0, len(msgs))
	for i, m := range msgs {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

func chunk(msgs []*Message, size int) [][]*Message {
	if size <= 0 {
		size = len(msgs)
	}
	var chunks [][]*Message
	for i := 0; i < len(msgs); i += size {
		end := i + size
		if end > len(msgs) {
			end = len(msgs)
		}
		chunks = append(chunks, msgs[i:end])
	}
	return chunks
}
