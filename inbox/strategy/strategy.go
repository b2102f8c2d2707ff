// Package strategy implements the four delivery strategies built on the
// storage provider contract: Default, Batched, FIFO, and FIFOBatched.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mixaill76/reliable-inbox/inbox"
)

func isHandlerNotRegistered(err error) bool {
	return errors.Is(err, inbox.ErrHandlerNotRegistered)
}

// ReportFunc is called by a Strategy once a message's outcome has been
// submitted to ProcessResultsBatch (also when that commit failed and was
// only logged), letting the processing loop drop it from its in-flight
// map.
type ReportFunc func(id string)

// Runtime bundles what every strategy needs to dispatch a captured
// batch: a handler resolver, the storage provider to commit results
// against, validated options, and a logger.
type Runtime struct {
	Dispatcher inbox.Dispatcher
	Provider   inbox.StorageProvider
	Options    *inbox.Options
	Logger     *slog.Logger
}

// Strategy processes one captured batch to completion: it dispatches
// every message to its registered handler, maps outcomes to storage
// operations, commits them, and calls onReported for each message id as
// its outcome becomes final.
type Strategy interface {
	Run(ctx context.Context, rt Runtime, messages []*inbox.Message, onReported ReportFunc)
}

// ForMode returns the Strategy implementation for mode.
func ForMode(mode inbox.DeliveryMode) Strategy {
	switch mode {
	case inbox.Default:
		return DefaultStrategy{}
	case inbox.Batched:
		return BatchedStrategy{}
	case inbox.FIFO:
		return FIFOStrategy{}
	case inbox.FIFOBatched:
		return FIFOBatchedStrategy{}
	default:
		panic(fmt.Sprintf("strategy: unknown delivery mode %v", mode))
	}
}

// groupByType partitions messages by MessageType, preserving relative
// order within each group (ReadAndCapture already returns them ordered
// by ReceivedAt ascending).
func groupByType(messages []*inbox.Message) map[string][]*inbox.Message {
	out := make(map[string][]*inbox.Message)
	for _, m := range messages {
		out[m.MessageType] = append(out[m.MessageType], m)
	}
	return out
}

// groupByGroupID partitions messages by GroupID, preserving order.
func groupByGroupID(messages []*inbox.Message) (order []string, groups map[string][]*inbox.Message) {
	groups = make(map[string][]*inbox.Message)
	for _, m := range messages {
		if _, seen := groups[m.GroupID]; !seen {
			order = append(order, m.GroupID)
		}
		groups[m.GroupID] = append(groups[m.GroupID], m)
	}
	return order, groups
}

func toEnvelope(m *inbox.Message) inbox.Envelope {
	return inbox.Envelope{ID: m.ID, GroupID: m.GroupID, Payload: m.Payload}
}

// commit applies ProcessResultsBatch if there is anything to commit,
// logging failures: a storage error here is logged and the loop
// continues, messages simply remain captured until stale.
func commit(ctx context.Context, rt Runtime, batch inbox.ResultBatch) {
	if batch.IsEmpty() {
		return
	}
	if err := rt.Provider.ProcessResultsBatch(ctx, batch); err != nil {
		rt.Logger.Error("committing batch results failed", "error", err)
	}
}

// resultCollector accumulates per-message verdicts into the four
// ProcessResultsBatch subsets, applying the outcome-mapping rules
// (the attempts-to-dead-letter policy lives here, in the engine, never
// in storage).
type resultCollector struct {
	maxAttempts int
	batch       inbox.ResultBatch
	reported    []string
}

func newResultCollector(maxAttempts int) *resultCollector {
	return &resultCollector{maxAttempts: maxAttempts}
}

// add maps one message's outcome to a storage-side verdict.
// attemptsBeforeThisAttempt is the message's AttemptsCount as captured
// (before this processing attempt's own increment, if any).
func (c *resultCollector) add(id string, attemptsBeforeThisAttempt int, outcome inbox.Outcome, reason string) {
	c.reported = append(c.reported, id)
	switch outcome {
	case inbox.Success:
		c.batch.ToComplete = append(c.batch.ToComplete, id)
	case inbox.Retry:
		c.batch.ToRelease = append(c.batch.ToRelease, id)
	case inbox.MoveToDeadLetter:
		if reason == "" {
			reason = "Handler requested move to dead letter"
		}
		c.batch.ToDeadLetter = append(c.batch.ToDeadLetter, inbox.DeadLetterMove{ID: id, Reason: reason})
	case inbox.Failed:
		if attemptsBeforeThisAttempt+1 >= c.maxAttempts {
			c.batch.ToDeadLetter = append(c.batch.ToDeadLetter, inbox.DeadLetterMove{
				ID:     id,
				Reason: fmt.Sprintf("Max attempts (%d) exceeded", c.maxAttempts),
			})
		} else {
			c.batch.ToFail = append(c.batch.ToFail, id)
		}
	}
}

// addDeserializeFailure always dead-letters, never retries: the payload
// will not change on a future attempt.
func (c *resultCollector) addDeserializeFailure(id string, err error) {
	c.reported = append(c.reported, id)
	c.batch.ToDeadLetter = append(c.batch.ToDeadLetter, inbox.DeadLetterMove{
		ID:     id,
		Reason: fmt.Sprintf("Failed to deserialize message payload: %v", err),
	})
}

// addHandlerNotRegistered dead-letters a message whose type has no
// registered handler; this is a configuration gap the Manager should
// normally have prevented (processing loops only start for inboxes with
// at least one handler), but a mixed-type inbox can still receive a
// message whose specific type was never registered.
func (c *resultCollector) addHandlerNotRegistered(id string, messageType string) {
	c.reported = append(c.reported, id)
	c.batch.ToDeadLetter = append(c.batch.ToDeadLetter, inbox.DeadLetterMove{
		ID:     id,
		Reason: fmt.Sprintf("No handler registered for message type %q", messageType),
	})
}

func (c *resultCollector) report(onReported ReportFunc) {
	if onReported == nil {
		return
	}
	for _, id := range c.reported {
		onReported(id)
	}
}
