package strategy

import (
	"context"
	"sync"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/workerpool"
)

// FIFOStrategy groups messages by group id and processes each group
// strictly in received_at order through the registered Single handler.
// Groups may run concurrently up to MaxProcessingThreads; messages
// within one group are never reordered or run concurrently with each
// other. Grounded in the per-group-goroutine, semaphore-bounded pattern
// of
// _examples/other_examples/e49fee04_flowcatalyst-flowcatalyst__flowcatalyst-go-internal-outbox-processor.go.go.
type FIFOStrategy struct{}

var _ Strategy = FIFOStrategy{}

func (FIFOStrategy) Run(ctx context.Context, rt Runtime, messages []*inbox.Message, onReported ReportFunc) {
	order, groups := groupByGroupID(messages)

	collector := newResultCollector(rt.Options.MaxAttempts)
	var mu sync.Mutex
	resolvedGroups := make(map[string]bool, len(order))

	workerpool.RunChunks(ctx, rt.Options.MaxProcessingThreads, len(order), rt.Logger, func(ctx context.Context, i int) error {
		groupID := order[i]
		msgs := groups[groupID]

		resolved := true
		for _, m := range msgs {
			outcome, reason, err := rt.Dispatcher.DispatchSingle(ctx, m.MessageType, toEnvelope(m))

			mu.Lock()
			switch {
			case err != nil && isHandlerNotRegistered(err):
				collector.addHandlerNotRegistered(m.ID, m.MessageType)
			case err != nil:
				collector.addDeserializeFailure(m.ID, err)
			default:
				collector.add(m.ID, m.AttemptsCount, outcome, reason)
				if outcome != inbox.Success {
					resolved = false
				}
			}
			mu.Unlock()

			if err == nil && outcome != inbox.Success {
				// First non-Success outcome in this group: release the
				// rest of the group's batch without touching
				// AttemptsCount, preserving order for the next cycle.
				releaseRemaining(collector, &mu, msgs, indexOf(msgs, m.ID)+1)
				resolved = false
				break
			}
			if err != nil {
				resolved = false
			}
		}

		mu.Lock()
		resolvedGroups[groupID] = resolved
		mu.Unlock()
		return nil
	})

	commit(ctx, rt, collector.batch)
	collector.report(onReported)

	releaseResolvedGroupLocks(ctx, rt, order, resolvedGroups)
}

func indexOf(msgs []*inbox.Message, id string) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return len(msgs)
}

// releaseRemaining adds every message from index start onward to the
// release set, without dispatching them: the group-lock release policy
// forbids unlocking a group with any released-for-retry message still
// pending, so resolved must be false for this group (handled by the
// caller).
func releaseRemaining(collector *resultCollector, mu *sync.Mutex, msgs []*inbox.Message, start int) {
	mu.Lock()
	defer mu.Unlock()
	for i := start; i < len(msgs); i++ {
		collector.reported = append(collector.reported, msgs[i].ID)
		collector.batch.ToRelease = append(collector.batch.ToRelease, msgs[i].ID)
	}
}

// releaseResolvedGroupLocks releases the group lock for every group
// whose messages are all terminally resolved (no release-for-retry
// remains in-flight).
func releaseResolvedGroupLocks(ctx context.Context, rt Runtime, order []string, resolved map[string]bool) {
	var toUnlock []string
	for _, groupID := range order {
		if groupID == "" {
			continue
		}
		if resolved[groupID] {
			toUnlock = append(toUnlock, groupID)
		}
	}
	if len(toUnlock) == 0 {
		return
	}
	if err := rt.Provider.ReleaseGroupLocks(ctx, toUnlock); err != nil {
		rt.Logger.Warn("releasing resolved group locks failed; TTL fallback will reclaim them", "error", err)
	}
}
