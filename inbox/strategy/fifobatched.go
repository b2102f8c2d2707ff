package strategy

import (
	"context"
	"sync"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/workerpool"
)

// FIFOBatchedStrategy groups messages by group id, then by message type
// within each group (preserving received_at order), delivering each
// per-group, per-type slice to the registered FifoBatched handler as a
// whole. Otherwise identical to FIFOStrategy: on the first non-Success
// result within a group, the rest of that group's batch (including
// not-yet-dispatched type subgroups) is released rather than processed.
type FIFOBatchedStrategy struct{}

var _ Strategy = FIFOBatchedStrategy{}

func (FIFOBatchedStrategy) Run(ctx context.Context, rt Runtime, messages []*inbox.Message, onReported ReportFunc) {
	order, groups := groupByGroupID(messages)

	collector := newResultCollector(rt.Options.MaxAttempts)
	var mu sync.Mutex
	resolvedGroups := make(map[string]bool, len(order))

	workerpool.RunChunks(ctx, rt.Options.MaxProcessingThreads, len(order), rt.Logger, func(ctx context.Context, i int) error {
		groupID := order[i]
		resolved := runGroup(ctx, rt, groupID, groups[groupID], collector, &mu)
		mu.Lock()
		resolvedGroups[groupID] = resolved
		mu.Unlock()
		return nil
	})

	commit(ctx, rt, collector.batch)
	collector.report(onReported)

	releaseResolvedGroupLocks(ctx, rt, order, resolvedGroups)
}

// runGroup processes one group's message-type subgroups in order,
// stopping at the first subgroup containing a non-Success result.
// Returns whether the group is fully resolved (eligible for lock release).
func runGroup(ctx context.Context, rt Runtime, groupID string, msgs []*inbox.Message, collector *resultCollector, mu *sync.Mutex) bool {
	typeOrder, byType := orderedGroupByType(msgs)

	for ti, messageType := range typeOrder {
		subset := byType[messageType]
		envs := make([]inbox.Envelope, len(subset))
		for i, m := range subset {
			envs[i] = toEnvelope(m)
		}

		results, err := rt.Dispatcher.DispatchFifoBatched(ctx, messageType, groupID, envs)

		mu.Lock()
		if err != nil {
			if isHandlerNotRegistered(err) {
				for _, m := range subset {
					collector.addHandlerNotRegistered(m.ID, messageType)
				}
			} else {
				rt.Logger.Error("fifo batched handler invocation failed", "group_id", groupID, "message_type", messageType, "error", err)
			}
			mu.Unlock()
			releaseRemainingGroups(collector, mu, typeOrder, byType, ti+1)
			return false
		}

		attempts := attemptsIndex(subset)
		nonSuccess := false
		for _, r := range results {
			collector.add(r.ID, attempts[r.ID], r.Outcome, r.Reason)
			if r.Outcome != inbox.Success {
				nonSuccess = true
			}
		}
		mu.Unlock()

		if nonSuccess {
			releaseRemainingGroups(collector, mu, typeOrder, byType, ti+1)
			return false
		}
	}

	return true
}

// orderedGroupByType groups msgs by MessageType preserving the order in
// which each type first appears.
func orderedGroupByType(msgs []*inbox.Message) ([]string, map[string][]*inbox.Message) {
	order := make([]string, 0, len(msgs))
	byType := make(map[string][]*inbox.Message)
	for _, m := range msgs {
		if _, seen := byType[m.MessageType]; !seen {
			order = append(order, m.MessageType)
		}
		byType[m.MessageType] = append(byType[m.MessageType], m)
	}
	return order, byType
}

// releaseRemainingGroups releases every not-yet-dispatched type subgroup
// from index start onward.
func releaseRemainingGroups(collector *resultCollector, mu *sync.Mutex, typeOrder []string, byType map[string][]*inbox.Message, start int) {
	mu.Lock()
	defer mu.Unlock()
	for i := start; i < len(typeOrder); i++ {
		for _, m := range byType[typeOrder[i]] {
			collector.reported = append(collector.reported, m.ID)
			collector.batch.ToRelease = append(collector.batch.ToRelease, m.ID)
		}
	}
}
