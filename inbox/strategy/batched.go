package strategy

import (
	"context"

	"github.com/mixaill76/reliable-inbox/inbox"
)

// BatchedStrategy groups messages by message type and passes the whole
// slice to the registered Batched handler once per type, then commits a
// single ProcessResultsBatch partitioning every reported verdict.
type BatchedStrategy struct{}

var _ Strategy = BatchedStrategy{}

func (BatchedStrategy) Run(ctx context.Context, rt Runtime, messages []*inbox.Message, onReported ReportFunc) {
	collector := newResultCollector(rt.Options.MaxAttempts)
	attemptsByID := attemptsIndex(messages)

	byType := groupByType(messages)
	for messageType, msgs := range byType {
		envs := make([]inbox.Envelope, len(msgs))
		for i, m := range msgs {
			envs[i] = toEnvelope(m)
		}

		results, err := rt.Dispatcher.DispatchBatched(ctx, messageType, envs)
		if err != nil {
			if isHandlerNotRegistered(err) {
				for _, m := range msgs {
					collector.addHandlerNotRegistered(m.ID, messageType)
				}
				continue
			}
			rt.Logger.Error("batched handler invocation failed", "message_type", messageType, "error", err)
			continue
		}

		for _, r := range results {
			collector.add(r.ID, attemptsByID[r.ID], r.Outcome, r.Reason)
		}
	}

	commit(ctx, rt, collector.batch)
	collector.report(onReported)
}

func attemptsIndex(messages []*inbox.Message) map[string]int {
	out := make(map[string]int, len(messages))
	for _, m := range messages {
		out[m.ID] = m.AttemptsCount
	}
	return out
}
