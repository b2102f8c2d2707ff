package strategy

import (
	"context"
	"sync"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/workerpool"
)

// DefaultStrategy groups messages by message type and dispatches each
// one individually through the registered Single handler, up to
// MaxProcessingThreads in parallel across messages (not across types).
type DefaultStrategy struct{}

var _ Strategy = DefaultStrategy{}

func (DefaultStrategy) Run(ctx context.Context, rt Runtime, messages []*inbox.Message, onReported ReportFunc) {
	collector := newResultCollector(rt.Options.MaxAttempts)
	var mu sync.Mutex

	byType := groupByType(messages)
	for messageType, msgs := range byType {
		workerpool.RunChunks(ctx, rt.Options.MaxProcessingThreads, len(msgs), rt.Logger, func(ctx context.Context, i int) error {
			m := msgs[i]
			outcome, reason, err := rt.Dispatcher.DispatchSingle(ctx, messageType, toEnvelope(m))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if isHandlerNotRegistered(err) {
					collector.addHandlerNotRegistered(m.ID, messageType)
				} else {
					collector.addDeserializeFailure(m.ID, err)
				}
				return nil
			}
			collector.add(m.ID, m.AttemptsCount, outcome, reason)
			return nil
		})
	}

	commit(ctx, rt, collector.batch)
	collector.report(onReported)
}
