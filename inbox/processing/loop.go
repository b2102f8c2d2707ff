// Package processing implements the processing loop: poll, capture,
// dispatch, commit results, release, including lock extension and
// graceful shutdown drain.
package processing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/strategy"
)

// State is the processing loop's coarse lifecycle state.
type State int32

const (
	Idle State = iota
	Polling
	Processing
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Polling:
		return "Polling"
	case Processing:
		return "Processing"
	case Draining:
		return "Draining"
	default:
		return "Unknown"
	}
}

// Loop is one processing loop for one inbox in one process. Identity:
// processorID = hostname + random.
type Loop struct {
	inboxName  string
	processorID string
	provider   inbox.StorageProvider
	options    *inbox.Options
	strategy   strategy.Strategy
	dispatcher inbox.Dispatcher
	logger     *slog.Logger

	state atomic.Int32

	mu       sync.Mutex
	inFlight map[string]*inbox.Message

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Loop for ibx, running ibx's configured delivery
// strategy against ibx's provider.
func New(ibx *inbox.Inbox, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		inboxName:   ibx.Name(),
		processorID: newProcessorID(),
		provider:    ibx.Provider(),
		options:     ibx.Options(),
		strategy:    strategy.ForMode(ibx.Options().Mode),
		dispatcher:  ibx,
		logger:      logger.With("component", "processing_loop", "inbox", ibx.Name()),
		inFlight:    make(map[string]*inbox.Message),
		stopped:     make(chan struct{}),
	}
}

func newProcessorID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// ProcessorID returns this loop's identity, used to gate lock extension
// and release operations.
func (l *Loop) ProcessorID() string { return l.processorID }

// State returns the loop's current coarse state.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Run executes the main cycle until ctx is canceled, then drains within
// Options.ShutdownTimeout before returning. Run is intended to be
// called from its own goroutine by the manager.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.stopped)
	l.setState(Idle)

	var lastCycleStart time.Time

	for {
		if ctx.Err() != nil {
			l.drain(nil)
			return
		}

		if !lastCycleStart.IsZero() {
			elapsed := time.Since(lastCycleStart)
			if wait := l.options.ReadDelay - elapsed; wait > 0 {
				if !sleepOrDone(ctx, wait) {
					l.drain(nil)
					return
				}
			}
		}
		lastCycleStart = time.Now()

		l.setState(Polling)
		messages, err := l.provider.ReadAndCapture(ctx, l.processorID, l.options.ReadBatchSize)
		if err != nil {
			l.logger.Error("read and capture failed", "error", err)
			if !sleepOrDone(ctx, l.options.PollingInterval) {
				l.drain(nil)
				return
			}
			continue
		}
		if len(messages) == 0 {
			l.setState(Idle)
			if !sleepOrDone(ctx, l.options.PollingInterval) {
				l.drain(nil)
				return
			}
			continue
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			l.runBatch(messages)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			l.drain(done)
			return
		}
	}
}

// runBatch dispatches one captured batch through the configured
// strategy and commits its results. It deliberately runs against a
// context independent of the loop's outer cancellation: shutdown is
// handled by drain waiting up to shutdown_timeout for this batch's
// completion signal, not by preempting the handler mid-flight.
func (l *Loop) runBatch(messages []*inbox.Message) {
	l.setState(Processing)

	l.mu.Lock()
	for _, m := range messages {
		l.inFlight[m.ID] = m
	}
	l.mu.Unlock()

	batchCtx, cancel := context.WithTimeout(context.Background(), l.options.MaxProcessingTime)
	defer cancel()

	var extendStop chan struct{}
	var extendDone chan struct{}
	if l.options.EnableLockExtension {
		extendStop = make(chan struct{})
		extendDone = make(chan struct{})
		go l.extendLoop(batchCtx, extendStop, extendDone)
	}

	l.strategy.Run(batchCtx, strategy.Runtime{
		Dispatcher: l.dispatcher,
		Provider:   l.provider,
		Options:    l.options,
		Logger:     l.logger,
	}, messages, l.onReported)

	if extendStop != nil {
		close(extendStop)
		<-extendDone
	}

	// Anything still in-flight after the strategy returns is released:
	// in practice the strategy always reports every id in its batch, but
	// this is the liveness backstop.
	l.releaseRemainingInFlight(context.Background())
}

func (l *Loop) onReported(id string) {
	l.mu.Lock()
	delete(l.inFlight, id)
	l.mu.Unlock()
}

func (l *Loop) releaseRemainingInFlight(ctx context.Context) {
	l.mu.Lock()
	var ids []string
	var groupIDs []string
	seenGroups := make(map[string]bool)
	for id, m := range l.inFlight {
		ids = append(ids, id)
		if m.HasGroup() && !seenGroups[m.GroupID] {
			seenGroups[m.GroupID] = true
			groupIDs = append(groupIDs, m.GroupID)
		}
		delete(l.inFlight, id)
	}
	l.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	l.logger.Warn("releasing messages left in-flight after strategy return", "count", len(ids))
	if err := l.provider.ReleaseMessagesAndGroupLocks(ctx, ids, groupIDs); err != nil {
		l.logger.Error("releasing leftover in-flight messages failed", "error", err)
	}
}

// extendLoop fires ExtendLocks every LockExtensionInterval for the
// batch's currently in-flight messages. It is fire-and-forget relative
// to the handler: extension failure is logged but never cancels
// processing.
func (l *Loop) extendLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.options.LockExtensionInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.extendOnce(ctx)
		}
	}
}

func (l *Loop) extendOnce(ctx context.Context) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.inFlight))
	for id := range l.inFlight {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	now := time.Now().UTC()
	n, err := l.provider.ExtendLocks(ctx, l.processorID, ids, now)
	if err != nil {
		l.logger.Warn("lock extension failed", "error", err)
		return
	}

	l.mu.Lock()
	for _, id := range ids {
		if m, ok := l.inFlight[id]; ok {
			m.CapturedAt = &now
			m.CapturedBy = l.processorID
		}
	}
	l.mu.Unlock()

	l.logger.Debug("extended locks", "count", n, "requested", len(ids))
}

// drain implements the shutdown behavior: wait up to ShutdownTimeout
// for any in-progress batch (signaled by inFlightDone,
// if non-nil) to finish, then release whatever remains in-flight. The
// release itself is bounded by its own ShutdownTimeout-based deadline;
// if it times out the messages simply remain captured until their
// stale-cutoff passes.
func (l *Loop) drain(inFlightDone <-chan struct{}) {
	l.setState(Draining)

	if inFlightDone != nil {
		timer := time.NewTimer(l.options.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-inFlightDone:
		case <-timer.C:
		}
	}

	releaseCtx, cancel := context.WithTimeout(context.Background(), l.options.ShutdownTimeout)
	defer cancel()
	l.releaseRemainingInFlight(releaseCtx)

	l.setState(Idle)
}

// Stopped returns a channel closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} { return l.stopped }

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
