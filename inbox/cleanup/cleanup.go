// Package cleanup implements the background maintenance loops that keep
// dedup records, group locks, and dead-letter messages from growing
// without bound: one Task per concern per inbox, run under the
// manager's lifecycle via the LifecycleHook contract.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mixaill76/reliable-inbox/inbox"
)

// Mode selects how a Task runs.
type Mode int

const (
	// Continuous loops forever: sleep interval, clean up, repeat, with a
	// crash-restart wrapper that sleeps RestartDelay after a panic or a
	// provider error before trying again.
	Continuous Mode = iota
	// ExecuteOnce runs cleanup passes until a pass removes fewer rows
	// than BatchSize, then returns. Intended for cron/job execution
	// rather than a long-lived process.
	ExecuteOnce
)

// deleteFunc purges one expired-record kind, returning how many rows it
// removed in this pass.
type deleteFunc func(ctx context.Context, cutoff time.Time, batchSize int) (int, error)

// Config configures one cleanup concern.
type Config struct {
	Mode         Mode
	Interval     time.Duration // sleep between passes in Continuous mode
	RestartDelay time.Duration // sleep after an error before retrying
	BatchSize    int
	MaxAge       time.Duration // records older than now-MaxAge are eligible
}

// Task runs one cleanup concern (dedup, group locks, or dead letters)
// for one inbox. It implements manager.LifecycleHook so it can be
// registered directly with the manager.
type Task struct {
	name   string
	cfg    Config
	delete deleteFunc
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newTask(name string, cfg Config, del deleteFunc, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		name:   name,
		cfg:    cfg,
		delete: del,
		logger: logger.With("component", "cleanup_task", "task", name),
	}
}

// ForDedup builds the expired-deduplication-record cleanup task for ibx.
func ForDedup(ibx *inbox.Inbox, cfg Config, logger *slog.Logger) (*Task, error) {
	cleaner, err := asCleaner(ibx)
	if err != nil {
		return nil, err
	}
	return newTask(ibx.Name()+":dedup", cfg, cleaner.DeleteExpiredDedup, logger), nil
}

// ForGroupLocks builds the expired-group-lock cleanup task for ibx.
func ForGroupLocks(ibx *inbox.Inbox, cfg Config, logger *slog.Logger) (*Task, error) {
	cleaner, err := asCleaner(ibx)
	if err != nil {
		return nil, err
	}
	return newTask(ibx.Name()+":group_locks", cfg, cleaner.DeleteExpiredGroupLocks, logger), nil
}

// ForDeadLetters builds the expired-dead-letter-message cleanup task for ibx.
func ForDeadLetters(ibx *inbox.Inbox, cfg Config, logger *slog.Logger) (*Task, error) {
	cleaner, err := asCleaner(ibx)
	if err != nil {
		return nil, err
	}
	return newTask(ibx.Name()+":dead_letters", cfg, cleaner.DeleteExpiredDeadLetters, logger), nil
}

func asCleaner(ibx *inbox.Inbox) (inbox.Cleaner, error) {
	cleaner, ok := ibx.Provider().(inbox.Cleaner)
	if !ok {
		return nil, fmt.Errorf("cleanup: provider for inbox %q does not implement inbox.Cleaner", ibx.Name())
	}
	return cleaner, nil
}

// OnStart implements manager.LifecycleHook. For Continuous tasks it
// starts the background loop and returns immediately; for ExecuteOnce
// tasks it runs synchronously to completion.
func (t *Task) OnStart(ctx context.Context) error {
	if t.cfg.Mode == ExecuteOnce {
		return t.runToCompletion(ctx)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.runContinuous(loopCtx)
	return nil
}

// OnStop implements manager.LifecycleHook: it stops the background loop
// (if running) and waits for it to exit.
func (t *Task) OnStop(_ context.Context) {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

// runContinuous implements the crash-restart wrapper: a panic or
// provider error sleeps RestartDelay before the loop resumes, rather
// than tearing the whole task down.
func (t *Task) runContinuous(ctx context.Context) {
	defer close(t.done)
	t.logger.Info("cleanup task started", "interval", t.cfg.Interval)

	for {
		if !sleepOrDone(ctx, t.cfg.Interval) {
			t.logger.Info("cleanup task stopped")
			return
		}
		if err := t.runOnePassSafely(ctx); err != nil {
			t.logger.Error("cleanup pass failed, will retry after restart delay", "error", err)
			if !sleepOrDone(ctx, t.cfg.RestartDelay) {
				return
			}
		}
	}
}

// runOnePassSafely recovers a panicking cleanup pass into an error, so
// one bad pass cannot kill the background goroutine outright.
func (t *Task) runOnePassSafely(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup task panicked: %v", r)
		}
	}()
	_, err = t.runOnePass(ctx)
	return err
}

func (t *Task) runToCompletion(ctx context.Context) error {
	for {
		removed, err := t.runOnePass(ctx)
		if err != nil {
			return err
		}
		if removed < t.cfg.BatchSize {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (t *Task) runOnePass(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-t.cfg.MaxAge)
	removed, err := t.delete(ctx, cutoff, t.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		t.logger.Debug("cleanup pass removed records", "count", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// DefaultTasks builds the cleanup tasks applicable to ibx given its
// Options: a dedup task only if deduplication is enabled, a dead-letter
// task only if dead-lettering is enabled, and a group-lock task only
// for FIFO/FIFOBatched inboxes. batchSize and restartDelay are shared
// process-wide tunables; each task's MaxAge derives from the matching
// Options field (group locks use 2x max_processing_time as a safety
// margin against a processor that dies mid-extension).
func DefaultTasks(ibx *inbox.Inbox, interval, restartDelay time.Duration, batchSize int, logger *slog.Logger) ([]*Task, error) {
	opts := ibx.Options()
	var tasks []*Task

	if opts.EnableDeduplication {
		t, err := ForDedup(ibx, Config{
			Mode: Continuous, Interval: interval, RestartDelay: restartDelay,
			BatchSize: batchSize, MaxAge: opts.DeduplicationInterval,
		}, logger)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	if opts.EnableDeadLetter {
		t, err := ForDeadLetters(ibx, Config{
			Mode: Continuous, Interval: interval, RestartDelay: restartDelay,
			BatchSize: batchSize, MaxAge: opts.DeadLetterMaxMessageLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	if ibx.Provider().IsFIFO() {
		t, err := ForGroupLocks(ibx, Config{
			Mode: Continuous, Interval: interval, RestartDelay: restartDelay,
			BatchSize: batchSize, MaxAge: 2 * opts.MaxProcessingTime,
		}, logger)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

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
