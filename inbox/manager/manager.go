// Package manager implements InboxManager: the name-keyed registry of
// Inboxes and their ProcessingLoops, with a single coordinated
// StartAsync/StopAsync lifecycle and generic lifecycle hooks for
// satellite background services (cleanup tasks, health monitors).
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mixaill76/reliable-inbox/inbox"
	"github.com/mixaill76/reliable-inbox/inbox/processing"
)

// LifecycleHook is a generic start/stop observer run alongside the
// manager's processing loops: cleanup tasks, health monitors, and
// similar satellite services implement this to ride the manager's
// StartAsync/StopAsync lifecycle instead of owning their own.
type LifecycleHook interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context)
}

// Disposer is implemented by resources the manager should close on
// StopAsync once every loop and hook has stopped, such as a pooled
// storage provider connection.
type Disposer interface {
	Close() error
}

type inboxEntry struct {
	ibx  *inbox.Inbox
	loop *processing.Loop // nil if ibx has no registered handlers
}

// Manager owns a fixed set of Inboxes, constructs one ProcessingLoop per
// inbox that has at least one registered handler, and coordinates their
// lifecycle alongside an arbitrary set of LifecycleHooks.
type Manager struct {
	logger *slog.Logger

	entries map[string]*inboxEntry
	order   []string // construction order, for deterministic start/stop logging
	hooks   []LifecycleHook
	dispose []Disposer

	mu      sync.Mutex // serializes StartAsync/StopAsync
	running bool

	cancel context.CancelFunc
}

// New constructs a Manager. Inboxes must already be fully built
// (handlers registered) before being passed in: construction here is
// eager so readers can be enumerated for health checks before Start.
func New(logger *slog.Logger, inboxes []*inbox.Inbox) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:  logger.With("component", "inbox_manager"),
		entries: make(map[string]*inboxEntry, len(inboxes)),
	}
	for _, ibx := range inboxes {
		entry := &inboxEntry{ibx: ibx}
		if ibx.HasHandlers() {
			entry.loop = processing.New(ibx, logger)
		}
		m.entries[ibx.Name()] = entry
		m.order = append(m.order, ibx.Name())
	}
	return m
}

// RegisterHook adds a lifecycle hook. Must be called before StartAsync.
func (m *Manager) RegisterHook(h LifecycleHook) {
	m.hooks = append(m.hooks, h)
}

// RegisterDisposer adds a resource to be closed once StopAsync has
// stopped every loop and hook, such as a process-wide connection pool.
func (m *Manager) RegisterDisposer(d Disposer) {
	m.dispose = append(m.dispose, d)
}

// Inbox returns the named inbox, or nil if no such inbox was registered.
func (m *Manager) Inbox(name string) *inbox.Inbox {
	if e, ok := m.entries[name]; ok {
		return e.ibx
	}
	return nil
}

// Inboxes returns every registered inbox, in construction order.
func (m *Manager) Inboxes() []*inbox.Inbox {
	out := make([]*inbox.Inbox, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.entries[name].ibx)
	}
	return out
}

// IsRunning reports whether StartAsync has completed and StopAsync has
// not yet been called.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// StartAsync is idempotent: if already running it returns immediately.
// Otherwise it starts every processing loop, then invokes OnStart on
// every hook concurrently. If any hook's OnStart returns an error,
// StartAsync rolls back (stops the loops it just started, stops
// already-started hooks) and returns the error.
func (m *Manager) StartAsync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	started := 0
	for _, name := range m.order {
		entry := m.entries[name]
		if entry.loop == nil {
			continue
		}
		go entry.loop.Run(loopCtx)
		started++
	}
	m.logger.Info("processing loops started", "count", started, "total_inboxes", len(m.order))

	if err := m.startHooksLocked(ctx); err != nil {
		m.logger.Error("lifecycle hook failed to start, rolling back", "error", err)
		cancel()
		m.waitLoopsStopped()
		return fmt.Errorf("manager: starting lifecycle hooks: %w", err)
	}

	m.cancel = cancel
	m.running = true
	return nil
}

// startHooksLocked invokes OnStart on every hook concurrently. On the
// first error it stops the hooks that already started and returns.
func (m *Manager) startHooksLocked(ctx context.Context) error {
	if len(m.hooks) == 0 {
		return nil
	}

	type result struct {
		hook LifecycleHook
		err  error
	}
	results := make(chan result, len(m.hooks))
	for _, h := range m.hooks {
		go func(h LifecycleHook) {
			results <- result{hook: h, err: h.OnStart(ctx)}
		}(h)
	}

	var started []LifecycleHook
	var firstErr error
	for range m.hooks {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		started = append(started, r.hook)
	}

	if firstErr != nil {
		for _, h := range started {
			h.OnStop(ctx)
		}
		return firstErr
	}
	return nil
}

// StopAsync is idempotent: if not running it returns immediately.
// Otherwise it cancels the shared context the processing loops run
// under, waits for every processing loop to drain (each bounded by its own shutdown_timeout), fires
// OnStop on every hook (errors logged, never rethrown), then closes
// every registered Disposer.
func (m *Manager) StopAsync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.cancel()
	m.waitLoopsStopped()

	var wg sync.WaitGroup
	for _, h := range m.hooks {
		wg.Add(1)
		go func(h LifecycleHook) {
			defer wg.Done()
			h.OnStop(ctx)
		}(h)
	}
	wg.Wait()

	var errs []error
	for _, d := range m.dispose {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
			m.logger.Error("disposing resource failed", "error", err)
		}
	}

	m.running = false
	m.cancel = nil
	return errors.Join(errs...)
}

func (m *Manager) waitLoopsStopped() {
	var wg sync.WaitGroup
	for _, name := range m.order {
		entry := m.entries[name]
		if entry.loop == nil {
			continue
		}
		wg.Add(1)
		go func(l *processing.Loop) {
			defer wg.Done()
			<-l.Stopped()
		}(entry.loop)
	}
	wg.Wait()
}

// AwaitShutdown blocks until ctx is canceled, then calls StopAsync
// bounded by timeout. Convenience for cmd/ entrypoints.
func AwaitShutdown(ctx context.Context, m *Manager, timeout time.Duration) error {
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.StopAsync(stopCtx)
}
