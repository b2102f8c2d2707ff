package inbox

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mixaill76/reliable-inbox/inbox/registry"
)

const defaultDispatchCacheSize = 256

// Inbox composes a StorageProvider, a Serializer, a MessageMetadataRegistry,
// and Options. It owns nothing else; the Manager owns the collection of
// Inboxes and their ProcessingLoops.
type Inbox struct {
	name       string
	provider   StorageProvider
	serializer Serializer
	registry   *registry.Registry
	options    *Options

	mu       sync.RWMutex
	dispatch *lru.Cache[string, dispatchEntry]
}

// NewInbox constructs an Inbox. name must satisfy ValidateInboxName.
func NewInbox(name string, provider StorageProvider, reg *registry.Registry, options *Options, serializer Serializer) (*Inbox, error) {
	if err := ValidateInboxName(name); err != nil {
		return nil, err
	}
	if options == nil {
		return nil, &ConfigError{Option: "options", Reason: "must not be nil"}
	}
	if options.Mode.isFIFO() && !provider.IsFIFO() {
		return nil, &ConfigError{Option: "mode", Reason: "FIFO delivery mode requires a FIFO-capable storage provider"}
	}
	if serializer == nil {
		serializer = JSONSerializer{}
	}
	cache, err := lru.New[string, dispatchEntry](defaultDispatchCacheSize)
	if err != nil {
		return nil, fmt.Errorf("inbox: building dispatch cache: %w", err)
	}
	return &Inbox{
		name:       name,
		provider:   provider,
		serializer: serializer,
		registry:   reg,
		options:    options,
		dispatch:   cache,
	}, nil
}

// Name returns the inbox's registered name.
func (ibx *Inbox) Name() string { return ibx.name }

// Options returns the inbox's validated option bag.
func (ibx *Inbox) Options() *Options { return ibx.options }

// Provider returns the inbox's storage provider, for use by the
// processing loop, writer, and cleanup tasks.
func (ibx *Inbox) Provider() StorageProvider { return ibx.provider }

// Registry returns the inbox's metadata registry, for use by the writer.
func (ibx *Inbox) Registry() *registry.Registry { return ibx.registry }

// HasHandlers reports whether at least one message type has a handler
// registered, per the Manager's rule that processing loops are only
// created for inboxes with at least one registered handler.
func (ibx *Inbox) HasHandlers() bool {
	ibx.mu.RLock()
	defer ibx.mu.RUnlock()
	return ibx.dispatch.Len() > 0
}

func (ibx *Inbox) registerEntry(messageType string, e dispatchEntry) error {
	if !ibx.registry.IsRegistered(messageType) {
		return &ConfigError{Option: "message_type", Reason: fmt.Sprintf("%q was not registered via registry.Register before a handler was attached", messageType)}
	}
	ibx.mu.Lock()
	defer ibx.mu.Unlock()
	if _, ok := ibx.dispatch.Peek(messageType); ok {
		return &ConfigError{Option: "message_type", Reason: fmt.Sprintf("handler already registered for %q", messageType)}
	}
	ibx.dispatch.Add(messageType, e)
	return nil
}

// RegisterSingleHandler attaches a SingleHandler[T] for messageType,
// valid for Default and FIFO inboxes. T must already be registered on
// the inbox's Registry via registry.Register[T].
func RegisterSingleHandler[T any](ibx *Inbox, messageType string, handler SingleHandler[T]) error {
	if ibx.options.Mode != Default && ibx.options.Mode != FIFO {
		return &ConfigError{Option: "mode", Reason: "RegisterSingleHandler requires Default or FIFO delivery mode"}
	}
	fn := func(ctx context.Context, env Envelope) (Outcome, string, error) {
		var payload T
		if err := ibx.serializer.Deserialize(env.Payload, &payload); err != nil {
			return 0, "", err
		}
		outcome := handler(ctx, TypedEnvelope[T]{ID: env.ID, GroupID: env.GroupID, Payload: payload})
		return outcome, "", nil
	}
	return ibx.registerEntry(messageType, dispatchEntry{kind: kindSingle, single: fn})
}

// RegisterBatchedHandler attaches a BatchedHandler[T] for messageType,
// valid only for the Batched delivery mode.
func RegisterBatchedHandler[T any](ibx *Inbox, messageType string, handler BatchedHandler[T]) error {
	if ibx.options.Mode != Batched {
		return &ConfigError{Option: "mode", Reason: "RegisterBatchedHandler requires Batched delivery mode"}
	}
	fn := func(ctx context.Context, envs []Envelope) ([]MessageResult, error) {
		typed := make([]TypedEnvelope[T], 0, len(envs))
		var results []MessageResult
		for _, env := range envs {
			var payload T
			if err := ibx.serializer.Deserialize(env.Payload, &payload); err != nil {
				results = append(results, MessageResult{ID: env.ID, Outcome: MoveToDeadLetter, Reason: fmt.Sprintf(reasonDeserializeFailedFmt, err)})
				continue
			}
			typed = append(typed, TypedEnvelope[T]{ID: env.ID, GroupID: env.GroupID, Payload: payload})
		}
		if len(typed) > 0 {
			results = append(results, handler(ctx, typed)...)
		}
		return results, nil
	}
	return ibx.registerEntry(messageType, dispatchEntry{kind: kindBatched, batched: fn})
}

// RegisterFifoBatchedHandler attaches a FifoBatchedHandler[T] for
// messageType, valid only for the FIFOBatched delivery mode.
func RegisterFifoBatchedHandler[T any](ibx *Inbox, messageType string, handler FifoBatchedHandler[T]) error {
	if ibx.options.Mode != FIFOBatched {
		return &ConfigError{Option: "mode", Reason: "RegisterFifoBatchedHandler requires FIFOBatched delivery mode"}
	}
	fn := func(ctx context.Context, groupID string, envs []Envelope) ([]MessageResult, error) {
		typed := make([]TypedEnvelope[T], 0, len(envs))
		var results []MessageResult
		for _, env := range envs {
			var payload T
			if err := ibx.serializer.Deserialize(env.Payload, &payload); err != nil {
				results = append(results, MessageResult{ID: env.ID, Outcome: MoveToDeadLetter, Reason: fmt.Sprintf(reasonDeserializeFailedFmt, err)})
				continue
			}
			typed = append(typed, TypedEnvelope[T]{ID: env.ID, GroupID: env.GroupID, Payload: payload})
		}
		if len(typed) > 0 {
			results = append(results, handler(ctx, groupID, typed)...)
		}
		return results, nil
	}
	return ibx.registerEntry(messageType, dispatchEntry{kind: kindFifoBatched, fifoBatch: fn})
}

// Dispatcher is the narrow surface the delivery strategies (package
// strategy) need from an Inbox: resolve a registered handler by message
// type and invoke it, without needing to know about registration.
type Dispatcher interface {
	DispatchSingle(ctx context.Context, messageType string, env Envelope) (Outcome, string, error)
	DispatchBatched(ctx context.Context, messageType string, envs []Envelope) ([]MessageResult, error)
	DispatchFifoBatched(ctx context.Context, messageType string, groupID string, envs []Envelope) ([]MessageResult, error)
}

var _ Dispatcher = (*Inbox)(nil)

func (ibx *Inbox) lookup(messageType string) (dispatchEntry, bool) {
	ibx.mu.RLock()
	defer ibx.mu.RUnlock()
	return ibx.dispatch.Get(messageType)
}

// DispatchSingle resolves and invokes the Single handler registered for
// messageType. A deserialization failure is reported via the returned
// error and must be dead-lettered by the caller, never retried.
func (ibx *Inbox) DispatchSingle(ctx context.Context, messageType string, env Envelope) (Outcome, string, error) {
	e, ok := ibx.lookup(messageType)
	if !ok || e.kind != kindSingle {
		return 0, "", fmt.Errorf("%w: %q", ErrHandlerNotRegistered, messageType)
	}
	return e.single(ctx, env)
}

// DispatchBatched resolves and invokes the Batched handler registered
// for messageType.
func (ibx *Inbox) DispatchBatched(ctx context.Context, messageType string, envs []Envelope) ([]MessageResult, error) {
	e, ok := ibx.lookup(messageType)
	if !ok || e.kind != kindBatched {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotRegistered, messageType)
	}
	return e.batched(ctx, envs)
}

// DispatchFifoBatched resolves and invokes the FifoBatched handler
// registered for messageType.
func (ibx *Inbox) DispatchFifoBatched(ctx context.Context, messageType string, groupID string, envs []Envelope) ([]MessageResult, error) {
	e, ok := ibx.lookup(messageType)
	if !ok || e.kind != kindFifoBatched {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotRegistered, messageType)
	}
	return e.fifoBatch(ctx, groupID, envs)
}
