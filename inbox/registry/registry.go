// Package registry implements the MessageMetadataRegistry: the
// compile-time-safe, reflection-minimal bijection between a native Go
// type and its message_type string key, plus trait detection for the
// writer-side traits a payload type may implement.
//
// The dispatch-closure cache (see inbox.Inbox) uses hashicorp/golang-lru/v2
// for a bounded cache keyed by message type, the same library this
// codebase already uses elsewhere for bounded caches, while type
// registration itself is a plain read-mostly map populated once at
// startup.
package registry

import (
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Extracted holds the writer-relevant fields pulled off a payload value
// via whichever traits it implements.
type Extracted struct {
	ExternalID      string
	HasExternalID   bool
	GroupID         string
	HasGroupID      bool
	CollapseKey     string
	HasCollapseKey  bool
	DeduplicationID string
	HasDeduplicationID bool
	ReceivedAt      time.Time
	HasReceivedAt   bool
}

type entry struct {
	messageType string
	rtype       reflect.Type
	extract     func(v any) Extracted
}

// Registry is the MessageMetadataRegistry: an in-memory bijection
// between native Go types and message_type strings. Populated once at
// configuration time via Register; read-only (safe for concurrent
// reads) at steady state.
type Registry struct {
	mu       sync.RWMutex
	byType   map[reflect.Type]*entry
	byName   map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byType: make(map[reflect.Type]*entry),
		byName: make(map[string]*entry),
	}
}

// traitProbe interfaces mirrored from the inbox package's trait
// contracts. Defined locally to avoid an import cycle (inbox imports
// registry, not the other way around); any type satisfying the inbox
// package's HasExternalID/etc. interfaces also satisfies these, since
// Go interface satisfaction is structural.
type (
	hasExternalID      interface{ GetID() string }
	hasGroupID         interface{ GetGroupID() string }
	hasCollapseKey     interface{ GetCollapseKey() string }
	hasDeduplicationID interface{ GetDeduplicationID() string }
	hasReceivedAt      interface{ GetReceivedAt() time.Time }
)

// Register associates the Go type T with messageType and stores a
// single reusable extractor closure for it. Traits are not detected
// here: the closure checks them on each call (see buildExtractor).
func Register[T any](r *Registry, messageType string) error {
	var zero T
	rtype := reflect.TypeOf(zero)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byType[rtype]; exists {
		return fmt.Errorf("registry: type %v already registered", rtype)
	}
	if _, exists := r.byName[messageType]; exists {
		return fmt.Errorf("registry: message type %q already registered", messageType)
	}

	extract := buildExtractor[T]()

	e := &entry{messageType: messageType, rtype: rtype, extract: extract}
	r.byType[rtype] = e
	r.byName[messageType] = e
	return nil
}

// buildExtractor returns a closure that type-asserts the value it is
// given against each trait interface on every call (no reflect use).
// Only methods in the method set of the passed value are seen, so
// pointer-receiver trait methods are not found on a T value.
func buildExtractor[T any]() func(v any) Extracted {
	return func(v any) Extracted {
		var out Extracted
		if p, ok := v.(hasExternalID); ok {
			if id := p.GetID(); id != "" {
				out.ExternalID, out.HasExternalID = id, true
			}
		}
		if p, ok := v.(hasGroupID); ok {
			if gid := p.GetGroupID(); gid != "" {
				out.GroupID, out.HasGroupID = gid, true
			}
		}
		if p, ok := v.(hasCollapseKey); ok {
			if ck := p.GetCollapseKey(); ck != "" {
				out.CollapseKey, out.HasCollapseKey = ck, true
			}
		}
		if p, ok := v.(hasDeduplicationID); ok {
			if did := p.GetDeduplicationID(); did != "" {
				out.DeduplicationID, out.HasDeduplicationID = did, true
			}
		}
		if p, ok := v.(hasReceivedAt); ok {
			out.ReceivedAt, out.HasReceivedAt = p.GetReceivedAt(), true
		}
		return out
	}
}

// TypeNameFor resolves the registered message_type string for v's
// dynamic type, by consulting the type registered via Register.
func (r *Registry) TypeNameFor(v any) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[reflect.TypeOf(v)]
	if !ok {
		return "", false
	}
	return e.messageType, true
}

// Extract pulls writer-relevant trait fields off v using the extractor
// built at Register time.
func (r *Registry) Extract(v any) (Extracted, bool) {
	r.mu.RLock()
	e, ok := r.byType[reflect.TypeOf(v)]
	r.mu.RUnlock()
	if !ok {
		return Extracted{}, false
	}
	return e.extract(v), true
}

// NewByMessageType allocates a new zero value of the Go type registered
// under messageType, suitable as a deserialization target.
func (r *Registry) NewByMessageType(messageType string) (any, bool) {
	r.mu.RLock()
	e, ok := r.byName[messageType]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reflect.New(e.rtype).Interface(), true
}

// IsRegistered reports whether messageType was registered.
func (r *Registry) IsRegistered(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[messageType]
	return ok
}
