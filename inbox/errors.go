package inbox

import (
	"errors"
	"fmt"
)

// Sentinel errors, inspected with errors.Is by callers. Mirrors the
// teacher's sentinel-error taxonomy (internal/litellmdb/models).
var (
	// ErrInboxNotFound is returned when an inbox is looked up by a name
	// that was never registered with the Manager.
	ErrInboxNotFound = errors.New("inbox: inbox not found")

	// ErrHandlerNotRegistered is a configuration error raised when a
	// message type has no handler registered for the target inbox.
	ErrHandlerNotRegistered = errors.New("inbox: handler not registered")

	// ErrDuplicateInboxName is raised when two inboxes are registered
	// under the same name.
	ErrDuplicateInboxName = errors.New("inbox: duplicate inbox name")

	// ErrInvalidIdentifier marks an invalid identifier. ValidateInboxName
	// reports a bad inbox name as a *ConfigError (Option "inbox_name"),
	// which does not wrap this sentinel.
	ErrInvalidIdentifier = errors.New("inbox: invalid identifier")

	// ErrMissingGroupID is raised by the Writer when a message destined
	// for a FIFO inbox carries no group id.
	ErrMissingGroupID = errors.New("inbox: message written to FIFO inbox without a group id")

	// ErrTypeNotRegistered is a programming error: the metadata registry
	// was asked to resolve a type that was never registered.
	ErrTypeNotRegistered = errors.New("inbox: message type not registered")

	// ErrOperationCanceled marks a storage operation aborted by context
	// cancellation. It is never retried by the retry executor.
	ErrOperationCanceled = errors.New("inbox: operation canceled")
)

// ConfigError wraps an invalid-option failure raised at Build/Register
// time. It is never expected at steady state.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("inbox: invalid option %q: %s", e.Option, e.Reason)
}

func (e *ConfigError) Unwrap() error { return errConfig }

var errConfig = errors.New("inbox: configuration error")

// NotFoundError carries the inbox name that failed lookup.
type NotFoundError struct {
	InboxName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("inbox: inbox %q not found", e.InboxName)
}

func (e *NotFoundError) Unwrap() error { return ErrInboxNotFound }

// InvalidMessageError carries the reason a message failed writer-side
// validation, e.g. a FIFO message missing its group id.
type InvalidMessageError struct {
	InboxName string
	Reason    string
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("inbox: invalid message for inbox %q: %s", e.InboxName, e.Reason)
}

func (e *InvalidMessageError) Unwrap() error { return ErrMissingGroupID }
