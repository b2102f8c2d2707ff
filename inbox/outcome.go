package inbox

import "fmt"

// Outcome is the per-message result a handler reports back to the
// delivery strategy.
type Outcome int

const (
	// Success completes the message (removes it from the pending store).
	Success Outcome = iota
	// Failed bumps attempts_count and releases the message; the
	// processing context redirects to dead-letter once attempts_count
	// reaches max_attempts.
	Failed
	// Retry releases the message without touching attempts_count.
	Retry
	// MoveToDeadLetter dead-letters the message regardless of
	// attempts_count, with a handler-supplied or default reason.
	MoveToDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "Success"
	case Failed:
		return "Failed"
	case Retry:
		return "Retry"
	case MoveToDeadLetter:
		return "MoveToDeadLetter"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MessageResult is a handler's verdict for a single message, as
// returned by the Batched and FifoBatched handler contracts.
type MessageResult struct {
	ID      string
	Outcome Outcome
	Reason  string
}

// Envelope is the identity+payload pair handed to a dispatch closure.
// Payload is the raw serialized string; the closures built by
// RegisterSingleHandler / RegisterBatchedHandler /
// RegisterFifoBatchedHandler deserialize it into the handler's type
// before the handler sees it (as a TypedEnvelope).
type Envelope struct {
	ID      string
	GroupID string
	Payload string
}

const (
	reasonMaxAttemptsExceededFmt = "Max attempts (%d) exceeded"
	reasonHandlerRequestedDLQ    = "Handler requested move to dead letter"
	reasonDeserializeFailedFmt   = "Failed to deserialize message payload: %v"
)
