// Package inbox implements a durable, at-least-once message delivery layer:
// a reliable inbox sitting between a producer writing messages to storage
// and a consumer handler that processes them.
package inbox

import "time"

// Message is the durable unit of work tracked by a StorageProvider.
//
// A Message is pending while CapturedAt is nil, captured once both
// CapturedAt and CapturedBy are set, and terminal once it has been
// completed (removed) or dead-lettered (moved to a sibling store).
type Message struct {
	ID              string
	InboxName       string
	MessageType     string
	Payload         string
	GroupID         string // empty means "no group"; required non-empty for FIFO inboxes
	CollapseKey     string
	DeduplicationID string
	AttemptsCount   int
	ReceivedAt      time.Time
	CapturedAt      *time.Time
	CapturedBy      string
}

// IsCaptured reports whether the message currently has an owner.
func (m *Message) IsCaptured() bool {
	return m.CapturedAt != nil && m.CapturedBy != ""
}

// IsStale reports whether a captured message's lock has outlived
// maxProcessingTime and should be treated as eligible for re-capture.
func (m *Message) IsStale(now time.Time, maxProcessingTime time.Duration) bool {
	if m.CapturedAt == nil {
		return false
	}
	return now.Sub(*m.CapturedAt) > maxProcessingTime
}

// HasGroup reports whether the message carries a non-empty FIFO group id.
func (m *Message) HasGroup() bool {
	return m.GroupID != ""
}

// GroupLock is the FIFO serialization primitive: while a live GroupLock
// exists for (InboxName, GroupID), only LockedBy may capture messages in
// that group.
type GroupLock struct {
	InboxName string
	GroupID   string
	LockedAt  time.Time
	LockedBy  string
}

// IsStale reports whether the lock has outlived maxProcessingTime and
// should no longer block other workers.
func (g *GroupLock) IsStale(now time.Time, maxProcessingTime time.Duration) bool {
	return now.Sub(g.LockedAt) > maxProcessingTime
}

// DeduplicationRecord blocks writes sharing the same (InboxName,
// DeduplicationID) for DeduplicationInterval after CreatedAt.
type DeduplicationRecord struct {
	InboxName       string
	DeduplicationID string
	CreatedAt       time.Time
}

// DeadLetterMessage is a frozen copy of a Message that exceeded its
// retry policy or was explicitly rejected by a handler.
type DeadLetterMessage struct {
	Message
	FailureReason string
	MovedAt       time.Time
}

// HealthMetrics is a point-in-time snapshot of an inbox's backing store.
type HealthMetrics struct {
	PendingCount     int64
	CapturedCount    int64
	DeadLetterCount  int64
	OldestPendingAt  *time.Time
}

// QueueDepth is PendingCount + CapturedCount.
func (h HealthMetrics) QueueDepth() int64 {
	return h.PendingCount + h.CapturedCount
}

// Lag is now - OldestPendingAt, or zero if there is no pending message.
func (h HealthMetrics) Lag(now time.Time) time.Duration {
	if h.OldestPendingAt == nil {
		return 0
	}
	return now.Sub(*h.OldestPendingAt)
}
