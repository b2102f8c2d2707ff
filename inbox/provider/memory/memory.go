// Package memory is the reference StorageProvider implementation: an
// indexed sorted collection held entirely in process memory, with soft
// TTLs for staleness. Grounded in the design notes' "Indexed sorted
// collection" (a hash map plus an ordered set keyed by (sort_key, seq))
// and in the shape of
// _examples/other_examples/8ce59586_edirooss-zmux-server__internal-repo-store-store.go.go's
// byID map + pos map + ordered list.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mixaill76/reliable-inbox/inbox"
)

// Provider is an in-memory StorageProvider for exactly one inbox.
type Provider struct {
	mu                 sync.Mutex
	fifo               bool
	maxProcessingTime  time.Duration

	byID    map[string]*inbox.Message
	pending []string // ids, sorted ascending by (ReceivedAt, ID); captured ids remain present

	dedup map[string]inbox.DeduplicationRecord
	locks map[string]*inbox.GroupLock // keyed by GroupID

	deadByID    map[string]*inbox.DeadLetterMessage
	deadOrder   []string // ids, sorted ascending by MovedAt
}

// New constructs an empty in-memory provider. fifo enables group-lock
// semantics; maxProcessingTime determines both message and group-lock
// staleness.
func New(fifo bool, maxProcessingTime time.Duration) *Provider {
	return &Provider{
		fifo:              fifo,
		maxProcessingTime: maxProcessingTime,
		byID:              make(map[string]*inbox.Message),
		dedup:             make(map[string]inbox.DeduplicationRecord),
		locks:             make(map[string]*inbox.GroupLock),
		deadByID:          make(map[string]*inbox.DeadLetterMessage),
	}
}

var _ inbox.StorageProvider = (*Provider)(nil)

func (p *Provider) IsFIFO() bool { return p.fifo }

func (p *Provider) Migrate(ctx context.Context) error { return nil }

func (p *Provider) Write(ctx context.Context, msg *inbox.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLocked(msg, time.Now().UTC())
	return nil
}

func (p *Provider) WriteBatch(ctx context.Context, msgs []*inbox.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	for _, msg := range msgs {
		p.writeLocked(msg, now)
	}
	return nil
}

// writeLocked applies collapse-by-key then dedup-by-id ahead of insert,
// atomically under p.mu.
func (p *Provider) writeLocked(msg *inbox.Message, now time.Time) {
	if msg.CollapseKey != "" {
		for _, id := range p.pendingIDsSnapshot() {
			existing := p.byID[id]
			if existing == nil || existing.IsCaptured() {
				continue
			}
			if existing.CollapseKey == msg.CollapseKey {
				p.removeLocked(id)
			}
		}
	}

	if msg.DeduplicationID != "" {
		if _, exists := p.dedup[msg.DeduplicationID]; exists {
			return // silently dropped, per contract
		}
		p.dedup[msg.DeduplicationID] = inbox.DeduplicationRecord{
			InboxName:       msg.InboxName,
			DeduplicationID: msg.DeduplicationID,
			CreatedAt:       now,
		}
	}

	p.insertLocked(msg)
}

func (p *Provider) pendingIDsSnapshot() []string {
	out := make([]string, len(p.pending))
	copy(out, p.pending)
	return out
}

// insertLocked inserts id into p.pending keeping ascending (ReceivedAt, ID) order.
func (p *Provider) insertLocked(msg *inbox.Message) {
	p.byID[msg.ID] = msg
	idx := sort.Search(len(p.pending), func(i int) bool {
		other := p.byID[p.pending[i]]
		return messageLess(msg, other) || (!messageLess(other, msg) && msg.ID <= other.ID)
	})
	p.pending = append(p.pending, "")
	copy(p.pending[idx+1:], p.pending[idx:])
	p.pending[idx] = msg.ID
}

func messageLess(a, b *inbox.Message) bool {
	if a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ID < b.ID
	}
	return a.ReceivedAt.Before(b.ReceivedAt)
}

func (p *Provider) removeLocked(id string) {
	delete(p.byID, id)
	for i, existing := range p.pending {
		if existing == id {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

func (p *Provider) ReadAndCapture(ctx context.Context, processorID string, batchSize int) ([]*inbox.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	var captured []*inbox.Message
	seenGroups := make(map[string]bool)

	for _, id := range p.pending {
		if len(captured) >= batchSize {
			break
		}
		msg := p.byID[id]
		if msg == nil {
			continue
		}
		if msg.IsCaptured() && !msg.IsStale(now, p.maxProcessingTime) {
			continue
		}

		if p.fifo && msg.HasGroup() {
			if lock, held := p.locks[msg.GroupID]; held && !lock.IsStale(now, p.maxProcessingTime) && lock.LockedBy != processorID {
				continue
			}
			if seenGroups[msg.GroupID] {
				continue // only one in-flight capture per group per cycle from this call
			}
		}

		capturedAt := now
		msg.CapturedAt = &capturedAt
		msg.CapturedBy = processorID
		captured = append(captured, cloneMessage(msg))

		if p.fifo && msg.HasGroup() {
			seenGroups[msg.GroupID] = true
			p.locks[msg.GroupID] = &inbox.GroupLock{InboxName: msg.InboxName, GroupID: msg.GroupID, LockedAt: now, LockedBy: processorID}
		}
	}

	return captured, nil
}

func (p *Provider) FailBatch(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if msg := p.byID[id]; msg != nil {
			msg.AttemptsCount++
			msg.CapturedAt = nil
			msg.CapturedBy = ""
		}
	}
	return nil
}

func (p *Provider) ReleaseBatch(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(ids)
	return nil
}

func (p *Provider) releaseLocked(ids []string) {
	for _, id := range ids {
		if msg := p.byID[id]; msg != nil {
			msg.CapturedAt = nil
			msg.CapturedBy = ""
		}
	}
}

func (p *Provider) MoveToDeadLetterBatch(ctx context.Context, moves []inbox.DeadLetterMove) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	for _, mv := range moves {
		p.moveToDeadLetterLocked(mv.ID, mv.Reason, now)
	}
	return nil
}

func (p *Provider) moveToDeadLetterLocked(id, reason string, now time.Time) {
	if _, already := p.deadByID[id]; already {
		return // idempotent no-op
	}
	msg := p.byID[id]
	if msg == nil {
		return
	}
	dl := &inbox.DeadLetterMessage{Message: cloneMessageValue(msg), FailureReason: reason, MovedAt: now}
	p.deadByID[id] = dl
	idx := sort.Search(len(p.deadOrder), func(i int) bool {
		return p.deadByID[p.deadOrder[i]].MovedAt.After(now) || (p.deadByID[p.deadOrder[i]].MovedAt.Equal(now) && p.deadOrder[i] > id)
	})
	p.deadOrder = append(p.deadOrder, "")
	copy(p.deadOrder[idx+1:], p.deadOrder[idx:])
	p.deadOrder[idx] = id
	p.removeLocked(id)
}

func (p *Provider) ProcessResultsBatch(ctx context.Context, batch inbox.ResultBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()

	for _, id := range batch.ToComplete {
		p.removeLocked(id)
	}
	for _, id := range batch.ToFail {
		if msg := p.byID[id]; msg != nil {
			msg.AttemptsCount++
			msg.CapturedAt = nil
			msg.CapturedBy = ""
		}
	}
	p.releaseLocked(batch.ToRelease)
	for _, mv := range batch.ToDeadLetter {
		p.moveToDeadLetterLocked(mv.ID, mv.Reason, now)
	}
	return nil
}

func (p *Provider) ReadDeadLetters(ctx context.Context, count int) ([]*inbox.DeadLetterMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if count > len(p.deadOrder) {
		count = len(p.deadOrder)
	}
	out := make([]*inbox.DeadLetterMessage, 0, count)
	for i := 0; i < count; i++ {
		dl := *p.deadByID[p.deadOrder[i]]
		out = append(out, &dl)
	}
	return out, nil
}

func (p *Provider) ExtendLocks(ctx context.Context, processorID string, ids []string, newCapturedAt time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	touchedGroups := make(map[string]bool)
	for _, id := range ids {
		msg := p.byID[id]
		if msg == nil || msg.CapturedBy != processorID {
			continue
		}
		msg.CapturedAt = &newCapturedAt
		n++
		if p.fifo && msg.HasGroup() && !touchedGroups[msg.GroupID] {
			touchedGroups[msg.GroupID] = true
			if lock, ok := p.locks[msg.GroupID]; ok && lock.LockedBy == processorID {
				lock.LockedAt = newCapturedAt
			}
		}
	}
	return n, nil
}

func (p *Provider) ReleaseGroupLocks(ctx context.Context, groupIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, gid := range groupIDs {
		delete(p.locks, gid)
	}
	return nil
}

func (p *Provider) ReleaseMessagesAndGroupLocks(ctx context.Context, ids []string, groupIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(ids)
	for _, gid := range groupIDs {
		delete(p.locks, gid)
	}
	return nil
}

func (p *Provider) GetHealthMetrics(ctx context.Context) (inbox.HealthMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	var h inbox.HealthMetrics
	h.DeadLetterCount = int64(len(p.deadOrder))
	var oldest *time.Time
	for _, id := range p.pending {
		msg := p.byID[id]
		if msg == nil {
			continue
		}
		if msg.IsCaptured() && !msg.IsStale(now, p.maxProcessingTime) {
			h.CapturedCount++
			continue
		}
		h.PendingCount++
		if oldest == nil || msg.ReceivedAt.Before(*oldest) {
			t := msg.ReceivedAt
			oldest = &t
		}
	}
	h.OldestPendingAt = oldest
	return h, nil
}

// Delete* methods implement inbox.Cleaner, used by the cleanup package
// to purge expired records without needing its own reflection over
// provider internals.
var _ inbox.Cleaner = (*Provider)(nil)

// DeleteExpiredDedup removes dedup records older than cutoff, returning
// the count removed (bounded by batchSize).
func (p *Provider) DeleteExpiredDedup(_ context.Context, cutoff time.Time, batchSize int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, rec := range p.dedup {
		if removed >= batchSize {
			break
		}
		if rec.CreatedAt.Before(cutoff) {
			delete(p.dedup, id)
			removed++
		}
	}
	return removed, nil
}

// DeleteExpiredGroupLocks removes group locks older than cutoff.
func (p *Provider) DeleteExpiredGroupLocks(_ context.Context, cutoff time.Time, batchSize int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for gid, lock := range p.locks {
		if removed >= batchSize {
			break
		}
		if lock.LockedAt.Before(cutoff) {
			delete(p.locks, gid)
			removed++
		}
	}
	return removed, nil
}

// DeleteExpiredDeadLetters removes dead letters older than cutoff.
func (p *Provider) DeleteExpiredDeadLetters(_ context.Context, cutoff time.Time, batchSize int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	kept := p.deadOrder[:0]
	for _, id := range p.deadOrder {
		dl := p.deadByID[id]
		if removed < batchSize && dl.MovedAt.Before(cutoff) {
			delete(p.deadByID, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	p.deadOrder = kept
	return removed, nil
}

func cloneMessage(m *inbox.Message) *inbox.Message {
	clone := *m
	if m.CapturedAt != nil {
		t := *m.CapturedAt
		clone.CapturedAt = &t
	}
	return &clone
}

func cloneMessageValue(m *inbox.Message) inbox.Message {
	return *cloneMessage(m)
}
