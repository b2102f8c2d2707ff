// Package kvprovider is the key-value StorageProvider backend: a
// sorted-set-plus-hash implementation on top of go-redis, with
// per-group lock keys carrying a TTL equal to max_processing_time.
//
// Atomic multi-key operations (write-with-collapse-and-dedup, capture)
// are implemented as Lua scripts evaluated server-side, the same
// pattern _examples/other_examples's Redis-backed distributed lock
// (de8b26b1_adrianmcphee-smarterbase__distributed_lock.go.go) uses for
// its compare-and-delete unlock script.
package kvprovider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mixaill76/reliable-inbox/inbox"
)

// keyspace is the seven Redis keyspaces described in spec §6, scoped to
// one inbox name.
type keyspace struct {
	pending    string // ZSET: score=received_at unix nanos, member=id
	captured   string // ZSET: score=captured_at unix nanos, member=id
	msgPrefix  string // HASH per id: msg:<id>
	collapse   string // HASH: collapse_key -> pending id
	dedupPfx   string // STRING per dedup id, TTL=deduplication_interval
	lockPfx    string // STRING per group id, TTL=max_processing_time, value=processorID
	dead       string // ZSET: score=moved_at unix nanos, member=id
	deadPrefix string // HASH per id: deadmsg:<id>
}

func keysFor(inboxName string) keyspace {
	base := "inbox:" + inboxName
	return keyspace{
		pending:    base + ":pending",
		captured:   base + ":captured",
		msgPrefix:  base + ":msg:",
		collapse:   base + ":collapse",
		dedupPfx:   base + ":dedup:",
		lockPfx:    base + ":lock:",
		dead:       base + ":dead",
		deadPrefix: base + ":deadmsg:",
	}
}

// Provider is a Redis-backed StorageProvider for exactly one inbox.
type Provider struct {
	rdb       *redis.Client
	inboxName string
	fifo      bool
	maxProc   time.Duration
	dedupTTL  time.Duration
	keys      keyspace
}

// New constructs a key-value provider for inboxName against rdb.
// dedupTTL is the deduplication_interval applied to dedup keys; zero
// means no TTL (the record is cleared only by the cleanup task).
func New(rdb *redis.Client, inboxName string, fifo bool, maxProcessingTime, dedupTTL time.Duration) *Provider {
	return &Provider{
		rdb:       rdb,
		inboxName: inboxName,
		fifo:      fifo,
		maxProc:   maxProcessingTime,
		dedupTTL:  dedupTTL,
		keys:      keysFor(inboxName),
	}
}

var _ inbox.StorageProvider = (*Provider)(nil)
var _ inbox.Cleaner = (*Provider)(nil)

func (p *Provider) IsFIFO() bool { return p.fifo }

// Migrate is a no-op: Redis keyspaces need no schema creation.
func (p *Provider) Migrate(ctx context.Context) error { return nil }

// writeScript atomically applies dedup-by-id then the insert. Collapse
// is resolved by the caller (see writeOne) before this script runs,
// since deleting the prior message's hash requires that message's own
// key, which a script keyed only on the new id cannot address without
// a second round trip anyway.
var writeScript = redis.NewScript(`
local pending   = KEYS[1]
local msgKey    = KEYS[2]
local collapse  = KEYS[3]
local dedupKey  = KEYS[4]

local id          = ARGV[1]
local messageType = ARGV[2]
local payload     = ARGV[3]
local groupID     = ARGV[4]
local collapseKey = ARGV[5]
local dedupID     = ARGV[6]
local receivedAt  = ARGV[7]
local dedupTTL    = tonumber(ARGV[8])

if dedupID ~= "" then
	if redis.call("EXISTS", dedupKey) == 1 then
		return 0
	end
	if dedupTTL > 0 then
		redis.call("SET", dedupKey, "1", "EX", dedupTTL)
	else
		redis.call("SET", dedupKey, "1")
	end
end

if collapseKey ~= "" then
	redis.call("HSET", collapse, collapseKey, id)
end

redis.call("HSET", msgKey,
	"message_type", messageType,
	"payload", payload,
	"group_id", groupID,
	"collapse_key", collapseKey,
	"deduplication_id", dedupID,
	"attempts_count", "0",
	"received_at", receivedAt)
redis.call("ZADD", pending, receivedAt, id)
return 1
`)

func (p *Provider) Write(ctx context.Context, msg *inbox.Message) error {
	return p.WriteBatch(ctx, []*inbox.Message{msg})
}

func (p *Provider) WriteBatch(ctx context.Context, msgs []*inbox.Message) error {
	for _, msg := range msgs {
		if err := p.writeOne(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) writeOne(ctx context.Context, msg *inbox.Message) error {
	msgKey := p.keys.msgPrefix + msg.ID
	dedupKey := ""
	if msg.DeduplicationID != "" {
		dedupKey = p.keys.dedupPfx + msg.DeduplicationID
	}

	// Collapse is resolved in two round trips rather than inside the
	// script: the script needs the *prior* message's own hash key to
	// delete it, which depends on an id the script doesn't know ahead of
	// time. Both steps happen before the insert, so a reader can never
	// observe two pending messages for the same collapse key.
	if msg.CollapseKey != "" {
		prior, err := p.rdb.HGet(ctx, p.keys.collapse, msg.CollapseKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("kvprovider: collapse lookup: %w", err)
		}
		if prior != "" {
			pipe := p.rdb.TxPipeline()
			pipe.ZRem(ctx, p.keys.pending, prior)
			pipe.Del(ctx, p.keys.msgPrefix+prior)
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("kvprovider: collapse delete: %w", err)
			}
		}
	}

	dedupTTL := int64(0)
	if p.dedupTTL > 0 {
		dedupTTL = int64(p.dedupTTL.Seconds())
	}

	res, err := writeScript.Run(ctx, p.rdb,
		[]string{p.keys.pending, msgKey, p.keys.collapse, dedupKey},
		msg.ID, msg.MessageType, msg.Payload, msg.GroupID, msg.CollapseKey, msg.DeduplicationID,
		formatTime(msg.ReceivedAt), dedupTTL,
	).Result()
	if err != nil {
		return fmt.Errorf("kvprovider: write script: %w", err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return nil // dropped by dedup, per contract
	}
	return nil
}

// captureScript scans the pending ZSET in score order and captures up
// to batchSize eligible ids, stamping captured_at/captured_by and adding
// each to the captured ZSET (ids stay in the pending ZSET), skipping
// ids whose FIFO group carries a live lock not owned by the caller and ids already
// captured within max_processing_time.
var captureScript = redis.NewScript(`
local pending    = KEYS[1]
local captured   = KEYS[2]
local msgPrefix  = KEYS[3]
local lockPrefix = KEYS[4]

local now        = tonumber(ARGV[1])
local staleCutoff= tonumber(ARGV[2])
local batchSize  = tonumber(ARGV[3])
local processorID= ARGV[4]
local fifo       = ARGV[5]

local candidates = redis.call("ZRANGE", pending, 0, -1)
local out = {}
local seenGroup = {}
local n = 0

for _, id in ipairs(candidates) do
	if n >= batchSize then break end
	local msgKey = msgPrefix .. id
	local capturedAtStr = redis.call("HGET", msgKey, "captured_at")
	local eligible = true
	if capturedAtStr and capturedAtStr ~= "" then
		local capturedAt = tonumber(capturedAtStr)
		if capturedAt and capturedAt > staleCutoff then
			eligible = false
		end
	end
	if eligible then
		local groupID = redis.call("HGET", msgKey, "group_id")
		if fifo == "1" and groupID and groupID ~= "" then
			local lockKey = lockPrefix .. groupID
			local lockedBy = redis.call("GET", lockKey)
			if lockedBy and lockedBy ~= processorID then
				eligible = false
			elseif seenGroup[groupID] then
				eligible = false
			end
		end
	end
	if eligible then
		redis.call("HSET", msgKey, "captured_at", tostring(now), "captured_by", processorID)
		redis.call("ZADD", captured, now, id)
		local groupID = redis.call("HGET", msgKey, "group_id")
		if fifo == "1" and groupID and groupID ~= "" then
			seenGroup[groupID] = true
		end
		table.insert(out, id)
		n = n + 1
	end
end

return out
`)

func (p *Provider) ReadAndCapture(ctx context.Context, processorID string, batchSize int) ([]*inbox.Message, error) {
	now := time.Now().UTC()
	staleCutoff := now.Add(-p.maxProc)
	fifoFlag := "0"
	if p.fifo {
		fifoFlag = "1"
	}

	res, err := captureScript.Run(ctx, p.rdb,
		[]string{p.keys.pending, p.keys.captured, p.keys.msgPrefix, p.keys.lockPfx},
		formatTime(now), formatTime(staleCutoff), batchSize, processorID, fifoFlag,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("kvprovider: capture script: %w", err)
	}

	msgs := make([]*inbox.Message, 0, len(res))
	groupIDs := make(map[string]bool)
	for _, id := range res {
		msg, err := p.loadMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
		if p.fifo && msg.HasGroup() {
			groupIDs[msg.GroupID] = true
		}
	}

	if p.fifo {
		ttl := p.maxProc
		for gid := range groupIDs {
			if err := p.rdb.Set(ctx, p.keys.lockPfx+gid, processorID, ttl).Err(); err != nil {
				return nil, fmt.Errorf("kvprovider: set group lock: %w", err)
			}
		}
	}

	return msgs, nil
}

func (p *Provider) loadMessage(ctx context.Context, id string) (*inbox.Message, error) {
	vals, err := p.rdb.HGetAll(ctx, p.keys.msgPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("kvprovider: load message %s: %w", id, err)
	}
	msg := &inbox.Message{
		ID:              id,
		InboxName:       p.inboxName,
		MessageType:     vals["message_type"],
		Payload:         vals["payload"],
		GroupID:         vals["group_id"],
		CollapseKey:     vals["collapse_key"],
		DeduplicationID: vals["deduplication_id"],
	}
	if n, err := strconv.Atoi(vals["attempts_count"]); err == nil {
		msg.AttemptsCount = n
	}
	if t, err := parseTime(vals["received_at"]); err == nil {
		msg.ReceivedAt = t
	}
	if capturedAtStr, ok := vals["captured_at"]; ok && capturedAtStr != "" {
		if t, err := parseTime(capturedAtStr); err == nil {
			msg.CapturedAt = &t
		}
		msg.CapturedBy = vals["captured_by"]
	}
	return msg, nil
}

func (p *Provider) FailBatch(ctx context.Context, ids []string) error {
	pipe := p.rdb.TxPipeline()
	for _, id := range ids {
		key := p.keys.msgPrefix + id
		pipe.HIncrBy(ctx, key, "attempts_count", 1)
		pipe.HSet(ctx, key, "captured_at", "", "captured_by", "")
		pipe.ZRem(ctx, p.keys.captured, id)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kvprovider: fail batch: %w", err)
	}
	return nil
}

func (p *Provider) ReleaseBatch(ctx context.Context, ids []string) error {
	pipe := p.rdb.TxPipeline()
	for _, id := range ids {
		key := p.keys.msgPrefix + id
		pipe.HSet(ctx, key, "captured_at", "", "captured_by", "")
		pipe.ZRem(ctx, p.keys.captured, id)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kvprovider: release batch: %w", err)
	}
	return nil
}

func (p *Provider) MoveToDeadLetterBatch(ctx context.Context, moves []inbox.DeadLetterMove) error {
	now := time.Now().UTC()
	for _, mv := range moves {
		if err := p.moveOne(ctx, mv.ID, mv.Reason, now); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) moveOne(ctx context.Context, id, reason string, now time.Time) error {
	key := p.keys.msgPrefix + id
	exists, err := p.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("kvprovider: dead-letter exists check: %w", err)
	}
	if exists == 0 {
		return nil // idempotent no-op: already moved or never existed
	}
	vals, err := p.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("kvprovider: dead-letter read: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	deadKey := p.keys.deadPrefix + id
	pipe.HSet(ctx, deadKey,
		"message_type", vals["message_type"], "payload", vals["payload"],
		"group_id", vals["group_id"], "collapse_key", vals["collapse_key"],
		"deduplication_id", vals["deduplication_id"], "attempts_count", vals["attempts_count"],
		"received_at", vals["received_at"], "failure_reason", reason, "moved_at", formatTime(now))
	pipe.ZAdd(ctx, p.keys.dead, redis.Z{Score: float64(now.UnixNano()), Member: id})
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, p.keys.pending, id)
	pipe.ZRem(ctx, p.keys.captured, id)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kvprovider: dead-letter move: %w", err)
	}
	return nil
}

func (p *Provider) ProcessResultsBatch(ctx context.Context, batch inbox.ResultBatch) error {
	if len(batch.ToComplete) > 0 {
		pipe := p.rdb.TxPipeline()
		for _, id := range batch.ToComplete {
			pipe.Del(ctx, p.keys.msgPrefix+id)
			pipe.ZRem(ctx, p.keys.pending, id)
			pipe.ZRem(ctx, p.keys.captured, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("kvprovider: complete batch: %w", err)
		}
	}
	if err := p.FailBatch(ctx, batch.ToFail); err != nil {
		return err
	}
	if err := p.ReleaseBatch(ctx, batch.ToRelease); err != nil {
		return err
	}
	return p.MoveToDeadLetterBatch(ctx, batch.ToDeadLetter)
}

func (p *Provider) ReadDeadLetters(ctx context.Context, count int) ([]*inbox.DeadLetterMessage, error) {
	ids, err := p.rdb.ZRange(ctx, p.keys.dead, 0, int64(count)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("kvprovider: read dead letters: %w", err)
	}
	out := make([]*inbox.DeadLetterMessage, 0, len(ids))
	for _, id := range ids {
		vals, err := p.rdb.HGetAll(ctx, p.keys.deadPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("kvprovider: read dead letter %s: %w", id, err)
		}
		dl := &inbox.DeadLetterMessage{}
		dl.ID = id
		dl.InboxName = p.inboxName
		dl.MessageType = vals["message_type"]
		dl.Payload = vals["payload"]
		dl.GroupID = vals["group_id"]
		dl.CollapseKey = vals["collapse_key"]
		dl.DeduplicationID = vals["deduplication_id"]
		dl.FailureReason = vals["failure_reason"]
		if n, err := strconv.Atoi(vals["attempts_count"]); err == nil {
			dl.AttemptsCount = n
		}
		if t, err := parseTime(vals["received_at"]); err == nil {
			dl.ReceivedAt = t
		}
		if t, err := parseTime(vals["moved_at"]); err == nil {
			dl.MovedAt = t
		}
		out = append(out, dl)
	}
	return out, nil
}

func (p *Provider) ExtendLocks(ctx context.Context, processorID string, ids []string, newCapturedAt time.Time) (int, error) {
	n := 0
	groupIDs := make(map[string]bool)
	for _, id := range ids {
		key := p.keys.msgPrefix + id
		owner, err := p.rdb.HGet(ctx, key, "captured_by").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return n, fmt.Errorf("kvprovider: extend owner check: %w", err)
		}
		if owner != processorID {
			continue
		}
		if err := p.rdb.HSet(ctx, key, "captured_at", formatTime(newCapturedAt)).Err(); err != nil {
			return n, fmt.Errorf("kvprovider: extend: %w", err)
		}
		p.rdb.ZAdd(ctx, p.keys.captured, redis.Z{Score: float64(newCapturedAt.UnixNano()), Member: id})
		n++
		if p.fifo {
			if gid, err := p.rdb.HGet(ctx, key, "group_id").Result(); err == nil && gid != "" {
				groupIDs[gid] = true
			}
		}
	}
	if p.fifo {
		for gid := range groupIDs {
			lockKey := p.keys.lockPfx + gid
			owner, err := p.rdb.Get(ctx, lockKey).Result()
			if err == nil && owner == processorID {
				p.rdb.Expire(ctx, lockKey, p.maxProc)
			}
		}
	}
	return n, nil
}

func (p *Provider) ReleaseGroupLocks(ctx context.Context, groupIDs []string) error {
	if len(groupIDs) == 0 {
		return nil
	}
	keys := make([]string, len(groupIDs))
	for i, gid := range groupIDs {
		keys[i] = p.keys.lockPfx + gid
	}
	if err := p.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kvprovider: release group locks: %w", err)
	}
	return nil
}

func (p *Provider) ReleaseMessagesAndGroupLocks(ctx context.Context, ids []string, groupIDs []string) error {
	if err := p.ReleaseBatch(ctx, ids); err != nil {
		return err
	}
	return p.ReleaseGroupLocks(ctx, groupIDs)
}

func (p *Provider) GetHealthMetrics(ctx context.Context) (inbox.HealthMetrics, error) {
	var h inbox.HealthMetrics
	now := time.Now().UTC()
	staleCutoff := now.Add(-p.maxProc)

	allPending, err := p.rdb.ZRangeWithScores(ctx, p.keys.pending, 0, -1).Result()
	if err != nil {
		return h, fmt.Errorf("kvprovider: health pending scan: %w", err)
	}
	capturedCount, err := p.rdb.ZCard(ctx, p.keys.captured).Result()
	if err != nil {
		return h, fmt.Errorf("kvprovider: health captured count: %w", err)
	}

	var oldest *time.Time
	staleCount := int64(0)
	for _, z := range allPending {
		received := time.Unix(0, int64(z.Score)).UTC()
		if oldest == nil || received.Before(*oldest) {
			t := received
			oldest = &t
		}
	}
	// captured ZSET holds active captures; messages staler than the
	// cutoff count as pending per spec §3 invariant 3.
	staleIDs, err := p.rdb.ZRangeByScore(ctx, p.keys.captured, &redis.ZRangeBy{
		Min: "-inf", Max: formatTime(staleCutoff),
	}).Result()
	if err != nil {
		return h, fmt.Errorf("kvprovider: health stale scan: %w", err)
	}
	staleCount = int64(len(staleIDs))

	// pending never ZREMs a message on capture, so allPending already
	// includes every actively captured id; back those out here.
	activeCaptured := capturedCount - staleCount
	h.PendingCount = int64(len(allPending)) - activeCaptured
	h.CapturedCount = activeCaptured
	h.OldestPendingAt = oldest

	deadCount, err := p.rdb.ZCard(ctx, p.keys.dead).Result()
	if err != nil {
		return h, fmt.Errorf("kvprovider: health dead-letter count: %w", err)
	}
	h.DeadLetterCount = deadCount
	return h, nil
}

func (p *Provider) DeleteExpiredDedup(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	// Dedup keys carry their own TTL (spec §6); nothing to sweep unless
	// an operator configured deduplication_interval=0 (no TTL). Scanning
	// is bounded by SCAN's own cursoring, not batchSize, so this is a
	// best-effort sweep for that edge case only.
	var removed int
	var cursor uint64
	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, p.keys.dedupPfx+"*", int64(batchSize)).Result()
		if err != nil {
			return removed, fmt.Errorf("kvprovider: scan dedup: %w", err)
		}
		for _, k := range keys {
			ttl, err := p.rdb.TTL(ctx, k).Result()
			if err == nil && ttl < 0 {
				p.rdb.Del(ctx, k)
				removed++
			}
		}
		cursor = next
		if cursor == 0 || removed >= batchSize {
			break
		}
	}
	return removed, nil
}

func (p *Provider) DeleteExpiredGroupLocks(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	var removed int
	var cursor uint64
	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, p.keys.lockPfx+"*", int64(batchSize)).Result()
		if err != nil {
			return removed, fmt.Errorf("kvprovider: scan group locks: %w", err)
		}
		for _, k := range keys {
			ttl, err := p.rdb.TTL(ctx, k).Result()
			if err == nil && ttl < 0 {
				p.rdb.Del(ctx, k)
				removed++
			}
		}
		cursor = next
		if cursor == 0 || removed >= batchSize {
			break
		}
	}
	return removed, nil
}

func (p *Provider) DeleteExpiredDeadLetters(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	ids, err := p.rdb.ZRangeByScore(ctx, p.keys.dead, &redis.ZRangeBy{
		Min: "-inf", Max: formatTime(cutoff), Offset: 0, Count: int64(batchSize),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("kvprovider: dead-letter expiry scan: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := p.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, p.keys.deadPrefix+id)
		pipe.ZRem(ctx, p.keys.dead, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kvprovider: dead-letter expiry delete: %w", err)
	}
	return len(ids), nil
}

func formatTime(t time.Time) string { return strconv.FormatInt(t.UnixNano(), 10) }

func parseTime(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}
