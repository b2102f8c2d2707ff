// Package sqlprovider is the relational StorageProvider backend: a
// pgx-based implementation using "FOR UPDATE SKIP LOCKED" capture and
// CTE-based batch operations, with a separate group-lock table for
// FIFO inboxes.
//
// Connection pooling is grounded in the teacher's
// internal/litellmdb/connection.ConnectionPool, generalized here from a
// single LiteLLM-specific pool into a reusable Pool usable by any inbox.
// Pool is a thin pgxpool.Pool wrapper: it pings once at construction and
// runs no background health-check or reconnect loop of its own.
package sqlprovider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mixaill76/reliable-inbox/inbox"
)

// Pool wraps a pgxpool.Pool. Connectivity is checked once, by the ping
// in NewPool; there is no periodic health check or reconnect loop.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool parses databaseURL, opens a pool sized [minConns, maxConns]
// and verifies connectivity with a ping before returning.
func NewPool(ctx context.Context, databaseURL string, minConns, maxConns int32) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("sqlprovider: invalid database url: %w", err)
	}
	cfg.MinConns = minConns
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sqlprovider: failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlprovider: ping failed: %w", err)
	}
	return &Pool{pool: pool}, nil
}

// Close releases every connection in the pool.
func (p *Pool) Close() { p.pool.Close() }

// Stat exposes pgxpool's connection-pool statistics.
func (p *Pool) Stat() *pgxpool.Stat { return p.pool.Stat() }

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

func sanitizeIdentifier(name string) (string, error) {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if !identifierPattern.MatchString(sanitized) {
		return "", &inbox.ConfigError{Option: "inbox_name", Reason: "does not yield a valid SQL identifier"}
	}
	return sanitized, nil
}

type tableNames struct {
	messages   string
	deadLetter string
	dedup      string
	groupLocks string
}

func tablesFor(inboxName string) (tableNames, error) {
	sanitized, err := sanitizeIdentifier(inboxName)
	if err != nil {
		return tableNames{}, err
	}
	return tableNames{
		messages:   fmt.Sprintf("inbox_messages_%s", sanitized),
		deadLetter: fmt.Sprintf("inbox_dead_letters_%s", sanitized),
		dedup:      fmt.Sprintf("inbox_deduplication_%s", sanitized),
		groupLocks: fmt.Sprintf("inbox_group_locks_%s", sanitized),
	}, nil
}

// Provider is a relational StorageProvider for exactly one inbox, backed
// by four tables (messages, dead letters, deduplication, group locks) in
// a shared Pool.
type Provider struct {
	pool      *pgxpool.Pool
	inboxName string
	fifo      bool
	maxProc   time.Duration
	tables    tableNames
}

// New constructs a relational provider for inboxName against pool.
// fifo enables the group-lock table and capture join; maxProcessingTime
// is the staleness window used by the capture query's cutoff.
func New(pool *Pool, inboxName string, fifo bool, maxProcessingTime time.Duration) (*Provider, error) {
	tables, err := tablesFor(inboxName)
	if err != nil {
		return nil, err
	}
	return &Provider{
		pool:      pool.pool,
		inboxName: inboxName,
		fifo:      fifo,
		maxProc:   maxProcessingTime,
		tables:    tables,
	}, nil
}

var _ inbox.StorageProvider = (*Provider)(nil)
var _ inbox.Cleaner = (*Provider)(nil)

func (p *Provider) IsFIFO() bool { return p.fifo }

// Migrate idempotently creates the four tables and their indexes.
func (p *Provider) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			inbox_name TEXT NOT NULL,
			message_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			group_id TEXT,
			collapse_key TEXT,
			deduplication_id TEXT,
			attempts_count INT NOT NULL DEFAULT 0,
			received_at TIMESTAMPTZ NOT NULL,
			captured_at TIMESTAMPTZ,
			captured_by TEXT
		)`, p.tables.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_capture_idx ON %s (captured_at, received_at)`, p.tables.messages, p.tables.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_collapse_idx ON %s (collapse_key) WHERE collapse_key IS NOT NULL AND captured_at IS NULL`, p.tables.messages, p.tables.messages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			inbox_name TEXT NOT NULL,
			message_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			group_id TEXT,
			collapse_key TEXT,
			deduplication_id TEXT,
			attempts_count INT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			failure_reason TEXT NOT NULL,
			moved_at TIMESTAMPTZ NOT NULL
		)`, p.tables.deadLetter),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_moved_idx ON %s (moved_at)`, p.tables.deadLetter, p.tables.deadLetter),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			deduplication_id TEXT PRIMARY KEY,
			inbox_name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`, p.tables.dedup),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			group_id TEXT PRIMARY KEY,
			inbox_name TEXT NOT NULL,
			locked_at TIMESTAMPTZ NOT NULL,
			locked_by TEXT NOT NULL
		)`, p.tables.groupLocks),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("sqlprovider: migrate: %w", err)
		}
	}
	return nil
}

func (p *Provider) Write(ctx context.Context, msg *inbox.Message) error {
	return p.WriteBatch(ctx, []*inbox.Message{msg})
}

func (p *Provider) WriteBatch(ctx context.Context, msgs []*inbox.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sqlprovider: begin write: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, msg := range msgs {
		if err := p.writeOneTx(ctx, tx, msg); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sqlprovider: commit write: %w", err)
	}
	return nil
}

func (p *Provider) writeOneTx(ctx context.Context, tx pgx.Tx, msg *inbox.Message) error {
	if msg.CollapseKey != "" {
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE inbox_name = $1 AND collapse_key = $2 AND captured_at IS NULL`, p.tables.messages),
			msg.InboxName, msg.CollapseKey)
		if err != nil {
			return fmt.Errorf("sqlprovider: collapse delete: %w", err)
		}
	}

	if msg.DeduplicationID != "" {
		tag, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (deduplication_id, inbox_name, created_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, p.tables.dedup),
			msg.DeduplicationID, msg.InboxName, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("sqlprovider: dedup insert: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil // conflict: silently dropped per contract
		}
	}

	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, p.tables.messages),
		msg.ID, msg.InboxName, msg.MessageType, msg.Payload, nullableString(msg.GroupID), nullableString(msg.CollapseKey),
		nullableString(msg.DeduplicationID), msg.AttemptsCount, msg.ReceivedAt)
	if err != nil {
		return fmt.Errorf("sqlprovider: insert message: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ReadAndCapture implements the non-FIFO and FIFO capture CTEs described
// in spec §4.1: select up to batchSize pending-or-stale rows ordered by
// (received_at, id), FOR UPDATE SKIP LOCKED, and mark them captured in
// the same statement. The FIFO variant additionally excludes rows whose
// group carries a live lock and upserts the lock for every captured
// group.
func (p *Provider) ReadAndCapture(ctx context.Context, processorID string, batchSize int) ([]*inbox.Message, error) {
	now := time.Now().UTC()
	staleCutoff := now.Add(-p.maxProc)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlprovider: begin capture: %w", err)
	}
	defer tx.Rollback(ctx)

	var query string
	if p.fifo {
		query = fmt.Sprintf(`
			WITH eligible AS (
				SELECT m.id, m.group_id, m.received_at FROM %s m
				LEFT JOIN %s gl ON gl.group_id = m.group_id
				WHERE m.inbox_name = $1
				  AND (m.captured_at IS NULL OR m.captured_at <= $2)
				  AND (gl.group_id IS NULL OR gl.locked_at <= $2 OR gl.locked_by = $4)
				ORDER BY m.received_at ASC, m.id ASC
				FOR UPDATE OF m SKIP LOCKED
				LIMIT $3
			),
			to_capture AS (
				SELECT DISTINCT ON (group_id) id, group_id FROM eligible
				ORDER BY group_id, received_at ASC, id ASC
			)
			UPDATE %s SET captured_at = $5, captured_by = $4
			FROM to_capture WHERE %s.id = to_capture.id
			RETURNING %s.id, %s.message_type, %s.payload, %s.group_id, %s.collapse_key,
			          %s.deduplication_id, %s.attempts_count, %s.received_at, %s.captured_at, %s.captured_by`,
			p.tables.messages, p.tables.groupLocks,
			p.tables.messages, p.tables.messages,
			p.tables.messages, p.tables.messages, p.tables.messages, p.tables.messages,
			p.tables.messages, p.tables.messages, p.tables.messages, p.tables.messages, p.tables.messages)
	} else {
		query = fmt.Sprintf(`
			WITH to_capture AS (
				SELECT id FROM %s
				WHERE inbox_name = $1 AND (captured_at IS NULL OR captured_at <= $2)
				ORDER BY received_at ASC, id ASC
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			UPDATE %s SET captured_at = $5, captured_by = $4
			FROM to_capture WHERE %s.id = to_capture.id
			RETURNING %s.id, %s.message_type, %s.payload, %s.group_id, %s.collapse_key,
			          %s.deduplication_id, %s.attempts_count, %s.received_at, %s.captured_at, %s.captured_by`,
			p.tables.messages, p.tables.messages, p.tables.messages,
			p.tables.messages, p.tables.messages, p.tables.messages, p.tables.messages,
			p.tables.messages, p.tables.messages, p.tables.messages, p.tables.messages)
	}

	rows, err := tx.Query(ctx, query, p.inboxName, staleCutoff, batchSize, processorID, now)
	if err != nil {
		return nil, fmt.Errorf("sqlprovider: capture query: %w", err)
	}
	msgs, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if p.fifo {
		groupIDs := make(map[string]bool)
		for _, m := range msgs {
			if m.HasGroup() {
				groupIDs[m.GroupID] = true
			}
		}
		for gid := range groupIDs {
			_, err := tx.Exec(ctx,
				fmt.Sprintf(`INSERT INTO %s (group_id, inbox_name, locked_at, locked_by) VALUES ($1,$2,$3,$4)
					ON CONFLICT (group_id) DO UPDATE SET locked_at = $3, locked_by = $4`, p.tables.groupLocks),
				gid, p.inboxName, now, processorID)
			if err != nil {
				return nil, fmt.Errorf("sqlprovider: upsert group lock: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("sqlprovider: commit capture: %w", err)
	}
	return msgs, nil
}

func scanMessages(rows pgx.Rows) ([]*inbox.Message, error) {
	var out []*inbox.Message
	for rows.Next() {
		m := &inbox.Message{}
		var groupID, collapseKey, dedupID, capturedBy *string
		var capturedAt *time.Time
		if err := rows.Scan(&m.ID, &m.MessageType, &m.Payload, &groupID, &collapseKey,
			&dedupID, &m.AttemptsCount, &m.ReceivedAt, &capturedAt, &capturedBy); err != nil {
			return nil, fmt.Errorf("sqlprovider: scan message: %w", err)
		}
		m.GroupID = derefString(groupID)
		m.CollapseKey = derefString(collapseKey)
		m.DeduplicationID = derefString(dedupID)
		m.CapturedAt = capturedAt
		m.CapturedBy = derefString(capturedBy)
		out = append(out, m)
	}
	return out, rows.Err()
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (p *Provider) FailBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET attempts_count = attempts_count + 1, captured_at = NULL, captured_by = NULL WHERE id = ANY($1)`, p.tables.messages),
		ids)
	if err != nil {
		return fmt.Errorf("sqlprovider: fail batch: %w", err)
	}
	return nil
}

func (p *Provider) ReleaseBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET captured_at = NULL, captured_by = NULL WHERE id = ANY($1)`, p.tables.messages),
		ids)
	if err != nil {
		return fmt.Errorf("sqlprovider: release batch: %w", err)
	}
	return nil
}

func (p *Provider) MoveToDeadLetterBatch(ctx context.Context, moves []inbox.DeadLetterMove) error {
	if len(moves) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sqlprovider: begin dead-letter: %w", err)
	}
	defer tx.Rollback(ctx)
	now := time.Now().UTC()
	for _, mv := range moves {
		if err := p.moveToDeadLetterTx(ctx, tx, mv.ID, mv.Reason, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sqlprovider: commit dead-letter: %w", err)
	}
	return nil
}

func (p *Provider) moveToDeadLetterTx(ctx context.Context, tx pgx.Tx, id, reason string, now time.Time) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, failure_reason, moved_at)
		SELECT id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, $2, $3
		FROM %s WHERE id = $1
		ON CONFLICT (id) DO NOTHING`, p.tables.deadLetter, p.tables.messages),
		id, reason, now)
	if err != nil {
		return fmt.Errorf("sqlprovider: dead-letter copy: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, p.tables.messages), id); err != nil {
		return fmt.Errorf("sqlprovider: dead-letter delete: %w", err)
	}
	return nil
}

// ProcessResultsBatch commits complete/fail/release/dead-letter in one
// transaction, the hot path spec §4.1 requires a single round trip for.
func (p *Provider) ProcessResultsBatch(ctx context.Context, batch inbox.ResultBatch) error {
	if batch.IsEmpty() {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sqlprovider: begin process-results: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(batch.ToComplete) > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, p.tables.messages), batch.ToComplete); err != nil {
			return fmt.Errorf("sqlprovider: complete: %w", err)
		}
	}
	if len(batch.ToFail) > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET attempts_count = attempts_count + 1, captured_at = NULL, captured_by = NULL WHERE id = ANY($1)`, p.tables.messages), batch.ToFail); err != nil {
			return fmt.Errorf("sqlprovider: fail: %w", err)
		}
	}
	if len(batch.ToRelease) > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET captured_at = NULL, captured_by = NULL WHERE id = ANY($1)`, p.tables.messages), batch.ToRelease); err != nil {
			return fmt.Errorf("sqlprovider: release: %w", err)
		}
	}
	now := time.Now().UTC()
	for _, mv := range batch.ToDeadLetter {
		if err := p.moveToDeadLetterTx(ctx, tx, mv.ID, mv.Reason, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sqlprovider: commit process-results: %w", err)
	}
	return nil
}

func (p *Provider) ReadDeadLetters(ctx context.Context, count int) ([]*inbox.DeadLetterMessage, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, failure_reason, moved_at
		FROM %s WHERE inbox_name = $1 ORDER BY moved_at ASC LIMIT $2`, p.tables.deadLetter),
		p.inboxName, count)
	if err != nil {
		return nil, fmt.Errorf("sqlprovider: read dead letters: %w", err)
	}
	defer rows.Close()

	var out []*inbox.DeadLetterMessage
	for rows.Next() {
		dl := &inbox.DeadLetterMessage{}
		var groupID, collapseKey, dedupID *string
		if err := rows.Scan(&dl.ID, &dl.InboxName, &dl.MessageType, &dl.Payload, &groupID, &collapseKey,
			&dedupID, &dl.AttemptsCount, &dl.ReceivedAt, &dl.FailureReason, &dl.MovedAt); err != nil {
			return nil, fmt.Errorf("sqlprovider: scan dead letter: %w", err)
		}
		dl.GroupID = derefString(groupID)
		dl.CollapseKey = derefString(collapseKey)
		dl.DeduplicationID = derefString(dedupID)
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (p *Provider) ExtendLocks(ctx context.Context, processorID string, ids []string, newCapturedAt time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlprovider: begin extend: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, fmt.Sprintf(`
		UPDATE %s SET captured_at = $1 WHERE id = ANY($2) AND captured_by = $3 RETURNING group_id`, p.tables.messages),
		newCapturedAt, ids, processorID)
	if err != nil {
		return 0, fmt.Errorf("sqlprovider: extend update: %w", err)
	}
	n := 0
	groupIDs := make(map[string]bool)
	for rows.Next() {
		var gid *string
		if err := rows.Scan(&gid); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlprovider: scan extend: %w", err)
		}
		n++
		if gid != nil && *gid != "" {
			groupIDs[*gid] = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if p.fifo {
		for gid := range groupIDs {
			if _, err := tx.Exec(ctx,
				fmt.Sprintf(`UPDATE %s SET locked_at = $1 WHERE group_id = $2 AND locked_by = $3`, p.tables.groupLocks),
				newCapturedAt, gid, processorID); err != nil {
				return 0, fmt.Errorf("sqlprovider: extend group lock: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("sqlprovider: commit extend: %w", err)
	}
	return n, nil
}

func (p *Provider) ReleaseGroupLocks(ctx context.Context, groupIDs []string) error {
	if len(groupIDs) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE group_id = ANY($1)`, p.tables.groupLocks), groupIDs)
	if err != nil {
		return fmt.Errorf("sqlprovider: release group locks: %w", err)
	}
	return nil
}

func (p *Provider) ReleaseMessagesAndGroupLocks(ctx context.Context, ids []string, groupIDs []string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sqlprovider: begin combined release: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET captured_at = NULL, captured_by = NULL WHERE id = ANY($1)`, p.tables.messages), ids); err != nil {
			return fmt.Errorf("sqlprovider: combined release messages: %w", err)
		}
	}
	if len(groupIDs) > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE group_id = ANY($1)`, p.tables.groupLocks), groupIDs); err != nil {
			return fmt.Errorf("sqlprovider: combined release group locks: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sqlprovider: commit combined release: %w", err)
	}
	return nil
}

func (p *Provider) GetHealthMetrics(ctx context.Context) (inbox.HealthMetrics, error) {
	var h inbox.HealthMetrics
	var oldest *time.Time
	err := p.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE captured_at IS NULL OR captured_at <= $2) AS pending,
			COUNT(*) FILTER (WHERE captured_at IS NOT NULL AND captured_at > $2) AS captured,
			MIN(received_at) FILTER (WHERE captured_at IS NULL OR captured_at <= $2) AS oldest_pending
		FROM %s WHERE inbox_name = $1`, p.tables.messages),
		p.inboxName, time.Now().UTC().Add(-p.maxProc)).Scan(&h.PendingCount, &h.CapturedCount, &oldest)
	if err != nil {
		return h, fmt.Errorf("sqlprovider: health metrics: %w", err)
	}
	h.OldestPendingAt = oldest

	err = p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE inbox_name = $1`, p.tables.deadLetter), p.inboxName).
		Scan(&h.DeadLetterCount)
	if err != nil {
		return h, fmt.Errorf("sqlprovider: dead-letter count: %w", err)
	}
	return h, nil
}

// DeleteExpiredDedup removes dedup records older than cutoff, batched.
func (p *Provider) DeleteExpiredDedup(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	return p.deleteBatch(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE deduplication_id IN (
			SELECT deduplication_id FROM %s WHERE inbox_name = $1 AND created_at < $2 LIMIT $3)`,
		p.tables.dedup, p.tables.dedup), cutoff, batchSize)
}

// DeleteExpiredGroupLocks removes group locks older than cutoff, batched.
func (p *Provider) DeleteExpiredGroupLocks(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	return p.deleteBatch(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE group_id IN (
			SELECT group_id FROM %s WHERE inbox_name = $1 AND locked_at < $2 LIMIT $3)`,
		p.tables.groupLocks, p.tables.groupLocks), cutoff, batchSize)
}

// DeleteExpiredDeadLetters removes dead letters older than cutoff, batched.
func (p *Provider) DeleteExpiredDeadLetters(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	return p.deleteBatch(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM %s WHERE inbox_name = $1 AND moved_at < $2 LIMIT $3)`,
		p.tables.deadLetter, p.tables.deadLetter), cutoff, batchSize)
}

func (p *Provider) deleteBatch(ctx context.Context, query string, cutoff time.Time, batchSize int) (int, error) {
	tag, err := p.pool.Exec(ctx, query, p.inboxName, cutoff, batchSize)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return 0, fmt.Errorf("sqlprovider: cleanup delete (%s): %w", pgErr.Code, err)
		}
		return 0, fmt.Errorf("sqlprovider: cleanup delete: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Classify is the backend-specific fault classifier for
// provider.RetryConfig: connection loss, serialization failure, and
// deadlock are transient; everything else (constraint violations,
// syntax errors) is permanent.
func Classify(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, inbox.ErrOperationCanceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53300", // too_many_connections
			"57P03": // cannot_connect_now
			return true
		}
		return false
	}
	// connection-level errors (closed pool, network) surface without a
	// PgError wrapper; treat as transient.
	return true
}
