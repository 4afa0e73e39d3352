package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconsafe/sentinel/internal/domain/workqueue"
)

// QueueStore persists one durable work queue. The alert and heartbeat queues
// are separate tables sharing this implementation.
type QueueStore struct {
	pool  *pgxpool.Pool
	table string
}

const (
	alertQueueTable     = "alert_queue"
	heartbeatQueueTable = "heartbeat_queue"

	defaultDequeueLimit = 64
	maxDequeueLimit     = 512
)

// NewAlertQueueStore constructs the store backing the alert queue.
func NewAlertQueueStore(pool *pgxpool.Pool) *QueueStore {
	return newQueueStore(pool, alertQueueTable)
}

// NewHeartbeatQueueStore constructs the store backing the heartbeat queue.
func NewHeartbeatQueueStore(pool *pgxpool.Pool) *QueueStore {
	return newQueueStore(pool, heartbeatQueueTable)
}

func newQueueStore(pool *pgxpool.Pool, table string) *QueueStore {
	return &QueueStore{pool: pool, table: table}
}

const queueColumns = `
    id,
    subject_id,
    kind,
    payload,
    status,
    attempts,
    error_message,
    created_at,
    last_attempt_at,
    next_retry_at`

func (s *QueueStore) insertSQL() string {
	return fmt.Sprintf(`
INSERT INTO %s (subject_id, kind, payload, status, next_retry_at)
VALUES ($1, $2, COALESCE($3::jsonb, '{}'::jsonb), 'pending', NOW())
RETURNING`+queueColumns+";", s.table)
}

func (s *QueueStore) dequeueReadySQL() string {
	return fmt.Sprintf(`
SELECT`+queueColumns+`
FROM %s
WHERE status IN ('pending', 'failed')
  AND next_retry_at <= NOW()
ORDER BY created_at ASC
LIMIT $1;`, s.table)
}

func (s *QueueStore) markSendingSQL() string {
	return fmt.Sprintf(`
UPDATE %s
SET status = 'sending',
    attempts = attempts + 1,
    last_attempt_at = NOW()
WHERE id = $1
  AND status IN ('pending', 'failed');`, s.table)
}

func (s *QueueStore) markFailedSQL() string {
	return fmt.Sprintf(`
UPDATE %s
SET status = 'failed',
    error_message = $2,
    next_retry_at = $3
WHERE id = $1;`, s.table)
}

func (s *QueueStore) markSentSQL() string {
	return fmt.Sprintf(`
UPDATE %s
SET status = 'sent',
    error_message = NULL
WHERE id = $1;`, s.table)
}

func (s *QueueStore) recoverStuckSQL() string {
	return fmt.Sprintf(`
UPDATE %s
SET status = 'pending',
    next_retry_at = NOW()
WHERE status = 'sending';`, s.table)
}

func (s *QueueStore) enforceMaxSizeSQL() string {
	return fmt.Sprintf(`
DELETE FROM %s
WHERE id IN (
    SELECT id FROM %s
    WHERE status IN ('pending', 'failed')
    ORDER BY created_at DESC
    OFFSET $1
);`, s.table, s.table)
}

func (s *QueueStore) purgeSentSQL() string {
	return fmt.Sprintf(`
DELETE FROM %s
WHERE status = 'sent'
  AND created_at < $1;`, s.table)
}

func (s *QueueStore) depthSQL() string {
	return fmt.Sprintf(`
SELECT COUNT(*) FROM %s
WHERE status IN ('pending', 'sending', 'failed');`, s.table)
}

// Enqueue inserts a new item, immediately eligible for delivery.
func (s *QueueStore) Enqueue(ctx context.Context, evt workqueue.Event) (workqueue.Item, error) {
	if s.pool == nil {
		return workqueue.Item{}, fmt.Errorf("%s store: nil pool", s.table)
	}
	subjectID := strings.TrimSpace(evt.SubjectID)
	if subjectID == "" {
		return workqueue.Item{}, fmt.Errorf("%s store: subject id required", s.table)
	}
	kind := strings.TrimSpace(evt.Kind)
	if kind == "" {
		return workqueue.Item{}, fmt.Errorf("%s store: kind required", s.table)
	}
	var payload any
	if len(evt.Payload) > 0 {
		payload = []byte(evt.Payload)
	}
	row := s.pool.QueryRow(ctx, s.insertSQL(), subjectID, kind, payload)
	item, err := scanQueueItem(row)
	if err != nil {
		return workqueue.Item{}, fmt.Errorf("%s store: enqueue: %w", s.table, err)
	}
	return item, nil
}

// DequeueReady returns eligible items oldest first.
func (s *QueueStore) DequeueReady(ctx context.Context, limit int) ([]workqueue.Item, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("%s store: nil pool", s.table)
	}
	if limit <= 0 {
		limit = defaultDequeueLimit
	} else if limit > maxDequeueLimit {
		limit = maxDequeueLimit
	}
	rows, err := s.pool.Query(ctx, s.dequeueReadySQL(), limit)
	if err != nil {
		return nil, fmt.Errorf("%s store: dequeue ready: %w", s.table, err)
	}
	defer rows.Close()

	var items []workqueue.Item
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%s store: scan item: %w", s.table, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s store: iterate ready: %w", s.table, err)
	}
	return items, nil
}

// MarkSending transitions the item into the in-flight state and counts the
// attempt. Items not in a retryable state are left untouched.
func (s *QueueStore) MarkSending(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("%s store: nil pool", s.table)
	}
	tag, err := s.pool.Exec(ctx, s.markSendingSQL(), id)
	if err != nil {
		return fmt.Errorf("%s store: mark sending: %w", s.table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s store: mark sending: no rows updated", s.table)
	}
	return nil
}

// MarkFailed records the failure and schedules the retry after delay.
func (s *QueueStore) MarkFailed(ctx context.Context, id int64, message string, delay time.Duration) error {
	if s.pool == nil {
		return fmt.Errorf("%s store: nil pool", s.table)
	}
	nextRetry := time.Now().Add(delay)
	tag, err := s.pool.Exec(ctx, s.markFailedSQL(), id, strings.TrimSpace(message), nextRetry)
	if err != nil {
		return fmt.Errorf("%s store: mark failed: %w", s.table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s store: mark failed: no rows updated", s.table)
	}
	return nil
}

// MarkSent finalises the delivered item.
func (s *QueueStore) MarkSent(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("%s store: nil pool", s.table)
	}
	tag, err := s.pool.Exec(ctx, s.markSentSQL(), id)
	if err != nil {
		return fmt.Errorf("%s store: mark sent: %w", s.table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s store: mark sent: no rows updated", s.table)
	}
	return nil
}

// RecoverStuck requeues items a crashed process left in sending.
func (s *QueueStore) RecoverStuck(ctx context.Context) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("%s store: nil pool", s.table)
	}
	tag, err := s.pool.Exec(ctx, s.recoverStuckSQL())
	if err != nil {
		return 0, fmt.Errorf("%s store: recover stuck: %w", s.table, err)
	}
	return tag.RowsAffected(), nil
}

// EnforceMaxSize drops the oldest undelivered entries beyond cap. This is the
// sanctioned bounded-loss path for the heartbeat queue; never call it on the
// alert queue.
func (s *QueueStore) EnforceMaxSize(ctx context.Context, cap int) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("%s store: nil pool", s.table)
	}
	if cap <= 0 {
		return 0, fmt.Errorf("%s store: cap must be >0", s.table)
	}
	tag, err := s.pool.Exec(ctx, s.enforceMaxSizeSQL(), cap)
	if err != nil {
		return 0, fmt.Errorf("%s store: enforce max size: %w", s.table, err)
	}
	return tag.RowsAffected(), nil
}

// PurgeSent removes delivered items older than the retention cutoff.
func (s *QueueStore) PurgeSent(ctx context.Context, olderThan time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("%s store: nil pool", s.table)
	}
	tag, err := s.pool.Exec(ctx, s.purgeSentSQL(), olderThan)
	if err != nil {
		return 0, fmt.Errorf("%s store: purge sent: %w", s.table, err)
	}
	return tag.RowsAffected(), nil
}

// Depth reports the undelivered item count.
func (s *QueueStore) Depth(ctx context.Context) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("%s store: nil pool", s.table)
	}
	var depth int64
	if err := s.pool.QueryRow(ctx, s.depthSQL()).Scan(&depth); err != nil {
		return 0, fmt.Errorf("%s store: depth: %w", s.table, err)
	}
	return depth, nil
}

func scanQueueItem(row rowScanner) (workqueue.Item, error) {
	var (
		item          workqueue.Item
		status        string
		payload       []byte
		errorMessage  pgtype.Text
		lastAttemptAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&item.ID,
		&item.SubjectID,
		&item.Kind,
		&payload,
		&status,
		&item.Attempts,
		&errorMessage,
		&item.CreatedAt,
		&lastAttemptAt,
		&item.NextRetryAt,
	); err != nil {
		return workqueue.Item{}, err
	}
	item.Status = workqueue.Status(status)
	item.Payload = payload
	if errorMessage.Valid {
		item.ErrorMessage = errorMessage.String
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		item.LastAttemptAt = &t
	}
	return item, nil
}

var _ workqueue.Store = (*QueueStore)(nil)
