package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrNotPending is returned when a status transition targets an item that is no longer pending.
var ErrNotPending = errors.New("queue item is not pending")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Item is one outbound message. Items are created pending and resolved exactly once.
type Item struct {
	ID            string
	Destination   string
	Body          string
	Status        Status
	FailureReason string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// NewItem is the input to Enqueue and EnqueueBatch.
type NewItem struct {
	Destination string `json:"destination"`
	Body        string `json:"body"`
}

// Schema creates the outbound queue table and its pending index.
const Schema = `
CREATE TABLE IF NOT EXISTS outbound_messages (
    id                  UUID PRIMARY KEY,
    destination_address TEXT NOT NULL,
    message_body        TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'sent', 'failed')),
    failure_reason      TEXT,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    resolved_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS outbound_messages_pending_idx
    ON outbound_messages (created_at) WHERE status = 'pending';
`

const (
	sqlFetchPending = `
        SELECT id, destination_address, message_body, status, COALESCE(failure_reason, ''), created_at, resolved_at
        FROM outbound_messages
        WHERE status = 'pending'
        ORDER BY created_at ASC
        LIMIT $1`
	sqlMarkSent = `
        UPDATE outbound_messages
        SET status = 'sent', failure_reason = NULL, resolved_at = $2
        WHERE id = $1 AND status = 'pending'`
	sqlMarkFailed = `
        UPDATE outbound_messages
        SET status = 'failed', failure_reason = $2, resolved_at = $3
        WHERE id = $1 AND status = 'pending'`
	sqlEnqueue = `
        INSERT INTO outbound_messages (id, destination_address, message_body, status, created_at)
        VALUES ($1, $2, $3, 'pending', $4)`
	sqlResetAll = `
        UPDATE outbound_messages
        SET status = 'pending', failure_reason = NULL, resolved_at = NULL
        WHERE status = ANY($1)`
	sqlResetIDs = `
        UPDATE outbound_messages
        SET status = 'pending', failure_reason = NULL, resolved_at = NULL
        WHERE id = ANY($1) AND status <> 'pending'`
	sqlCountByStatus = `
        SELECT status, COUNT(*) FROM outbound_messages GROUP BY status`
)

// QueueStore is the PostgreSQL repository for the outbound message queue.
type QueueStore struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*QueueStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &QueueStore{
		pool: pool,
		log:  logger.Named("store"),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureSchema applies Schema. It is idempotent.
func (s *QueueStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply queue schema: %w", err)
	}
	return nil
}

// FetchPending returns up to limit pending items, oldest first.
func (s *QueueStore) FetchPending(ctx context.Context, limit int) ([]Item, error) {
	rows, err := s.pool.Query(ctx, sqlFetchPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0, limit)
	for rows.Next() {
		var (
			it     Item
			status string
		)
		if err := rows.Scan(&it.ID, &it.Destination, &it.Body, &status, &it.FailureReason, &it.CreatedAt, &it.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		it.Status = Status(status)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending items: %w", err)
	}
	return items, nil
}

// MarkSent resolves a pending item as sent.
func (s *QueueStore) MarkSent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, sqlMarkSent, id, s.now())
	if err != nil {
		return fmt.Errorf("failed to mark item %s as sent: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("mark item %s as sent: %w", id, ErrNotPending)
	}
	return nil
}

// MarkFailed resolves a pending item as failed with a human-readable reason.
func (s *QueueStore) MarkFailed(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, sqlMarkFailed, id, reason, s.now())
	if err != nil {
		return fmt.Errorf("failed to mark item %s as failed: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("mark item %s as failed: %w", id, ErrNotPending)
	}
	return nil
}

// Enqueue inserts a single pending item and returns its id.
func (s *QueueStore) Enqueue(ctx context.Context, item NewItem) (string, error) {
	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, sqlEnqueue, id, item.Destination, item.Body, s.now()); err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return id, nil
}

// EnqueueBatch inserts many pending items in one transaction using COPY.
// Creation timestamps increase by one microsecond per item to keep input order stable.
func (s *QueueStore) EnqueueBatch(ctx context.Context, items []NewItem) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	base := s.now()
	ids := make([]string, len(items))
	rows := make([][]any, len(items))
	for i, it := range items {
		ids[i] = uuid.NewString()
		rows[i] = []any{ids[i], it.Destination, it.Body, string(StatusPending), base.Add(time.Duration(i) * time.Microsecond)}
	}

	n, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"outbound_messages"},
		[]string{"id", "destination_address", "message_body", "status", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to copy queue items: %w", err)
	}
	if int(n) != len(items) {
		return nil, fmt.Errorf("mismatch in copied item count: expected %d, got %d", len(items), n)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Enqueued batch", zap.Int("count", len(items)))
	return ids, nil
}

// ResetToPending moves resolved items back to pending. With ids it resets those items,
// otherwise every item in one of the given statuses. It returns the number of rows changed.
func (s *QueueStore) ResetToPending(ctx context.Context, ids []string, statuses []Status) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if len(ids) > 0 {
		tag, err = s.pool.Exec(ctx, sqlResetIDs, ids)
	} else {
		if len(statuses) == 0 {
			statuses = []Status{StatusSent, StatusFailed}
		}
		names := make([]string, 0, len(statuses))
		for _, st := range statuses {
			if st == StatusPending {
				continue
			}
			names = append(names, string(st))
		}
		tag, err = s.pool.Exec(ctx, sqlResetAll, names)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reset items to pending: %w", err)
	}
	s.log.Info("Reset queue items to pending", zap.Int64("rows", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// CountByStatus returns the number of items in each status.
func (s *QueueStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.pool.Query(ctx, sqlCountByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int64{StatusPending: 0, StatusSent: 0, StatusFailed: 0}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}
