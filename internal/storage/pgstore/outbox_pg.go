// Package pgstore adapts the OutboxStore of the StorageContracts (spec
// §4.4) onto PostgreSQL via pgx; the Inbox, Queue and Message stores have
// no Postgres implementation. It is grounded on the teacher's
// internal/outbox.PostgresRepository:
// the same CTE + FOR UPDATE SKIP LOCKED fetch-and-lock query, ported from
// database/sql to pgx's pgxpool.Pool so concurrent processor instances
// never double-lease a row.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/storage"
)

// OutboxStore implements storage.OutboxStore against a Postgres table.
type OutboxStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewOutboxStore wraps pool, operating against table (default "outbox").
func NewOutboxStore(pool *pgxpool.Pool, table string) *OutboxStore {
	if table == "" {
		table = "outbox"
	}
	return &OutboxStore{pool: pool, table: table}
}

// CreateSchema creates the outbox table and its fetch-ordering index if
// they don't already exist.
func (s *OutboxStore) CreateSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			message_group VARCHAR(255),
			envelope JSONB NOT NULL,
			status VARCHAR(20) NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ,
			error_message TEXT
		)`, s.table))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status, message_group, created_at)`,
		s.table, s.table))
	return err
}

func (s *OutboxStore) Insert(ctx context.Context, rec *storage.OutboxRecord) error {
	envelope, err := json.Marshal(rec.Envelope)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, message_group, envelope, status, retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`, s.table),
		rec.ID, rec.MessageGroup, envelope, string(rec.Status), rec.RetryCount, rec.CreatedAt)
	return err
}

// FetchAndLockPending uses a CTE to select eligible rows then UPDATE...FROM
// to lock them, with FOR UPDATE SKIP LOCKED so concurrent callers never
// block on, or double-claim, each other's rows.
func (s *OutboxStore) FetchAndLockPending(ctx context.Context, limit int) ([]*storage.OutboxRecord, error) {
	query := fmt.Sprintf(`
		WITH selected AS (
			SELECT id FROM %s
			WHERE status = 'PENDING'
			ORDER BY message_group, created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %s t
		SET status = 'PROCESSING', processed_at = NOW()
		FROM selected s
		WHERE t.id = s.id
		RETURNING t.id, t.message_group, t.envelope, t.status, t.retry_count, t.created_at, t.processed_at, t.error_message
	`, s.table, s.table)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.OutboxRecord
	for rows.Next() {
		var (
			rec          storage.OutboxRecord
			messageGroup *string
			envelope     []byte
			status       string
			processedAt  *time.Time
			errorMessage *string
		)
		if err := rows.Scan(&rec.ID, &messageGroup, &envelope, &status, &rec.RetryCount, &rec.CreatedAt, &processedAt, &errorMessage); err != nil {
			return nil, err
		}
		if messageGroup != nil {
			rec.MessageGroup = *messageGroup
		}
		if processedAt != nil {
			rec.ProcessedAt = *processedAt
		}
		if errorMessage != nil {
			rec.ErrorMessage = *errorMessage
		}
		rec.Status = storage.OutboxStatus(status)
		var env message.Message
		if err := json.Unmarshal(envelope, &env); err != nil {
			return nil, err
		}
		rec.Envelope = env
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *OutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClauseUpdate(s.table, "status = 'COMPLETED', processed_at = NOW()", ids, nil)
	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

func (s *OutboxStore) MarkFailed(ctx context.Context, ids []string, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET status = 'FAILED', error_message = $1, processed_at = NOW() WHERE id IN (%s)`,
		s.table, placeholders(len(ids), 2))
	args := make([]any, 0, len(ids)+1)
	args = append(args, errMsg)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

func (s *OutboxStore) ScheduleRetry(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClauseUpdate(s.table, "status = 'PENDING', retry_count = retry_count + 1", ids, nil)
	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

func (s *OutboxStore) RecoverStuckItems(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'PENDING'
		WHERE status = 'PROCESSING' AND processed_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func placeholders(n, startAt int) string {
	ph := make([]string, n)
	for i := 0; i < n; i++ {
		ph[i] = fmt.Sprintf("$%d", startAt+i)
	}
	return strings.Join(ph, ", ")
}

func inClauseUpdate(table, setClause string, ids []string, extraArgs []any) (string, []any) {
	args := append([]any{}, extraArgs...)
	start := len(args) + 1
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id IN (%s)`, table, setClause, placeholders(len(ids), start))
	return query, args
}
