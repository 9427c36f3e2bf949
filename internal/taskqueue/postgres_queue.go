package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQueue is a persistent Queue backed by PostgreSQL.
//
// Workers claim with FOR UPDATE SKIP LOCKED so pollers that lose the race
// move on instead of blocking. Tasks with an exclusive key additionally take
// a transaction-scoped advisory lock on the key before checking for a live
// lease, which serializes claims per key without serializing the queue.
type PostgresQueue struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
}

// NewPostgresQueue initializes the queue_tasks table and returns a new queue.
func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool) (*PostgresQueue, error) {
	q := &PostgresQueue{
		pool:         pool,
		pollInterval: 50 * time.Millisecond,
	}
	if err := q.initSchema(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq              BIGSERIAL PRIMARY KEY,
			id               TEXT NOT NULL UNIQUE,
			queue            TEXT NOT NULL,
			kind             TEXT NOT NULL,
			workflow_id      TEXT NOT NULL,
			run_id           TEXT NOT NULL,
			exclusive_key    TEXT NOT NULL DEFAULT '',
			payload          BYTEA,
			attempt          INTEGER NOT NULL,
			enqueued_at      TIMESTAMPTZ NOT NULL,
			not_before       TIMESTAMPTZ NOT NULL,
			lease_token      TEXT,
			lease_owner      TEXT,
			lease_expires_at TIMESTAMPTZ,
			deliveries       INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_tasks_due ON queue_tasks(queue, not_before, seq);
		CREATE INDEX IF NOT EXISTS idx_queue_tasks_exclusive ON queue_tasks(queue, exclusive_key);
	`)
	return err
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	notBefore := now
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore
	}

	if t.ExclusiveKey != "" {
		tag, err := q.pool.Exec(ctx, `
			UPDATE queue_tasks SET not_before = LEAST(not_before, $1)
			WHERE seq = (
				SELECT seq FROM queue_tasks
				WHERE queue = $2 AND exclusive_key = $3
				  AND (lease_expires_at IS NULL OR lease_expires_at <= $4)
				LIMIT 1
			)`,
			notBefore, t.Queue, t.ExclusiveKey, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}

	_, err := q.pool.Exec(ctx, `
		INSERT INTO queue_tasks (id, queue, kind, workflow_id, run_id, exclusive_key, payload, attempt, enqueued_at, not_before)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID,
		t.Queue,
		string(t.Kind),
		t.Key.WorkflowID,
		t.Key.RunID,
		t.ExclusiveKey,
		t.Payload,
		t.Attempt,
		now,
		notBefore,
	)
	return err
}

func (q *PostgresQueue) Dequeue(ctx context.Context, queue, owner string, visibility time.Duration) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		task, err := q.claim(ctx, queue, owner, visibility)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

const pgCandidateSQL = `
SELECT seq, exclusive_key FROM queue_tasks
WHERE queue = $1
  AND not_before <= NOW()
  AND (lease_expires_at IS NULL OR lease_expires_at <= NOW())
ORDER BY not_before, seq
LIMIT 8
FOR UPDATE SKIP LOCKED`

const pgClaimSQL = `
UPDATE queue_tasks SET
    lease_token      = $2,
    lease_owner      = $3,
    lease_expires_at = NOW() + ($4 * interval '1 millisecond'),
    deliveries       = deliveries + 1
WHERE seq = $1
RETURNING id, queue, kind, workflow_id, run_id, exclusive_key, payload, attempt,
    enqueued_at, not_before, lease_token, lease_owner, lease_expires_at, deliveries`

func (q *PostgresQueue) claim(ctx context.Context, queue, owner string, visibility time.Duration) (*Task, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, pgCandidateSQL, queue)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		seq int64
		key string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.seq, &c.key); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if c.key != "" {
			ok, err := q.lockExclusive(ctx, tx, queue, c.key, c.seq)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}

		var (
			t    Task
			kind string
		)
		err := tx.QueryRow(ctx, pgClaimSQL, c.seq, uuid.NewString(), owner, visibility.Milliseconds()).Scan(
			&t.ID, &t.Queue, &kind, &t.Key.WorkflowID, &t.Key.RunID, &t.ExclusiveKey, &t.Payload, &t.Attempt,
			&t.EnqueuedAt, &t.NotBefore, &t.LeaseToken, &t.LeaseOwner, &t.LeaseExpiresAt, &t.Deliveries,
		)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		t.Kind = Kind(kind)
		return &t, nil
	}
	return nil, nil
}

// lockExclusive takes the advisory lock for key and reports whether no other
// task with the key holds a live lease.
func (q *PostgresQueue) lockExclusive(ctx context.Context, tx pgx.Tx, queue, key string, seq int64) (bool, error) {
	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1 || '/' || $2))`, queue, key).Scan(&locked); err != nil {
		return false, err
	}
	if !locked {
		return false, nil
	}
	var busy bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM queue_tasks
			WHERE queue = $1 AND exclusive_key = $2 AND seq <> $3 AND lease_expires_at > NOW()
		)`, queue, key, seq).Scan(&busy)
	if err != nil {
		return false, err
	}
	return !busy, nil
}

func leaseTag(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) Ack(ctx context.Context, taskID, leaseToken string) error {
	return leaseTag(q.pool.Exec(ctx, `
		DELETE FROM queue_tasks WHERE id = $1 AND lease_token = $2`,
		taskID, leaseToken))
}

func (q *PostgresQueue) Nack(ctx context.Context, taskID, leaseToken string, notBefore time.Time) error {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	return leaseTag(q.pool.Exec(ctx, `
		UPDATE queue_tasks SET lease_token = NULL, lease_owner = NULL, lease_expires_at = NULL, not_before = $1
		WHERE id = $2 AND lease_token = $3`,
		notBefore, taskID, leaseToken))
}

func (q *PostgresQueue) Extend(ctx context.Context, taskID, leaseToken string, visibility time.Duration) (time.Time, error) {
	var expires time.Time
	err := q.pool.QueryRow(ctx, `
		UPDATE queue_tasks SET lease_expires_at = NOW() + ($1 * interval '1 millisecond')
		WHERE id = $2 AND lease_token = $3
		RETURNING lease_expires_at`,
		visibility.Milliseconds(), taskID, leaseToken).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrLeaseLost
	}
	return expires, err
}

func (q *PostgresQueue) Len(queue string) int {
	var n int
	err := q.pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM queue_tasks WHERE queue = $1`, queue).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
