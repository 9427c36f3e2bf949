package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SQLiteQueue is a persistent Queue backed by SQLite.
//
// Claims are a single UPDATE ... RETURNING statement, which SQLite executes
// atomically, so the exclusivity check and the lease write cannot interleave
// with another claim.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			queue TEXT NOT NULL,
			kind TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			exclusive_key TEXT NOT NULL DEFAULT '',
			payload BLOB,
			attempt INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			lease_token TEXT,
			lease_owner TEXT,
			lease_expires_at INTEGER,
			deliveries INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_queue_due ON tasks(queue, not_before, seq);
		CREATE INDEX IF NOT EXISTS idx_tasks_exclusive ON tasks(queue, exclusive_key);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	now := time.Now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	enqueuedAt := now.UnixNano()
	notBefore := enqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	if t.ExclusiveKey != "" {
		res, err := q.db.ExecContext(ctx, `
			UPDATE tasks SET not_before = MIN(not_before, ?)
			WHERE seq = (
				SELECT seq FROM tasks
				WHERE queue = ? AND exclusive_key = ?
				  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
				LIMIT 1
			)`,
			notBefore, t.Queue, t.ExclusiveKey, enqueuedAt)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, queue, kind, workflow_id, run_id, exclusive_key, payload, attempt, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.Queue,
		string(t.Kind),
		t.Key.WorkflowID,
		t.Key.RunID,
		t.ExclusiveKey,
		t.Payload,
		t.Attempt,
		enqueuedAt,
		notBefore,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, queue, owner string, visibility time.Duration) (*Task, error) {
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

		// Nothing available: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context, queue, owner string, visibility time.Duration) (*Task, error) {
	now := time.Now()
	nowNs := now.UnixNano()

	var (
		t          Task
		kind       string
		enqueuedAt int64
		notBefore  int64
		expiresAt  int64
	)
	err := q.db.QueryRowContext(ctx, `
		UPDATE tasks SET
			lease_token = ?,
			lease_owner = ?,
			lease_expires_at = ?,
			deliveries = deliveries + 1
		WHERE seq = (
			SELECT t.seq FROM tasks t
			WHERE t.queue = ?
			  AND t.not_before <= ?
			  AND (t.lease_expires_at IS NULL OR t.lease_expires_at <= ?)
			  AND (t.exclusive_key = '' OR NOT EXISTS (
				SELECT 1 FROM tasks o
				WHERE o.queue = t.queue AND o.exclusive_key = t.exclusive_key
				  AND o.seq <> t.seq AND o.lease_expires_at > ?
			  ))
			ORDER BY t.not_before, t.seq
			LIMIT 1
		)
		RETURNING id, queue, kind, workflow_id, run_id, exclusive_key, payload, attempt,
			enqueued_at, not_before, lease_token, lease_owner, lease_expires_at, deliveries`,
		uuid.NewString(), owner, now.Add(visibility).UnixNano(),
		queue, nowNs, nowNs, nowNs,
	).Scan(
		&t.ID, &t.Queue, &kind, &t.Key.WorkflowID, &t.Key.RunID, &t.ExclusiveKey, &t.Payload, &t.Attempt,
		&enqueuedAt, &notBefore, &t.LeaseToken, &t.LeaseOwner, &expiresAt, &t.Deliveries,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.Kind = Kind(kind)
	t.EnqueuedAt = time.Unix(0, enqueuedAt)
	t.NotBefore = time.Unix(0, notBefore)
	t.LeaseExpiresAt = time.Unix(0, expiresAt)
	return &t, nil
}

func leaseResult(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, taskID, leaseToken string) error {
	return leaseResult(q.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE id = ? AND lease_token = ?`,
		taskID, leaseToken))
}

func (q *SQLiteQueue) Nack(ctx context.Context, taskID, leaseToken string, notBefore time.Time) error {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	return leaseResult(q.db.ExecContext(ctx, `
		UPDATE tasks SET lease_token = NULL, lease_owner = NULL, lease_expires_at = NULL, not_before = ?
		WHERE id = ? AND lease_token = ?`,
		notBefore.UnixNano(), taskID, leaseToken))
}

func (q *SQLiteQueue) Extend(ctx context.Context, taskID, leaseToken string, visibility time.Duration) (time.Time, error) {
	expires := time.Now().Add(visibility)
	err := leaseResult(q.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = ?
		WHERE id = ? AND lease_token = ?`,
		expires.UnixNano(), taskID, leaseToken))
	if err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

func (q *SQLiteQueue) Len(queue string) int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE queue = ?`, queue).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
