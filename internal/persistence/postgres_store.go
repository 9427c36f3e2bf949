package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/chronicle/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL through a pgx connection
// pool.
//
// Appends for one execution are serialized by a row lock on the execution
// record, which keeps sequence numbers gap-free under concurrent writers.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema and returns a new
// PostgresStore.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, classifyPG(err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id            BIGSERIAL PRIMARY KEY,
			workflow_id   TEXT NOT NULL,
			run_id        TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			status        TEXT NOT NULL,
			body          BYTEA NOT NULL,
			UNIQUE (workflow_id, run_id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_running
			ON executions(workflow_id) WHERE status = 'RUNNING';
		CREATE TABLE IF NOT EXISTS workflow_events (
			workflow_id TEXT NOT NULL,
			run_id      TEXT NOT NULL,
			seq         BIGINT NOT NULL,
			type        TEXT NOT NULL,
			dedupe_key  TEXT,
			at          TIMESTAMPTZ NOT NULL,
			body        BYTEA NOT NULL,
			PRIMARY KEY (workflow_id, run_id, seq)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_events_dedupe
			ON workflow_events(workflow_id, run_id, dedupe_key) WHERE dedupe_key IS NOT NULL;
	`)
	return err
}

// classifyPG maps connection-level pgx errors to api.ErrStorageUnavailable.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || isConnectionError(err) {
		return unavailable(err)
	}
	if strings.Contains(err.Error(), "closed pool") || strings.Contains(err.Error(), "conn closed") {
		return unavailable(err)
	}
	return err
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	body, err := EncodeValue(exec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions (workflow_id, run_id, workflow_type, status, body)
		VALUES ($1, $2, $3, $4, $5)`,
		exec.Key.WorkflowID,
		exec.Key.RunID,
		exec.WorkflowType,
		string(exec.Status),
		body,
	)
	if isPGUniqueViolation(err) {
		return api.ErrExecutionAlreadyStarted
	}
	return classifyPG(err)
}

func (s *PostgresStore) GetExecution(ctx context.Context, key api.ExecutionKey) (*api.WorkflowExecution, error) {
	var row pgx.Row
	if key.RunID == "" {
		row = s.pool.QueryRow(ctx, `
			SELECT body FROM executions WHERE workflow_id = $1 ORDER BY id DESC LIMIT 1`,
			key.WorkflowID)
	} else {
		row = s.pool.QueryRow(ctx, `
			SELECT body FROM executions WHERE workflow_id = $1 AND run_id = $2`,
			key.WorkflowID, key.RunID)
	}

	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, api.ErrExecutionNotFound
		}
		return nil, classifyPG(err)
	}
	exec, err := DecodeValue[api.WorkflowExecution](body)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	body, err := EncodeValue(exec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = $1, body = $2
		WHERE workflow_id = $3 AND run_id = $4 AND status IN ($5, $1)`,
		string(exec.Status),
		body,
		exec.Key.WorkflowID,
		exec.Key.RunID,
		string(api.StatusRunning),
	)
	if err != nil {
		return classifyPG(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM executions WHERE workflow_id = $1 AND run_id = $2)`,
		exec.Key.WorkflowID, exec.Key.RunID).Scan(&exists)
	if err != nil {
		return classifyPG(err)
	}
	return missingOrTerminal(exists)
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(col, val string) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if filter.WorkflowID != "" {
		add("workflow_id", filter.WorkflowID)
	}
	if filter.WorkflowType != "" {
		add("workflow_type", filter.WorkflowType)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}

	query := `SELECT body FROM executions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var result []*api.WorkflowExecution
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, classifyPG(err)
		}
		exec, err := DecodeValue[api.WorkflowExecution](body)
		if err != nil {
			return nil, err
		}
		result = append(result, &exec)
	}
	return result, classifyPG(rows.Err())
}

func (s *PostgresStore) Append(ctx context.Context, ev api.Event) (int64, error) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	body, err := encodeEvent(ev)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, classifyPG(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the execution row: appends for one run are strictly serialized.
	var id int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM executions WHERE workflow_id = $1 AND run_id = $2 FOR UPDATE`,
		ev.Key.WorkflowID, ev.Key.RunID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, api.ErrExecutionNotFound
	}
	if err != nil {
		return 0, classifyPG(err)
	}

	var dedupe *string
	if ev.DedupeKey != "" {
		dedupe = &ev.DedupeKey

		var seq int64
		err = tx.QueryRow(ctx, `
			SELECT seq FROM workflow_events
			WHERE workflow_id = $1 AND run_id = $2 AND dedupe_key = $3`,
			ev.Key.WorkflowID, ev.Key.RunID, ev.DedupeKey).Scan(&seq)
		if err == nil {
			return seq, api.ErrDuplicateEvent
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, classifyPG(err)
		}
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO workflow_events (workflow_id, run_id, seq, type, dedupe_key, at, body)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6
		FROM workflow_events WHERE workflow_id = $1 AND run_id = $2
		RETURNING seq`,
		ev.Key.WorkflowID,
		ev.Key.RunID,
		string(ev.Type),
		dedupe,
		ev.At,
		body,
	).Scan(&seq)
	if err != nil {
		return 0, classifyPG(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classifyPG(err)
	}
	return seq, nil
}

func (s *PostgresStore) Read(ctx context.Context, key api.ExecutionKey, fromSeq int64) ([]api.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, body FROM workflow_events
		WHERE workflow_id = $1 AND run_id = $2 AND seq >= $3
		ORDER BY seq ASC`,
		key.WorkflowID, key.RunID, fromSeq)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			seq  int64
			body []byte
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, classifyPG(err)
		}
		ev, err := decodeEvent(key, seq, body)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, classifyPG(rows.Err())
}
