package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/chronicle/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// In-memory databases must be opened with db.SetMaxOpenConns(1), otherwise
// every pooled connection sees its own empty database.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, classifySQL(err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			status TEXT NOT NULL,
			body BLOB NOT NULL,
			UNIQUE (workflow_id, run_id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_running
			ON executions(workflow_id) WHERE status = 'RUNNING';
		CREATE TABLE IF NOT EXISTS workflow_events (
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			dedupe_key TEXT,
			at INTEGER NOT NULL,
			body BLOB NOT NULL,
			PRIMARY KEY (workflow_id, run_id, seq)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_events_dedupe
			ON workflow_events(workflow_id, run_id, dedupe_key) WHERE dedupe_key IS NOT NULL;
	`)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	body, err := EncodeValue(exec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (workflow_id, run_id, workflow_type, status, body)
		VALUES (?, ?, ?, ?, ?)`,
		exec.Key.WorkflowID,
		exec.Key.RunID,
		exec.WorkflowType,
		string(exec.Status),
		body,
	)
	if isUniqueViolation(err) {
		return api.ErrExecutionAlreadyStarted
	}
	return classifySQL(err)
}

func (s *SQLiteStore) GetExecution(ctx context.Context, key api.ExecutionKey) (*api.WorkflowExecution, error) {
	var row *sql.Row
	if key.RunID == "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT body FROM executions WHERE workflow_id = ? ORDER BY id DESC LIMIT 1`,
			key.WorkflowID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT body FROM executions WHERE workflow_id = ? AND run_id = ?`,
			key.WorkflowID, key.RunID)
	}

	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrExecutionNotFound
		}
		return nil, classifySQL(err)
	}
	exec, err := DecodeValue[api.WorkflowExecution](body)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	body, err := EncodeValue(exec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, body = ?
		WHERE workflow_id = ? AND run_id = ? AND status IN (?, ?)`,
		string(exec.Status),
		body,
		exec.Key.WorkflowID,
		exec.Key.RunID,
		string(api.StatusRunning),
		string(exec.Status),
	)
	if err != nil {
		return classifySQL(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQL(err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `
		SELECT 1 FROM executions WHERE workflow_id = ? AND run_id = ?`,
		exec.Key.WorkflowID, exec.Key.RunID).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return classifySQL(err)
	}
	return missingOrTerminal(err == nil)
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.WorkflowType != "" {
		clauses = append(clauses, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT body FROM executions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQL(err)
	}
	defer rows.Close()

	var result []*api.WorkflowExecution
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, classifySQL(err)
		}
		exec, err := DecodeValue[api.WorkflowExecution](body)
		if err != nil {
			return nil, err
		}
		result = append(result, &exec)
	}
	return result, classifySQL(rows.Err())
}

func (s *SQLiteStore) Append(ctx context.Context, ev api.Event) (int64, error) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	body, err := encodeEvent(ev)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifySQL(err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM executions WHERE workflow_id = ? AND run_id = ?`,
		ev.Key.WorkflowID, ev.Key.RunID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, api.ErrExecutionNotFound
	}
	if err != nil {
		return 0, classifySQL(err)
	}

	var dedupe sql.NullString
	if ev.DedupeKey != "" {
		dedupe = sql.NullString{String: ev.DedupeKey, Valid: true}

		var seq int64
		err = tx.QueryRowContext(ctx, `
			SELECT seq FROM workflow_events
			WHERE workflow_id = ? AND run_id = ? AND dedupe_key = ?`,
			ev.Key.WorkflowID, ev.Key.RunID, ev.DedupeKey).Scan(&seq)
		if err == nil {
			return seq, api.ErrDuplicateEvent
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, classifySQL(err)
		}
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM workflow_events
		WHERE workflow_id = ? AND run_id = ?`,
		ev.Key.WorkflowID, ev.Key.RunID).Scan(&seq)
	if err != nil {
		return 0, classifySQL(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_events (workflow_id, run_id, seq, type, dedupe_key, at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Key.WorkflowID,
		ev.Key.RunID,
		seq,
		string(ev.Type),
		dedupe,
		ev.At.UnixNano(),
		body,
	)
	if err != nil {
		return 0, classifySQL(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, classifySQL(err)
	}
	return seq, nil
}

func (s *SQLiteStore) Read(ctx context.Context, key api.ExecutionKey, fromSeq int64) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, body FROM workflow_events
		WHERE workflow_id = ? AND run_id = ? AND seq >= ?
		ORDER BY seq ASC`,
		key.WorkflowID, key.RunID, fromSeq)
	if err != nil {
		return nil, classifySQL(err)
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			seq  int64
			body []byte
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, classifySQL(err)
		}
		ev, err := decodeEvent(key, seq, body)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, classifySQL(rows.Err())
}
