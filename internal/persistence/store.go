package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/petrijr/chronicle/pkg/api"
)

// EventLog is the append-only, per-execution history of a workflow run.
type EventLog interface {
	// Append stores ev at the end of the history of ev.Key and returns its
	// sequence number. The event is durable before Append returns.
	//
	// If ev.DedupeKey is non-empty and already present in the history, the
	// event is not stored; Append returns the sequence of the original event
	// together with api.ErrDuplicateEvent.
	//
	// Append fails with api.ErrExecutionNotFound if the execution does not
	// exist and with api.ErrStorageUnavailable if the backend cannot be
	// reached.
	Append(ctx context.Context, ev api.Event) (int64, error)

	// Read returns all events of key with Seq >= fromSeq in ascending order.
	Read(ctx context.Context, key api.ExecutionKey, fromSeq int64) ([]api.Event, error)
}

// ExecutionStore keeps one record per workflow run.
type ExecutionStore interface {
	// CreateExecution stores a new execution. It fails with
	// api.ErrExecutionAlreadyStarted if another run of the same workflow id
	// is still running.
	CreateExecution(ctx context.Context, exec *api.WorkflowExecution) error

	// GetExecution returns the execution for key. An empty RunID selects the
	// most recently created run of the workflow id.
	GetExecution(ctx context.Context, key api.ExecutionKey) (*api.WorkflowExecution, error)

	// UpdateExecution replaces the mutable fields (status, cursor, result,
	// failure, close time) of an existing execution. A terminal execution
	// cannot move to another status; such an update fails with
	// api.ErrInvalidTransition.
	UpdateExecution(ctx context.Context, exec *api.WorkflowExecution) error

	ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error)
}

// Store bundles the two interfaces so the engine can depend on a single
// abstraction. Every backend implements both over the same connection.
type Store interface {
	EventLog
	ExecutionStore
}

// unavailable marks err as an infrastructure failure.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", api.ErrStorageUnavailable, err)
}

// classifySQL maps connection-level database/sql errors to
// api.ErrStorageUnavailable and passes everything else through.
func classifySQL(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isConnectionError(err) {
		return unavailable(err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") {
		return unavailable(err)
	}
	return err
}

func isConnectionError(err error) bool {
	var netErr net.Error
	return errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.As(err, &netErr)
}

// missingOrTerminal resolves an update that matched no row.
func missingOrTerminal(exists bool) error {
	if !exists {
		return api.ErrExecutionNotFound
	}
	return api.ErrInvalidTransition
}

func cloneExecution(exec *api.WorkflowExecution) *api.WorkflowExecution {
	c := *exec
	return &c
}
