package api

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStorageUnavailable is returned when the backing store cannot be
	// reached. It is always retryable and never a workflow-level failure.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrExecutionNotFound is returned when no execution matches a key.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionAlreadyStarted is returned when starting a workflow id that
	// has a running execution.
	ErrExecutionAlreadyStarted = errors.New("execution already started")

	// ErrDuplicateEvent is returned by an event log append whose dedupe key
	// was already recorded. The returned sequence is the original one.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInvalidTransition is returned when an execution status change is not
	// allowed, e.g. closing an execution that is already closed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNonRetryable can be wrapped by activity errors to stop retries.
	ErrNonRetryable = errors.New("non-retryable")

	ErrUnknownWorkflowType = errors.New("unknown workflow type")
	ErrUnknownActivityType = errors.New("unknown activity type")
)

// FailureKind classifies a failure for retry and reporting purposes.
type FailureKind string

const (
	FailureTransient    FailureKind = "TransientError"
	FailureNonRetryable FailureKind = "NonRetryableError"
	FailureTimeout      FailureKind = "Timeout"
	FailureCancelled    FailureKind = "Cancelled"
	FailureWorkflowCode FailureKind = "WorkflowCodeError"
)

// Failure is the serializable description of an error, stored in history.
//
// For activity failures ActivityID, ActivityType and Attempt identify the
// invocation and attempt that produced it. Cause links to the underlying
// failure, forming a chain.
type Failure struct {
	Kind    FailureKind
	Type    string
	Message string

	ActivityID   string
	ActivityType string
	Attempt      int

	Cause *Failure
}

func (f *Failure) Error() string {
	if f == nil {
		return "<nil>"
	}
	var b strings.Builder
	if f.ActivityType != "" {
		fmt.Fprintf(&b, "activity %s (%s) attempt %d: ", f.ActivityType, f.ActivityID, f.Attempt)
	}
	b.WriteString(string(f.Kind))
	if f.Type != "" {
		b.WriteString(" [" + f.Type + "]")
	}
	if f.Message != "" {
		b.WriteString(": " + f.Message)
	}
	if f.Cause != nil {
		b.WriteString(": " + f.Cause.Error())
	}
	return b.String()
}

// Root returns the innermost failure of the chain.
func (f *Failure) Root() *Failure {
	for f != nil && f.Cause != nil {
		f = f.Cause
	}
	return f
}

// ApplicationError is an error raised by collaborator code that carries an
// explicit type name and retryability.
type ApplicationError struct {
	Type         string
	Message      string
	NonRetryable bool
	Cause        error
}

func (e *ApplicationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ApplicationError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrNonRetryable) true for non-retryable
// application errors.
func (e *ApplicationError) Is(target error) bool {
	return target == ErrNonRetryable && e.NonRetryable
}

// NewApplicationError returns a retryable error with the given type name.
func NewApplicationError(typ, message string) error {
	return &ApplicationError{Type: typ, Message: message}
}

// NewNonRetryableError returns an error that stops retries after the
// current attempt regardless of the retry policy.
func NewNonRetryableError(typ, message string) error {
	return &ApplicationError{Type: typ, Message: message, NonRetryable: true}
}

// ActivityError is returned to workflow code when an activity reached a
// terminal failure.
type ActivityError struct {
	Failure *Failure
}

func (e *ActivityError) Error() string {
	return e.Failure.Error()
}

// Kind returns the classification of the failure.
func (e *ActivityError) Kind() FailureKind {
	return e.Failure.Kind
}

func (e *ActivityError) Is(target error) bool {
	return target == ErrNonRetryable && e.Failure.Kind == FailureNonRetryable
}

// WorkflowError describes an execution that closed without completing.
type WorkflowError struct {
	Key     ExecutionKey
	Status  Status
	Failure *Failure
}

func (e *WorkflowError) Error() string {
	if e.Failure == nil {
		return fmt.Sprintf("workflow %s closed with status %s", e.Key, e.Status)
	}
	return fmt.Sprintf("workflow %s closed with status %s: %s", e.Key, e.Status, e.Failure.Error())
}

// FailureFromError converts err into a Failure of the given kind. Existing
// failures are reused; ActivityError and WorkflowError contribute their chain
// as the cause.
func FailureFromError(kind FailureKind, err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	var actErr *ActivityError
	if errors.As(err, &actErr) {
		return &Failure{Kind: kind, Type: "ActivityError", Message: "activity failed", Cause: actErr.Failure}
	}
	var wfErr *WorkflowError
	if errors.As(err, &wfErr) {
		return &Failure{Kind: kind, Type: "WorkflowError", Message: string(wfErr.Status), Cause: wfErr.Failure}
	}
	typ := "GenericError"
	var appErr *ApplicationError
	if errors.As(err, &appErr) && appErr.Type != "" {
		typ = appErr.Type
	}
	return &Failure{Kind: kind, Type: typ, Message: err.Error()}
}
