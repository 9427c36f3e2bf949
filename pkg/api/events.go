package api

import "time"

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowStarted         EventType = "workflow.started"
	EventWorkflowCompleted       EventType = "workflow.completed"
	EventWorkflowFailed          EventType = "workflow.failed"
	EventWorkflowTimedOut        EventType = "workflow.timed_out"
	EventWorkflowCancelRequested EventType = "workflow.cancel_requested"
	EventWorkflowCancelled       EventType = "workflow.cancelled"

	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"

	EventTimerStarted EventType = "timer.started"
	EventTimerFired   EventType = "timer.fired"

	EventSignalReceived EventType = "signal.received"
)

// Closes reports whether an event of this type closes the execution.
func (t EventType) Closes() bool {
	switch t {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowTimedOut, EventWorkflowCancelled:
		return true
	}
	return false
}

// Event is an immutable record in an execution's history.
//
// Seq is assigned by the event log on append: it starts at 1 and has no gaps.
// Only the fields relevant to Type are populated.
type Event struct {
	Key  ExecutionKey
	Seq  int64
	Type EventType
	At   time.Time

	// DedupeKey makes appends idempotent: a second event with the same key
	// in the same execution is not stored.
	DedupeKey string

	// WorkflowStarted
	WorkflowType     string
	TaskQueue        string
	ExecutionTimeout time.Duration

	// Activity events
	ActivityID   string
	ActivityType string
	Attempt      int
	Options      *ActivityOptions

	// Timer events
	TimerID string
	FireAt  time.Time

	// SignalReceived
	SignalName string

	// Payload carries the workflow input, activity input or result, signal
	// data, or workflow result depending on Type.
	Payload []byte

	Failure *Failure
}

// Dedupe keys for engine-generated events. Decisions derived from replay use
// these so that a repeated workflow task cannot record the same decision
// twice.
const (
	dedupeStarted = "started"
	dedupeClose   = "close"
	dedupeCancel  = "cancel-requested"
)

func StartedDedupeKey() string { return dedupeStarted }

// CloseDedupeKey is shared by all closing events: an execution closes once.
func CloseDedupeKey() string { return dedupeClose }

func CancelRequestedDedupeKey() string { return dedupeCancel }

func ActivityScheduledDedupeKey(activityID string) string {
	return "activity-scheduled/" + activityID
}

// ActivityResultDedupeKey is shared by ActivityCompleted and ActivityFailed,
// so an invocation records at most one outcome no matter how many attempts
// or redeliveries race.
func ActivityResultDedupeKey(activityID string) string {
	return "activity-result/" + activityID
}

func TimerStartedDedupeKey(timerID string) string {
	return "timer-started/" + timerID
}

func TimerFiredDedupeKey(timerID string) string {
	return "timer-fired/" + timerID
}
