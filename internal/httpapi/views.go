package httpapi

import (
	"encoding/json"
	"time"

	"github.com/petrijr/chronicle/pkg/api"
)

type failureView struct {
	Kind         string       `json:"kind"`
	Type         string       `json:"type,omitempty"`
	Message      string       `json:"message,omitempty"`
	ActivityID   string       `json:"activity_id,omitempty"`
	ActivityType string       `json:"activity_type,omitempty"`
	Attempt      int          `json:"attempt,omitempty"`
	Cause        *failureView `json:"cause,omitempty"`
}

func newFailureView(f *api.Failure) *failureView {
	if f == nil {
		return nil
	}
	return &failureView{
		Kind:         string(f.Kind),
		Type:         f.Type,
		Message:      f.Message,
		ActivityID:   f.ActivityID,
		ActivityType: f.ActivityType,
		Attempt:      f.Attempt,
		Cause:        newFailureView(f.Cause),
	}
}

type executionView struct {
	WorkflowID       string          `json:"workflow_id"`
	RunID            string          `json:"run_id"`
	WorkflowType     string          `json:"workflow_type"`
	TaskQueue        string          `json:"task_queue"`
	Status           api.Status      `json:"status"`
	Cursor           int64           `json:"cursor"`
	Input            json.RawMessage `json:"input,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Failure          *failureView    `json:"failure,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	ExecutionTimeout string          `json:"execution_timeout,omitempty"`
}

func newExecutionView(exec *api.WorkflowExecution) executionView {
	v := executionView{
		WorkflowID:   exec.Key.WorkflowID,
		RunID:        exec.Key.RunID,
		WorkflowType: exec.WorkflowType,
		TaskQueue:    exec.TaskQueue,
		Status:       exec.Status,
		Cursor:       exec.Cursor,
		Input:        rawPayload(exec.Input),
		Result:       rawPayload(exec.Result),
		Failure:      newFailureView(exec.Failure),
		StartedAt:    exec.StartedAt,
	}
	if !exec.ClosedAt.IsZero() {
		closed := exec.ClosedAt
		v.ClosedAt = &closed
	}
	if exec.ExecutionTimeout > 0 {
		v.ExecutionTimeout = exec.ExecutionTimeout.String()
	}
	return v
}

type eventView struct {
	Seq          int64           `json:"seq"`
	Type         api.EventType   `json:"type"`
	At           time.Time       `json:"at"`
	ActivityID   string          `json:"activity_id,omitempty"`
	ActivityType string          `json:"activity_type,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	TimerID      string          `json:"timer_id,omitempty"`
	FireAt       *time.Time      `json:"fire_at,omitempty"`
	SignalName   string          `json:"signal_name,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Failure      *failureView    `json:"failure,omitempty"`
}

func newEventView(ev api.Event) eventView {
	v := eventView{
		Seq:          ev.Seq,
		Type:         ev.Type,
		At:           ev.At,
		ActivityID:   ev.ActivityID,
		ActivityType: ev.ActivityType,
		Attempt:      ev.Attempt,
		TimerID:      ev.TimerID,
		SignalName:   ev.SignalName,
		Payload:      rawPayload(ev.Payload),
		Failure:      newFailureView(ev.Failure),
	}
	if !ev.FireAt.IsZero() {
		fireAt := ev.FireAt
		v.FireAt = &fireAt
	}
	return v
}

// rawPayload embeds JSON payloads as-is. Anything else is quoted so the
// response stays valid JSON.
func rawPayload(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}
