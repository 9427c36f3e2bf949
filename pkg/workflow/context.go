package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/chronicle/pkg/api"
)

// Context is handed to workflow code. It is only valid for the duration of
// one replay and must not be shared with goroutines.
type Context struct {
	s *replayState
}

// Info describes the running execution.
type Info struct {
	Key          api.ExecutionKey
	WorkflowType string
	TaskQueue    string
	StartedAt    time.Time
}

// GetInfo returns the identity of the running execution.
func GetInfo(ctx Context) Info {
	st := ctx.s.started
	return Info{
		Key:          ctx.s.key,
		WorkflowType: st.WorkflowType,
		TaskQueue:    st.TaskQueue,
		StartedAt:    st.At,
	}
}

// Now returns the deterministic workflow clock: the time the execution
// started. Workflow code must use it instead of time.Now.
func Now(ctx Context) time.Time {
	return ctx.s.started.At
}

// GetLogger returns a logger that drops records while the workflow is
// re-executing work already handled by an earlier workflow task.
func GetLogger(ctx Context) *slog.Logger {
	return ctx.s.logger
}

// IsReplaying reports whether the code is re-executing already handled work.
func IsReplaying(ctx Context) bool {
	return ctx.s.replaying()
}

// ExecuteActivity schedules activityType with input and returns a future
// for its outcome. Activity ids are assigned in call order, so the n-th call
// in every replay refers to the same activity.
func ExecuteActivity(ctx Context, activityType string, input any, opts api.ActivityOptions) *Future {
	s := ctx.s
	s.nextActivity++
	id := fmt.Sprintf("activity-%d", s.nextActivity)
	f := &Future{s: s, id: id}

	if rec, ok := s.activities[id]; ok {
		if rec.scheduled.ActivityType != activityType {
			s.setFatal(fmt.Errorf("%w: %s was scheduled as %q, code now requests %q",
				ErrNondeterminism, id, rec.scheduled.ActivityType, activityType))
			return f
		}
		if ev := rec.result; ev != nil {
			f.resolve(ev.Seq, ev.Payload, ev.Failure)
		}
		return f
	}

	payload, err := api.EncodePayload(input)
	if err != nil {
		s.setFatal(fmt.Errorf("encode input of %s: %w", id, err))
		return f
	}
	s.decisions = append(s.decisions, Decision{
		Kind:         DecisionScheduleActivity,
		ActivityID:   id,
		ActivityType: activityType,
		Input:        payload,
		Options:      opts,
	})
	return f
}

// NewTimer starts a durable timer and returns a future that becomes ready
// when it fires.
func NewTimer(ctx Context, d time.Duration) *Future {
	s := ctx.s
	s.nextTimer++
	id := fmt.Sprintf("timer-%d", s.nextTimer)
	f := &Future{s: s, id: id}

	if rec, ok := s.timers[id]; ok {
		if ev := rec.fired; ev != nil {
			f.resolve(ev.Seq, nil, nil)
		}
		return f
	}

	s.decisions = append(s.decisions, Decision{
		Kind:     DecisionStartTimer,
		TimerID:  id,
		Duration: d,
	})
	return f
}

// Sleep blocks the workflow for d using a durable timer.
func Sleep(ctx Context, d time.Duration) error {
	return NewTimer(ctx, d).Get(nil)
}

// GetSignal returns a future for the next unconsumed signal named name.
// A signal is consumed when Get returns it or Select picks its future, so
// a signal future that loses a Select leaves the signal for the next call.
func GetSignal(ctx Context, name string) *Future {
	s := ctx.s
	idx := s.signalCursor[name]

	f := &Future{s: s, id: "signal/" + name, signal: name, signalIdx: idx}
	if received := s.signals[name]; idx < len(received) {
		ev := received[idx]
		f.resolve(ev.Seq, ev.Payload, nil)
	}
	return f
}

// replayHandler drops records while the state is replaying.
type replayHandler struct {
	slog.Handler
	s *replayState
}

func (h *replayHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.s.replaying() && h.Handler.Enabled(ctx, level)
}

func (h *replayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayHandler{Handler: h.Handler.WithAttrs(attrs), s: h.s}
}

func (h *replayHandler) WithGroup(name string) slog.Handler {
	return &replayHandler{Handler: h.Handler.WithGroup(name), s: h.s}
}
