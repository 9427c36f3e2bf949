package workflow

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/petrijr/chronicle/pkg/api"
)

var (
	// ErrSuspended is returned by Future.Get when the outcome is not in the
	// history yet. Workflow code should return it unchanged; the runner
	// treats the workflow as suspended even if the error is swallowed.
	ErrSuspended = errors.New("workflow suspended")

	// ErrNondeterminism reports that re-running workflow code produced a
	// different command than the one recorded in the history.
	ErrNondeterminism = errors.New("nondeterministic workflow")
)

// DecisionKind enumerates the commands a workflow task can produce.
type DecisionKind string

const (
	DecisionScheduleActivity DecisionKind = "ScheduleActivity"
	DecisionStartTimer       DecisionKind = "StartTimer"
	DecisionCompleteWorkflow DecisionKind = "CompleteWorkflow"
	DecisionFailWorkflow     DecisionKind = "FailWorkflow"
	DecisionCancelWorkflow   DecisionKind = "CancelWorkflow"
)

// Decision is one command emitted by Replay. Only the fields relevant to
// Kind are set.
type Decision struct {
	Kind DecisionKind

	ActivityID   string
	ActivityType string
	Input        []byte
	Options      api.ActivityOptions

	TimerID  string
	Duration time.Duration

	Result  []byte
	Failure *api.Failure
}

// Result is the outcome of one replay.
type Result struct {
	Decisions []Decision

	// PendingActivities lists activities scheduled in the history that have
	// no outcome yet, in schedule order.
	PendingActivities []string

	// Closed is true when the history already holds a closing event; no
	// decisions are produced in that case.
	Closed bool

	// LastSeq is the sequence of the last event replayed.
	LastSeq int64
}

// Closes reports whether the decision ends the run.
func (k DecisionKind) Closes() bool {
	switch k {
	case DecisionCompleteWorkflow, DecisionFailWorkflow, DecisionCancelWorkflow:
		return true
	}
	return false
}

// Closing returns the terminal decision, if any.
func (r Result) Closing() (Decision, bool) {
	for _, d := range r.Decisions {
		if d.Kind.Closes() {
			return d, true
		}
	}
	return Decision{}, false
}

// ReplayOptions tunes Replay.
type ReplayOptions struct {
	// Logger backs GetLogger. Nil discards workflow logs.
	Logger *slog.Logger

	// AppliedSeq is the last sequence handled by the previous workflow task.
	// Workflow log records emitted while re-executing up to that point are
	// dropped, so each record is written once.
	AppliedSeq int64
}

// Replay runs fn against history and returns the decisions the workflow
// makes at this point. It is a pure function of its inputs: the same
// history prefix always yields the same decisions.
func Replay(fn Func, history []api.Event, opts ReplayOptions) Result {
	s := newReplayState(history, opts)

	var res Result
	res.LastSeq = s.lastSeq
	res.PendingActivities = s.pendingActivities()

	switch {
	case s.closed:
		res.Closed = true
		return res
	case s.started == nil:
		res.Decisions = []Decision{failDecision(&api.Failure{
			Kind:    api.FailureWorkflowCode,
			Type:    "MissingStart",
			Message: "history has no workflow started event",
		})}
		return res
	case s.cancelRequested:
		res.Decisions = []Decision{{
			Kind:    DecisionCancelWorkflow,
			Failure: &api.Failure{Kind: api.FailureCancelled, Message: "workflow cancelled"},
		}}
		return res
	}

	out, err := s.run(fn)

	res.Decisions = s.decisions
	switch {
	case s.fatal != nil:
		res.Decisions = []Decision{failDecision(api.FailureFromError(api.FailureWorkflowCode, s.fatal))}
	case s.suspended || errors.Is(err, ErrSuspended):
		// Waiting on the history; only the commands recorded so far.
	case err != nil:
		res.Decisions = append(res.Decisions, failDecision(workflowFailure(err)))
	default:
		res.Decisions = append(res.Decisions, Decision{Kind: DecisionCompleteWorkflow, Result: out})
	}
	return res
}

func failDecision(f *api.Failure) Decision {
	return Decision{Kind: DecisionFailWorkflow, Failure: f}
}

// workflowFailure keeps an activity failure's kind at the top of the chain
// so callers see why the workflow failed without unwrapping.
func workflowFailure(err error) *api.Failure {
	var actErr *api.ActivityError
	if errors.As(err, &actErr) && actErr.Failure != nil {
		return api.FailureFromError(actErr.Failure.Kind, err)
	}
	return api.FailureFromError(api.FailureWorkflowCode, err)
}

type activityRecord struct {
	scheduled api.Event
	result    *api.Event
}

type timerRecord struct {
	started api.Event
	fired   *api.Event
}

// replayState is the explicit state machine rebuilt on every workflow task:
// what the history says, plus the counters that map workflow calls onto it.
type replayState struct {
	key     api.ExecutionKey
	started *api.Event
	lastSeq int64

	activities      map[string]*activityRecord
	activityOrder   []string
	timers          map[string]*timerRecord
	signals         map[string][]api.Event
	signalCursor    map[string]int
	cancelRequested bool
	closed          bool

	nextActivity int
	nextTimer    int
	decisions    []Decision
	suspended    bool
	fatal        error

	appliedSeq int64
	frontier   int64
	logger     *slog.Logger
}

func newReplayState(history []api.Event, opts ReplayOptions) *replayState {
	s := &replayState{
		activities:   make(map[string]*activityRecord),
		timers:       make(map[string]*timerRecord),
		signals:      make(map[string][]api.Event),
		signalCursor: make(map[string]int),
		appliedSeq:   opts.AppliedSeq,
	}

	base := opts.Logger
	if base == nil {
		base = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	for i := range history {
		ev := history[i]
		s.lastSeq = ev.Seq
		switch ev.Type {
		case api.EventWorkflowStarted:
			s.key = ev.Key
			s.started = &ev
			s.frontier = ev.Seq
		case api.EventActivityScheduled:
			s.activities[ev.ActivityID] = &activityRecord{scheduled: ev}
			s.activityOrder = append(s.activityOrder, ev.ActivityID)
		case api.EventActivityCompleted, api.EventActivityFailed:
			if rec, ok := s.activities[ev.ActivityID]; ok && rec.result == nil {
				rec.result = &ev
			}
		case api.EventTimerStarted:
			s.timers[ev.TimerID] = &timerRecord{started: ev}
		case api.EventTimerFired:
			if rec, ok := s.timers[ev.TimerID]; ok && rec.fired == nil {
				rec.fired = &ev
			}
		case api.EventSignalReceived:
			s.signals[ev.SignalName] = append(s.signals[ev.SignalName], ev)
		case api.EventWorkflowCancelRequested:
			s.cancelRequested = true
		default:
			if ev.Type.Closes() {
				s.closed = true
			}
		}
	}

	attrs := []any{"workflow_id", s.key.WorkflowID, "run_id", s.key.RunID}
	if s.started != nil {
		attrs = append(attrs, "workflow_type", s.started.WorkflowType)
	}
	s.logger = slog.New(&replayHandler{Handler: base.Handler(), s: s}).With(attrs...)
	return s
}

func (s *replayState) pendingActivities() []string {
	var out []string
	for _, id := range s.activityOrder {
		if s.activities[id].result == nil {
			out = append(out, id)
		}
	}
	return out
}

// run executes the workflow function, converting panics into a fatal
// workflow code error.
func (s *replayState) run(fn Func) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.fatal = fmt.Errorf("workflow panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(Context{s: s}, s.started.Payload)
}

// replaying reports whether the code is still re-executing work that a
// previous workflow task already handled.
func (s *replayState) replaying() bool {
	return s.frontier <= s.appliedSeq
}

// observe advances the replay frontier when workflow code consumes an
// outcome recorded at seq.
func (s *replayState) observe(seq int64) {
	if seq > s.frontier {
		s.frontier = seq
	}
}

func (s *replayState) setFatal(err error) {
	if s.fatal == nil {
		s.fatal = err
	}
}
