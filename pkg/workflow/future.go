package workflow

import (
	"github.com/petrijr/chronicle/pkg/api"
)

// Future is the pending outcome of an activity, timer or signal.
type Future struct {
	s  *replayState
	id string

	ready   bool
	seq     int64
	payload []byte
	failure *api.Failure

	// signal and signalIdx identify the awaited signal for GetSignal futures.
	signal    string
	signalIdx int
}

func (f *Future) resolve(seq int64, payload []byte, failure *api.Failure) {
	f.ready = true
	f.seq = seq
	f.payload = payload
	f.failure = failure
}

// consume marks the outcome as seen by workflow code. A signal future moves
// its signal cursor past the consumed signal.
func (f *Future) consume() {
	f.s.observe(f.seq)
	if f.signal != "" && f.s.signalCursor[f.signal] <= f.signalIdx {
		f.s.signalCursor[f.signal] = f.signalIdx + 1
	}
}

// ID is the deterministic id of the awaited activity or timer.
func (f *Future) ID() string { return f.id }

// IsReady reports whether the outcome is already in the history.
func (f *Future) IsReady() bool { return f.ready }

// Get decodes the outcome into out (which may be nil). A failed activity
// returns *api.ActivityError. A pending future suspends the workflow and
// returns ErrSuspended.
func (f *Future) Get(out any) error {
	if !f.ready {
		f.s.suspended = true
		return ErrSuspended
	}
	f.consume()
	if f.failure != nil {
		return &api.ActivityError{Failure: f.failure}
	}
	if out == nil {
		return nil
	}
	return api.DecodePayload(f.payload, out)
}

// Select waits for the first of futures to complete and returns its index.
// When several are ready, the one whose outcome was recorded first wins, so
// the choice is the same in every replay.
func Select(ctx Context, futures ...*Future) (int, error) {
	best := -1
	for i, f := range futures {
		if f == nil || !f.ready {
			continue
		}
		if best < 0 || f.seq < futures[best].seq {
			best = i
		}
	}
	if best < 0 {
		ctx.s.suspended = true
		return -1, ErrSuspended
	}
	futures[best].consume()
	return best, nil
}

// AwaitAll waits until every future is ready. It returns the error of the
// first failed future in argument order; individual outcomes are still
// available through Get.
func AwaitAll(ctx Context, futures ...*Future) error {
	for _, f := range futures {
		if f != nil && !f.ready {
			ctx.s.suspended = true
			return ErrSuspended
		}
	}
	var first error
	for _, f := range futures {
		if f == nil {
			continue
		}
		if err := f.Get(nil); err != nil && first == nil {
			first = err
		}
	}
	return first
}
