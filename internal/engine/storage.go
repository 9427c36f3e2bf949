package engine

import (
	"context"
	"errors"

	"github.com/sethvargo/go-retry"

	"github.com/petrijr/chronicle/pkg/api"
)

// withStorage runs fn, retrying with capped exponential backoff while the
// store reports api.ErrStorageUnavailable. Other errors are returned as is.
func (e *Engine) withStorage(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.NewExponential(e.cfg.StorageRetryInitial)
	backoff = retry.WithCappedDuration(e.cfg.StorageRetryMax, backoff)
	backoff = retry.WithMaxDuration(e.cfg.StorageRetryTimeout, backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if errors.Is(err, api.ErrStorageUnavailable) {
			e.logger.Warn("storage unavailable, retrying", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// appendEvent appends ev and returns its sequence. For a duplicate the
// original sequence is returned together with api.ErrDuplicateEvent.
func (e *Engine) appendEvent(ctx context.Context, ev api.Event) (int64, error) {
	if ev.At.IsZero() {
		ev.At = e.cfg.Now()
	}
	var seq int64
	err := e.withStorage(ctx, func(ctx context.Context) error {
		var err error
		seq, err = e.store.Append(ctx, ev)
		return err
	})
	return seq, err
}

func (e *Engine) readHistory(ctx context.Context, key api.ExecutionKey, fromSeq int64) ([]api.Event, error) {
	var events []api.Event
	err := e.withStorage(ctx, func(ctx context.Context) error {
		var err error
		events, err = e.store.Read(ctx, key, fromSeq)
		return err
	})
	return events, err
}

func (e *Engine) updateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	return e.withStorage(ctx, func(ctx context.Context) error {
		return e.store.UpdateExecution(ctx, exec)
	})
}
