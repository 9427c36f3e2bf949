package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/chronicle/pkg/api"
)

// StoreSuite runs the same conformance checks against every backend.
// Each test uses fresh workflow ids, so backends may share state between
// tests.
type StoreSuite struct {
	suite.Suite
	newStore func(t *testing.T) Store

	store Store
	ctx   context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
}

func (s *StoreSuite) newExecution(workflowType string) *api.WorkflowExecution {
	return &api.WorkflowExecution{
		Key:          api.ExecutionKey{WorkflowID: "wf-" + uuid.NewString(), RunID: uuid.NewString()},
		WorkflowType: workflowType,
		TaskQueue:    api.DefaultTaskQueue,
		Status:       api.StatusRunning,
		Input:        []byte(`{"n":1}`),
		StartedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
}

func (s *StoreSuite) create(workflowType string) *api.WorkflowExecution {
	exec := s.newExecution(workflowType)
	s.Require().NoError(s.store.CreateExecution(s.ctx, exec))
	return exec
}

func (s *StoreSuite) TestCreateAndGet() {
	exec := s.create("orders")

	got, err := s.store.GetExecution(s.ctx, exec.Key)
	s.Require().NoError(err)
	s.Equal(exec.Key, got.Key)
	s.Equal("orders", got.WorkflowType)
	s.Equal(api.StatusRunning, got.Status)
	s.Equal(exec.Input, got.Input)
	s.True(exec.StartedAt.Equal(got.StartedAt))
}

func (s *StoreSuite) TestGetUnknownExecution() {
	_, err := s.store.GetExecution(s.ctx, api.ExecutionKey{WorkflowID: "missing", RunID: "nope"})
	s.ErrorIs(err, api.ErrExecutionNotFound)

	_, err = s.store.GetExecution(s.ctx, api.ExecutionKey{WorkflowID: "missing-" + uuid.NewString()})
	s.ErrorIs(err, api.ErrExecutionNotFound)
}

func (s *StoreSuite) TestSecondRunningRunIsRejected() {
	exec := s.create("orders")

	second := s.newExecution("orders")
	second.Key.WorkflowID = exec.Key.WorkflowID
	s.ErrorIs(s.store.CreateExecution(s.ctx, second), api.ErrExecutionAlreadyStarted)

	// Once the first run closes, a new run with the same workflow id is allowed.
	exec.Status = api.StatusCompleted
	exec.ClosedAt = time.Now()
	s.Require().NoError(s.store.UpdateExecution(s.ctx, exec))
	s.Require().NoError(s.store.CreateExecution(s.ctx, second))

	latest, err := s.store.GetExecution(s.ctx, api.ExecutionKey{WorkflowID: exec.Key.WorkflowID})
	s.Require().NoError(err)
	s.Equal(second.Key.RunID, latest.Key.RunID)
}

func (s *StoreSuite) TestUpdateExecution() {
	exec := s.create("orders")

	exec.Status = api.StatusFailed
	exec.Cursor = 7
	exec.Failure = &api.Failure{Kind: api.FailureNonRetryable, Type: "Boom", Message: "bad input"}
	s.Require().NoError(s.store.UpdateExecution(s.ctx, exec))

	got, err := s.store.GetExecution(s.ctx, exec.Key)
	s.Require().NoError(err)
	s.Equal(api.StatusFailed, got.Status)
	s.Equal(int64(7), got.Cursor)
	s.Require().NotNil(got.Failure)
	s.Equal("bad input", got.Failure.Message)

	missing := s.newExecution("orders")
	s.ErrorIs(s.store.UpdateExecution(s.ctx, missing), api.ErrExecutionNotFound)
}

func (s *StoreSuite) TestClosedExecutionKeepsItsStatus() {
	exec := s.create("orders")

	exec.Status = api.StatusTimedOut
	s.Require().NoError(s.store.UpdateExecution(s.ctx, exec))

	// Rewriting the same terminal status is allowed.
	exec.Cursor = 3
	s.Require().NoError(s.store.UpdateExecution(s.ctx, exec))

	stale := *exec
	stale.Status = api.StatusRunning
	s.ErrorIs(s.store.UpdateExecution(s.ctx, &stale), api.ErrInvalidTransition)

	stale.Status = api.StatusCompleted
	s.ErrorIs(s.store.UpdateExecution(s.ctx, &stale), api.ErrInvalidTransition)

	got, err := s.store.GetExecution(s.ctx, exec.Key)
	s.Require().NoError(err)
	s.Equal(api.StatusTimedOut, got.Status)
	s.Equal(int64(3), got.Cursor)
}

func (s *StoreSuite) TestListExecutionsFilters() {
	wfType := "list-" + uuid.NewString()
	a := s.create(wfType)
	b := s.create(wfType)
	s.create("other-" + uuid.NewString())

	b.Status = api.StatusCompleted
	s.Require().NoError(s.store.UpdateExecution(s.ctx, b))

	all, err := s.store.ListExecutions(s.ctx, api.ExecutionFilter{WorkflowType: wfType})
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal(a.Key, all[0].Key)
	s.Equal(b.Key, all[1].Key)

	running, err := s.store.ListExecutions(s.ctx, api.ExecutionFilter{WorkflowType: wfType, Status: api.StatusRunning})
	s.Require().NoError(err)
	s.Require().Len(running, 1)
	s.Equal(a.Key, running[0].Key)

	byID, err := s.store.ListExecutions(s.ctx, api.ExecutionFilter{WorkflowID: b.Key.WorkflowID})
	s.Require().NoError(err)
	s.Require().Len(byID, 1)
	s.Equal(api.StatusCompleted, byID[0].Status)
}

func (s *StoreSuite) TestAppendAssignsGapFreeSequence() {
	exec := s.create("orders")

	types := []api.EventType{api.EventWorkflowStarted, api.EventActivityScheduled, api.EventActivityCompleted}
	for i, typ := range types {
		seq, err := s.store.Append(s.ctx, api.Event{Key: exec.Key, Type: typ})
		s.Require().NoError(err)
		s.Equal(int64(i+1), seq)
	}

	events, err := s.store.Read(s.ctx, exec.Key, 1)
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	for i, ev := range events {
		s.Equal(int64(i+1), ev.Seq)
		s.Equal(types[i], ev.Type)
		s.Equal(exec.Key, ev.Key)
		s.False(ev.At.IsZero())
	}
}

func (s *StoreSuite) TestAppendPreservesEventFields() {
	exec := s.create("orders")
	policy := api.RetryPolicy{InitialInterval: 3 * time.Second, BackoffMultiplier: 2, MaxAttempts: 3}

	_, err := s.store.Append(s.ctx, api.Event{
		Key:          exec.Key,
		Type:         api.EventActivityFailed,
		DedupeKey:    api.ActivityResultDedupeKey("activity-1"),
		ActivityID:   "activity-1",
		ActivityType: "SyncItem",
		Attempt:      3,
		Options:      &api.ActivityOptions{StartToCloseTimeout: time.Minute, RetryPolicy: &policy},
		Failure: &api.Failure{
			Kind:    api.FailureTransient,
			Message: "sync failed",
			Cause:   &api.Failure{Kind: api.FailureTimeout, Message: "deadline"},
		},
	})
	s.Require().NoError(err)

	events, err := s.store.Read(s.ctx, exec.Key, 1)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	ev := events[0]
	s.Equal("SyncItem", ev.ActivityType)
	s.Equal(3, ev.Attempt)
	s.Require().NotNil(ev.Options)
	s.Require().NotNil(ev.Options.RetryPolicy)
	s.Equal(3*time.Second, ev.Options.RetryPolicy.InitialInterval)
	s.Require().NotNil(ev.Failure)
	s.Require().NotNil(ev.Failure.Cause)
	s.Equal(api.FailureTimeout, ev.Failure.Cause.Kind)
}

func (s *StoreSuite) TestAppendDuplicateReturnsOriginalSequence() {
	exec := s.create("orders")

	_, err := s.store.Append(s.ctx, api.Event{Key: exec.Key, Type: api.EventWorkflowStarted, DedupeKey: api.StartedDedupeKey()})
	s.Require().NoError(err)
	first, err := s.store.Append(s.ctx, api.Event{Key: exec.Key, Type: api.EventActivityScheduled, DedupeKey: api.ActivityScheduledDedupeKey("activity-1")})
	s.Require().NoError(err)

	again, err := s.store.Append(s.ctx, api.Event{Key: exec.Key, Type: api.EventActivityScheduled, DedupeKey: api.ActivityScheduledDedupeKey("activity-1")})
	s.ErrorIs(err, api.ErrDuplicateEvent)
	s.Equal(first, again)

	events, err := s.store.Read(s.ctx, exec.Key, 1)
	s.Require().NoError(err)
	s.Len(events, 2)
}

func (s *StoreSuite) TestAppendToUnknownExecution() {
	_, err := s.store.Append(s.ctx, api.Event{
		Key:  api.ExecutionKey{WorkflowID: "missing-" + uuid.NewString(), RunID: "r"},
		Type: api.EventWorkflowStarted,
	})
	s.ErrorIs(err, api.ErrExecutionNotFound)
}

func (s *StoreSuite) TestReadFromSequence() {
	exec := s.create("orders")
	for i := 0; i < 5; i++ {
		_, err := s.store.Append(s.ctx, api.Event{Key: exec.Key, Type: api.EventSignalReceived, SignalName: "tick"})
		s.Require().NoError(err)
	}

	tail, err := s.store.Read(s.ctx, exec.Key, 4)
	s.Require().NoError(err)
	s.Require().Len(tail, 2)
	s.Equal(int64(4), tail[0].Seq)
	s.Equal(int64(5), tail[1].Seq)

	past, err := s.store.Read(s.ctx, exec.Key, 6)
	s.Require().NoError(err)
	s.Empty(past)

	none, err := s.store.Read(s.ctx, api.ExecutionKey{WorkflowID: "missing", RunID: "r"}, 1)
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *StoreSuite) TestConcurrentAppendsStayGapFree() {
	exec := s.create("orders")

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.store.Append(s.ctx, api.Event{Key: exec.Key, Type: api.EventSignalReceived}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, api.ErrStorageUnavailable) {
			s.Require().NoError(err)
		}
	}

	events, err := s.store.Read(s.ctx, exec.Key, 1)
	s.Require().NoError(err)
	for i, ev := range events {
		s.Equal(int64(i+1), ev.Seq)
	}
}

func (s *StoreSuite) TestConcurrentDuplicateAppendsStoreOnce() {
	exec := s.create("orders")

	var wg sync.WaitGroup
	seqs := make([]int64, 6)
	for i := range seqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := s.store.Append(s.ctx, api.Event{
				Key:       exec.Key,
				Type:      api.EventActivityCompleted,
				DedupeKey: api.ActivityResultDedupeKey("activity-1"),
			})
			if err != nil && !errors.Is(err, api.ErrDuplicateEvent) {
				seq = -1
			}
			seqs[i] = seq
		}(i)
	}
	wg.Wait()

	for _, seq := range seqs {
		s.Equal(int64(1), seq)
	}
	events, err := s.store.Read(s.ctx, exec.Key, 1)
	s.Require().NoError(err)
	s.Len(events, 1)
}

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(t *testing.T) Store {
		return NewInMemoryStore()
	}})
}

func TestInMemoryStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	exec := &api.WorkflowExecution{Key: api.ExecutionKey{WorkflowID: "wf", RunID: "r"}, Status: api.StatusRunning}
	require.NoError(t, store.CreateExecution(ctx, exec))

	store.SetUnavailable(true)
	_, err := store.Append(ctx, api.Event{Key: exec.Key, Type: api.EventWorkflowStarted})
	require.ErrorIs(t, err, api.ErrStorageUnavailable)
	_, err = store.GetExecution(ctx, exec.Key)
	require.ErrorIs(t, err, api.ErrStorageUnavailable)

	store.SetUnavailable(false)
	seq, err := store.Append(ctx, api.Event{Key: exec.Key, Type: api.EventWorkflowStarted})
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
}
