package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/chronicle/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe Store backed by maps.
// It is not durable and is meant for tests and the LocalRunner.
type InMemoryStore struct {
	mu sync.RWMutex

	executions map[api.ExecutionKey]*api.WorkflowExecution
	created    map[api.ExecutionKey]int64
	latest     map[string]string // workflow id -> run id
	events     map[api.ExecutionKey][]api.Event
	dedupe     map[api.ExecutionKey]map[string]int64
	counter    int64

	unavailable bool
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		executions: make(map[api.ExecutionKey]*api.WorkflowExecution),
		created:    make(map[api.ExecutionKey]int64),
		latest:     make(map[string]string),
		events:     make(map[api.ExecutionKey][]api.Event),
		dedupe:     make(map[api.ExecutionKey]map[string]int64),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// SetUnavailable makes every call fail with api.ErrStorageUnavailable until
// it is called again with false. Used to exercise outage handling.
func (s *InMemoryStore) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

func (s *InMemoryStore) check() error {
	if s.unavailable {
		return api.ErrStorageUnavailable
	}
	return nil
}

func (s *InMemoryStore) CreateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	if runID, ok := s.latest[exec.Key.WorkflowID]; ok {
		prev := s.executions[api.ExecutionKey{WorkflowID: exec.Key.WorkflowID, RunID: runID}]
		if prev != nil && prev.Status == api.StatusRunning {
			return api.ErrExecutionAlreadyStarted
		}
	}
	if _, ok := s.executions[exec.Key]; ok {
		return api.ErrExecutionAlreadyStarted
	}

	s.counter++
	s.executions[exec.Key] = cloneExecution(exec)
	s.created[exec.Key] = s.counter
	s.latest[exec.Key.WorkflowID] = exec.Key.RunID
	return nil
}

func (s *InMemoryStore) GetExecution(ctx context.Context, key api.ExecutionKey) (*api.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	if key.RunID == "" {
		runID, ok := s.latest[key.WorkflowID]
		if !ok {
			return nil, api.ErrExecutionNotFound
		}
		key.RunID = runID
	}
	exec, ok := s.executions[key]
	if !ok {
		return nil, api.ErrExecutionNotFound
	}
	return cloneExecution(exec), nil
}

func (s *InMemoryStore) UpdateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	prev, ok := s.executions[exec.Key]
	if !ok {
		return api.ErrExecutionNotFound
	}
	if prev.Status.Terminal() && prev.Status != exec.Status {
		return api.ErrInvalidTransition
	}
	s.executions[exec.Key] = cloneExecution(exec)
	return nil
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var result []*api.WorkflowExecution
	for _, exec := range s.executions {
		if filter.Matches(exec) {
			result = append(result, cloneExecution(exec))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return s.created[result[i].Key] < s.created[result[j].Key]
	})
	return result, nil
}

func (s *InMemoryStore) Append(ctx context.Context, ev api.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}

	if _, ok := s.executions[ev.Key]; !ok {
		return 0, api.ErrExecutionNotFound
	}

	keys := s.dedupe[ev.Key]
	if ev.DedupeKey != "" {
		if seq, dup := keys[ev.DedupeKey]; dup {
			return seq, api.ErrDuplicateEvent
		}
	}

	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	ev.Seq = int64(len(s.events[ev.Key])) + 1
	s.events[ev.Key] = append(s.events[ev.Key], ev)

	if ev.DedupeKey != "" {
		if keys == nil {
			keys = make(map[string]int64)
			s.dedupe[ev.Key] = keys
		}
		keys[ev.DedupeKey] = ev.Seq
	}
	return ev.Seq, nil
}

func (s *InMemoryStore) Read(ctx context.Context, key api.ExecutionKey, fromSeq int64) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	all := s.events[key]
	if fromSeq < 1 {
		fromSeq = 1
	}
	if fromSeq > int64(len(all)) {
		return nil, nil
	}
	out := make([]api.Event, len(all)-int(fromSeq-1))
	copy(out, all[fromSeq-1:])
	return out, nil
}
