package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxIdleWait bounds how long an idle Dequeue sleeps before rescanning.
const maxIdleWait = 100 * time.Millisecond

// InMemoryQueue is a Queue held in process memory. It is safe for
// concurrent use and is meant for tests and the LocalRunner.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  map[string]*memEntry
	seq    int64
	notify chan struct{}
	now    func() time.Time
}

type memEntry struct {
	task Task
	seq  int64
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks:  make(map[string]*memEntry),
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (e *memEntry) leased(now time.Time) bool {
	return e.task.LeaseToken != "" && e.task.LeaseExpiresAt.After(now)
}

// broadcastLocked wakes every blocked Dequeue.
func (q *InMemoryQueue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}
	t.LeaseToken, t.LeaseOwner, t.LeaseExpiresAt, t.Deliveries = "", "", time.Time{}, 0

	if t.ExclusiveKey != "" {
		for _, e := range q.tasks {
			if e.task.Queue == t.Queue && e.task.ExclusiveKey == t.ExclusiveKey && !e.leased(now) {
				if t.NotBefore.Before(e.task.NotBefore) {
					e.task.NotBefore = t.NotBefore
					q.broadcastLocked()
				}
				return nil
			}
		}
	}

	q.seq++
	q.tasks[t.ID] = &memEntry{task: t, seq: q.seq}
	q.broadcastLocked()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, queue, owner string, visibility time.Duration) (*Task, error) {
	for {
		q.mu.Lock()
		task, wait := q.claimLocked(queue, owner, visibility)
		notify := q.notify
		q.mu.Unlock()

		if task != nil {
			return task, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// claimLocked leases the next eligible task, or reports how long to wait
// before something could become eligible.
func (q *InMemoryQueue) claimLocked(queue, owner string, visibility time.Duration) (*Task, time.Duration) {
	now := q.now()

	busy := make(map[string]bool)
	for _, e := range q.tasks {
		if e.task.Queue == queue && e.task.ExclusiveKey != "" && e.leased(now) {
			busy[e.task.ExclusiveKey] = true
		}
	}

	wait := maxIdleWait
	var best *memEntry
	for _, e := range q.tasks {
		if e.task.Queue != queue {
			continue
		}
		if e.leased(now) {
			if d := e.task.LeaseExpiresAt.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		if e.task.NotBefore.After(now) {
			if d := e.task.NotBefore.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		if busy[e.task.ExclusiveKey] {
			continue
		}
		if best == nil || e.task.NotBefore.Before(best.task.NotBefore) ||
			(e.task.NotBefore.Equal(best.task.NotBefore) && e.seq < best.seq) {
			best = e
		}
	}

	if best == nil {
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		return nil, wait
	}

	best.task.LeaseToken = uuid.NewString()
	best.task.LeaseOwner = owner
	best.task.LeaseExpiresAt = now.Add(visibility)
	best.task.Deliveries++

	out := best.task
	out.Payload = append([]byte(nil), best.task.Payload...)
	return &out, 0
}

func (q *InMemoryQueue) lookupLocked(taskID, leaseToken string) (*memEntry, error) {
	e, ok := q.tasks[taskID]
	if !ok || leaseToken == "" || e.task.LeaseToken != leaseToken {
		return nil, ErrLeaseLost
	}
	return e, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.lookupLocked(taskID, leaseToken); err != nil {
		return err
	}
	delete(q.tasks, taskID)
	q.broadcastLocked()
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, leaseToken string, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.lookupLocked(taskID, leaseToken)
	if err != nil {
		return err
	}
	if notBefore.IsZero() {
		notBefore = q.now()
	}
	e.task.LeaseToken, e.task.LeaseOwner, e.task.LeaseExpiresAt = "", "", time.Time{}
	e.task.NotBefore = notBefore
	q.broadcastLocked()
	return nil
}

func (q *InMemoryQueue) Extend(ctx context.Context, taskID, leaseToken string, visibility time.Duration) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.lookupLocked(taskID, leaseToken)
	if err != nil {
		return time.Time{}, err
	}
	e.task.LeaseExpiresAt = q.now().Add(visibility)
	return e.task.LeaseExpiresAt, nil
}

func (q *InMemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.tasks {
		if e.task.Queue == queue {
			n++
		}
	}
	return n
}
