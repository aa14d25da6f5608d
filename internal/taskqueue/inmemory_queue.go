package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/virta/pkg/api"
)

// InMemoryQueue is a Queue implementation backed by maps, for tests and
// single-process deployments. Leases are tracked per task; an expired lease
// makes the task eligible again on the next Poll.
type InMemoryQueue struct {
	mu           sync.Mutex
	queues       map[string]map[string]*memTask
	pollInterval time.Duration
}

type memTask struct {
	task        Task
	visibleAt   time.Time
	leasedUntil time.Time
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		queues:       make(map[string]map[string]*memTask),
		pollInterval: 10 * time.Millisecond,
	}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, ok := q.queues[t.Queue]
	if !ok {
		tasks = make(map[string]*memTask)
		q.queues[t.Queue] = tasks
	}
	if _, exists := tasks[t.ID]; exists {
		return nil
	}

	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	visibleAt := t.EnqueuedAt
	if !t.NotBefore.IsZero() {
		visibleAt = t.NotBefore
	}
	tasks[t.ID] = &memTask{task: t, visibleAt: visibleAt}
	return nil
}

func (q *InMemoryQueue) Poll(ctx context.Context, queue string, lease time.Duration) (*Task, error) {
	for {
		if t := q.tryLease(queue, lease); t != nil {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// tryLease picks the eligible task with the earliest visibility, matching
// the ordering persistent backends get from their indexes.
func (q *InMemoryQueue) tryLease(queue string, lease time.Duration) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var best *memTask
	for _, mt := range q.queues[queue] {
		if mt.visibleAt.After(now) || mt.leasedUntil.After(now) {
			continue
		}
		if best == nil || mt.visibleAt.Before(best.visibleAt) {
			best = mt
		}
	}
	if best == nil {
		return nil
	}
	best.leasedUntil = now.Add(lease)
	t := best.task
	return &t
}

func (q *InMemoryQueue) Ack(ctx context.Context, queue, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.queues[queue], id)
	return nil
}

func (q *InMemoryQueue) Extend(ctx context.Context, queue, id string, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mt, ok := q.queues[queue][id]
	if !ok {
		return api.ErrTaskNotFound
	}
	mt.leasedUntil = time.Now().Add(lease)
	return nil
}

func (q *InMemoryQueue) Len(ctx context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.queues[queue]), nil
}
