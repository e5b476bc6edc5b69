// Package taskqueue implements the bounded priority queue from spec.md
// §4.5: primary key priority descending, secondary key enqueue time
// ascending, with an optional aging function to prevent starvation.
//
// No example repo in the retrieved pack depends on a third-party priority
// queue library, and an aging function means the ordering key changes
// continuously with wall-clock time rather than only on insert/remove —
// container/heap's incrementally-maintained invariant does not track that
// without an explicit re-heapify on every tick, so Dequeue instead scans
// the (bounded, typically small) backing slice directly. See DESIGN.md.
package taskqueue

import (
	"errors"
	"sync"
	"time"

	"orchestratord/internal/model"
)

// ErrQueueFull is returned by Enqueue when the queue is already at
// MaxSize.
var ErrQueueFull = errors.New("queue_full")

// ErrEmpty is returned by Dequeue when no task is available before the
// deadline elapses.
var ErrEmpty = errors.New("empty")

// AgingFunc computes additional priority credit for a task that has been
// waiting for age. The effective priority used for ordering is
// task.Priority + AgingFunc(age); a nil AgingFunc disables aging.
type AgingFunc func(age time.Duration) int

type entry struct {
	task *model.Task
	seq  int64
}

// Queue is a bounded, thread-safe priority queue of *model.Task.
type Queue struct {
	mu       sync.Mutex
	notEmpty chan struct{}
	items    []*entry
	maxSize  int
	aging    AgingFunc
	seq      int64
}

// New builds a Queue bounded to maxSize items. aging may be nil.
func New(maxSize int, aging AgingFunc) *Queue {
	return &Queue{
		maxSize:  maxSize,
		aging:    aging,
		notEmpty: make(chan struct{}, 1),
	}
}

// Enqueue adds task to the queue, stamping its EnqueuedAt. Returns
// ErrQueueFull if the queue is already at capacity.
func (q *Queue) Enqueue(task *model.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return ErrQueueFull
	}

	task.EnqueuedAt = time.Now()
	q.seq++
	q.items = append(q.items, &entry{task: task, seq: q.seq})

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the highest effective-priority task, breaking ties by
// enqueue order, blocking up to deadline for one to become available. A
// zero or negative deadline means return immediately without waiting.
// ErrEmpty is returned if nothing is available within the deadline.
//
// Popping removes the task from the queue under the same lock that
// selected it, so no two callers can ever receive the same task
// (spec.md §4.5's single-reservation invariant).
func (q *Queue) Dequeue(deadline time.Duration) (*model.Task, error) {
	if task, ok := q.tryPop(); ok {
		return task, nil
	}
	if deadline <= 0 {
		return nil, ErrEmpty
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case <-q.notEmpty:
			if task, ok := q.tryPop(); ok {
				return task, nil
			}
		case <-timer.C:
			return nil, ErrEmpty
		}
	}
}

func (q *Queue) tryPop() (*model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}

	bestIdx := 0
	bestPriority := q.effectivePriority(q.items[0])
	for i := 1; i < len(q.items); i++ {
		p := q.effectivePriority(q.items[i])
		if p > bestPriority || (p == bestPriority && q.items[i].seq < q.items[bestIdx].seq) {
			bestPriority = p
			bestIdx = i
		}
	}

	picked := q.items[bestIdx]
	q.items = append(q.items[:bestIdx], q.items[bestIdx+1:]...)
	return picked.task, true
}

// Remove removes and returns the entry matching taskID, if present,
// independent of priority ordering. Callers that enqueue a task purely to
// run it through the bounded-admission check, then immediately reclaim
// that exact task for dispatch, use this instead of Dequeue to avoid
// racing with other callers' concurrently queued tasks.
func (q *Queue) Remove(taskID string) (*model.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.items {
		if e.task.TaskID == taskID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return e.task, true
		}
	}
	return nil, false
}

// Size returns the current number of queued tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued tasks in no particular order, for
// introspection (spec.md §4.5). It does not mutate the queue.
func (q *Queue) Snapshot() []*model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*model.Task, len(q.items))
	for i, e := range q.items {
		out[i] = e.task
	}
	return out
}

func (q *Queue) effectivePriority(e *entry) int {
	if q.aging == nil {
		return e.task.Priority
	}
	return e.task.Priority + q.aging(time.Since(e.task.EnqueuedAt))
}

// LinearAging returns an AgingFunc that adds one priority point per
// interval of age, a simple starvation-prevention policy documented
// alongside the queue's optional aging hook (spec.md §4.5).
func LinearAging(interval time.Duration) AgingFunc {
	return func(age time.Duration) int {
		if interval <= 0 {
			return 0
		}
		return int(age / interval)
	}
}
