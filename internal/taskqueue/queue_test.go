package taskqueue

import (
	"testing"
	"time"

	"orchestratord/internal/model"
)

func mustTask(id string, priority int) *model.Task {
	return &model.Task{TaskID: id, Priority: priority}
}

func TestDequeueOrdersByPriorityDescending(t *testing.T) {
	q := New(10, nil)
	for _, tk := range []*model.Task{mustTask("low", 1), mustTask("high", 9), mustTask("mid", 5)} {
		if err := q.Enqueue(tk); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	first, err := q.Dequeue(0)
	if err != nil || first.TaskID != "high" {
		t.Fatalf("expected high first, got %v (%v)", first, err)
	}
	second, _ := q.Dequeue(0)
	if second.TaskID != "mid" {
		t.Fatalf("expected mid second, got %v", second)
	}
}

func TestDequeueBreaksTiesByEnqueueOrder(t *testing.T) {
	q := New(10, nil)
	q.Enqueue(mustTask("first", 5))
	q.Enqueue(mustTask("second", 5))

	got, _ := q.Dequeue(0)
	if got.TaskID != "first" {
		t.Fatalf("expected FIFO tie-break to pick first, got %s", got.TaskID)
	}
}

func TestEnqueueFailsWhenFull(t *testing.T) {
	q := New(1, nil)
	if err := q.Enqueue(mustTask("a", 1)); err != nil {
		t.Fatalf("first enqueue should succeed: %v", err)
	}
	if err := q.Enqueue(mustTask("b", 1)); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestDequeueReturnsEmptyWithoutBlockingPastDeadline(t *testing.T) {
	q := New(10, nil)
	start := time.Now()
	_, err := q.Dequeue(50 * time.Millisecond)
	if err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("Dequeue blocked far longer than its deadline")
	}
}

func TestDequeueZeroDeadlineReturnsImmediately(t *testing.T) {
	q := New(10, nil)
	_, err := q.Dequeue(0)
	if err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestDequeueUnblocksWhenTaskArrivesDuringWait(t *testing.T) {
	q := New(10, nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(mustTask("late", 3))
	}()

	task, err := q.Dequeue(time.Second)
	if err != nil {
		t.Fatalf("expected task to arrive before deadline: %v", err)
	}
	if task.TaskID != "late" {
		t.Fatalf("unexpected task: %s", task.TaskID)
	}
}

func TestSizeAndSnapshot(t *testing.T) {
	q := New(10, nil)
	q.Enqueue(mustTask("a", 1))
	q.Enqueue(mustTask("b", 2))

	if q.Size() != 2 {
		t.Fatalf("expected size 2, got %d", q.Size())
	}
	snap := q.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected snapshot len 2, got %d", len(snap))
	}
	if q.Size() != 2 {
		t.Fatalf("Snapshot must not mutate the queue")
	}
}

func TestNoDuplicateDispatch(t *testing.T) {
	q := New(10, nil)
	q.Enqueue(mustTask("solo", 5))

	first, err1 := q.Dequeue(0)
	second, err2 := q.Dequeue(0)
	if err1 != nil || first.TaskID != "solo" {
		t.Fatalf("expected to dequeue solo once: %v, %v", first, err1)
	}
	if err2 != ErrEmpty || second != nil {
		t.Fatalf("expected second dequeue to find nothing, got %v, %v", second, err2)
	}
}

func TestAgingPromotesOlderLowerPriorityTask(t *testing.T) {
	q := New(10, LinearAging(10*time.Millisecond))
	q.Enqueue(mustTask("old-low", 1))
	time.Sleep(60 * time.Millisecond)
	q.Enqueue(mustTask("new-high", 5))

	got, err := q.Dequeue(0)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if got.TaskID != "old-low" {
		t.Fatalf("expected aging to promote old-low ahead of new-high, got %s", got.TaskID)
	}
}
