package orchestrator

import (
	"context"
	"testing"
	"time"

	"orchestratord/internal/model"
)

func TestSnapshotTracksCompletedAndFailedAndAverage(t *testing.T) {
	a := newFakeAgent("agent-1")
	calls := 0
	a.execFn = func(task *model.Task) *model.TaskResult {
		calls++
		if calls == 2 {
			return &model.TaskResult{TaskID: task.TaskID, AgentID: "agent-1", Status: model.StatusFailed, Error: "boom", ExecutionTime: 10 * time.Millisecond}
		}
		return &model.TaskResult{TaskID: task.TaskID, AgentID: "agent-1", Status: model.StatusSuccess, ExecutionTime: 10 * time.Millisecond}
	}
	d := newStartedDispatcher(t, a)

	for i := 0; i < 3; i++ {
		task := &model.Task{TaskID: string(rune('a' + i)), Description: "x", Timeout: time.Second}
		if _, err := d.ExecuteTask(context.Background(), task); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snap := d.Snapshot()
	if snap.TasksCompleted != 2 {
		t.Fatalf("expected 2 completed, got %d", snap.TasksCompleted)
	}
	if snap.TasksFailed != 1 {
		t.Fatalf("expected 1 failed, got %d", snap.TasksFailed)
	}
}

func TestAgentStateCountsReflectsRegisteredAgents(t *testing.T) {
	a := newFakeAgent("agent-1")
	d := newStartedDispatcher(t, a)

	counts := d.AgentStateCounts()
	if counts["idle"] != 1 {
		t.Fatalf("AgentStateCounts() = %+v, want idle:1", counts)
	}
}

func TestQueueDepthIsZeroWithNoPendingTasks(t *testing.T) {
	a := newFakeAgent("agent-1")
	d := newStartedDispatcher(t, a)

	if got := d.QueueDepth(); got != 0 {
		t.Fatalf("QueueDepth() = %d, want 0", got)
	}
}
