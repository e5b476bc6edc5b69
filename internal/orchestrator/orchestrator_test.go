package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"orchestratord/internal/logging"
	"orchestratord/internal/model"
)

type fakeAgent struct {
	id            string
	mu            sync.Mutex
	state         model.AgentState
	done          int
	overcommitted bool

	execFn func(task *model.Task) *model.TaskResult
}

func newFakeAgent(id string) *fakeAgent {
	return &fakeAgent{id: id, state: model.AgentIdle}
}

func (f *fakeAgent) AgentID() string { return f.id }

func (f *fakeAgent) State() model.AgentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeAgent) TasksCompleted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *fakeAgent) Start(ctx context.Context) error { return nil }

func (f *fakeAgent) StartHealthLoop(ctx context.Context) {}

func (f *fakeAgent) Overcommitted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overcommitted
}

func (f *fakeAgent) ExecuteTask(ctx context.Context, task *model.Task) *model.TaskResult {
	f.mu.Lock()
	if f.state == model.AgentBusy {
		f.overcommitted = true
	}
	f.state = model.AgentBusy
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.state = model.AgentIdle
		f.done++
		f.mu.Unlock()
	}()

	if f.execFn != nil {
		return f.execFn(task)
	}
	return &model.TaskResult{
		TaskID:  task.TaskID,
		AgentID: f.id,
		Status:  model.StatusSuccess,
		Result:  map[string]interface{}{"output": "ok"},
	}
}

func (f *fakeAgent) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.state = model.AgentStopped
	f.mu.Unlock()
	return nil
}

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error", Output: "stdout", Component: "orchestrator-test"})
}

func newStartedDispatcher(t *testing.T, agents ...*fakeAgent) *Dispatcher {
	t.Helper()
	d := New(10, 100, model.StrategyFanout, testLogger())
	idx := 0
	factory := func(i int) (AgentHandle, error) {
		a := agents[idx]
		idx++
		return a, nil
	}
	if err := d.Start(context.Background(), len(agents), 1, factory); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return d
}

func TestExecuteTaskDispatchesToIdleAgent(t *testing.T) {
	a := newFakeAgent("agent-1")
	d := newStartedDispatcher(t, a)

	task := &model.Task{TaskID: "t1", Description: "do it", Timeout: time.Second}
	result, err := d.ExecuteTask(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != model.StatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if result.AgentID != "agent-1" {
		t.Fatalf("expected agent-1, got %s", result.AgentID)
	}
}

func TestExecuteTaskPrefersLeastLoadedIdleAgent(t *testing.T) {
	busy := newFakeAgent("agent-busy")
	busy.done = 5
	fresh := newFakeAgent("agent-fresh")
	fresh.done = 0
	d := newStartedDispatcher(t, busy, fresh)

	task := &model.Task{TaskID: "t1", Description: "do it", Timeout: time.Second}
	result, _ := d.ExecuteTask(context.Background(), task)
	if result.AgentID != "agent-fresh" {
		t.Fatalf("expected agent-fresh (fewest tasks completed), got %s", result.AgentID)
	}
}

func TestExecuteTaskReturnsNoAvailableAgentsWhenNoneRegistered(t *testing.T) {
	d := New(10, 100, model.StrategyFanout, testLogger())

	task := &model.Task{TaskID: "t1", Description: "do it", Timeout: 30 * time.Millisecond}
	result, err := d.ExecuteTask(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != model.StatusFailed || result.Error != "no_available_agents" {
		t.Fatalf("expected no_available_agents, got %s/%s", result.Status, result.Error)
	}
}

func TestExecuteTaskWaitsForBusyAgentRatherThanOvercommitting(t *testing.T) {
	a := newFakeAgent("agent-1")
	a.state = model.AgentBusy
	d := newStartedDispatcher(t, a)

	go func() {
		time.Sleep(30 * time.Millisecond)
		a.mu.Lock()
		a.state = model.AgentIdle
		a.mu.Unlock()
	}()

	task := &model.Task{TaskID: "t1", Description: "do it", Timeout: 10 * time.Millisecond}
	result, err := d.ExecuteTask(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AgentID != "agent-1" {
		t.Fatalf("expected dispatch to agent-1 once it frees up, got %s (%s)", result.AgentID, result.Error)
	}
	if a.Overcommitted() {
		t.Fatalf("dispatcher overcommitted agent-1 while it was still busy")
	}
}

func TestExecuteTaskTimesOutOnSlowAgent(t *testing.T) {
	a := newFakeAgent("agent-1")
	a.execFn = func(task *model.Task) *model.TaskResult {
		time.Sleep(200 * time.Millisecond)
		return &model.TaskResult{TaskID: task.TaskID, AgentID: "agent-1", Status: model.StatusSuccess}
	}
	d := newStartedDispatcher(t, a)

	task := &model.Task{TaskID: "t1", Description: "slow", Timeout: 20 * time.Millisecond}
	result, err := d.ExecuteTask(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != model.StatusTimeout {
		t.Fatalf("expected timeout, got %s", result.Status)
	}
}

func TestExecuteTaskZeroTimeoutReturnsImmediateTimeout(t *testing.T) {
	a := newFakeAgent("agent-1")
	d := newStartedDispatcher(t, a)

	task := &model.Task{TaskID: "t1", Description: "do it", Timeout: 0}
	result, err := d.ExecuteTask(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != model.StatusTimeout {
		t.Fatalf("expected immediate timeout, got %s", result.Status)
	}
	if result.AgentID != model.NoAgent {
		t.Fatalf("expected zero-timeout task never to reach an agent, got %s", result.AgentID)
	}
	if d.QueueDepth() != 0 {
		t.Fatalf("expected zero-timeout task never to touch the queue, got depth %d", d.QueueDepth())
	}
}

func TestExecuteTaskValidationErrorPropagates(t *testing.T) {
	d := newStartedDispatcher(t, newFakeAgent("agent-1"))
	_, err := d.ExecuteTask(context.Background(), &model.Task{})
	if err == nil {
		t.Fatalf("expected task_validation_error for missing task_id")
	}
}

func TestExecuteParallelTaskFanoutAggregatesAll(t *testing.T) {
	d := newStartedDispatcher(t, newFakeAgent("agent-1"), newFakeAgent("agent-2"))

	task := &model.Task{
		TaskID:   "parent",
		Parallel: true,
		Strategy: model.StrategyFanout,
		Subtasks: []*model.Task{
			{TaskID: "sub-1", Description: "a", Timeout: time.Second},
			{TaskID: "sub-2", Description: "b", Timeout: time.Second},
		},
	}
	results, err := d.ExecuteParallelTask(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestExecuteParallelTaskPipelineSubstitutesPrevOutput(t *testing.T) {
	a := newFakeAgent("agent-1")
	var seenDescriptions []string
	a.execFn = func(task *model.Task) *model.TaskResult {
		seenDescriptions = append(seenDescriptions, task.Description)
		return &model.TaskResult{
			TaskID:  task.TaskID,
			AgentID: "agent-1",
			Status:  model.StatusSuccess,
			Result:  map[string]interface{}{"output": "result-of-" + task.TaskID},
		}
	}
	d := newStartedDispatcher(t, a)

	task := &model.Task{
		TaskID:   "parent",
		Parallel: true,
		Strategy: model.StrategyPipeline,
		Subtasks: []*model.Task{
			{TaskID: "sub-1", Description: "first", Timeout: time.Second},
			{TaskID: "sub-2", Description: "use {{prev}}", Timeout: time.Second},
		},
	}
	results, err := d.ExecuteParallelTask(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if seenDescriptions[1] != "use result-of-sub-1" {
		t.Fatalf("expected {{prev}} substitution, got %q", seenDescriptions[1])
	}
}

func TestExecuteParallelTaskPipelineStopsOnFailure(t *testing.T) {
	a := newFakeAgent("agent-1")
	calls := 0
	a.execFn = func(task *model.Task) *model.TaskResult {
		calls++
		if task.TaskID == "sub-1" {
			return &model.TaskResult{TaskID: task.TaskID, AgentID: "agent-1", Status: model.StatusFailed, Error: "boom"}
		}
		return &model.TaskResult{TaskID: task.TaskID, AgentID: "agent-1", Status: model.StatusSuccess}
	}
	d := newStartedDispatcher(t, a)

	task := &model.Task{
		TaskID:   "parent",
		Parallel: true,
		Strategy: model.StrategyPipeline,
		Subtasks: []*model.Task{
			{TaskID: "sub-1", Description: "first", Timeout: time.Second},
			{TaskID: "sub-2", Description: "second", Timeout: time.Second},
		},
	}
	results, err := d.ExecuteParallelTask(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected pipeline to stop after first failure, got %d results", len(results))
	}
	if calls != 1 {
		t.Fatalf("expected only sub-1 to run, got %d calls", calls)
	}
}

func TestExecuteParallelTaskBroadcastWithZeroAgentsReturnsEmpty(t *testing.T) {
	d := New(10, 100, model.StrategyFanout, testLogger())

	task := &model.Task{
		TaskID:   "parent",
		Parallel: true,
		Strategy: model.StrategyBroadcast,
		Subtasks: []*model.Task{{TaskID: "sub-1", Description: "probe", Timeout: time.Second}},
	}
	results, err := d.ExecuteParallelTask(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty result list with no agents, got %d", len(results))
	}
}

func TestExecuteParallelTaskBroadcastFansOutToEveryAgent(t *testing.T) {
	d := newStartedDispatcher(t, newFakeAgent("agent-1"), newFakeAgent("agent-2"), newFakeAgent("agent-3"))

	task := &model.Task{
		TaskID:      "parent",
		Parallel:    true,
		Strategy:    model.StrategyBroadcast,
		Description: "refresh config",
		Subtasks:    []*model.Task{{TaskID: "ignored", Description: "ignored", Timeout: time.Second}},
	}
	results, err := d.ExecuteParallelTask(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected one result per agent, got %d", len(results))
	}
}

func TestAggregateStatusAllSucceeded(t *testing.T) {
	results := []*model.TaskResult{{Status: model.StatusSuccess}, {Status: model.StatusSuccess}}
	if got := aggregateStatus(results); got != model.StatusSuccess {
		t.Fatalf("expected success, got %s", got)
	}
}

func TestAggregateStatusMixedIsPartial(t *testing.T) {
	results := []*model.TaskResult{{Status: model.StatusSuccess}, {Status: model.StatusFailed}}
	if got := aggregateStatus(results); got != model.StatusPartial {
		t.Fatalf("expected partial, got %s", got)
	}
}

func TestAggregateStatusAllFailedIsFailed(t *testing.T) {
	results := []*model.TaskResult{{Status: model.StatusFailed}, {Status: model.StatusTimeout}}
	if got := aggregateStatus(results); got != model.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestStartFailsWhenFewerThanMinSucceed(t *testing.T) {
	d := New(10, 100, model.StrategyFanout, testLogger())
	factory := func(i int) (AgentHandle, error) {
		return nil, fmt.Errorf("container_error: boom")
	}
	err := d.Start(context.Background(), 3, 1, factory)
	if err == nil {
		t.Fatalf("expected start to fail when no agents succeed")
	}
}

func TestStartSucceedsWithPartialAgentFailures(t *testing.T) {
	d := New(10, 100, model.StrategyFanout, testLogger())
	factory := func(i int) (AgentHandle, error) {
		if i == 0 {
			return nil, fmt.Errorf("container_error: boom")
		}
		return newFakeAgent(fmt.Sprintf("agent-%d", i)), nil
	}
	if err := d.Start(context.Background(), 3, 1, factory); err != nil {
		t.Fatalf("expected start to succeed with at least 1 agent, got %v", err)
	}
	if len(d.Agents()) != 2 {
		t.Fatalf("expected 2 agents registered, got %d", len(d.Agents()))
	}
}
