// Package orchestrator implements the Dispatcher/Orchestrator (spec.md
// §4.6): end-to-end task lifecycle, agent selection, and the bounded
// worker pool that executes tasks against Agent Runtimes.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"orchestratord/internal/logging"
	"orchestratord/internal/model"
	"orchestratord/internal/orchestrator/strategy"
	"orchestratord/internal/taskqueue"
)

// AgentHandle is the subset of *agent.Runtime the Orchestrator depends
// on. Accepting an interface keeps this package testable without Docker
// and lets alternative agent implementations (e.g. a mock worker used in
// tests) stand in for the real runtime.
type AgentHandle interface {
	AgentID() string
	State() model.AgentState
	TasksCompleted() int
	Start(ctx context.Context) error
	StartHealthLoop(ctx context.Context)
	ExecuteTask(ctx context.Context, task *model.Task) *model.TaskResult
	Stop(ctx context.Context) error
}

// AgentFactory builds the idx-th agent handle, used by Start to fan out
// agent creation without the Orchestrator depending on a concrete
// workspace.Controller/Docker type directly.
type AgentFactory func(idx int) (AgentHandle, error)

// agentWaitPollInterval is how often Dispatch's wait-for-idle loop
// re-checks agent availability (spec.md §4.6 rule 3).
const agentWaitPollInterval = 50 * time.Millisecond

// Dispatcher owns a pool of Agent Runtimes, a bounded task queue, and the
// worker-pool that binds one to the other.
//
// ExecuteTask's submission and a task's actual execution are decoupled:
// submission enqueues the task and blocks on a per-task result channel;
// a single background dispatchLoop drains the queue with Dequeue (so
// concurrently submitted tasks are handed to a freed agent in priority
// order, not in whatever order their callers happen to poll) and fans the
// resulting agent assignment out to a bounded worker goroutine.
type Dispatcher struct {
	logger *logging.Logger

	mu     sync.RWMutex
	agents map[string]AgentHandle

	queue    *taskqueue.Queue
	sem      *semaphore.Weighted
	strategy *strategy.Chain

	defaultCoordination model.CoordinationStrategy

	stats Stats

	pendingMu sync.Mutex
	pending   map[string]chan *model.TaskResult

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
	inflight   sync.WaitGroup
}

// New builds a Dispatcher and starts its background dispatch loop.
// maxWorkers bounds concurrent task execution
// (golang.org/x/sync/semaphore.Weighted); queueMaxSize bounds the task
// queue (internal/taskqueue); defaultCoordination is used for parallel
// tasks that don't set Task.Strategy explicitly.
func New(maxWorkers, queueMaxSize int, defaultCoordination model.CoordinationStrategy, logger *logging.Logger) *Dispatcher {
	if defaultCoordination == "" {
		defaultCoordination = model.StrategyFanout
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:              logger,
		agents:              make(map[string]AgentHandle),
		queue:               taskqueue.New(queueMaxSize, nil),
		sem:                 semaphore.NewWeighted(int64(maxWorkers)),
		strategy:            strategy.NewChain(strategy.NewIdleLeastLoadedStrategy(), strategy.NewLeastLoadedFallbackStrategy()),
		defaultCoordination: defaultCoordination,
		pending:             make(map[string]chan *model.TaskResult),
		loopCtx:             loopCtx,
		loopCancel:          cancel,
	}
	d.loopWG.Add(1)
	go d.dispatchLoop()
	return d
}

// Start creates numAgents agents in parallel via factory and starts their
// health loops. It proceeds if at least minSucceed of them start
// successfully, returning an error otherwise (spec.md §4.6 start()).
func (d *Dispatcher) Start(ctx context.Context, numAgents, minSucceed int, factory AgentFactory) error {
	type outcome struct {
		handle AgentHandle
		err    error
	}
	results := make([]outcome, numAgents)

	var wg sync.WaitGroup
	for i := 0; i < numAgents; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			handle, err := factory(idx)
			if err != nil {
				results[idx] = outcome{err: err}
				return
			}
			if err := handle.Start(ctx); err != nil {
				results[idx] = outcome{err: err}
				return
			}
			results[idx] = outcome{handle: handle}
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.err != nil {
			if d.logger != nil {
				d.logger.WithError(r.err).Warn("orchestrator: agent start failed")
			}
			continue
		}
		d.mu.Lock()
		d.agents[r.handle.AgentID()] = r.handle
		d.mu.Unlock()
		go r.handle.StartHealthLoop(ctx)
		succeeded++
	}

	if succeeded < minSucceed {
		return fmt.Errorf("resource_error: only %d/%d agents started, minimum %d required", succeeded, numAgents, minSucceed)
	}
	return nil
}

// ExecuteTask runs the synchronous single-task lifecycle from spec.md
// §4.6: validate, enqueue, wait for the background dispatch loop to
// select an agent and run the task, record statistics. A task submitted
// with an explicit zero timeout never reaches the queue — spec.md §8
// requires it to return TaskResult(status=timeout) immediately.
func (d *Dispatcher) ExecuteTask(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	if task.Timeout == 0 {
		result := &model.TaskResult{
			TaskID:    task.TaskID,
			AgentID:   model.NoAgent,
			Status:    model.StatusTimeout,
			Error:     "timeout",
			Timestamp: time.Now(),
		}
		d.stats.recordFailure(0)
		return result, nil
	}

	resultCh := d.registerPending(task.TaskID)
	if err := d.queue.Enqueue(task); err != nil {
		d.abandon(task.TaskID)
		return &model.TaskResult{
			TaskID:    task.TaskID,
			AgentID:   model.NoAgent,
			Status:    model.StatusFailed,
			Error:     err.Error(),
			Timestamp: time.Now(),
		}, nil
	}

	select {
	case result := <-resultCh:
		return result, nil
	case <-ctx.Done():
		d.abandon(task.TaskID)
		return &model.TaskResult{
			TaskID:    task.TaskID,
			AgentID:   model.NoAgent,
			Status:    model.StatusFailed,
			Error:     "context_canceled",
			Timestamp: time.Now(),
		}, nil
	}
}

// registerPending installs a buffered result channel for taskID before the
// task is enqueued, so the dispatch loop can deliver to it the moment the
// task is dequeued and run, however long that takes.
func (d *Dispatcher) registerPending(taskID string) chan *model.TaskResult {
	ch := make(chan *model.TaskResult, 1)
	d.pendingMu.Lock()
	d.pending[taskID] = ch
	d.pendingMu.Unlock()
	return ch
}

// abandon drops taskID's pending entry without delivering to it, used when
// the submitting ExecuteTask call gives up (enqueue failure or its own ctx
// canceled) before the dispatch loop gets to the task. If the loop later
// dequeues and runs the task anyway, deliver finds no waiter and discards
// the result — the task still ran so the agent's state stays consistent,
// it just has no one left to report to.
func (d *Dispatcher) abandon(taskID string) {
	d.pendingMu.Lock()
	delete(d.pending, taskID)
	d.pendingMu.Unlock()
}

// deliver sends result to taskID's pending channel, if one is still
// registered, and removes the entry either way.
func (d *Dispatcher) deliver(taskID string, result *model.TaskResult) {
	d.pendingMu.Lock()
	ch, ok := d.pending[taskID]
	if ok {
		delete(d.pending, taskID)
	}
	d.pendingMu.Unlock()
	if ok {
		ch <- result
	}
}

// dispatchLoop pops the highest-priority queued task (taskqueue.Dequeue)
// and assigns it an agent, one assignment decision at a time, so that when
// several tasks are queued simultaneously for fewer free agents, the next
// agent to free up always goes to the highest-priority waiter rather than
// to whichever caller's independent poll happens to notice first
// (spec.md §8's priority invariant). The task's actual execution, once an
// agent is chosen, runs on its own goroutine so the loop can move on to
// the next assignment immediately instead of blocking for the task's full
// duration.
func (d *Dispatcher) dispatchLoop() {
	defer d.loopWG.Done()
	for {
		task, err := d.queue.Dequeue(agentWaitPollInterval)
		if err != nil {
			select {
			case <-d.loopCtx.Done():
				return
			default:
				continue
			}
		}
		d.assign(task)
	}
}

// assign blocks (bounded by task.timeout, then an unbounded wait for an
// agent to free up) until an agent is chosen for task, then hands it off
// to dispatchToAgent on its own goroutine.
func (d *Dispatcher) assign(task *model.Task) {
	agentID, found := d.waitForAgent(d.loopCtx, task)
	if !found {
		result := &model.TaskResult{
			TaskID:    task.TaskID,
			AgentID:   model.NoAgent,
			Status:    model.StatusFailed,
			Error:     "no_available_agents",
			Timestamp: time.Now(),
		}
		d.stats.recordFailure(0)
		d.deliver(task.TaskID, result)
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		result := d.dispatchToAgent(d.loopCtx, agentID, task)
		d.deliver(task.TaskID, result)
	}()
}

// waitForAgent implements the selection policy from spec.md §4.6: prefer
// an idle agent; if none, poll until task.timeout elapses or one becomes
// idle. Past the deadline it keeps polling for the least-loaded agent to
// free up rather than handing the task to one still running another —
// the Dispatcher never overcommits an agent — giving up only once ctx is
// done or no agent is registered at all (so waiting could never help).
func (d *Dispatcher) waitForAgent(ctx context.Context, task *model.Task) (string, bool) {
	deadline := time.Now().Add(task.EffectiveTimeout())

	for {
		if agentID, ok := d.selectStrict(); ok {
			return agentID, true
		}
		if time.Now().After(deadline) {
			if agentID, ok := d.selectFallback(); ok {
				return agentID, true
			}
			if d.candidateCount() == 0 {
				return "", false
			}
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(agentWaitPollInterval):
		}
	}
}

func (d *Dispatcher) selectStrict() (string, bool) {
	req := d.candidateRequest()
	agentID, _ := strategy.NewIdleLeastLoadedStrategy().SelectAgent(req)
	return agentID, agentID != ""
}

func (d *Dispatcher) selectFallback() (string, bool) {
	req := d.candidateRequest()
	agentID, _ := strategy.NewLeastLoadedFallbackStrategy().SelectAgent(req)
	return agentID, agentID != ""
}

func (d *Dispatcher) candidateRequest() *strategy.Request {
	d.mu.RLock()
	defer d.mu.RUnlock()

	candidates := make([]strategy.Candidate, 0, len(d.agents))
	for _, a := range d.agents {
		if a.State() == model.AgentFailed || a.State() == model.AgentStopped {
			continue
		}
		candidates = append(candidates, strategy.Candidate{
			AgentID:        a.AgentID(),
			Idle:           a.State() == model.AgentIdle,
			TasksCompleted: a.TasksCompleted(),
		})
	}
	return &strategy.Request{Candidates: candidates}
}

// candidateCount returns the number of registered agents eligible for
// selection (neither failed nor stopped), regardless of idle/busy state —
// used to tell "nothing registered, stop waiting" apart from "something
// is registered but currently busy, keep waiting".
func (d *Dispatcher) candidateCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, a := range d.agents {
		if a.State() != model.AgentFailed && a.State() != model.AgentStopped {
			n++
		}
	}
	return n
}

// dispatchToAgent hands task to agentID on a worker bounded by the
// semaphore and task.timeout. Agent crashes and timeouts never propagate
// as errors (spec.md §4.6 failure semantics) — both are captured in the
// returned TaskResult.
func (d *Dispatcher) dispatchToAgent(ctx context.Context, agentID string, task *model.Task) *model.TaskResult {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return &model.TaskResult{
			TaskID:    task.TaskID,
			AgentID:   agentID,
			Status:    model.StatusFailed,
			Error:     "resource_error: worker pool acquire failed: " + err.Error(),
			Timestamp: time.Now(),
		}
	}
	defer d.sem.Release(1)

	d.mu.RLock()
	handle, ok := d.agents[agentID]
	d.mu.RUnlock()
	if !ok {
		return &model.TaskResult{
			TaskID:    task.TaskID,
			AgentID:   model.NoAgent,
			Status:    model.StatusFailed,
			Error:     "agent_crashed",
			Timestamp: time.Now(),
		}
	}

	cctx, cancel := context.WithTimeout(ctx, task.EffectiveTimeout())
	defer cancel()

	resultCh := make(chan *model.TaskResult, 1)
	go func() {
		resultCh <- handle.ExecuteTask(cctx, task)
	}()

	select {
	case result := <-resultCh:
		d.recordStats(result)
		return result
	case <-cctx.Done():
		result := &model.TaskResult{
			TaskID:    task.TaskID,
			AgentID:   agentID,
			Status:    model.StatusTimeout,
			Error:     "timeout",
			Timestamp: time.Now(),
		}
		d.recordStats(result)
		return result
	}
}

func (d *Dispatcher) recordStats(result *model.TaskResult) {
	switch result.Status {
	case model.StatusSuccess:
		d.stats.recordSuccess(result.ExecutionTime)
	default:
		d.stats.recordFailure(result.ExecutionTime)
	}
}

// Agents returns a snapshot of currently registered agent IDs, sorted,
// mainly for diagnostics and tests.
func (d *Dispatcher) Agents() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.agents))
	for id := range d.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// QueueDepth reports the number of tasks currently awaiting an agent,
// for metrics and diagnostics.
func (d *Dispatcher) QueueDepth() int {
	return d.queue.Size()
}

// AgentStateCounts returns the current count of registered agents per
// lifecycle state, for metrics gauges.
func (d *Dispatcher) AgentStateCounts() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	counts := make(map[string]int)
	for _, h := range d.agents {
		counts[string(h.State())]++
	}
	return counts
}

// Stop halts the dispatch loop, waits for any already-assigned tasks to
// finish running, then shuts down every registered agent.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.loopCancel()
	d.loopWG.Wait()
	d.inflight.Wait()

	d.mu.RLock()
	handles := make([]AgentHandle, 0, len(d.agents))
	for _, a := range d.agents {
		handles = append(handles, a)
	}
	d.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error { return h.Stop(gctx) })
	}
	return g.Wait()
}
