// Package agent implements the Agent Runtime (spec.md §4.4): one worker
// process and its container, translating incoming Tasks into worker
// commands and returning TaskResults.
//
// Adapted from the teacher's internal/nodemanager/adapter/claude CLI
// adapter (command construction, line-oriented event parsing) and
// internal/nodemanager's container lifecycle management, generalized from
// "run one CLI invocation to completion" to "own a long-lived container
// and dispatch a stream of Tasks into it over its lifetime."
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"orchestratord/internal/channel"
	"orchestratord/internal/errs"
	"orchestratord/internal/logging"
	"orchestratord/internal/model"
	"orchestratord/internal/protocol"
	"orchestratord/internal/workspace"
)

// per-task-type output collection windows (spec.md §4.4).
const (
	codeReviewCollectWindow     = 10 * time.Second
	refactorCollectWindow       = 30 * time.Second
	testGenerationCollectWindow = 20 * time.Second
)

const (
	healthCheckInterval = 30 * time.Second
	healthCheckTimeout  = 5 * time.Second
	healthFailureLimit  = 3
)

// Runtime owns one agent's workspace container and dispatches Tasks into
// it. It is safe for concurrent use by the Orchestrator's worker pool and
// the health-check loop.
type Runtime struct {
	config     *model.AgentConfig
	controller workspace.Controller
	logger     *logging.Logger

	mu             sync.RWMutex
	state          model.AgentState
	containerID    string
	tasksCompleted int
	tasksFailed    int
	healthFailures int

	stopHealth chan struct{}

	// peerChannel/peerProto wire this agent into the broker as a client
	// peer (spec.md §2 "Agents may also receive tasks peer-to-peer through
	// the Protocol layer"), enabling both inbound delegated tasks
	// (handlePeerTaskRequest) and outbound ones (DelegateTask). Both are
	// nil when config.BrokerSocketPath is empty or the dial failed.
	peerChannel *channel.Channel
	peerProto   *protocol.Protocol
	peerDone    chan struct{}
}

// New constructs a Runtime bound to controller. Start must be called
// before ExecuteTask.
func New(cfg *model.AgentConfig, controller workspace.Controller, logger *logging.Logger) *Runtime {
	return &Runtime{
		config:     cfg,
		controller: controller,
		logger:     logger.WithAgent(cfg.AgentID),
		state:      model.AgentCreated,
	}
}

// AgentID returns the runtime's agent_id.
func (r *Runtime) AgentID() string { return r.config.AgentID }

// State returns the runtime's current lifecycle state.
func (r *Runtime) State() model.AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// TasksCompleted returns the count of successfully completed tasks, used
// by the agent selection policy (spec.md §4.6).
func (r *Runtime) TasksCompleted() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasksCompleted
}

func (r *Runtime) setState(next model.AgentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.CanTransitionTo(next) {
		if r.logger != nil {
			r.logger.Warn("agent: illegal state transition attempted", "from", string(r.state), "to", string(next))
		}
		return
	}
	r.state = next
}

// Start runs the startup sequence from spec.md §4.4: ensure the host
// workspace directory exists, create the container, and mark the runtime
// idle. The worker process itself is invoked per-task via the Workspace
// Controller's Exec rather than kept resident, since containers are
// addressed through one-shot exec calls rather than a persistent stdin
// pipe (see DESIGN.md for why this one-shot-exec architecture is kept
// instead of a long-lived worker process). When config.BrokerSocketPath is
// set, Start also dials the broker as a client Channel (spec.md §4.4 step
// 5) so the agent can both receive and issue peer-to-peer task_requests.
func (r *Runtime) Start(ctx context.Context) error {
	r.setState(model.AgentStarting)

	if r.config.WorkDir != "" {
		if err := os.MkdirAll(r.config.WorkDir, 0o755); err != nil {
			r.setState(model.AgentFailed)
			return errs.New(errs.KindWorkspace, "agent", "start", "create host workspace dir failed", err)
		}
	}

	container, err := r.controller.CreateWorkspace(ctx, r.config)
	if err != nil {
		r.setState(model.AgentFailed)
		return err
	}

	r.mu.Lock()
	r.containerID = container.ContainerID
	r.mu.Unlock()

	r.setState(model.AgentIdle)

	if r.config.BrokerSocketPath != "" {
		r.openPeerChannel(ctx)
	}

	return nil
}

// openPeerChannel dials the broker socket as a client peer and starts the
// peer message loop. A dial failure is logged, not fatal: the agent still
// runs, it simply cannot participate in peer-to-peer delegation.
func (r *Runtime) openPeerChannel(ctx context.Context) {
	opts := channel.DefaultClientOptions(r.config.AgentID)
	opts.AuthSecret = r.config.BrokerAuthSecret

	ch, err := channel.OpenClient(ctx, r.config.BrokerSocketPath, opts, r.logger)
	if err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Warn("agent: peer channel dial failed, peer-to-peer delegation disabled")
		}
		return
	}

	proto := protocol.New(r.config.AgentID, ch, ch, r.logger)
	proto.RegisterHandler(model.MessageTaskRequest, r.handlePeerTaskRequest)

	r.mu.Lock()
	r.peerChannel = ch
	r.peerProto = proto
	r.peerDone = make(chan struct{})
	done := r.peerDone
	r.mu.Unlock()

	go r.peerMessageLoop(proto, done)
}

// peerMessageLoop drains the agent's peer Channel until Stop closes done or
// the connection is lost, mirroring the Supervisor's own messageLoop.
func (r *Runtime) peerMessageLoop(proto *protocol.Protocol, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		if err := proto.ProcessMessages(time.Second); err != nil && !channel.IsNoMessage(err) {
			if r.logger != nil {
				r.logger.WithError(err).Warn("agent: peer message loop error")
			}
			return
		}
	}
}

// handlePeerTaskRequest executes a task delegated by another agent and
// replies with its TaskResult (spec.md §8 "peer-to-peer task").
func (r *Runtime) handlePeerTaskRequest(msg *model.AgentMessage) {
	task, err := model.TaskFromPayload(msg.Payload)
	if err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Warn("agent: malformed peer task_request")
		}
		return
	}

	result := r.ExecuteTask(context.Background(), task)

	payload, err := result.ToPayload()
	if err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Error("agent: encode peer task result")
		}
		return
	}
	r.mu.RLock()
	proto := r.peerProto
	r.mu.RUnlock()
	if proto == nil {
		return
	}
	if err := proto.SendResponse(msg, payload); err != nil && r.logger != nil {
		r.logger.WithError(err).Warn("agent: send peer task response")
	}
}

// DelegateTask sends task to peerAgentID over this agent's peer Channel and
// waits for its correlated task_response, the wired substitute for
// spec.md §8 Scenario 6's agent-to-agent delegation.
func (r *Runtime) DelegateTask(ctx context.Context, peerAgentID string, task *model.Task) (*model.TaskResult, error) {
	r.mu.RLock()
	proto := r.peerProto
	r.mu.RUnlock()
	if proto == nil {
		return nil, errs.New(errs.KindProtocol, "agent", "delegate_task", "no broker connection open", nil)
	}

	payload, err := task.ToPayload()
	if err != nil {
		return nil, err
	}

	resultCh := make(chan *model.TaskResult, 1)
	errCh := make(chan error, 1)
	_, err = proto.SendRequest(peerAgentID, payload, func(resp *model.AgentMessage) {
		result, err := model.TaskResultFromPayload(resp.Payload)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	})
	if err != nil {
		return nil, err
	}

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartHealthLoop runs the 30s probe loop from spec.md §4.4 until ctx is
// canceled or Stop is called. Call it in its own goroutine.
func (r *Runtime) StartHealthLoop(ctx context.Context) {
	r.mu.Lock()
	r.stopHealth = make(chan struct{})
	stop := r.stopHealth
	r.mu.Unlock()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.checkHealth(ctx)
		}
	}
}

func (r *Runtime) checkHealth(ctx context.Context) {
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	r.mu.RLock()
	containerID := r.containerID
	r.mu.RUnlock()

	_, err := r.controller.Exec(hctx, containerID, []string{"echo", "health_check"})
	latency := time.Since(start)

	r.mu.Lock()
	if err != nil {
		r.healthFailures++
		failures := r.healthFailures
		r.mu.Unlock()
		if r.logger != nil {
			r.logger.HealthEvent(r.config.AgentID, false, latency, err)
		}
		if failures >= healthFailureLimit {
			r.setState(model.AgentFailed)
		}
		return
	}
	r.healthFailures = 0
	r.mu.Unlock()
	if r.logger != nil {
		r.logger.HealthEvent(r.config.AgentID, true, latency, nil)
	}
}

// ExecuteTask dispatches task by TaskType and returns a TaskResult. It
// never returns an error for operational failures (spec.md §4.6): any
// exception while talking to the container is captured as
// TaskResult.Status=failed.
func (r *Runtime) ExecuteTask(ctx context.Context, task *model.Task) *model.TaskResult {
	r.setState(model.AgentBusy)
	defer r.setState(model.AgentIdle)

	start := time.Now()
	result := &model.TaskResult{
		TaskID:    task.TaskID,
		AgentID:   r.config.AgentID,
		Timestamp: start,
	}

	payload, err := r.dispatch(ctx, task)
	result.ExecutionTime = time.Since(start)

	r.mu.Lock()
	switch {
	case err != nil:
		result.Status = model.StatusFailed
		result.Error = err.Error()
		r.tasksFailed++
	default:
		result.Status = model.StatusSuccess
		result.Result = payload
		r.tasksCompleted++
	}
	r.mu.Unlock()

	return result
}

func (r *Runtime) dispatch(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
	r.mu.RLock()
	containerID := r.containerID
	r.mu.RUnlock()

	switch task.TaskType {
	case model.TaskTypeCodeReview:
		return r.runCodeReview(ctx, containerID, task)
	case model.TaskTypeRefactor:
		return r.runRefactor(ctx, containerID, task)
	case model.TaskTypeTestGeneration:
		return r.runTestGeneration(ctx, containerID, task)
	case model.TaskTypeAnalysis:
		return r.runSingleCommand(ctx, containerID, task.EffectiveTimeout(), []string{"analyze", task.Description})
	default:
		return r.runSingleCommand(ctx, containerID, task.EffectiveTimeout(), []string{task.Description})
	}
}

func (r *Runtime) runCodeReview(ctx context.Context, containerID string, task *model.Task) (map[string]interface{}, error) {
	files := map[string]interface{}{}
	totalIssues := 0
	for _, f := range task.Files {
		res, err := r.runSingleCommand(ctx, containerID, codeReviewCollectWindow, []string{"review", baseName(f)})
		if err != nil {
			return nil, fmt.Errorf("review %s: %w", f, err)
		}
		if count, ok := res["issue_count"].(int); ok {
			totalIssues += count
		}
		files[f] = res
	}
	return map[string]interface{}{"files": files, "total_issue_count": totalIssues}, nil
}

func (r *Runtime) runRefactor(ctx context.Context, containerID string, task *model.Task) (map[string]interface{}, error) {
	names := make([]string, len(task.Files))
	for i, f := range task.Files {
		names[i] = baseName(f)
	}
	cmd := append([]string{"refactor"}, names...)
	if task.Description != "" {
		cmd = append(cmd, "--description", task.Description)
	}
	return r.runSingleCommand(ctx, containerID, refactorCollectWindow, cmd)
}

func (r *Runtime) runTestGeneration(ctx context.Context, containerID string, task *model.Task) (map[string]interface{}, error) {
	files := map[string]interface{}{}
	for _, f := range task.Files {
		res, err := r.runSingleCommand(ctx, containerID, testGenerationCollectWindow, []string{"generate-tests", baseName(f)})
		if err != nil {
			return nil, fmt.Errorf("generate-tests %s: %w", f, err)
		}
		files[f] = res
	}
	return map[string]interface{}{"files": files}, nil
}

// runSingleCommand issues cmd inside containerID, bounded by window, and
// parses the resulting stdout per spec.md §4.4's output-parsing rule.
func (r *Runtime) runSingleCommand(ctx context.Context, containerID string, window time.Duration, cmd []string) (map[string]interface{}, error) {
	cctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	res, err := r.controller.Exec(cctx, containerID, cmd)
	if err != nil {
		return nil, errs.New(errs.KindContainer, "agent", "exec", "worker command failed", err)
	}
	return parseWorkerOutput(res.Stdout), nil
}

// parseWorkerOutput implements spec.md §4.4's line-oriented output
// parsing: each line is attempted as a JSON record; lines that don't
// parse are preserved verbatim under raw_output. issue_count at the top
// level is the sum of the issue_count fields of the parsed records (0 when
// none carries one).
func parseWorkerOutput(stdout string) map[string]interface{} {
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var records []map[string]interface{}
	var raw []string
	issueCount := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record map[string]interface{}
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			raw = append(raw, line)
			continue
		}
		records = append(records, record)
		if n, ok := record["issue_count"].(float64); ok {
			issueCount += int(n)
		}
	}

	out := map[string]interface{}{"issue_count": issueCount}
	if len(records) > 0 {
		out["records"] = records
	}
	if len(raw) > 0 {
		out["raw_output"] = strings.Join(raw, "\n")
	}
	if len(records) == 0 && len(raw) == 0 {
		out["raw_output"] = ""
	}
	return out
}

func baseName(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// Stop runs the shutdown sequence from spec.md §4.4: stop the health
// loop, close the peer Channel if one is open, then tear down the
// container.
func (r *Runtime) Stop(ctx context.Context) error {
	r.setState(model.AgentStopping)

	r.mu.Lock()
	if r.stopHealth != nil {
		close(r.stopHealth)
		r.stopHealth = nil
	}
	if r.peerDone != nil {
		close(r.peerDone)
		r.peerDone = nil
	}
	peerChannel := r.peerChannel
	r.peerChannel = nil
	r.peerProto = nil
	containerID := r.containerID
	r.mu.Unlock()

	if peerChannel != nil {
		peerChannel.Close()
	}

	if containerID != "" {
		if err := r.controller.Cleanup(ctx, containerID, true); err != nil {
			r.setState(model.AgentFailed)
			return err
		}
	}

	r.setState(model.AgentStopped)
	return nil
}
