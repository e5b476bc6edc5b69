// Package supervisor owns the kernel's process lifecycle: it wires
// config, logging, the channel Server/Protocol, the Workspace Controller,
// the result store, metrics, and the Dispatcher together, then runs them
// until told to stop. Adapted from the teacher's NodeManager.Start
// wg-based goroutine fan-out (internal/nodemanager/manager.go).
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"orchestratord/internal/agent"
	"orchestratord/internal/channel"
	"orchestratord/internal/config"
	"orchestratord/internal/logging"
	"orchestratord/internal/metrics"
	"orchestratord/internal/model"
	"orchestratord/internal/orchestrator"
	"orchestratord/internal/protocol"
	"orchestratord/internal/resultstore"
	"orchestratord/internal/resultstore/driver/mongo"
	"orchestratord/internal/resultstore/driver/postgres"
	"orchestratord/internal/resultstore/driver/sqlite"
	"orchestratord/internal/shared/objstore"
	"orchestratord/internal/workspace"
	"orchestratord/internal/workspace/docker"
)

// statsLogInterval is how often Supervisor logs a Dispatcher.Snapshot()
// and refreshes the agent-state gauges, mirroring the teacher's 10s
// heartbeatLoop ticker cadence.
const statsLogInterval = 10 * time.Second

// Supervisor is the top-level owner of every long-running component in
// the orchestration kernel process.
type Supervisor struct {
	cfg    *config.Config
	logger *logging.Logger

	controller workspace.Controller
	store      *resultstore.Store
	metrics    *metrics.Metrics
	dispatcher *orchestrator.Dispatcher
	server     *channel.Server
	proto      *protocol.Protocol
	archive    *objstore.Client

	metricsServer *http.Server
}

// New wires every kernel component from cfg. It does not start the agent
// pool, the protocol message loop or the metrics endpoint; call Run for
// that. (The Dispatcher it builds does start its own dispatch loop.)
func New(cfg *config.Config, logger *logging.Logger) (*Supervisor, error) {
	var archive *objstore.Client
	if cfg.IsolatedWorkspace.SnapshotArchive.Enabled {
		a, err := objstore.New(cfg.IsolatedWorkspace.SnapshotArchive)
		if err != nil {
			return nil, fmt.Errorf("configuration_error: snapshot archive: %w", err)
		}
		archive = a
	}

	controller, err := docker.New(cfg.IsolatedWorkspace.WorkspaceRoot, archive, logger)
	if err != nil {
		return nil, fmt.Errorf("resource_error: workspace controller: %w", err)
	}

	store, err := buildResultStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New("orchestratord", cfg.Communication.SocketPath)

	server, err := channel.OpenServer(cfg.Communication.SocketPath, cfg.Communication.AuthSecret, logger)
	if err != nil {
		return nil, fmt.Errorf("channel_bind_error: %w", err)
	}

	dispatcher := orchestrator.New(cfg.MaxWorkers, cfg.TaskQueue.MaxSize,
		model.CoordinationStrategy(cfg.TaskExecution.CoordinationStrategy), logger)

	sup := &Supervisor{
		cfg:        cfg,
		logger:     logger,
		controller: controller,
		store:      store,
		metrics:    m,
		dispatcher: dispatcher,
		server:     server,
		archive:    archive,
	}

	sup.proto = protocol.New(brokerSelfID, &relayTransport{server: server, selfID: brokerSelfID, logger: logger}, serverSender{server}, logger)
	sup.proto.RegisterHandler(model.MessageTaskRequest, sup.handleTaskRequest)

	return sup, nil
}

// brokerSelfID is the Protocol identity the Supervisor's own broker side
// uses, distinct from any agent_id.
const brokerSelfID = "orchestratord"

// serverSender adapts channel.Server's peer-addressed SendTo/Broadcast to
// the protocol.Sender interface's single Send method, routing on the
// outgoing message's own ReceiverID.
type serverSender struct {
	server *channel.Server
}

func (s serverSender) Send(msg *model.AgentMessage) error {
	if msg.IsBroadcast() {
		s.server.Broadcast(msg, msg.SenderID)
		return nil
	}
	return s.server.SendTo(msg.ReceiverID, msg)
}

// relayTransport wraps the broker's *channel.Server so that a message
// addressed to a connected peer other than the broker itself (an
// agent-to-agent task_request or task_response, spec.md §8's peer-to-peer
// scenario) is forwarded to that peer instead of being handed to the
// Supervisor's own Protocol dispatch as if it were the intended receiver.
type relayTransport struct {
	server *channel.Server
	selfID string
	logger *logging.Logger
}

func (t *relayTransport) Receive(timeout time.Duration) (*model.AgentMessage, error) {
	for {
		msg, err := t.server.Receive(timeout)
		if err != nil {
			return nil, err
		}
		if msg.ReceiverID == "" || msg.ReceiverID == t.selfID || msg.IsBroadcast() {
			return msg, nil
		}
		if err := t.server.SendTo(msg.ReceiverID, msg); err != nil && t.logger != nil {
			t.logger.WithError(err).Warn("supervisor: relay to peer failed", "receiver_id", msg.ReceiverID)
		}
	}
}

func buildResultStore(cfg *config.Config, logger *logging.Logger) (*resultstore.Store, error) {
	var driver resultstore.Driver
	switch cfg.ResultStore.Driver {
	case "sqlite":
		d, err := sqlite.Open(cfg.ResultStore.DSN)
		if err != nil {
			return nil, fmt.Errorf("resource_error: result store sqlite: %w", err)
		}
		driver = d
	case "postgres":
		d, err := postgres.Open(context.Background(), cfg.ResultStore.DSN)
		if err != nil {
			return nil, fmt.Errorf("resource_error: result store postgres: %w", err)
		}
		driver = d
	case "mongo":
		d, err := mongo.Open(context.Background(), cfg.ResultStore.DSN, "orchestratord")
		if err != nil {
			return nil, fmt.Errorf("resource_error: result store mongo: %w", err)
		}
		driver = d
	}

	var cache resultstore.Cache
	if cfg.ResultStore.CacheRedisAddr != "" {
		cache = resultstore.NewRedisCache(cfg.ResultStore.CacheRedisAddr)
	}

	return resultstore.New(cfg.ResultStore.Retention, driver, cache, logger), nil
}

// Run starts the agent pool, the protocol message loop, the metrics
// exposition endpoint, and the stats-reporting loop, then blocks until ctx
// is canceled. It always performs a graceful Shutdown before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	factory := func(idx int) (orchestrator.AgentHandle, error) {
		agentID := fmt.Sprintf("agent-%d", idx)
		cfg := &model.AgentConfig{
			AgentID:          agentID,
			ContainerName:    model.ContainerName(agentID),
			WorkDir:          agentID,
			BaseImage:        s.cfg.IsolatedWorkspace.BaseImage,
			MemoryLimit:      s.cfg.Agent.ContainerMemory,
			CPULimit:         s.cfg.Agent.ContainerCPU,
			SnapshotEnabled:  s.cfg.IsolatedWorkspace.Enabled,
			BrokerSocketPath: s.cfg.Communication.SocketPath,
			BrokerAuthSecret: s.cfg.Communication.AuthSecret,
		}
		return agent.New(cfg, s.controller, s.logger), nil
	}

	minSucceed := s.cfg.NumAgents/2 + 1
	if err := s.dispatcher.Start(ctx, s.cfg.NumAgents, minSucceed, factory); err != nil {
		return fmt.Errorf("resource_error: starting agent pool: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.messageLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.statsLoop(ctx)
	}()

	if s.cfg.MetricsAddr != "" {
		s.metricsServer = &http.Server{Addr: s.cfg.MetricsAddr, Handler: metrics.Handler()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.WithError(err).Error("metrics server stopped unexpectedly")
			}
		}()
	}

	<-ctx.Done()
	s.logger.Info("supervisor: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("supervisor: shutdown error")
	}

	wg.Wait()
	return nil
}

// messageLoop repeatedly drains and dispatches inbound protocol messages
// until ctx is canceled, mirroring the teacher's taskLoop polling pattern.
func (s *Supervisor) messageLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.proto.ProcessMessages(time.Second); err != nil && !channel.IsNoMessage(err) {
			s.logger.WithError(err).Warn("supervisor: message loop error")
		}
	}
}

// statsLoop periodically logs Dispatcher throughput and refreshes the
// agent-state gauges, in place of the teacher's heartbeatLoop.
func (s *Supervisor) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.dispatcher.Snapshot()
			s.logger.Info("supervisor: stats",
				"tasks_completed", snap.TasksCompleted,
				"tasks_failed", snap.TasksFailed,
				"average_execution", snap.AverageExecution)
			s.metrics.SetQueueDepth(s.dispatcher.QueueDepth())
			s.metrics.SetAgentStateCounts(s.dispatcher.AgentStateCounts())
			if evicted := s.store.EvictExpired(); evicted > 0 {
				s.logger.Info("supervisor: evicted expired results", "count", evicted)
			}
		}
	}
}

// handleTaskRequest converts an inbound task_request's payload into a
// Task and routes it to the single-task or parallel-task path depending
// on task.Parallel, per spec.md §8's "Parallel fan-out" scenario.
func (s *Supervisor) handleTaskRequest(msg *model.AgentMessage) {
	task, err := taskFromPayload(msg.Payload)
	if err != nil {
		s.replyError(msg, err)
		return
	}

	if task.Parallel {
		s.handleParallelTaskRequest(msg, task)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), task.EffectiveTimeout()+5*time.Second)
	defer cancel()

	result, err := s.dispatcher.ExecuteTask(ctx, task)
	if err != nil {
		s.replyError(msg, err)
		return
	}

	s.store.Put(ctx, result)
	s.metrics.RecordTaskComplete(string(task.TaskType), string(result.Status), result.ExecutionTime)

	payload, err := resultToPayload(result)
	if err != nil {
		s.logger.WithError(err).Error("supervisor: encode task result")
		return
	}
	if err := s.proto.SendResponse(msg, payload); err != nil {
		s.logger.WithError(err).Warn("supervisor: send task response")
	}
}

// handleParallelTaskRequest executes task through the Dispatcher's fanout,
// pipeline, or broadcast coordination (orchestrator.ExecuteParallelTask),
// persists every subtask result, and replies with a task_response whose
// payload carries the aggregated status alongside the full per-subtask
// result list.
func (s *Supervisor) handleParallelTaskRequest(msg *model.AgentMessage, task *model.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), task.EffectiveTimeout()+5*time.Second)
	defer cancel()

	results, err := s.dispatcher.ExecuteParallelTask(ctx, task)
	if err != nil {
		s.replyError(msg, err)
		return
	}

	encoded := make([]map[string]interface{}, 0, len(results))
	for _, result := range results {
		s.store.Put(ctx, result)
		s.metrics.RecordTaskComplete(string(task.TaskType), string(result.Status), result.ExecutionTime)

		resultPayload, err := resultToPayload(result)
		if err != nil {
			s.logger.WithError(err).Error("supervisor: encode subtask result")
			continue
		}
		encoded = append(encoded, resultPayload)
	}

	payload := map[string]interface{}{
		"task_id": task.TaskID,
		"status":  string(orchestrator.AggregateStatus(results)),
		"results": encoded,
	}
	if err := s.proto.SendResponse(msg, payload); err != nil {
		s.logger.WithError(err).Warn("supervisor: send parallel task response")
	}
}

func (s *Supervisor) replyError(msg *model.AgentMessage, err error) {
	s.logger.WithError(err).Warn("supervisor: task request rejected")
	_ = s.proto.SendResponse(msg, map[string]interface{}{
		"status": string(model.StatusFailed),
		"error":  err.Error(),
	})
}

// taskFromPayload decodes a task_request payload (spec.md §6 wire schema)
// into a Task, since Payload is already the generic map[string]interface{}
// the wire format uses.
func taskFromPayload(payload map[string]interface{}) (*model.Task, error) {
	return model.TaskFromPayload(payload)
}

// resultToPayload encodes a TaskResult back into the generic payload map
// a task_response carries.
func resultToPayload(result *model.TaskResult) (map[string]interface{}, error) {
	return result.ToPayload()
}

// Shutdown stops the agent pool, then shuts down the metrics HTTP server,
// closes the channel server and the result store, and finally closes the
// workspace controller's Docker client. It returns the first error seen.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.dispatcher.Stop(ctx))

	if s.metricsServer != nil {
		record(s.metricsServer.Shutdown(ctx))
	}

	record(s.server.Close())
	record(s.store.Close())

	if closer, ok := s.controller.(interface{ Close() error }); ok {
		record(closer.Close())
	}

	return firstErr
}
