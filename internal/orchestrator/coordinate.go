package orchestrator

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"orchestratord/internal/model"
)

// ExecuteParallelTask implements spec.md §4.6's execute_parallel_task and
// SPEC_FULL.md §3's coordination strategies. With no subtasks it degrades
// to a single ExecuteTask call, matching the original behavior exactly.
func (d *Dispatcher) ExecuteParallelTask(ctx context.Context, task *model.Task) ([]*model.TaskResult, error) {
	requested := task.Strategy
	if err := task.Validate(); err != nil {
		return nil, err
	}

	if len(task.Subtasks) == 0 {
		result, err := d.ExecuteTask(ctx, task)
		if err != nil {
			return nil, err
		}
		return []*model.TaskResult{result}, nil
	}

	strategyName := requested
	if strategyName == "" {
		strategyName = d.defaultCoordination
	}

	switch strategyName {
	case model.StrategyPipeline:
		return d.runPipeline(ctx, task.Subtasks)
	case model.StrategyBroadcast:
		return d.runBroadcast(ctx, task)
	default:
		return d.runFanout(ctx, task.Subtasks)
	}
}

// runFanout dispatches every subtask concurrently and aggregates, per
// spec.md §4.6.
func (d *Dispatcher) runFanout(ctx context.Context, subtasks []*model.Task) ([]*model.TaskResult, error) {
	results := make([]*model.TaskResult, len(subtasks))

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subtasks {
		i, sub := i, sub
		g.Go(func() error {
			result, err := d.ExecuteTask(gctx, sub)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runPipeline runs subtasks in sequence, substituting "{{prev}}" in each
// subtask's description with the previous subtask's result["output"]
// (empty string if absent). A subtask failure stops the pipeline; already
// completed results are retained (SPEC_FULL.md §3).
func (d *Dispatcher) runPipeline(ctx context.Context, subtasks []*model.Task) ([]*model.TaskResult, error) {
	results := make([]*model.TaskResult, 0, len(subtasks))
	prevOutput := ""

	for _, sub := range subtasks {
		sub.Description = strings.ReplaceAll(sub.Description, "{{prev}}", prevOutput)

		result, err := d.ExecuteTask(ctx, sub)
		if err != nil {
			return results, err
		}
		results = append(results, result)

		if result.Status != model.StatusSuccess {
			return results, nil
		}
		if output, ok := result.Result["output"].(string); ok {
			prevOutput = output
		} else {
			prevOutput = ""
		}
	}
	return results, nil
}

// runBroadcast replicates task's description to every available agent
// concurrently, ignoring Subtasks. With zero available agents it
// completes with an empty result list (SPEC_FULL.md §8).
func (d *Dispatcher) runBroadcast(ctx context.Context, task *model.Task) ([]*model.TaskResult, error) {
	d.mu.RLock()
	agentIDs := make([]string, 0, len(d.agents))
	for id, a := range d.agents {
		if a.State() != model.AgentFailed && a.State() != model.AgentStopped {
			agentIDs = append(agentIDs, id)
		}
	}
	d.mu.RUnlock()

	if len(agentIDs) == 0 {
		return []*model.TaskResult{}, nil
	}

	results := make([]*model.TaskResult, len(agentIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, agentID := range agentIDs {
		i, agentID := i, agentID
		g.Go(func() error {
			sub := &model.Task{
				TaskID:      task.TaskID + ":" + agentID,
				TaskType:    task.TaskType,
				Description: task.Description,
				Files:       task.Files,
				Priority:    task.Priority,
				Timeout:     task.Timeout,
			}
			if err := sub.Validate(); err != nil {
				return err
			}
			results[i] = d.dispatchToAgent(gctx, agentID, sub)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// AggregateStatus is aggregateStatus exported for callers outside the
// package, such as the supervisor's task_response handler for parallel
// tasks.
func AggregateStatus(results []*model.TaskResult) model.TaskStatus {
	return aggregateStatus(results)
}

// aggregateStatus derives a parent TaskResult.Status from a list of
// subtask results: success only if every one succeeded, partial if some
// but not all did, failed if none did (used by callers that need to
// collapse ExecuteParallelTask's results into one status, e.g. the
// protocol-facing task_response handler).
func aggregateStatus(results []*model.TaskResult) model.TaskStatus {
	if len(results) == 0 {
		return model.StatusFailed
	}
	succeeded := 0
	for _, r := range results {
		if r.Status == model.StatusSuccess {
			succeeded++
		}
	}
	switch {
	case succeeded == len(results):
		return model.StatusSuccess
	case succeeded == 0:
		return model.StatusFailed
	default:
		return model.StatusPartial
	}
}
