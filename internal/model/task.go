// Package model defines the core data types shared across the orchestration
// kernel: Task, TaskResult, AgentConfig, AgentState, AgentMessage, and
// WorkspaceContainer.
//
// These are plain value types with no behavior beyond validation and small
// helpers — the kernel's components (channel, protocol, workspace, agent,
// taskqueue, orchestrator) operate on them but none of them own this
// package.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskType is the enumerated task kind. It is extensible: unrecognized
// values are accepted and treated like "generic" by the agent runtime.
type TaskType string

const (
	TaskTypeCodeReview     TaskType = "code_review"
	TaskTypeRefactor       TaskType = "refactor"
	TaskTypeTestGeneration TaskType = "test_generation"
	TaskTypeAnalysis       TaskType = "analysis"
	TaskTypeGeneric        TaskType = "generic"
)

// CoordinationStrategy selects how a parallel task's subtasks are run.
// See SPEC_FULL.md §3 for the semantics of each value.
type CoordinationStrategy string

const (
	// StrategyFanout runs all subtasks concurrently (the default).
	StrategyFanout CoordinationStrategy = "fanout"
	// StrategyPipeline runs subtasks in sequence, substituting "{{prev}}"
	// in each subtask's description with the previous subtask's output.
	StrategyPipeline CoordinationStrategy = "pipeline"
	// StrategyBroadcast replicates the parent description to every
	// available agent concurrently, ignoring Subtasks.
	StrategyBroadcast CoordinationStrategy = "broadcast"
)

// DefaultTaskTimeout is what Task.EffectiveTimeout returns when a Task's
// Timeout is zero or negative.
const DefaultTaskTimeout = 300 * time.Second

// Task describes one unit of work submitted to the kernel.
type Task struct {
	TaskID      string                `json:"task_id"`
	TaskType    TaskType              `json:"task_type"`
	Description string                `json:"description"`
	Files       []string              `json:"files,omitempty"`
	Parallel    bool                  `json:"parallel,omitempty"`
	Subtasks    []*Task               `json:"subtasks,omitempty"`
	Priority    int                   `json:"priority"`
	Timeout     time.Duration         `json:"timeout"`
	Strategy    CoordinationStrategy  `json:"strategy,omitempty"`

	// EnqueuedAt is stamped by the task queue on Enqueue and used for the
	// FIFO-within-priority ordering and for age-based re-prioritization.
	// It is not part of the wire contract a submitter fills in.
	EnqueuedAt time.Time `json:"-"`
}

// Validate enforces the invariants from spec.md §3: task_type defaults to
// generic, parallel requires at least one subtask, priority defaults to 5
// when zero and is otherwise rejected outside [1,10], and subtasks inherit the parent's timeout unless they set their
// own (open question #3, resolved in favor of inheritance).
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task_validation_error: task_id is required")
	}
	if t.TaskType == "" {
		t.TaskType = TaskTypeGeneric
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.Priority < 1 || t.Priority > 10 {
		return fmt.Errorf("task_validation_error: priority %d out of range [1,10]", t.Priority)
	}
	if t.Parallel && len(t.Subtasks) == 0 {
		return fmt.Errorf("task_validation_error: parallel task %s has no subtasks", t.TaskID)
	}
	if t.Strategy == "" {
		t.Strategy = StrategyFanout
	}
	for _, sub := range t.Subtasks {
		if sub.Timeout == 0 {
			sub.Timeout = t.Timeout
		}
		if sub.Priority == 0 {
			sub.Priority = t.Priority
		}
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveTimeout returns Timeout, defaulting to DefaultTaskTimeout when
// unset. Dispatcher.ExecuteTask checks Timeout == 0 itself, before a task
// ever reaches this helper, and returns TaskResult(status=timeout)
// immediately (spec.md §8 "Task with timeout=0") instead of defaulting —
// every other caller (subtask windows, bounding a per-task context) wants
// the 300s default for an unset timeout and goes through EffectiveTimeout
// directly.
func (t *Task) EffectiveTimeout() time.Duration {
	if t.Timeout <= 0 {
		return DefaultTaskTimeout
	}
	return t.Timeout
}

// TaskStatus is the terminal or in-flight status of a TaskResult.
type TaskStatus string

const (
	StatusSuccess TaskStatus = "success"
	StatusFailed  TaskStatus = "failed"
	StatusTimeout TaskStatus = "timeout"
	StatusPartial TaskStatus = "partial"
)

// TaskResult is returned to the submitter for every dispatched task. It is
// never an exception for operational failures (spec.md §7): Status carries
// the outcome and Error carries a human-readable description when present.
type TaskResult struct {
	TaskID        string                 `json:"task_id"`
	AgentID       string                 `json:"agent_id"`
	Status        TaskStatus             `json:"status"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Timestamp     time.Time              `json:"timestamp"`
}

// NoAgent is the AgentID recorded for a TaskResult rejected before
// assignment (spec.md §3).
const NoAgent = "none"

// TaskFromPayload decodes a generic message payload (the wire shape an
// AgentMessage carries, spec.md §6) into a Task via a JSON round-trip.
func TaskFromPayload(payload map[string]interface{}) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("task_validation_error: encode payload: %w", err)
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("task_validation_error: decode payload: %w", err)
	}
	return &task, nil
}

// ToPayload encodes t into the generic payload map a task_request message
// carries.
func (t *Task) ToPayload() (map[string]interface{}, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// TaskResultFromPayload decodes a task_response payload into a TaskResult.
func TaskResultFromPayload(payload map[string]interface{}) (*TaskResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var result TaskResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ToPayload encodes r into the generic payload map a task_response message
// carries.
func (r *TaskResult) ToPayload() (map[string]interface{}, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
