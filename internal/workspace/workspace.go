// Package workspace defines the Workspace Controller abstraction: per-agent
// isolated execution environments, their lifecycle, and snapshot/restore
// (spec.md §4.3). internal/workspace/docker provides the Docker-backed
// implementation; the interface here lets internal/agent depend on the
// concept without depending on Docker directly.
package workspace

import (
	"context"
	"io"

	"orchestratord/internal/model"
)

// ExecResult is the outcome of running one command inside a workspace.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Controller provisions, executes in, snapshots, and tears down one
// agent's isolated workspace.
type Controller interface {
	// CreateWorkspace provisions a new container for cfg, binding
	// <workspace_root>/<agent_id> to /workspace in the guest, and returns
	// once the container is running.
	CreateWorkspace(ctx context.Context, cfg *model.AgentConfig) (*model.WorkspaceContainer, error)

	// Exec runs cmd inside the workspace identified by containerID and
	// waits for it to exit.
	Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)

	// CreateSnapshot commits the workspace's current filesystem to a named
	// image. An empty name defaults to a time-based string. Multiple
	// snapshots per agent are allowed.
	CreateSnapshot(ctx context.Context, containerID, name string) (string, error)

	// RestoreSnapshot creates a fresh workspace for agentID from a
	// previously created snapshot image.
	RestoreSnapshot(ctx context.Context, agentID, snapshotImage string, cfg *model.AgentConfig) (*model.WorkspaceContainer, error)

	// Logs streams the workspace's container log output; tail<=0 means
	// all available history.
	Logs(ctx context.Context, containerID string, tail int) (io.ReadCloser, error)

	// Cleanup stops and removes the workspace. Idempotent: cleaning up an
	// already-absent container is not an error.
	Cleanup(ctx context.Context, containerID string, force bool) error
}
