// Package docker is the Docker-backed Workspace Controller (spec.md §4.3).
//
// Adapted from the teacher's internal/nodemanager/runtime/docker package:
// same moby/moby/client call shapes, generalized from "run an agent task
// container" to "own one agent's long-lived isolated workspace, with
// commit-based snapshot/restore."
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"

	"orchestratord/internal/errs"
	"orchestratord/internal/logging"
	"orchestratord/internal/model"
	"orchestratord/internal/shared/objstore"
	"orchestratord/internal/workspace"
)

// defaultCapDrop and defaultSecurityOpt implement spec.md §6's per-agent
// container hardening: "Default caps dropped: ALL; no-new-privileges set."
var (
	defaultCapDrop    = []string{"ALL"}
	defaultSecurityOpt = []string{"no-new-privileges"}
)

// Controller is the Docker-backed workspace.Controller.
type Controller struct {
	client        *client.Client
	workspaceRoot string
	archive       *objstore.Client // nil when snapshot archival is disabled
	logger        *logging.Logger

	breakersMu sync.Mutex
	breakers   map[string]*errs.CircuitBreaker // keyed by agent_id, SPEC_FULL.md §4.7a
}

// New constructs a Controller bound to the local Docker daemon (via the
// standard DOCKER_HOST/DOCKER_* environment). archive may be nil to disable
// the optional MinIO snapshot-archival tier.
func New(workspaceRoot string, archive *objstore.Client, logger *logging.Logger) (*Controller, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("container_error: create docker client: %w", err)
	}
	return &Controller{
		client:        cli,
		workspaceRoot: workspaceRoot,
		archive:       archive,
		logger:        logger,
		breakers:      make(map[string]*errs.CircuitBreaker),
	}, nil
}

var _ workspace.Controller = (*Controller)(nil)

func (c *Controller) breakerFor(agentID string) *errs.CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	b, ok := c.breakers[agentID]
	if !ok {
		b = errs.NewCircuitBreaker(5, 30*time.Second)
		c.breakers[agentID] = b
	}
	return b
}

// CreateWorkspace creates and starts a container per cfg, retrying
// bind/start failures with backoff and tripping a per-agent circuit
// breaker after repeated container_errors (SPEC_FULL.md §4.7a).
func (c *Controller) CreateWorkspace(ctx context.Context, cfg *model.AgentConfig) (*model.WorkspaceContainer, error) {
	breaker := c.breakerFor(cfg.AgentID)
	if !breaker.Allow() {
		return nil, errs.New(errs.KindCircuitOpen, "workspace", "create_workspace",
			fmt.Sprintf("circuit open for agent %s", cfg.AgentID), nil)
	}

	if err := c.removeExistingByName(ctx, cfg.ContainerName); err != nil {
		breaker.RecordFailure()
		return nil, errs.New(errs.KindContainer, "workspace", "create_workspace", "remove stale container failed", err)
	}

	hostPath := c.workspaceRoot + "/" + cfg.AgentID
	opts := client.ContainerCreateOptions{
		Name:  cfg.ContainerName,
		Image: cfg.BaseImage,
		Config: &container.Config{
			WorkingDir: "/workspace",
			Env:        envFor(cfg),
			Labels:     cfg.Labels,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: &container.HostConfig{
			Binds:       []string{hostPath + ":/workspace"},
			CapDrop:     defaultCapDrop,
			SecurityOpt: defaultSecurityOpt,
			Resources:   resourcesFor(cfg),
		},
	}

	var containerID string
	err := errs.Do(ctx, errs.DefaultRetryConfig(), func(attempt uint) error {
		result, createErr := c.client.ContainerCreate(ctx, opts)
		if createErr != nil {
			return createErr
		}
		if _, startErr := c.client.ContainerStart(ctx, result.ID, client.ContainerStartOptions{}); startErr != nil {
			if _, removeErr := c.client.ContainerRemove(ctx, result.ID, client.ContainerRemoveOptions{Force: true}); removeErr != nil && !errdefs.IsNotFound(removeErr) && c.logger != nil {
				c.logger.WithError(removeErr).Warn("workspace: cleanup of failed-start container failed", "container_id", result.ID)
			}
			return startErr
		}
		containerID = result.ID
		return nil
	})
	if err != nil {
		breaker.RecordFailure()
		return nil, errs.New(errs.KindContainer, "workspace", "create_workspace", "create/start failed", err)
	}
	breaker.RecordSuccess()

	return &model.WorkspaceContainer{
		ContainerID:   containerID,
		Config:        cfg,
		CreatedAt:     time.Now(),
		Status:        string(container.StateRunning),
		WorkspacePath: hostPath,
	}, nil
}

// removeExistingByName removes a container left over from a previous run
// under name, so CreateWorkspace's fixed per-agent container name (spec.md
// §4.3) never collides with a stale container. A missing container is not
// an error.
func (c *Controller) removeExistingByName(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	if _, err := c.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if _, err := c.client.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func envFor(cfg *model.AgentConfig) []string {
	if cfg.EnvironmentTag == "" {
		return nil
	}
	return []string{"ORCHESTRATOR_ENVIRONMENT_TAG=" + cfg.EnvironmentTag}
}

func resourcesFor(cfg *model.AgentConfig) container.Resources {
	return container.Resources{
		Memory:    parseMemoryLimit(cfg.MemoryLimit),
		NanoCPUs:  parseCPULimit(cfg.CPULimit),
		PidsLimit: intPtr(1024),
	}
}

func intPtr(v int64) *int64 { return &v }

// parseMemoryLimit parses a human memory limit ("512m", "2g", "") into
// bytes. An empty or unparseable limit yields 0, which the Docker API
// treats as "unlimited".
func parseMemoryLimit(limit string) int64 {
	limit = strings.TrimSpace(strings.ToLower(limit))
	if limit == "" {
		return 0
	}

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(limit, "g"):
		multiplier = 1 << 30
		limit = strings.TrimSuffix(limit, "g")
	case strings.HasSuffix(limit, "m"):
		multiplier = 1 << 20
		limit = strings.TrimSuffix(limit, "m")
	case strings.HasSuffix(limit, "k"):
		multiplier = 1 << 10
		limit = strings.TrimSuffix(limit, "k")
	case strings.HasSuffix(limit, "b"):
		limit = strings.TrimSuffix(limit, "b")
	}

	value, err := strconv.ParseFloat(limit, 64)
	if err != nil {
		return 0
	}
	return int64(value * float64(multiplier))
}

// parseCPULimit parses a fractional CPU count ("1.5", "0.5", "") into the
// container.Resources NanoCPUs unit (1 CPU = 1e9 NanoCPUs). An empty or
// unparseable limit yields 0 ("unlimited").
func parseCPULimit(limit string) int64 {
	limit = strings.TrimSpace(limit)
	if limit == "" {
		return 0
	}
	value, err := strconv.ParseFloat(limit, 64)
	if err != nil || value <= 0 {
		return 0
	}
	return int64(value * 1e9)
}

// Exec runs cmd inside containerID and waits for it to exit, mirroring the
// teacher's ExecCreate/ExecAttach/ExecInspect sequence.
func (c *Controller) Exec(ctx context.Context, containerID string, cmd []string) (*workspace.ExecResult, error) {
	exec, err := c.client.ExecCreate(ctx, containerID, client.ExecCreateOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, errs.New(errs.KindContainer, "workspace", "exec", "exec create failed", err)
	}

	attach, err := c.client.ExecAttach(ctx, exec.ID, client.ExecAttachOptions{})
	if err != nil {
		return nil, errs.New(errs.KindContainer, "workspace", "exec", "exec attach failed", err)
	}
	defer attach.Close()

	var stdout bytes.Buffer
	if _, err := io.Copy(&stdout, attach.Reader); err != nil {
		return nil, errs.New(errs.KindContainer, "workspace", "exec", "read exec output failed", err)
	}

	inspect, err := c.client.ExecInspect(ctx, exec.ID, client.ExecInspectOptions{})
	if err != nil {
		return nil, errs.New(errs.KindContainer, "workspace", "exec", "exec inspect failed", err)
	}

	return &workspace.ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String()}, nil
}

// CreateSnapshot commits containerID's filesystem to a named image. When
// the archival tier is enabled, the snapshot is additionally exported as a
// tarball and uploaded to the configured MinIO bucket; a failure in that
// secondary step is logged, not returned, since the snapshot itself has
// already succeeded by the time archival runs.
func (c *Controller) CreateSnapshot(ctx context.Context, containerID, name string) (string, error) {
	if name == "" {
		name = fmt.Sprintf("snapshot-%d", time.Now().Unix())
	}

	commit, err := errs.RetryResult(ctx, errs.DefaultRetryConfig(), func() (client.ContainerCommitResult, error) {
		return c.client.ContainerCommit(ctx, containerID, client.ContainerCommitOptions{
			Reference: "claude-agent-snapshot:" + name,
		})
	})
	if err != nil {
		return "", errs.New(errs.KindContainer, "workspace", "create_snapshot", "commit failed", err)
	}

	if c.archive != nil {
		if err := c.archiveSnapshot(ctx, containerID, name); err != nil && c.logger != nil {
			c.logger.WithError(err).Warn("workspace: snapshot archival upload failed", "container_id", containerID, "snapshot", name)
		}
	}

	return commit.ID, nil
}

func (c *Controller) archiveSnapshot(ctx context.Context, containerID, name string) error {
	export, err := c.client.ContainerExport(ctx, containerID, client.ContainerExportOptions{})
	if err != nil {
		return fmt.Errorf("export container: %w", err)
	}
	defer export.Close()

	key := fmt.Sprintf("snapshots/%s/%s.tar", containerID, name)
	return c.archive.Upload(ctx, key, export, -1, "application/x-tar")
}

// RestoreSnapshot creates a fresh container for agentID from snapshotImage.
func (c *Controller) RestoreSnapshot(ctx context.Context, agentID, snapshotImage string, cfg *model.AgentConfig) (*model.WorkspaceContainer, error) {
	restored := *cfg
	restored.AgentID = agentID
	restored.BaseImage = snapshotImage
	return c.CreateWorkspace(ctx, &restored)
}

// Logs streams containerID's log output.
func (c *Controller) Logs(ctx context.Context, containerID string, tail int) (io.ReadCloser, error) {
	tailStr := "all"
	if tail > 0 {
		tailStr = fmt.Sprintf("%d", tail)
	}
	return c.client.ContainerLogs(ctx, containerID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailStr,
	})
}

// Cleanup stops and removes containerID. Already-absent containers are not
// an error, matching spec.md §8's cleanup-idempotence requirement.
func (c *Controller) Cleanup(ctx context.Context, containerID string, force bool) error {
	_, err := c.client.ContainerStop(ctx, containerID, client.ContainerStopOptions{})
	if err != nil && !errdefs.IsNotFound(err) {
		if c.logger != nil {
			c.logger.WithError(err).Warn("workspace: stop failed before remove", "container_id", containerID)
		}
	}
	_, err = c.client.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{Force: force})
	if err != nil && !errdefs.IsNotFound(err) {
		return errs.New(errs.KindContainer, "workspace", "cleanup", "remove failed", err)
	}
	return nil
}

// Close releases the underlying Docker client connection.
func (c *Controller) Close() error {
	return c.client.Close()
}
