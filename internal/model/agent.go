package model

import "time"

// AgentState is the lifecycle state of one Agent Runtime, per spec.md §3.
type AgentState string

const (
	AgentCreated  AgentState = "created"
	AgentStarting AgentState = "starting"
	AgentIdle     AgentState = "idle"
	AgentBusy     AgentState = "busy"
	AgentStopping AgentState = "stopping"
	AgentStopped  AgentState = "stopped"
	AgentFailed   AgentState = "failed"
)

// CanTransitionTo reports whether the state machine in spec.md §3 permits
// moving from s to next. "any→failed" and "any→stopping" are always legal;
// the remaining transitions follow the documented path strictly so a buggy
// caller cannot skip the handshake steps.
func (s AgentState) CanTransitionTo(next AgentState) bool {
	if next == AgentFailed || next == AgentStopping {
		return true
	}
	switch s {
	case AgentCreated:
		return next == AgentStarting
	case AgentStarting:
		return next == AgentIdle
	case AgentIdle:
		return next == AgentBusy
	case AgentBusy:
		return next == AgentIdle
	case AgentStopping:
		return next == AgentStopped
	}
	return false
}

// AgentConfig describes how to provision one agent's workspace container
// and worker process (spec.md §3).
type AgentConfig struct {
	AgentID         string            `json:"agent_id"`
	ContainerName   string            `json:"container_name"`
	WorkDir         string            `json:"work_dir"`
	BaseImage       string            `json:"base_image"`
	MemoryLimit     string            `json:"memory_limit"`
	CPULimit        string            `json:"cpu_limit"`
	EnvironmentTag  string            `json:"environment_tag"`
	SnapshotEnabled bool              `json:"snapshots_enabled"`
	Labels          map[string]string `json:"labels,omitempty"`

	// BrokerSocketPath, when non-empty, is the broker socket the agent
	// dials as a client Channel on Start (spec.md §2, §4.4 step 5), so it
	// can both receive peer-to-peer task_requests and issue its own via
	// DelegateTask. Empty disables peer-to-peer for this agent.
	BrokerSocketPath string `json:"broker_socket_path,omitempty"`
	BrokerAuthSecret string `json:"-"`
}

// ContainerName returns the conventional container name for an agent ID,
// honoring the naming pattern from spec.md §6.
func ContainerName(agentID string) string {
	return "claude_agent_" + agentID
}

// WorkspaceContainer describes the provisioned container backing one
// agent, as returned by the Workspace Controller (spec.md §3/§4.3).
type WorkspaceContainer struct {
	ContainerID   string            `json:"container_id"`
	Config        *AgentConfig      `json:"config"`
	CreatedAt     time.Time         `json:"created_at"`
	Status        string            `json:"status"`
	WorkspacePath string            `json:"workspace_path"`
	PortMappings  map[int]int       `json:"port_mappings,omitempty"`
}
