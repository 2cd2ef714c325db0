package types

import (
	"time"
)

// FabricGlobal is the sentinel command target that addresses every proxy.
const FabricGlobal = "FABRIC_GLOBAL"

// NodeKind classifies a compute host participating in the fabric.
type NodeKind string

const (
	NodeKindHeavyHost  NodeKind = "HEAVY_HOST"
	NodeKindLightHost  NodeKind = "LIGHT_HOST"
	NodeKindAgentProxy NodeKind = "AGENT_PROXY"
	NodeKindUnknown    NodeKind = "UNKNOWN"
)

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindHeavyHost, NodeKindLightHost, NodeKindAgentProxy, NodeKindUnknown:
		return true
	}
	return false
}

// NodeStatus represents the current state of a node.
type NodeStatus string

const (
	NodeStatusOnline   NodeStatus = "ONLINE"
	NodeStatusDegraded NodeStatus = "DEGRADED"
	NodeStatusOffline  NodeStatus = "OFFLINE"
)

// Valid reports whether s is a known node status.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusOnline, NodeStatusDegraded, NodeStatusOffline:
		return true
	}
	return false
}

// AgentStatus represents the lifecycle state of an agent workload.
type AgentStatus string

const (
	AgentStatusPending    AgentStatus = "PENDING"
	AgentStatusRunning    AgentStatus = "RUNNING"
	AgentStatusIdle       AgentStatus = "IDLE"
	AgentStatusError      AgentStatus = "ERROR"
	AgentStatusTerminated AgentStatus = "TERMINATED"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusPending, AgentStatusRunning, AgentStatusIdle,
		AgentStatusError, AgentStatusTerminated:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s AgentStatus) Terminal() bool {
	return s == AgentStatusTerminated
}

// StatusTarget discriminates what entity an UpdateStatus addresses.
type StatusTarget string

const (
	TargetNode  StatusTarget = "NODE"
	TargetAgent StatusTarget = "AGENT"
)

// CommandKind enumerates operator-initiated actions.
type CommandKind string

const (
	CommandDeployAgent  CommandKind = "DEPLOY_AGENT"
	CommandStopAgent    CommandKind = "STOP_AGENT"
	CommandRestartAgent CommandKind = "RESTART_AGENT"
	CommandMigrateAgent CommandKind = "MIGRATE_AGENT"
	CommandRebootNode   CommandKind = "REBOOT_NODE"
	CommandSetPriority  CommandKind = "SET_PRIORITY"
	CommandScale        CommandKind = "SCALE"
)

// Valid reports whether k is a known command kind.
func (k CommandKind) Valid() bool {
	switch k {
	case CommandDeployAgent, CommandStopAgent, CommandRestartAgent,
		CommandMigrateAgent, CommandRebootNode, CommandSetPriority, CommandScale:
		return true
	}
	return false
}

// Telemetry is an immutable resource-utilization snapshot attached to a
// node status update.
type Telemetry struct {
	CPUFraction    float64   `json:"cpu_fraction"`
	MemoryFraction float64   `json:"memory_fraction"`
	NetInBps       int64     `json:"net_in_bps"`
	NetOutBps      int64     `json:"net_out_bps"`
	DiskUsedBytes  int64     `json:"disk_used_bytes"`
	Timestamp      time.Time `json:"timestamp"`
}

// Node is a compute host registered with the Nexus. The state store owns the
// authoritative copy; everything handed out through its API is a copy.
type Node struct {
	ID           string     `json:"id"`
	Kind         NodeKind   `json:"kind"`
	Address      string     `json:"address"`
	Capabilities string     `json:"capabilities"`
	Status       NodeStatus `json:"status"`
	LastSeen     time.Time  `json:"last_seen"`
	Telemetry    *Telemetry `json:"latest_telemetry,omitempty"`
}

// Agent is a logical workload unit, typically backed by a container on its
// assigned node. An empty AssignedNodeID means unscheduled.
type Agent struct {
	ID             string      `json:"id"`
	DisplayName    string      `json:"display_name"`
	Kind           string      `json:"kind"`
	AssignedNodeID string      `json:"assigned_node_id,omitempty"`
	Status         AgentStatus `json:"status"`
	CurrentTask    string      `json:"current_task,omitempty"`
	TaskProgress   *float64    `json:"task_progress,omitempty"`
	LastSeen       time.Time   `json:"last_seen"`
}

// Command is an operator-initiated action routed by the dispatcher to a
// proxy. Commands are ephemeral: they live in dispatcher queues until
// delivered or expired and are never persisted.
type Command struct {
	ID         string            `json:"id"`
	TargetID   string            `json:"target_id"`
	Kind       CommandKind       `json:"kind"`
	Parameters map[string]string `json:"parameters,omitempty"`
	IssuedAt   time.Time         `json:"issued_at"`

	// NodeID is the proxy the dispatcher resolved the command to. For an
	// agent-scoped command against an unscheduled agent this records the
	// scheduling decision.
	NodeID string `json:"node_id,omitempty"`
}

// ClampProgress coerces a task-progress value into [0, 1].
func ClampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
