package wire

import (
	"time"

	"github.com/loomworks/loom/pkg/types"
)

// StatusCode classifies the outcome of a unary call. Codes travel inside
// the response body so callers can distinguish semantic failures from
// transport errors.
type StatusCode string

const (
	StatusOK             StatusCode = "OK"
	StatusStale          StatusCode = "STALE"
	StatusUnknownTarget  StatusCode = "UNKNOWN_TARGET"
	StatusTerminalLocked StatusCode = "TERMINAL_LOCKED"
	StatusInvalid        StatusCode = "INVALID"
)

// ResultPhase reports how far a delivered command got on the proxy.
type ResultPhase string

const (
	PhaseAccepted  ResultPhase = "ACCEPTED"
	PhaseCompleted ResultPhase = "COMPLETED"
	PhaseFailed    ResultPhase = "FAILED"
)

type RegisterNodeRequest struct {
	Kind         types.NodeKind `json:"kind"`
	Address      string         `json:"address"`
	Capabilities string         `json:"capabilities"`
}

type RegisterNodeResponse struct {
	NodeID  string     `json:"node_id"`
	Status  StatusCode `json:"status"`
	Message string     `json:"message,omitempty"`
}

type RegisterAgentRequest struct {
	DisplayName    string `json:"display_name"`
	Kind           string `json:"kind"`
	AssignedNodeID string `json:"assigned_node_id,omitempty"`
}

type RegisterAgentResponse struct {
	AgentID string     `json:"agent_id"`
	Status  StatusCode `json:"status"`
	Message string     `json:"message,omitempty"`
}

// UpdateStatusRequest carries a status report for either a node or an
// agent; Target discriminates. A zero Timestamp means "server receive
// time". Telemetry applies only to nodes; CurrentTask and TaskProgress
// only to agents.
type UpdateStatusRequest struct {
	ID           string             `json:"id"`
	Target       types.StatusTarget `json:"target"`
	StatusValue  string             `json:"status_value"`
	Telemetry    *types.Telemetry   `json:"telemetry,omitempty"`
	CurrentTask  *string            `json:"current_task,omitempty"`
	TaskProgress *float64           `json:"task_progress,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

type UpdateStatusResponse struct {
	Status  StatusCode `json:"status"`
	Message string     `json:"message,omitempty"`
}

type StreamEventsRequest struct {
	IncludeSnapshot bool `json:"include_snapshot"`
}

// FabricEvent is the wire form of an event bus entry.
type FabricEvent struct {
	EventID    string            `json:"event_id"`
	Kind       string            `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	Source     string            `json:"source"`
	Message    string            `json:"message,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Telemetry  *types.Telemetry  `json:"telemetry,omitempty"`
}

type SubmitCommandRequest struct {
	TargetID   string            `json:"target_id"`
	Kind       types.CommandKind `json:"kind"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type SubmitCommandResponse struct {
	CommandID string `json:"command_id"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

// AttachProxyRequest opens the long-lived command channel for a registered
// node. The dispatcher writes commands into the returned stream.
type AttachProxyRequest struct {
	NodeID string `json:"node_id"`
}

// Command is the wire form of a dispatched command.
type Command struct {
	ID         string            `json:"command_id"`
	TargetID   string            `json:"target_id"`
	Kind       types.CommandKind `json:"kind"`
	Parameters map[string]string `json:"parameters,omitempty"`
	IssuedAt   time.Time         `json:"issued_at"`
	NodeID     string            `json:"node_id,omitempty"`
}

// CommandResultRequest reports command execution progress from a proxy.
// PhaseCompleted and PhaseFailed are terminal; PhaseAccepted acknowledges
// receipt and stops the dispatcher's delivery timeout.
type CommandResultRequest struct {
	CommandID string      `json:"command_id"`
	NodeID    string      `json:"node_id"`
	Phase     ResultPhase `json:"phase"`
	Error     string      `json:"error,omitempty"`
}

type CommandResultResponse struct {
	Status  StatusCode `json:"status"`
	Message string     `json:"message,omitempty"`
}
