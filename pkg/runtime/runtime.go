package runtime

import (
	"context"
	"errors"
	"time"
)

// Labels every managed container carries so ListManaged can recover the
// proxy's view after a restart.
const (
	LabelManagedBy = "managed_by"
	LabelAgentID   = "agent_id"
	LabelAgentKind = "agent_kind"

	// ManagedByValue marks containers owned by a loom proxy.
	ManagedByValue = "loom"
)

// ErrNotFound is returned when a container id is unknown to the runtime.
var ErrNotFound = errors.New("container not found")

// ContainerState is the runtime's view of a container.
type ContainerState string

const (
	StateCreated ContainerState = "CREATED"
	StateRunning ContainerState = "RUNNING"
	StateStopped ContainerState = "STOPPED"
	StateFailed  ContainerState = "FAILED"
	StateUnknown ContainerState = "UNKNOWN"
)

// Mount is a host path mounted into a container.
type Mount struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	ReadOnly    bool   `json:"read_only"`
}

// Spec describes a container to create. AgentID and AgentKind become
// labels alongside the managed-by marker.
type Spec struct {
	AgentID   string            `json:"agent_id"`
	AgentKind string            `json:"agent_kind"`
	Image     string            `json:"image"`
	Env       []string          `json:"env,omitempty"`
	Mounts    []Mount           `json:"mounts,omitempty"`
	MemoryMB  int64             `json:"memory_mb,omitempty"`
	CPUShares int64             `json:"cpu_shares,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// ContainerInfo is one entry of a ListManaged result.
type ContainerInfo struct {
	ID     string
	Image  string
	State  ContainerState
	Labels map[string]string
}

// Runtime is the container lifecycle contract the proxy depends on.
// Backends: containerd for real nodes, Memory for tests.
type Runtime interface {
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec Spec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerState, error)
	ReadLogs(ctx context.Context, id string, tail int) (string, error)
	ListManaged(ctx context.Context) ([]ContainerInfo, error)
	Close() error
}

// ManagedLabels builds the label set for a spec: the managed-by marker,
// the agent identity, and any caller-supplied labels.
func ManagedLabels(spec Spec) map[string]string {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelAgentID:   spec.AgentID,
		LabelAgentKind: spec.AgentKind,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	return labels
}
