package events

import (
	"time"

	"github.com/loomworks/loom/pkg/types"
)

// Kind identifies the type of a fabric event. The set is closed; control
// surfaces switch on it.
type Kind string

const (
	KindNodeRegistered     Kind = "NODE_REGISTERED"
	KindNodeStatusUpdated  Kind = "NODE_STATUS_UPDATED"
	KindNodePruned         Kind = "NODE_PRUNED"
	KindAgentRegistered    Kind = "AGENT_REGISTERED"
	KindAgentStatusUpdated Kind = "AGENT_STATUS_UPDATED"
	KindAgentPruned        Kind = "AGENT_PRUNED"
	KindCommandSubmitted   Kind = "COMMAND_SUBMITTED"
	KindCommandDelivered   Kind = "COMMAND_DELIVERED"
	KindCommandCompleted   Kind = "COMMAND_COMPLETED"
	KindCommandFailed      Kind = "COMMAND_FAILED"
	KindStreamLagged       Kind = "STREAM_LAGGED"
	KindSnapshotBegin      Kind = "SNAPSHOT_BEGIN"
	KindSnapshotEnd        Kind = "SNAPSHOT_END"
)

// Event is an externalized change notification. Attributes carry the ids
// and deltas relevant to the kind (agent_id, old_status, new_status, ...).
type Event struct {
	ID         string            `json:"event_id"`
	Kind       Kind              `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	Source     string            `json:"source"`
	Message    string            `json:"message,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Telemetry  *types.Telemetry  `json:"telemetry,omitempty"`
}
