package state

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/types"
)

var (
	// ErrUnknownTarget is returned when an id is not present in state.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrStale is returned when an update carries a timestamp at or before
	// the stored last_seen. The mutation is a no-op.
	ErrStale = errors.New("stale update")

	// ErrTerminalLocked is returned on attempts to transition an agent out
	// of TERMINATED.
	ErrTerminalLocked = errors.New("agent status is terminal")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")
)

// NodeSpec is the caller-supplied portion of a node registration.
type NodeSpec struct {
	Kind         types.NodeKind
	Address      string
	Capabilities string
}

// AgentSpec is the caller-supplied portion of an agent registration.
type AgentSpec struct {
	DisplayName    string
	Kind           string
	AssignedNodeID string
}

// Store is the authoritative in-memory map of nodes and agents. Reads are
// concurrent, writes are serialized. Mutations return a post-image copy
// together with the event describing the change; the caller publishes the
// event, keeping the store free of I/O.
type Store struct {
	mu     sync.RWMutex
	nodes  map[string]*types.Node
	agents map[string]*types.Agent
	now    func() time.Time
}

// NewStore creates an empty store using the wall clock.
func NewStore() *Store {
	return &Store{
		nodes:  make(map[string]*types.Node),
		agents: make(map[string]*types.Agent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the store's time source. Tests use this to freeze or
// step time.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// newID generates an id not present in either map. Ids are unique across
// nodes and agents, not merely within each map.
func (s *Store) newID() string {
	for {
		id := uuid.New().String()
		if _, ok := s.nodes[id]; ok {
			continue
		}
		if _, ok := s.agents[id]; ok {
			continue
		}
		return id
	}
}

// RegisterNode inserts a new node with a fresh id and status ONLINE.
// Registration is never idempotent; a reconnecting proxy gets a new id and
// its prior record ages out through the pruner.
func (s *Store) RegisterNode(spec NodeSpec) (*types.Node, *events.Event, error) {
	if !spec.Kind.Valid() {
		return nil, nil, fmt.Errorf("%w: invalid node kind %q", ErrValidation, spec.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node := &types.Node{
		ID:           s.newID(),
		Kind:         spec.Kind,
		Address:      spec.Address,
		Capabilities: spec.Capabilities,
		Status:       types.NodeStatusOnline,
		LastSeen:     s.now(),
	}
	s.nodes[node.ID] = node
	s.refreshGauges()

	event := &events.Event{
		Kind:    events.KindNodeRegistered,
		Source:  "state",
		Message: fmt.Sprintf("node %s joined the fabric", node.ID),
		Attributes: map[string]string{
			"node_id": node.ID,
			"kind":    string(node.Kind),
			"address": node.Address,
		},
	}
	return copyNode(node), event, nil
}

// RegisterAgent inserts a new agent in PENDING. When AssignedNodeID is set
// it must name a node currently in state.
func (s *Store) RegisterAgent(spec AgentSpec) (*types.Agent, *events.Event, error) {
	if spec.DisplayName == "" {
		return nil, nil, fmt.Errorf("%w: display_name is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if spec.AssignedNodeID != "" {
		if _, ok := s.nodes[spec.AssignedNodeID]; !ok {
			return nil, nil, fmt.Errorf("%w: node %s", ErrUnknownTarget, spec.AssignedNodeID)
		}
	}

	agent := &types.Agent{
		ID:             s.newID(),
		DisplayName:    spec.DisplayName,
		Kind:           spec.Kind,
		AssignedNodeID: spec.AssignedNodeID,
		Status:         types.AgentStatusPending,
		LastSeen:       s.now(),
	}
	s.agents[agent.ID] = agent
	s.refreshGauges()

	attrs := map[string]string{
		"agent_id":     agent.ID,
		"display_name": agent.DisplayName,
		"kind":         agent.Kind,
	}
	if agent.AssignedNodeID != "" {
		attrs["node_id"] = agent.AssignedNodeID
	}
	event := &events.Event{
		Kind:       events.KindAgentRegistered,
		Source:     "state",
		Message:    fmt.Sprintf("agent %s (%s) registered", agent.ID, agent.DisplayName),
		Attributes: attrs,
	}
	return copyAgent(agent), event, nil
}

// ApplyNodeStatus records a node status update. A zero ts means "now".
// Updates at or before the stored last_seen return ErrStale and change
// nothing.
func (s *Store) ApplyNodeStatus(id string, status types.NodeStatus, telemetry *types.Telemetry, ts time.Time) (*types.Node, *events.Event, error) {
	if !status.Valid() {
		return nil, nil, fmt.Errorf("%w: invalid node status %q", ErrValidation, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: node %s", ErrUnknownTarget, id)
	}

	if ts.IsZero() {
		ts = s.now()
	}
	if !ts.After(node.LastSeen) {
		return nil, nil, ErrStale
	}

	oldStatus := node.Status
	node.Status = status
	node.LastSeen = ts
	if telemetry != nil {
		t := *telemetry
		if t.Timestamp.IsZero() {
			t.Timestamp = ts
		}
		node.Telemetry = &t
	}
	s.refreshGauges()

	event := &events.Event{
		Kind:    events.KindNodeStatusUpdated,
		Source:  "state",
		Message: fmt.Sprintf("node %s is %s", id, status),
		Attributes: map[string]string{
			"node_id":    id,
			"old_status": string(oldStatus),
			"new_status": string(status),
		},
		Telemetry: node.Telemetry,
	}
	return copyNode(node), event, nil
}

// ApplyAgentStatus records an agent status update. Nil task and progress
// leave the stored values untouched; progress is clamped to [0,1]. A
// transition into TERMINATED clears the current task and progress, and
// TERMINATED cannot be left afterwards.
func (s *Store) ApplyAgentStatus(id string, status types.AgentStatus, task *string, progress *float64, ts time.Time) (*types.Agent, *events.Event, error) {
	if !status.Valid() {
		return nil, nil, fmt.Errorf("%w: invalid agent status %q", ErrValidation, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: agent %s", ErrUnknownTarget, id)
	}
	if agent.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: agent %s", ErrTerminalLocked, id)
	}

	if ts.IsZero() {
		ts = s.now()
	}
	if !ts.After(agent.LastSeen) {
		return nil, nil, ErrStale
	}

	oldStatus := agent.Status
	agent.Status = status
	agent.LastSeen = ts
	if task != nil {
		agent.CurrentTask = *task
	}
	if progress != nil {
		p := types.ClampProgress(*progress)
		agent.TaskProgress = &p
	}
	if status.Terminal() {
		agent.CurrentTask = ""
		agent.TaskProgress = nil
	}
	s.refreshGauges()

	attrs := map[string]string{
		"agent_id":   id,
		"old_status": string(oldStatus),
		"new_status": string(status),
	}
	if agent.CurrentTask != "" {
		attrs["current_task"] = agent.CurrentTask
	}
	if agent.TaskProgress != nil {
		attrs["task_progress"] = strconv.FormatFloat(*agent.TaskProgress, 'f', -1, 64)
	}
	event := &events.Event{
		Kind:       events.KindAgentStatusUpdated,
		Source:     "state",
		Message:    fmt.Sprintf("agent %s is %s", id, status),
		Attributes: attrs,
	}
	return copyAgent(agent), event, nil
}

// AssignAgent binds an agent to a node currently in state, recording a
// scheduling or migration decision. Re-assigning the node the agent
// already lives on is a no-op and returns no event.
func (s *Store) AssignAgent(agentID, nodeID string) (*types.Agent, *events.Event, error) {
	if nodeID == "" {
		return nil, nil, fmt.Errorf("%w: node id is required", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: agent %s", ErrUnknownTarget, agentID)
	}
	if agent.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: agent %s", ErrTerminalLocked, agentID)
	}
	if _, ok := s.nodes[nodeID]; !ok {
		return nil, nil, fmt.Errorf("%w: node %s", ErrUnknownTarget, nodeID)
	}
	if agent.AssignedNodeID == nodeID {
		return copyAgent(agent), nil, nil
	}

	oldNode := agent.AssignedNodeID
	agent.AssignedNodeID = nodeID

	attrs := map[string]string{
		"agent_id":   agentID,
		"node_id":    nodeID,
		"old_status": string(agent.Status),
		"new_status": string(agent.Status),
	}
	if oldNode != "" {
		attrs["old_node_id"] = oldNode
	}
	event := &events.Event{
		Kind:       events.KindAgentStatusUpdated,
		Source:     "state",
		Message:    fmt.Sprintf("agent %s assigned to node %s", agentID, nodeID),
		Attributes: attrs,
	}
	return copyAgent(agent), event, nil
}

// MarkAgentLost forces a non-terminal agent into ERROR, bypassing the
// timestamp check. The pruner uses it when an agent's node disappears. The
// agent's own last_seen is left untouched so it still ages out on its own
// schedule.
func (s *Store) MarkAgentLost(id, reason string) (*types.Agent, *events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: agent %s", ErrUnknownTarget, id)
	}
	if agent.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: agent %s", ErrTerminalLocked, id)
	}

	oldStatus := agent.Status
	agent.Status = types.AgentStatusError
	s.refreshGauges()

	event := &events.Event{
		Kind:    events.KindAgentStatusUpdated,
		Source:  "state",
		Message: fmt.Sprintf("agent %s lost: %s", id, reason),
		Attributes: map[string]string{
			"agent_id":   id,
			"old_status": string(oldStatus),
			"new_status": string(types.AgentStatusError),
			"reason":     reason,
		},
	}
	return copyAgent(agent), event, nil
}

// RemoveNode deletes a node from state.
func (s *Store) RemoveNode(id string) (*types.Node, *events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: node %s", ErrUnknownTarget, id)
	}
	delete(s.nodes, id)
	s.refreshGauges()

	event := &events.Event{
		Kind:    events.KindNodePruned,
		Source:  "state",
		Message: fmt.Sprintf("node %s removed from the fabric", id),
		Attributes: map[string]string{
			"node_id": id,
		},
	}
	return copyNode(node), event, nil
}

// RemoveAgent deletes an agent from state.
func (s *Store) RemoveAgent(id string) (*types.Agent, *events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: agent %s", ErrUnknownTarget, id)
	}
	delete(s.agents, id)
	s.refreshGauges()

	event := &events.Event{
		Kind:    events.KindAgentPruned,
		Source:  "state",
		Message: fmt.Sprintf("agent %s removed from the fabric", id),
		Attributes: map[string]string{
			"agent_id": id,
		},
	}
	return copyAgent(agent), event, nil
}

// GetNode returns a copy of the node, if present.
func (s *Store) GetNode(id string) (*types.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return copyNode(node), true
}

// GetAgent returns a copy of the agent, if present.
func (s *Store) GetAgent(id string) (*types.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	return copyAgent(agent), true
}

// AgentsOnNode returns copies of all agents assigned to the given node.
func (s *Store) AgentsOnNode(nodeID string) []types.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Agent
	for _, agent := range s.agents {
		if agent.AssignedNodeID == nodeID {
			out = append(out, *copyAgent(agent))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns a point-in-time deep copy of both maps, sorted by id.
func (s *Store) Snapshot() ([]types.Node, []types.Agent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]types.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, *copyNode(node))
	}
	agents := make([]types.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, *copyAgent(agent))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return nodes, agents
}

// refreshGauges recomputes the per-status fabric size metrics. Called with
// the write lock held.
func (s *Store) refreshGauges() {
	metrics.NodesTotal.Reset()
	for _, node := range s.nodes {
		metrics.NodesTotal.WithLabelValues(string(node.Status)).Inc()
	}
	metrics.AgentsTotal.Reset()
	for _, agent := range s.agents {
		metrics.AgentsTotal.WithLabelValues(string(agent.Status)).Inc()
	}
}

func copyNode(node *types.Node) *types.Node {
	out := *node
	if node.Telemetry != nil {
		t := *node.Telemetry
		out.Telemetry = &t
	}
	return &out
}

func copyAgent(agent *types.Agent) *types.Agent {
	out := *agent
	if agent.TaskProgress != nil {
		p := *agent.TaskProgress
		out.TaskProgress = &p
	}
	return &out
}
