package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/state"
	"github.com/loomworks/loom/pkg/types"
)

// Failure reasons carried in COMMAND_FAILED attributes.
const (
	ReasonUnknownTarget  = "UNKNOWN_TARGET"
	ReasonNoCapacity     = "NO_CAPACITY"
	ReasonProxyCongested = "PROXY_CONGESTED"
	ReasonTimeout        = "TIMEOUT"
	ReasonTransport      = "TRANSPORT"
	ReasonExecution      = "EXECUTION"
)

// requiresParam is the command parameter matched against node capabilities
// when scheduling an unassigned agent.
const requiresParam = "requires"

// migrateNodeParam names the destination node of a MIGRATE_AGENT command.
const migrateNodeParam = "target_node_id"

// sweepInterval is how often deadlines are checked.
const sweepInterval = time.Second

// Sender delivers one command to an attached proxy. The Nexus registers a
// sender per proxy when its command stream attaches.
type Sender interface {
	Send(cmd *types.Command) error
}

// Options tune dispatcher behavior. Zero fields take the documented
// defaults.
type Options struct {
	QueueDepth int           // per-proxy backlog, default 64
	Deadline   time.Duration // submission-to-terminal budget, default 60s
	AckTimeout time.Duration // delivery-to-ack budget, default 30s
}

func (o *Options) defaults() {
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.Deadline <= 0 {
		o.Deadline = 60 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 30 * time.Second
	}
}

// tracked is the dispatcher's record of one submitted command. Every
// command ends in exactly one terminal event; the terminal flag guards
// against doubles from racing sweeps, workers, and proxy reports.
type tracked struct {
	cmd       *types.Command
	requires  string
	expireBy  time.Time
	unplaced  bool // awaiting a scheduling decision
	delivered bool
	acked     bool
	ackBy     time.Time
	terminal  bool
}

// proxyQueue is the bounded outbound backlog for one node. Commands may be
// queued before the proxy attaches; the worker drains the backlog once a
// sender is bound.
type proxyQueue struct {
	nodeID string
	items  []*types.Command
	sender Sender
	notify chan struct{}
	cancel context.CancelFunc
}

// Dispatcher accepts commands, resolves them to a proxy, and tracks them
// until their single terminal event.
type Dispatcher struct {
	store *state.Store
	bus   *events.Bus
	opts  Options
	now   func() time.Time
	log   zerolog.Logger

	mu       sync.Mutex
	commands map[string]*tracked
	queues   map[string]*proxyQueue
	unplaced []string // command ids awaiting scheduling, submission order
}

// New creates a dispatcher over the given store and bus.
func New(store *state.Store, bus *events.Bus, opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		store:    store,
		bus:      bus,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.WithComponent("dispatch"),
		commands: make(map[string]*tracked),
		queues:   make(map[string]*proxyQueue),
	}
}

// SetClock replaces the dispatcher's time source for tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Run drives deadline enforcement until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Submit validates and routes a command. It returns the command id, whether
// the command was accepted, and a machine-readable reason when it was not.
// Acceptance is synchronous; execution surfaces later as exactly one
// COMMAND_COMPLETED or COMMAND_FAILED event.
func (d *Dispatcher) Submit(targetID string, kind types.CommandKind, parameters map[string]string) (string, bool, string) {
	if !kind.Valid() {
		return "", false, fmt.Sprintf("invalid command kind %q", kind)
	}
	if targetID == "" {
		return "", false, "target_id is required"
	}
	if kind == types.CommandMigrateAgent {
		if parameters[migrateNodeParam] == "" {
			return "", false, fmt.Sprintf("%s is required", migrateNodeParam)
		}
		if targetID == types.FabricGlobal {
			return "", false, "MIGRATE_AGENT requires an agent target"
		}
	}

	cmd := &types.Command{
		ID:         uuid.New().String(),
		TargetID:   targetID,
		Kind:       kind,
		Parameters: parameters,
		IssuedAt:   d.now(),
	}

	d.mu.Lock()
	t := &tracked{
		cmd:      cmd,
		requires: parameters[requiresParam],
		expireBy: cmd.IssuedAt.Add(d.opts.Deadline),
	}
	d.commands[cmd.ID] = t

	switch {
	case targetID == types.FabricGlobal:
		d.submitGlobalLocked(t)
	default:
		if _, ok := d.store.GetNode(targetID); ok {
			if kind == types.CommandMigrateAgent {
				delete(d.commands, cmd.ID)
				d.mu.Unlock()
				return "", false, "MIGRATE_AGENT requires an agent target"
			}
			cmd.NodeID = targetID
			d.submitRoutedLocked(t)
			break
		}
		agent, ok := d.store.GetAgent(targetID)
		if !ok {
			delete(d.commands, cmd.ID)
			d.mu.Unlock()
			d.publishFailed(cmd, ReasonUnknownTarget, fmt.Sprintf("no node or agent with id %s", targetID))
			return cmd.ID, false, ReasonUnknownTarget
		}
		if kind == types.CommandMigrateAgent {
			if detail, ok := d.submitMigrateLocked(t, agent); !ok {
				delete(d.commands, cmd.ID)
				d.mu.Unlock()
				d.publishFailed(cmd, ReasonUnknownTarget, detail)
				return cmd.ID, false, ReasonUnknownTarget
			}
			break
		}
		if agent.AssignedNodeID != "" {
			cmd.NodeID = agent.AssignedNodeID
			d.submitRoutedLocked(t)
			break
		}
		// Unassigned agent: pick a node now or park the command until one
		// registers. The choice is recorded in the store so later commands,
		// the pruner, and migrations all see the same node.
		if nodeID, ok := d.scheduleLocked(t.requires); ok {
			d.assignLocked(targetID, nodeID)
			cmd.NodeID = nodeID
			d.submitRoutedLocked(t)
			break
		}
		t.unplaced = true
		d.unplaced = append(d.unplaced, cmd.ID)
		d.publishSubmittedLocked(t)
	}
	d.mu.Unlock()

	metrics.CommandsSubmittedTotal.WithLabelValues(string(kind)).Inc()
	return cmd.ID, true, ""
}

// submitRoutedLocked announces the command and enqueues it on its resolved
// proxy queue.
func (d *Dispatcher) submitRoutedLocked(t *tracked) {
	d.publishSubmittedLocked(t)
	d.enqueueLocked(t, t.cmd.NodeID)
}

// assignLocked persists a placement decision through the store and
// publishes the resulting agent update.
func (d *Dispatcher) assignLocked(agentID, nodeID string) {
	_, event, err := d.store.AssignAgent(agentID, nodeID)
	if err != nil {
		d.log.Warn().Err(err).Str("agent_id", agentID).Str("node_id", nodeID).
			Msg("recording assignment failed")
		return
	}
	if event != nil {
		d.bus.Publish(event)
	}
}

// submitMigrateLocked moves an agent: the assignment flips to the
// destination node, the migrate command is routed there for the redeploy,
// and the source node (when there is one) gets a companion stop for the
// old container. Returns false with a detail when the destination is not
// in state.
func (d *Dispatcher) submitMigrateLocked(t *tracked, agent *types.Agent) (string, bool) {
	dest := t.cmd.Parameters[migrateNodeParam]
	if _, ok := d.store.GetNode(dest); !ok {
		return fmt.Sprintf("no node with id %s", dest), false
	}

	source := agent.AssignedNodeID
	d.assignLocked(agent.ID, dest)

	t.cmd.NodeID = dest
	d.submitRoutedLocked(t)

	if source != "" && source != dest {
		d.submitStopLegLocked(t.cmd, agent.ID, source)
	}
	return "", true
}

// submitStopLegLocked issues the source-side half of a migration: a
// dispatcher-originated stop tracked as its own command.
func (d *Dispatcher) submitStopLegLocked(parent *types.Command, agentID, nodeID string) {
	cmd := &types.Command{
		ID:       uuid.New().String(),
		TargetID: agentID,
		Kind:     types.CommandStopAgent,
		IssuedAt: d.now(),
		NodeID:   nodeID,
	}
	if grace, ok := parent.Parameters["grace_seconds"]; ok {
		cmd.Parameters = map[string]string{"grace_seconds": grace}
	}
	leg := &tracked{cmd: cmd, expireBy: cmd.IssuedAt.Add(d.opts.Deadline)}
	d.commands[cmd.ID] = leg

	d.bus.Publish(&events.Event{
		Kind:    events.KindCommandSubmitted,
		Source:  "dispatch",
		Message: fmt.Sprintf("command %s (%s) accepted for %s", cmd.ID, cmd.Kind, agentID),
		Attributes: map[string]string{
			"command_id":        cmd.ID,
			"target_id":         agentID,
			"kind":              string(cmd.Kind),
			"node_id":           nodeID,
			"parent_command_id": parent.ID,
		},
	})
	d.enqueueLocked(leg, nodeID)
	metrics.CommandsSubmittedTotal.WithLabelValues(string(cmd.Kind)).Inc()
}

// submitGlobalLocked fans the command out to every proxy queue.
func (d *Dispatcher) submitGlobalLocked(t *tracked) {
	d.publishSubmittedLocked(t)
	for nodeID := range d.queues {
		d.enqueueLocked(t, nodeID)
	}
}

func (d *Dispatcher) publishSubmittedLocked(t *tracked) {
	attrs := map[string]string{
		"command_id": t.cmd.ID,
		"target_id":  t.cmd.TargetID,
		"kind":       string(t.cmd.Kind),
	}
	if t.cmd.NodeID != "" {
		attrs["node_id"] = t.cmd.NodeID
	}
	d.bus.Publish(&events.Event{
		Kind:       events.KindCommandSubmitted,
		Source:     "dispatch",
		Message:    fmt.Sprintf("command %s (%s) accepted for %s", t.cmd.ID, t.cmd.Kind, t.cmd.TargetID),
		Attributes: attrs,
	})
}

// enqueueLocked appends the command to a node's backlog, creating the queue
// if the proxy has not attached yet. A full backlog fails the command.
func (d *Dispatcher) enqueueLocked(t *tracked, nodeID string) {
	q, ok := d.queues[nodeID]
	if !ok {
		q = &proxyQueue{
			nodeID: nodeID,
			notify: make(chan struct{}, 1),
		}
		d.queues[nodeID] = q
	}
	if len(q.items) >= d.opts.QueueDepth {
		d.finishLocked(t, events.KindCommandFailed, ReasonProxyCongested,
			fmt.Sprintf("proxy %s backlog is full", nodeID))
		return
	}
	q.items = append(q.items, t.cmd)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// scheduleLocked applies the placement policy: nodes whose capabilities
// contain the requirement, lowest CPU first, ties broken by id.
func (d *Dispatcher) scheduleLocked(requires string) (string, bool) {
	nodes, _ := d.store.Snapshot()

	var candidates []types.Node
	for _, node := range nodes {
		if node.Status == types.NodeStatusOffline {
			continue
		}
		if requires != "" && !strings.Contains(node.Capabilities, requires) {
			continue
		}
		candidates = append(candidates, node)
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := nodeCPU(&candidates[i]), nodeCPU(&candidates[j])
		if ci != cj {
			return ci < cj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ID, true
}

func nodeCPU(node *types.Node) float64 {
	if node.Telemetry == nil {
		return 0
	}
	return node.Telemetry.CPUFraction
}

// Attach binds a sender for a node's command stream and starts the delivery
// worker. Any backlog queued before attachment is drained in order.
func (d *Dispatcher) Attach(nodeID string, sender Sender) error {
	if _, ok := d.store.GetNode(nodeID); !ok {
		return fmt.Errorf("%w: node %s", state.ErrUnknownTarget, nodeID)
	}

	d.mu.Lock()
	q, ok := d.queues[nodeID]
	if !ok {
		q = &proxyQueue{
			nodeID: nodeID,
			notify: make(chan struct{}, 1),
		}
		d.queues[nodeID] = q
	}
	if q.cancel != nil {
		q.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.sender = sender
	q.cancel = cancel
	d.mu.Unlock()

	go d.deliver(ctx, q)
	d.log.Info().Str("node_id", nodeID).Msg("proxy attached")
	return nil
}

// Detach stops the node's delivery worker. Queued commands are kept for a
// future re-attach until their deadline expires.
func (d *Dispatcher) Detach(nodeID string) {
	d.mu.Lock()
	q, ok := d.queues[nodeID]
	if ok && q.cancel != nil {
		q.cancel()
		q.cancel = nil
		q.sender = nil
	}
	d.mu.Unlock()
	if ok {
		d.log.Info().Str("node_id", nodeID).Msg("proxy detached")
	}
}

// deliver drains one proxy queue. Each send gets a single retry with
// backoff jitter before the command fails with a transport reason.
func (d *Dispatcher) deliver(ctx context.Context, q *proxyQueue) {
	for {
		d.mu.Lock()
		if q.sender == nil {
			d.mu.Unlock()
			return
		}
		var cmd *types.Command
		if len(q.items) > 0 {
			cmd = q.items[0]
			q.items = q.items[1:]
		}
		sender := q.sender
		d.mu.Unlock()

		if cmd == nil {
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return
			}
		}

		d.mu.Lock()
		t, ok := d.commands[cmd.ID]
		if !ok || t.terminal {
			d.mu.Unlock()
			continue
		}
		d.mu.Unlock()

		err := sender.Send(cmd)
		if err != nil {
			wait := backoff.NewExponentialBackOff()
			wait.InitialInterval = 200 * time.Millisecond

			select {
			case <-time.After(wait.NextBackOff()):
			case <-ctx.Done():
				return
			}
			err = sender.Send(cmd)
		}

		d.mu.Lock()
		if err != nil {
			d.finishLocked(t, events.KindCommandFailed, ReasonTransport,
				fmt.Sprintf("delivery to proxy %s failed: %v", q.nodeID, err))
			d.mu.Unlock()
			continue
		}
		if !t.terminal {
			t.delivered = true
			t.ackBy = d.now().Add(d.opts.AckTimeout)
			d.bus.Publish(&events.Event{
				Kind:    events.KindCommandDelivered,
				Source:  "dispatch",
				Message: fmt.Sprintf("command %s delivered to %s", cmd.ID, q.nodeID),
				Attributes: map[string]string{
					"command_id": cmd.ID,
					"target_id":  cmd.TargetID,
					"node_id":    q.nodeID,
				},
			})
		}
		d.mu.Unlock()
	}
}

// HandleResult processes a proxy's execution report. ACCEPTED stops the
// ack clock; COMPLETED and FAILED are terminal.
func (d *Dispatcher) HandleResult(commandID, nodeID, phase, errMsg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.commands[commandID]
	if !ok {
		return fmt.Errorf("%w: command %s", state.ErrUnknownTarget, commandID)
	}

	switch phase {
	case "ACCEPTED":
		t.acked = true
	case "COMPLETED":
		d.finishLocked(t, events.KindCommandCompleted, "", "")
	case "FAILED":
		if errMsg == "" {
			errMsg = "execution failed"
		}
		d.finishLocked(t, events.KindCommandFailed, ReasonExecution, errMsg)
	default:
		return fmt.Errorf("%w: unknown result phase %q", state.ErrValidation, phase)
	}
	return nil
}

// NotifyNodeRegistered re-evaluates parked commands against the new fabric
// membership, in submission order.
func (d *Dispatcher) NotifyNodeRegistered() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.placeUnplacedLocked()
}

func (d *Dispatcher) placeUnplacedLocked() {
	remaining := d.unplaced[:0]
	for _, id := range d.unplaced {
		t, ok := d.commands[id]
		if !ok || t.terminal {
			continue
		}
		// An earlier command may have bound the agent already; reuse that
		// node instead of re-running the policy.
		if agent, ok := d.store.GetAgent(t.cmd.TargetID); ok && agent.AssignedNodeID != "" {
			t.unplaced = false
			t.cmd.NodeID = agent.AssignedNodeID
			d.enqueueLocked(t, agent.AssignedNodeID)
			continue
		}
		nodeID, placed := d.scheduleLocked(t.requires)
		if !placed {
			remaining = append(remaining, id)
			continue
		}
		d.assignLocked(t.cmd.TargetID, nodeID)
		t.unplaced = false
		t.cmd.NodeID = nodeID
		d.enqueueLocked(t, nodeID)
	}
	d.unplaced = remaining
}

// Sweep enforces deadlines: parked commands that could not be placed fail
// with NO_CAPACITY, everything else that outlived its budget fails with
// TIMEOUT. Queues whose node left the fabric are dropped with their
// backlog. Exposed for tests driving a fake clock.
func (d *Dispatcher) Sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for nodeID, q := range d.queues {
		if _, ok := d.store.GetNode(nodeID); ok {
			continue
		}
		if q.cancel != nil {
			q.cancel()
		}
		for _, cmd := range q.items {
			if t, ok := d.commands[cmd.ID]; ok {
				d.finishLocked(t, events.KindCommandFailed, ReasonUnknownTarget,
					fmt.Sprintf("node %s left the fabric", nodeID))
			}
		}
		delete(d.queues, nodeID)
	}

	d.placeUnplacedLocked()

	now := d.now()
	for _, t := range d.commands {
		if t.terminal {
			continue
		}
		switch {
		case t.unplaced && now.After(t.expireBy):
			d.finishLocked(t, events.KindCommandFailed, ReasonNoCapacity,
				"no node satisfies the scheduling constraints")
		case t.delivered && !t.acked && now.After(t.ackBy):
			d.finishLocked(t, events.KindCommandFailed, ReasonTimeout,
				"proxy did not acknowledge delivery in time")
		case now.After(t.expireBy):
			d.finishLocked(t, events.KindCommandFailed, ReasonTimeout,
				"command did not complete before its deadline")
		}
	}
}

// finishLocked publishes the command's single terminal event. Callers hold
// d.mu; the terminal flag makes later finish attempts no-ops.
func (d *Dispatcher) finishLocked(t *tracked, kind events.Kind, reason, detail string) {
	if t.terminal {
		return
	}
	t.terminal = true

	attrs := map[string]string{
		"command_id": t.cmd.ID,
		"target_id":  t.cmd.TargetID,
		"kind":       string(t.cmd.Kind),
	}
	message := fmt.Sprintf("command %s completed", t.cmd.ID)
	if kind == events.KindCommandFailed {
		attrs["reason"] = reason
		if detail != "" {
			attrs["error"] = detail
		}
		message = fmt.Sprintf("command %s failed: %s", t.cmd.ID, reason)
		metrics.CommandsFailedTotal.WithLabelValues(reason).Inc()
		d.log.Warn().Str("command_id", t.cmd.ID).Str("reason", reason).Msg("command failed")
	} else {
		metrics.CommandsCompletedTotal.Inc()
	}

	d.bus.Publish(&events.Event{
		Kind:       kind,
		Source:     "dispatch",
		Message:    message,
		Attributes: attrs,
	})
	delete(d.commands, t.cmd.ID)
}

// publishFailed emits a terminal failure for a command that was never
// tracked (rejected at submission).
func (d *Dispatcher) publishFailed(cmd *types.Command, reason, detail string) {
	metrics.CommandsFailedTotal.WithLabelValues(reason).Inc()
	d.bus.Publish(&events.Event{
		Kind:    events.KindCommandFailed,
		Source:  "dispatch",
		Message: fmt.Sprintf("command %s failed: %s", cmd.ID, reason),
		Attributes: map[string]string{
			"command_id": cmd.ID,
			"target_id":  cmd.TargetID,
			"kind":       string(cmd.Kind),
			"reason":     reason,
			"error":      detail,
		},
	})
}
