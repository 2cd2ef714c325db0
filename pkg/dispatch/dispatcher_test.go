package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/state"
	"github.com/loomworks/loom/pkg/types"
)

// fakeSender records delivered commands and can be told to fail.
type fakeSender struct {
	mu       sync.Mutex
	sent     []*types.Command
	failures int // number of initial sends to reject
}

func (f *fakeSender) Send(cmd *types.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("stream reset")
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeSender) delivered() []*types.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Command, len(f.sent))
	copy(out, f.sent)
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *state.Store, *events.Bus, *testClock) {
	t.Helper()
	store := state.NewStore()
	bus := events.NewBus(64)
	clock := &testClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	d := New(store, bus, opts)
	d.SetClock(clock.Now)
	return d, store, bus, clock
}

func nextEvent(t *testing.T, sub *events.Subscription) *events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	event, err := sub.Next(ctx)
	require.NoError(t, err)
	return event
}

func waitDelivered(t *testing.T, sender *fakeSender, n int) []*types.Command {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent := sender.delivered(); len(sent) >= n {
			return sent
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("proxy did not receive %d commands in time", n)
	return nil
}

func TestSubmitUnknownTarget(t *testing.T) {
	d, _, bus, _ := newTestDispatcher(t, Options{})
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	_, accepted, reason := d.Submit("does-not-exist", types.CommandDeployAgent, nil)
	assert.False(t, accepted)
	assert.Equal(t, ReasonUnknownTarget, reason)

	event := nextEvent(t, sub)
	assert.Equal(t, events.KindCommandFailed, event.Kind)
	assert.Equal(t, ReasonUnknownTarget, event.Attributes["reason"])
}

func TestSubmitInvalidKind(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, Options{})

	_, accepted, _ := d.Submit("whatever", types.CommandKind("EXPLODE"), nil)
	assert.False(t, accepted)
}

func TestNodeTargetDeliveryAndCompletion(t *testing.T) {
	d, store, bus, _ := newTestDispatcher(t, Options{})
	node, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)

	sender := &fakeSender{}
	require.NoError(t, d.Attach(node.ID, sender))
	defer d.Detach(node.ID)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	id, accepted, _ := d.Submit(node.ID, types.CommandRebootNode, nil)
	require.True(t, accepted)

	sent := waitDelivered(t, sender, 1)
	assert.Equal(t, id, sent[0].ID)
	assert.Equal(t, node.ID, sent[0].NodeID)

	submitted := nextEvent(t, sub)
	assert.Equal(t, events.KindCommandSubmitted, submitted.Kind)
	delivered := nextEvent(t, sub)
	assert.Equal(t, events.KindCommandDelivered, delivered.Kind)
	assert.Equal(t, node.ID, delivered.Attributes["node_id"])

	require.NoError(t, d.HandleResult(id, node.ID, "ACCEPTED", ""))
	require.NoError(t, d.HandleResult(id, node.ID, "COMPLETED", ""))
	terminal := nextEvent(t, sub)
	assert.Equal(t, events.KindCommandCompleted, terminal.Kind)
	assert.Equal(t, id, terminal.Attributes["command_id"])

	// The command is gone; further reports have nothing to land on.
	assert.Error(t, d.HandleResult(id, node.ID, "FAILED", "late"))
}

func TestAgentTargetRoutesToAssignedNode(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t, Options{})
	node, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)
	agent, _, err := store.RegisterAgent(state.AgentSpec{DisplayName: "a", AssignedNodeID: node.ID})
	require.NoError(t, err)

	sender := &fakeSender{}
	require.NoError(t, d.Attach(node.ID, sender))
	defer d.Detach(node.ID)

	id, accepted, _ := d.Submit(agent.ID, types.CommandStopAgent, nil)
	require.True(t, accepted)

	sent := waitDelivered(t, sender, 1)
	assert.Equal(t, id, sent[0].ID)
	assert.Equal(t, agent.ID, sent[0].TargetID)
	assert.Equal(t, node.ID, sent[0].NodeID)
}

func TestSchedulingPolicy(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t, Options{})

	busy, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost, Capabilities: "gpu;cpu=16"})
	require.NoError(t, err)
	idle, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost, Capabilities: "gpu;cpu=8"})
	require.NoError(t, err)
	noGPU, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindLightHost, Capabilities: "cpu=4"})
	require.NoError(t, err)
	_ = noGPU

	_, _, err = store.ApplyNodeStatus(busy.ID, types.NodeStatusOnline, &types.Telemetry{CPUFraction: 0.9}, time.Time{})
	require.NoError(t, err)
	_, _, err = store.ApplyNodeStatus(idle.ID, types.NodeStatusOnline, &types.Telemetry{CPUFraction: 0.1}, time.Time{})
	require.NoError(t, err)

	agent, _, err := store.RegisterAgent(state.AgentSpec{DisplayName: "vision"})
	require.NoError(t, err)

	idleSender := &fakeSender{}
	require.NoError(t, d.Attach(idle.ID, idleSender))
	defer d.Detach(idle.ID)

	id, accepted, _ := d.Submit(agent.ID, types.CommandDeployAgent, map[string]string{"requires": "gpu"})
	require.True(t, accepted)

	sent := waitDelivered(t, idleSender, 1)
	assert.Equal(t, id, sent[0].ID)
	assert.Equal(t, idle.ID, sent[0].NodeID)
}

func TestSchedulingTieBreaksOnNodeID(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t, Options{})

	a, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)
	b, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)

	want := a.ID
	if b.ID < a.ID {
		want = b.ID
	}

	nodeID, ok := d.scheduleLocked("")
	require.True(t, ok)
	assert.Equal(t, want, nodeID)
}

func TestNoCapacityAfterDeadline(t *testing.T) {
	d, store, bus, clock := newTestDispatcher(t, Options{Deadline: 60 * time.Second})
	agent, _, err := store.RegisterAgent(state.AgentSpec{DisplayName: "a"})
	require.NoError(t, err)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	id, accepted, _ := d.Submit(agent.ID, types.CommandDeployAgent, nil)
	require.True(t, accepted)

	submitted := nextEvent(t, sub)
	assert.Equal(t, events.KindCommandSubmitted, submitted.Kind)

	clock.Advance(61 * time.Second)
	d.Sweep()

	failed := nextEvent(t, sub)
	assert.Equal(t, events.KindCommandFailed, failed.Kind)
	assert.Equal(t, id, failed.Attributes["command_id"])
	assert.Equal(t, ReasonNoCapacity, failed.Attributes["reason"])
}

func TestParkedCommandPlacedOnNodeRegistration(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t, Options{})
	agent, _, err := store.RegisterAgent(state.AgentSpec{DisplayName: "a"})
	require.NoError(t, err)

	id, accepted, _ := d.Submit(agent.ID, types.CommandDeployAgent, nil)
	require.True(t, accepted)

	node, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)
	d.NotifyNodeRegistered()

	sender := &fakeSender{}
	require.NoError(t, d.Attach(node.ID, sender))
	defer d.Detach(node.ID)

	sent := waitDelivered(t, sender, 1)
	assert.Equal(t, id, sent[0].ID)
	assert.Equal(t, node.ID, sent[0].NodeID)
}

func TestBacklogOverflow(t *testing.T) {
	d, store, bus, _ := newTestDispatcher(t, Options{QueueDepth: 1})
	node, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	// No proxy attached, so the first command sits in the backlog and the
	// second overflows.
	_, accepted, _ := d.Submit(node.ID, types.CommandRebootNode, nil)
	require.True(t, accepted)
	second, accepted, _ := d.Submit(node.ID, types.CommandRebootNode, nil)
	require.True(t, accepted)

	var failed *events.Event
	for i := 0; i < 4; i++ {
		event := nextEvent(t, sub)
		if event.Kind == events.KindCommandFailed {
			failed = event
			break
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, second, failed.Attributes["command_id"])
	assert.Equal(t, ReasonProxyCongested, failed.Attributes["reason"])
}

func TestTransportRetrySucceeds(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t, Options{})
	node, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)

	sender := &fakeSender{failures: 1}
	require.NoError(t, d.Attach(node.ID, sender))
	defer d.Detach(node.ID)

	id, accepted, _ := d.Submit(node.ID, types.CommandRebootNode, nil)
	require.True(t, accepted)

	sent := waitDelivered(t, sender, 1)
	assert.Equal(t, id, sent[0].ID)
}

func TestTransportFailureAfterRetry(t *testing.T) {
	d, store, bus, _ := newTestDispatcher(t, Options{})
	node, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)

	sender := &fakeSender{failures: 2}
	require.NoError(t, d.Attach(node.ID, sender))
	defer d.Detach(node.ID)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	id, accepted, _ := d.Submit(node.ID, types.CommandRebootNode, nil)
	require.True(t, accepted)

	nextEvent(t, sub) // COMMAND_SUBMITTED
	failed := nextEvent(t, sub)
	assert.Equal(t, events.KindCommandFailed, failed.Kind)
	assert.Equal(t, id, failed.Attributes["command_id"])
	assert.Equal(t, ReasonTransport, failed.Attributes["reason"])
}

func TestAckTimeout(t *testing.T) {
	d, store, bus, clock := newTestDispatcher(t, Options{AckTimeout: 30 * time.Second, Deadline: 60 * time.Second})
	node, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)

	sender := &fakeSender{}
	require.NoError(t, d.Attach(node.ID, sender))
	defer d.Detach(node.ID)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	id, accepted, _ := d.Submit(node.ID, types.CommandRebootNode, nil)
	require.True(t, accepted)
	waitDelivered(t, sender, 1)

	nextEvent(t, sub) // COMMAND_SUBMITTED
	nextEvent(t, sub) // COMMAND_DELIVERED

	clock.Advance(31 * time.Second)
	d.Sweep()

	failed := nextEvent(t, sub)
	assert.Equal(t, events.KindCommandFailed, failed.Kind)
	assert.Equal(t, id, failed.Attributes["command_id"])
	assert.Equal(t, ReasonTimeout, failed.Attributes["reason"])
}

func TestGlobalFanOut(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t, Options{})

	first, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)
	second, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindLightHost})
	require.NoError(t, err)

	s1 := &fakeSender{}
	s2 := &fakeSender{}
	require.NoError(t, d.Attach(first.ID, s1))
	require.NoError(t, d.Attach(second.ID, s2))
	defer d.Detach(first.ID)
	defer d.Detach(second.ID)

	id, accepted, _ := d.Submit(types.FabricGlobal, types.CommandSetPriority, map[string]string{"level": "high"})
	require.True(t, accepted)

	assert.Equal(t, id, waitDelivered(t, s1, 1)[0].ID)
	assert.Equal(t, id, waitDelivered(t, s2, 1)[0].ID)
}

func TestScheduledPlacementRecordsAssignment(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t, Options{})

	calm, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)
	busy, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)
	_, _, err = store.ApplyNodeStatus(calm.ID, types.NodeStatusOnline, &types.Telemetry{CPUFraction: 0.10}, time.Time{})
	require.NoError(t, err)
	_, _, err = store.ApplyNodeStatus(busy.ID, types.NodeStatusOnline, &types.Telemetry{CPUFraction: 0.90}, time.Time{})
	require.NoError(t, err)

	agent, _, err := store.RegisterAgent(state.AgentSpec{DisplayName: "a"})
	require.NoError(t, err)

	calmSender := &fakeSender{}
	busySender := &fakeSender{}
	require.NoError(t, d.Attach(calm.ID, calmSender))
	require.NoError(t, d.Attach(busy.ID, busySender))
	defer d.Detach(calm.ID)
	defer d.Detach(busy.ID)

	_, accepted, _ := d.Submit(agent.ID, types.CommandDeployAgent, map[string]string{"image": "img"})
	require.True(t, accepted)
	waitDelivered(t, calmSender, 1)

	// The scheduling decision is durable, not just stamped on the command.
	got, ok := store.GetAgent(agent.ID)
	require.True(t, ok)
	assert.Equal(t, calm.ID, got.AssignedNodeID)

	// Telemetry shifts must not re-route the agent away from its container.
	_, _, err = store.ApplyNodeStatus(calm.ID, types.NodeStatusOnline, &types.Telemetry{CPUFraction: 0.95}, time.Time{})
	require.NoError(t, err)
	_, _, err = store.ApplyNodeStatus(busy.ID, types.NodeStatusOnline, &types.Telemetry{CPUFraction: 0.05}, time.Time{})
	require.NoError(t, err)

	stopID, accepted, _ := d.Submit(agent.ID, types.CommandStopAgent, nil)
	require.True(t, accepted)

	sent := waitDelivered(t, calmSender, 2)
	assert.Equal(t, stopID, sent[1].ID)
	assert.Equal(t, calm.ID, sent[1].NodeID)
	assert.Empty(t, busySender.delivered())
}

func TestParkedPlacementRecordsAssignment(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t, Options{})
	agent, _, err := store.RegisterAgent(state.AgentSpec{DisplayName: "a"})
	require.NoError(t, err)

	_, accepted, _ := d.Submit(agent.ID, types.CommandDeployAgent, nil)
	require.True(t, accepted)

	node, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)
	d.NotifyNodeRegistered()

	got, ok := store.GetAgent(agent.ID)
	require.True(t, ok)
	assert.Equal(t, node.ID, got.AssignedNodeID)
}

func TestMigrateReassignsAndSplitsLegs(t *testing.T) {
	d, store, bus, _ := newTestDispatcher(t, Options{})

	src, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)
	dst, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)
	agent, _, err := store.RegisterAgent(state.AgentSpec{DisplayName: "a", AssignedNodeID: src.ID})
	require.NoError(t, err)

	srcSender := &fakeSender{}
	dstSender := &fakeSender{}
	require.NoError(t, d.Attach(src.ID, srcSender))
	require.NoError(t, d.Attach(dst.ID, dstSender))
	defer d.Detach(src.ID)
	defer d.Detach(dst.ID)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	id, accepted, _ := d.Submit(agent.ID, types.CommandMigrateAgent, map[string]string{
		"target_node_id": dst.ID,
		"image":          "img",
		"grace_seconds":  "5",
	})
	require.True(t, accepted)

	// The assignment flips to the destination.
	got, ok := store.GetAgent(agent.ID)
	require.True(t, ok)
	assert.Equal(t, dst.ID, got.AssignedNodeID)

	// Redeploy leg lands on the destination, stop leg on the source.
	migrateSent := waitDelivered(t, dstSender, 1)
	assert.Equal(t, id, migrateSent[0].ID)
	assert.Equal(t, types.CommandMigrateAgent, migrateSent[0].Kind)

	stopSent := waitDelivered(t, srcSender, 1)
	assert.Equal(t, types.CommandStopAgent, stopSent[0].Kind)
	assert.Equal(t, agent.ID, stopSent[0].TargetID)
	assert.Equal(t, "5", stopSent[0].Parameters["grace_seconds"])
	assert.NotEqual(t, id, stopSent[0].ID)

	// The reassignment is published, and the stop leg names its parent.
	assignment := nextEvent(t, sub)
	assert.Equal(t, events.KindAgentStatusUpdated, assignment.Kind)
	assert.Equal(t, dst.ID, assignment.Attributes["node_id"])
	assert.Equal(t, src.ID, assignment.Attributes["old_node_id"])

	migrateSubmitted := nextEvent(t, sub)
	assert.Equal(t, events.KindCommandSubmitted, migrateSubmitted.Kind)
	assert.Equal(t, id, migrateSubmitted.Attributes["command_id"])

	stopSubmitted := nextEvent(t, sub)
	assert.Equal(t, events.KindCommandSubmitted, stopSubmitted.Kind)
	assert.Equal(t, id, stopSubmitted.Attributes["parent_command_id"])

	// Both legs terminate independently.
	require.NoError(t, d.HandleResult(id, dst.ID, "COMPLETED", ""))
	require.NoError(t, d.HandleResult(stopSent[0].ID, src.ID, "COMPLETED", ""))
}

func TestMigrateValidation(t *testing.T) {
	d, store, _, _ := newTestDispatcher(t, Options{})
	node, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)
	agent, _, err := store.RegisterAgent(state.AgentSpec{DisplayName: "a", AssignedNodeID: node.ID})
	require.NoError(t, err)

	_, accepted, reason := d.Submit(agent.ID, types.CommandMigrateAgent, nil)
	assert.False(t, accepted)
	assert.Contains(t, reason, "target_node_id")

	_, accepted, reason = d.Submit(agent.ID, types.CommandMigrateAgent, map[string]string{"target_node_id": "ghost"})
	assert.False(t, accepted)
	assert.Equal(t, ReasonUnknownTarget, reason)

	_, accepted, _ = d.Submit(node.ID, types.CommandMigrateAgent, map[string]string{"target_node_id": node.ID})
	assert.False(t, accepted)

	_, accepted, _ = d.Submit(types.FabricGlobal, types.CommandMigrateAgent, map[string]string{"target_node_id": node.ID})
	assert.False(t, accepted)
}

func TestSweepDropsQueuesForRemovedNodes(t *testing.T) {
	d, store, bus, _ := newTestDispatcher(t, Options{})
	node, _, err := store.RegisterNode(state.NodeSpec{Kind: types.NodeKindHeavyHost})
	require.NoError(t, err)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID())

	// No proxy attached; the command sits in the node's backlog.
	id, accepted, _ := d.Submit(node.ID, types.CommandRebootNode, nil)
	require.True(t, accepted)
	nextEvent(t, sub) // COMMAND_SUBMITTED

	_, _, err = store.RemoveNode(node.ID)
	require.NoError(t, err)
	d.Sweep()

	failed := nextEvent(t, sub)
	assert.Equal(t, events.KindCommandFailed, failed.Kind)
	assert.Equal(t, id, failed.Attributes["command_id"])
	assert.Equal(t, ReasonUnknownTarget, failed.Attributes["reason"])

	d.mu.Lock()
	_, stillThere := d.queues[node.ID]
	d.mu.Unlock()
	assert.False(t, stillThere)
}
