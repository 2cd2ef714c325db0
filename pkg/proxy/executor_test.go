package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/runtime"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

func newTestExecutor(t *testing.T) (*Executor, *runtime.Memory, *SpecStore) {
	t.Helper()
	rt := runtime.NewMemory()
	specs := newTestSpecStore(t)
	return NewExecutor(rt, specs), rt, specs
}

func deployCommand(agentID string, params map[string]string) *wire.Command {
	return &wire.Command{
		ID:         "cmd-1",
		TargetID:   agentID,
		Kind:       types.CommandDeployAgent,
		Parameters: params,
	}
}

func TestDeployAgent(t *testing.T) {
	exec, rt, specs := newTestExecutor(t)
	ctx := context.Background()

	err := exec.Execute(ctx, deployCommand("agent-1", map[string]string{
		"image":      "registry.local/vision:3",
		"agent_kind": "vision",
		"env":        "MODE=prod,REGION=eu",
		"memory_mb":  "512",
	}))
	require.NoError(t, err)

	state, err := rt.InspectContainer(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, runtime.StateRunning, state)

	spec, ok, err := specs.Get("agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "registry.local/vision:3", spec.Image)
	assert.Equal(t, []string{"MODE=prod", "REGION=eu"}, spec.Env)
	assert.Equal(t, int64(512), spec.MemoryMB)
}

func TestDeployReplacesExistingContainer(t *testing.T) {
	exec, rt, _ := newTestExecutor(t)
	ctx := context.Background()

	require.NoError(t, exec.Execute(ctx, deployCommand("agent-1", map[string]string{"image": "v1"})))
	require.NoError(t, exec.Execute(ctx, deployCommand("agent-1", map[string]string{"image": "v2"})))

	infos, err := rt.ListManaged(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "v2", infos[0].Image)
	assert.Equal(t, runtime.StateRunning, infos[0].State)
}

func TestDeployRequiresImage(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	err := exec.Execute(context.Background(), deployCommand("agent-1", nil))
	assert.Error(t, err)
}

func TestDeployPullFailure(t *testing.T) {
	exec, rt, _ := newTestExecutor(t)
	rt.FailPull = map[string]error{"broken": assert.AnError}

	err := exec.Execute(context.Background(), deployCommand("agent-1", map[string]string{"image": "broken"}))
	assert.Error(t, err)
}

func TestStopAgent(t *testing.T) {
	exec, rt, _ := newTestExecutor(t)
	ctx := context.Background()
	require.NoError(t, exec.Execute(ctx, deployCommand("agent-1", map[string]string{"image": "img"})))

	err := exec.Execute(ctx, &wire.Command{
		ID:         "cmd-2",
		TargetID:   "agent-1",
		Kind:       types.CommandStopAgent,
		Parameters: map[string]string{"grace_seconds": "5"},
	})
	require.NoError(t, err)

	state, err := rt.InspectContainer(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, runtime.StateStopped, state)
}

func TestStopAgentInvalidGrace(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	err := exec.Execute(context.Background(), &wire.Command{
		TargetID:   "agent-1",
		Kind:       types.CommandStopAgent,
		Parameters: map[string]string{"grace_seconds": "soon"},
	})
	assert.Error(t, err)
}

func TestRestartAgentFromRecordedSpec(t *testing.T) {
	exec, rt, _ := newTestExecutor(t)
	ctx := context.Background()
	require.NoError(t, exec.Execute(ctx, deployCommand("agent-1", map[string]string{"image": "img"})))
	rt.SetState("agent-1", runtime.StateFailed)

	err := exec.Execute(ctx, &wire.Command{
		ID:       "cmd-3",
		TargetID: "agent-1",
		Kind:     types.CommandRestartAgent,
	})
	require.NoError(t, err)

	state, err := rt.InspectContainer(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, runtime.StateRunning, state)
}

func TestRestartWithoutRecordedSpec(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	err := exec.Execute(context.Background(), &wire.Command{
		TargetID: "ghost",
		Kind:     types.CommandRestartAgent,
	})
	assert.Error(t, err)
}

func TestMigrateDeploysFromParameters(t *testing.T) {
	exec, rt, specs := newTestExecutor(t)
	ctx := context.Background()

	// The dispatcher routes migrates to the destination node, so this node
	// has no prior container or recorded spec for the agent.
	err := exec.Execute(ctx, &wire.Command{
		ID:       "cmd-4",
		TargetID: "agent-1",
		Kind:     types.CommandMigrateAgent,
		Parameters: map[string]string{
			"target_node_id": "this-node",
			"image":          "registry.local/vision:3",
		},
	})
	require.NoError(t, err)

	state, err := rt.InspectContainer(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, runtime.StateRunning, state)

	_, ok, err := specs.Get("agent-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrateFallsBackToRecordedSpec(t *testing.T) {
	exec, rt, _ := newTestExecutor(t)
	ctx := context.Background()
	require.NoError(t, exec.Execute(ctx, deployCommand("agent-1", map[string]string{"image": "img"})))
	rt.SetState("agent-1", runtime.StateStopped)

	err := exec.Execute(ctx, &wire.Command{
		TargetID:   "agent-1",
		Kind:       types.CommandMigrateAgent,
		Parameters: map[string]string{"target_node_id": "this-node"},
	})
	require.NoError(t, err)

	state, err := rt.InspectContainer(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, runtime.StateRunning, state)
}

func TestMigrateWithoutImageOrSpec(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	err := exec.Execute(context.Background(), &wire.Command{
		TargetID:   "ghost",
		Kind:       types.CommandMigrateAgent,
		Parameters: map[string]string{"target_node_id": "this-node"},
	})
	assert.Error(t, err)
}

func TestRebootNodeNotSupported(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	err := exec.Execute(context.Background(), &wire.Command{
		TargetID: "node-1",
		Kind:     types.CommandRebootNode,
	})
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestSetPriorityIsLocalNoOp(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	err := exec.Execute(context.Background(), &wire.Command{
		TargetID:   types.FabricGlobal,
		Kind:       types.CommandSetPriority,
		Parameters: map[string]string{"level": "high"},
	})
	assert.NoError(t, err)
}

func TestSpecFromCommandVolumes(t *testing.T) {
	spec, err := specFromCommand(deployCommand("a", map[string]string{
		"image":   "img",
		"volumes": "/data:/var/data:ro,/tmp:/scratch",
	}))
	require.NoError(t, err)
	require.Len(t, spec.Mounts, 2)
	assert.Equal(t, runtime.Mount{Source: "/data", Destination: "/var/data", ReadOnly: true}, spec.Mounts[0])
	assert.Equal(t, runtime.Mount{Source: "/tmp", Destination: "/scratch"}, spec.Mounts[1])
}
