package proxy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/runtime"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

// ErrNotSupported marks commands this proxy cannot execute.
var ErrNotSupported = errors.New("not supported on this node")

const defaultStopGrace = 30 * time.Second

// Executor maps dispatched commands onto container runtime operations.
// A nil return means the command completed; an error becomes the
// command's failure report.
type Executor struct {
	rt    runtime.Runtime
	specs *SpecStore
	log   zerolog.Logger
}

// NewExecutor creates an executor over the given runtime and spec store.
func NewExecutor(rt runtime.Runtime, specs *SpecStore) *Executor {
	return &Executor{
		rt:    rt,
		specs: specs,
		log:   log.WithComponent("executor"),
	}
}

// Execute runs one command to completion.
func (e *Executor) Execute(ctx context.Context, cmd *wire.Command) error {
	e.log.Info().
		Str("command_id", cmd.ID).
		Str("kind", string(cmd.Kind)).
		Str("target_id", cmd.TargetID).
		Msg("executing command")

	switch cmd.Kind {
	case types.CommandDeployAgent:
		return e.deploy(ctx, cmd)
	case types.CommandStopAgent:
		return e.stop(ctx, cmd)
	case types.CommandRestartAgent:
		return e.restart(ctx, cmd)
	case types.CommandMigrateAgent:
		// The dispatcher routes a migrate to the destination node and sends
		// the source a separate stop; this node's share is the redeploy.
		return e.migrate(ctx, cmd)
	case types.CommandSetPriority:
		// Priority only influences Nexus-side placement; nothing to do
		// locally.
		return nil
	case types.CommandRebootNode, types.CommandScale:
		return fmt.Errorf("%w: %s", ErrNotSupported, cmd.Kind)
	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

// deploy pulls the image and replaces any existing container for the
// agent with a fresh one.
func (e *Executor) deploy(ctx context.Context, cmd *wire.Command) error {
	spec, err := specFromCommand(cmd)
	if err != nil {
		return err
	}

	if err := e.rt.PullImage(ctx, spec.Image); err != nil {
		return fmt.Errorf("pulling %s: %w", spec.Image, err)
	}

	// A prior instance with this agent id is replaced.
	if _, err := e.rt.InspectContainer(ctx, spec.AgentID); err == nil {
		if err := e.rt.StopContainer(ctx, spec.AgentID, defaultStopGrace); err != nil {
			e.log.Warn().Err(err).Str("agent_id", spec.AgentID).Msg("stop of prior container failed")
		}
		if err := e.rt.RemoveContainer(ctx, spec.AgentID); err != nil {
			return fmt.Errorf("removing prior container: %w", err)
		}
	}

	id, err := e.rt.CreateContainer(ctx, spec)
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	if err := e.rt.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}

	if err := e.specs.Put(spec); err != nil {
		e.log.Warn().Err(err).Str("agent_id", spec.AgentID).Msg("failed to persist deploy spec")
	}
	return nil
}

func (e *Executor) stop(ctx context.Context, cmd *wire.Command) error {
	grace := defaultStopGrace
	if v, ok := cmd.Parameters["grace_seconds"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid grace_seconds %q", v)
		}
		grace = time.Duration(n) * time.Second
	}
	if err := e.rt.StopContainer(ctx, cmd.TargetID, grace); err != nil {
		return fmt.Errorf("stopping %s: %w", cmd.TargetID, err)
	}
	return nil
}

// migrate lands the agent on this node. The container spec comes from
// the command's parameters when they carry an image, otherwise from a
// spec recorded by an earlier local deploy.
func (e *Executor) migrate(ctx context.Context, cmd *wire.Command) error {
	if cmd.Parameters["image"] != "" {
		return e.deploy(ctx, cmd)
	}

	spec, ok, err := e.specs.Get(cmd.TargetID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("migrate of %s needs an image parameter or a recorded deploy spec", cmd.TargetID)
	}

	if err := e.rt.PullImage(ctx, spec.Image); err != nil {
		return fmt.Errorf("pulling %s: %w", spec.Image, err)
	}
	if _, err := e.rt.InspectContainer(ctx, spec.AgentID); err == nil {
		if err := e.rt.StopContainer(ctx, spec.AgentID, defaultStopGrace); err != nil {
			e.log.Warn().Err(err).Str("agent_id", spec.AgentID).Msg("stop of prior container failed")
		}
		if err := e.rt.RemoveContainer(ctx, spec.AgentID); err != nil {
			return fmt.Errorf("removing prior container: %w", err)
		}
	}
	id, err := e.rt.CreateContainer(ctx, *spec)
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	if err := e.rt.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

// restart tears the container down and redeploys it from the recorded
// spec.
func (e *Executor) restart(ctx context.Context, cmd *wire.Command) error {
	spec, ok, err := e.specs.Get(cmd.TargetID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no recorded deploy spec for agent %s", cmd.TargetID)
	}

	if err := e.rt.StopContainer(ctx, cmd.TargetID, defaultStopGrace); err != nil {
		e.log.Warn().Err(err).Str("agent_id", cmd.TargetID).Msg("stop before restart failed")
	}
	if err := e.rt.RemoveContainer(ctx, cmd.TargetID); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}

	if err := e.rt.PullImage(ctx, spec.Image); err != nil {
		return fmt.Errorf("pulling %s: %w", spec.Image, err)
	}
	id, err := e.rt.CreateContainer(ctx, *spec)
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	if err := e.rt.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

// specFromCommand builds a deploy spec from command parameters. The
// command target is the agent id.
func specFromCommand(cmd *wire.Command) (runtime.Spec, error) {
	image := cmd.Parameters["image"]
	if image == "" {
		return runtime.Spec{}, errors.New("deploy requires an image parameter")
	}

	spec := runtime.Spec{
		AgentID:   cmd.TargetID,
		AgentKind: cmd.Parameters["agent_kind"],
		Image:     image,
	}

	if env := cmd.Parameters["env"]; env != "" {
		spec.Env = strings.Split(env, ",")
	}
	if v := cmd.Parameters["memory_mb"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return runtime.Spec{}, fmt.Errorf("invalid memory_mb %q", v)
		}
		spec.MemoryMB = n
	}
	if v := cmd.Parameters["cpu_shares"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return runtime.Spec{}, fmt.Errorf("invalid cpu_shares %q", v)
		}
		spec.CPUShares = n
	}
	if v := cmd.Parameters["volumes"]; v != "" {
		for _, entry := range strings.Split(v, ",") {
			parts := strings.Split(entry, ":")
			if len(parts) < 2 {
				return runtime.Spec{}, fmt.Errorf("invalid volume %q", entry)
			}
			mount := runtime.Mount{Source: parts[0], Destination: parts[1]}
			if len(parts) > 2 && parts[2] == "ro" {
				mount.ReadOnly = true
			}
			spec.Mounts = append(spec.Mounts, mount)
		}
	}
	return spec, nil
}
