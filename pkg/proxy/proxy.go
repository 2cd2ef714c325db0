package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/runtime"
	"github.com/loomworks/loom/pkg/telemetry"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

// Proxy is the per-node process that registers with the Nexus, reports
// telemetry, watches managed containers, and executes dispatched
// commands.
type Proxy struct {
	cfg       *config.Config
	client    wire.FabricClient
	rt        runtime.Runtime
	specs     *SpecStore
	exec      *Executor
	collector *telemetry.Collector
	log       zerolog.Logger

	nodeID string

	// lastReported dedupes agent-watch updates per container state.
	lastReported map[string]runtime.ContainerState
}

// New assembles a proxy. The caller owns the client connection and the
// runtime; the proxy owns its spec store under cfg.DataDir.
func New(cfg *config.Config, client wire.FabricClient, rt runtime.Runtime) (*Proxy, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	specs, err := OpenSpecStore(filepath.Join(cfg.DataDir, "specs.db"))
	if err != nil {
		return nil, err
	}

	return &Proxy{
		cfg:          cfg,
		client:       client,
		rt:           rt,
		specs:        specs,
		exec:         NewExecutor(rt, specs),
		collector:    telemetry.NewCollector(""),
		log:          log.WithComponent("proxy"),
		lastReported: make(map[string]runtime.ContainerState),
	}, nil
}

// Close releases the proxy's local resources.
func (p *Proxy) Close() error {
	return p.specs.Close()
}

// NodeID returns the server-assigned node id, empty before registration.
func (p *Proxy) NodeID() string {
	return p.nodeID
}

// Run registers with the Nexus and drives the three proxy loops until ctx
// is cancelled or one of them fails.
func (p *Proxy) Run(ctx context.Context) error {
	address := p.cfg.NodeAddress
	if address == "" {
		if hostname, err := os.Hostname(); err == nil {
			address = hostname
		}
	}

	resp, err := p.client.RegisterNode(ctx, &wire.RegisterNodeRequest{
		Kind:         types.NodeKind(p.cfg.NodeKind),
		Address:      address,
		Capabilities: p.cfg.Capabilities,
	})
	if err != nil {
		return fmt.Errorf("registering with nexus: %w", err)
	}
	if resp.Status != wire.StatusOK {
		return fmt.Errorf("registration rejected: %s %s", resp.Status, resp.Message)
	}
	p.nodeID = resp.NodeID
	p.log = p.log.With().Str("node_id", p.nodeID).Logger()
	p.log.Info().Str("kind", p.cfg.NodeKind).Msg("registered with nexus")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.telemetryLoop(ctx) })
	g.Go(func() error { return p.commandLoop(ctx) })
	g.Go(func() error { return p.agentWatchLoop(ctx) })
	return g.Wait()
}

// telemetryLoop reports a node heartbeat with a resource snapshot on the
// configured interval.
func (p *Proxy) telemetryLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TelemetryInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		sample, err := p.collector.Sample(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("telemetry sample failed")
			continue
		}

		resp, err := p.client.UpdateStatus(ctx, &wire.UpdateStatusRequest{
			ID:          p.nodeID,
			Target:      types.TargetNode,
			StatusValue: string(types.NodeStatusOnline),
			Telemetry:   sample,
		})
		if err != nil {
			p.log.Warn().Err(err).Msg("heartbeat failed")
			continue
		}
		if resp.Status == wire.StatusUnknownTarget {
			// The Nexus pruned us; only a fresh registration recovers.
			return fmt.Errorf("nexus no longer knows node %s", p.nodeID)
		}
	}
}

// commandLoop keeps a command stream attached, reconnecting with backoff,
// and executes everything the dispatcher sends.
func (p *Proxy) commandLoop(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0

	for {
		stream, err := p.client.AttachProxy(ctx, &wire.AttachProxyRequest{NodeID: p.nodeID})
		if err != nil {
			wait := retry.NextBackOff()
			p.log.Warn().Err(err).Dur("retry_in", wait).Msg("command stream attach failed")
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		retry.Reset()
		p.log.Info().Msg("command stream attached")

		if err := p.receiveCommands(ctx, stream); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn().Err(err).Msg("command stream closed")
		}
	}
}

func (p *Proxy) receiveCommands(ctx context.Context, stream wire.Fabric_AttachProxyClient) error {
	for {
		cmd, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		go p.execute(ctx, cmd)
	}
}

// execute acknowledges the command, runs it, and reports the terminal
// phase.
func (p *Proxy) execute(ctx context.Context, cmd *wire.Command) {
	p.report(ctx, cmd.ID, wire.PhaseAccepted, "")

	if err := p.exec.Execute(ctx, cmd); err != nil {
		p.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("command failed")
		p.report(ctx, cmd.ID, wire.PhaseFailed, err.Error())
		return
	}
	p.report(ctx, cmd.ID, wire.PhaseCompleted, "")
}

func (p *Proxy) report(ctx context.Context, commandID string, phase wire.ResultPhase, errMsg string) {
	_, err := p.client.ReportCommandResult(ctx, &wire.CommandResultRequest{
		CommandID: commandID,
		NodeID:    p.nodeID,
		Phase:     phase,
		Error:     errMsg,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("command_id", commandID).Msg("result report failed")
	}
}

// agentWatchLoop polls the runtime for managed containers and reports
// agent status changes.
func (p *Proxy) agentWatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.AgentPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		p.watchOnce(ctx)
	}
}

func (p *Proxy) watchOnce(ctx context.Context) {
	infos, err := p.rt.ListManaged(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("listing managed containers failed")
		return
	}

	for _, info := range infos {
		agentID := info.Labels[runtime.LabelAgentID]
		if agentID == "" {
			continue
		}
		if p.lastReported[agentID] == info.State {
			continue
		}

		status, ok := agentStatusFor(info.State)
		if !ok {
			continue
		}
		resp, err := p.client.UpdateStatus(ctx, &wire.UpdateStatusRequest{
			ID:          agentID,
			Target:      types.TargetAgent,
			StatusValue: string(status),
		})
		if err != nil {
			p.log.Warn().Err(err).Str("agent_id", agentID).Msg("agent status update failed")
			continue
		}
		if resp.Status != wire.StatusOK {
			p.log.Warn().Str("agent_id", agentID).Str("status", string(resp.Status)).
				Msg("agent status update rejected")
			// A terminal lock never clears, so record it to stop resending.
			// Anything else is retried on the next poll.
			if resp.Status == wire.StatusTerminalLocked {
				p.lastReported[agentID] = info.State
			}
			continue
		}
		p.lastReported[agentID] = info.State
	}
}

// agentStatusFor maps a container state to the agent status it implies.
func agentStatusFor(state runtime.ContainerState) (types.AgentStatus, bool) {
	switch state {
	case runtime.StateCreated:
		return types.AgentStatusPending, true
	case runtime.StateRunning:
		return types.AgentStatusRunning, true
	case runtime.StateStopped:
		return types.AgentStatusTerminated, true
	case runtime.StateFailed:
		return types.AgentStatusError, true
	default:
		return "", false
	}
}
