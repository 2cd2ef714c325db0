package nexus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/dispatch"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/state"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

// Server is the Fabric RPC surface: a thin adapter translating wire calls
// into store mutations, bus publications, and dispatcher operations.
//
// publishMu serializes each mutation with the publication of its event,
// so no subscriber ever observes an event whose state change a fresh
// query would not show.
type Server struct {
	cfg        *config.Config
	store      *state.Store
	bus        *events.Bus
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger

	publishMu sync.Mutex
}

// NewServer wires the Fabric service over its collaborators.
func NewServer(cfg *config.Config, store *state.Store, bus *events.Bus, dispatcher *dispatch.Dispatcher) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		dispatcher: dispatcher,
		log:        log.WithComponent("nexus"),
	}
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	wire.RegisterFabricServer(grpcServer, s)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("nexus listening")
	return grpcServer.Serve(lis)
}

// RegisterNode admits a node into the fabric with a fresh id.
func (s *Server) RegisterNode(ctx context.Context, in *wire.RegisterNodeRequest) (*wire.RegisterNodeResponse, error) {
	s.publishMu.Lock()
	node, event, err := s.store.RegisterNode(state.NodeSpec{
		Kind:         in.Kind,
		Address:      in.Address,
		Capabilities: in.Capabilities,
	})
	if err == nil {
		s.bus.Publish(event)
	}
	s.publishMu.Unlock()

	code, message := statusOf(err)
	s.countRPC("RegisterNode", code)
	if err != nil {
		return &wire.RegisterNodeResponse{Status: code, Message: message}, nil
	}

	// Parked commands may now have somewhere to go.
	s.dispatcher.NotifyNodeRegistered()

	s.log.Info().Str("node_id", node.ID).Str("kind", string(node.Kind)).Msg("node registered")
	return &wire.RegisterNodeResponse{NodeID: node.ID, Status: wire.StatusOK}, nil
}

// RegisterAgent admits an agent in PENDING.
func (s *Server) RegisterAgent(ctx context.Context, in *wire.RegisterAgentRequest) (*wire.RegisterAgentResponse, error) {
	s.publishMu.Lock()
	agent, event, err := s.store.RegisterAgent(state.AgentSpec{
		DisplayName:    in.DisplayName,
		Kind:           in.Kind,
		AssignedNodeID: in.AssignedNodeID,
	})
	if err == nil {
		s.bus.Publish(event)
	}
	s.publishMu.Unlock()

	code, message := statusOf(err)
	s.countRPC("RegisterAgent", code)
	if err != nil {
		return &wire.RegisterAgentResponse{Status: code, Message: message}, nil
	}

	s.log.Info().Str("agent_id", agent.ID).Str("display_name", agent.DisplayName).Msg("agent registered")
	return &wire.RegisterAgentResponse{AgentID: agent.ID, Status: wire.StatusOK}, nil
}

// UpdateStatus applies a node or agent status report. Semantic failures
// travel as status codes in the response body, not transport errors.
func (s *Server) UpdateStatus(ctx context.Context, in *wire.UpdateStatusRequest) (*wire.UpdateStatusResponse, error) {
	var (
		event *events.Event
		err   error
	)

	s.publishMu.Lock()
	switch in.Target {
	case types.TargetNode:
		_, event, err = s.store.ApplyNodeStatus(in.ID, types.NodeStatus(in.StatusValue), in.Telemetry, in.Timestamp)
	case types.TargetAgent:
		_, event, err = s.store.ApplyAgentStatus(in.ID, types.AgentStatus(in.StatusValue), in.CurrentTask, in.TaskProgress, in.Timestamp)
	default:
		err = fmt.Errorf("%w: unknown status target %q", state.ErrValidation, in.Target)
	}
	if err == nil {
		s.bus.Publish(event)
	}
	s.publishMu.Unlock()

	code, message := statusOf(err)
	s.countRPC("UpdateStatus", code)
	return &wire.UpdateStatusResponse{Status: code, Message: message}, nil
}

// SubmitCommand accepts a command for dispatch. Execution surfaces later
// as events keyed by the returned command id.
func (s *Server) SubmitCommand(ctx context.Context, in *wire.SubmitCommandRequest) (*wire.SubmitCommandResponse, error) {
	id, accepted, reason := s.dispatcher.Submit(in.TargetID, in.Kind, in.Parameters)

	code := wire.StatusOK
	if !accepted {
		code = wire.StatusInvalid
		if reason == dispatch.ReasonUnknownTarget {
			code = wire.StatusUnknownTarget
		}
	}
	s.countRPC("SubmitCommand", code)

	return &wire.SubmitCommandResponse{CommandID: id, Accepted: accepted, Reason: reason}, nil
}

// ReportCommandResult lands a proxy's execution report on the dispatcher.
func (s *Server) ReportCommandResult(ctx context.Context, in *wire.CommandResultRequest) (*wire.CommandResultResponse, error) {
	err := s.dispatcher.HandleResult(in.CommandID, in.NodeID, string(in.Phase), in.Error)
	code, message := statusOf(err)
	s.countRPC("ReportCommandResult", code)
	return &wire.CommandResultResponse{Status: code, Message: message}, nil
}

// StreamEvents subscribes the caller to the fabric event stream, with an
// optional snapshot prelude, until the client disconnects.
func (s *Server) StreamEvents(in *wire.StreamEventsRequest, stream wire.Fabric_StreamEventsServer) error {
	ctx := stream.Context()

	// Subscribing and snapshotting under publishMu pins the subscription
	// start to an exact point in the publish order: the prelude reflects
	// everything before it, the live stream everything after.
	s.publishMu.Lock()
	sub := s.bus.Subscribe()
	var nodes []types.Node
	var agents []types.Agent
	withSnapshot := in.IncludeSnapshot && s.cfg.SnapshotPrelude
	if withSnapshot {
		nodes, agents = s.store.Snapshot()
	}
	s.publishMu.Unlock()
	defer s.bus.Unsubscribe(sub.ID())

	s.log.Debug().Str("subscription_id", sub.ID()).Bool("snapshot", withSnapshot).Msg("stream opened")

	if withSnapshot {
		if err := s.sendSnapshot(stream, nodes, agents); err != nil {
			return err
		}
	}

	for {
		event, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := stream.Send(toWireEvent(event)); err != nil {
			return err
		}
	}
}

func (s *Server) sendSnapshot(stream wire.Fabric_StreamEventsServer, nodes []types.Node, agents []types.Agent) error {
	if err := stream.Send(&wire.FabricEvent{
		Kind:    string(events.KindSnapshotBegin),
		Source:  "nexus",
		Message: fmt.Sprintf("%d nodes, %d agents", len(nodes), len(agents)),
	}); err != nil {
		return err
	}

	for _, node := range nodes {
		err := stream.Send(&wire.FabricEvent{
			Kind:    string(events.KindNodeRegistered),
			Source:  "nexus",
			Message: fmt.Sprintf("node %s (snapshot)", node.ID),
			Attributes: map[string]string{
				"node_id":  node.ID,
				"kind":     string(node.Kind),
				"address":  node.Address,
				"status":   string(node.Status),
				"snapshot": "true",
			},
			Telemetry: node.Telemetry,
		})
		if err != nil {
			return err
		}
	}
	for _, agent := range agents {
		attrs := map[string]string{
			"agent_id":     agent.ID,
			"display_name": agent.DisplayName,
			"kind":         agent.Kind,
			"status":       string(agent.Status),
			"snapshot":     "true",
		}
		if agent.AssignedNodeID != "" {
			attrs["node_id"] = agent.AssignedNodeID
		}
		err := stream.Send(&wire.FabricEvent{
			Kind:       string(events.KindAgentRegistered),
			Source:     "nexus",
			Message:    fmt.Sprintf("agent %s (snapshot)", agent.ID),
			Attributes: attrs,
		})
		if err != nil {
			return err
		}
	}

	return stream.Send(&wire.FabricEvent{
		Kind:   string(events.KindSnapshotEnd),
		Source: "nexus",
	})
}

// AttachProxy binds a proxy's command stream to the dispatcher until the
// proxy disconnects.
func (s *Server) AttachProxy(in *wire.AttachProxyRequest, stream wire.Fabric_AttachProxyServer) error {
	sender := &streamSender{stream: stream}
	if err := s.dispatcher.Attach(in.NodeID, sender); err != nil {
		s.countRPC("AttachProxy", wire.StatusUnknownTarget)
		return err
	}
	defer s.dispatcher.Detach(in.NodeID)
	s.countRPC("AttachProxy", wire.StatusOK)

	<-stream.Context().Done()
	return nil
}

// streamSender adapts a proxy command stream to the dispatcher's Sender.
// The dispatcher's per-proxy delivery worker is the only writer.
type streamSender struct {
	stream wire.Fabric_AttachProxyServer
}

func (s *streamSender) Send(cmd *types.Command) error {
	return s.stream.Send(&wire.Command{
		ID:         cmd.ID,
		TargetID:   cmd.TargetID,
		Kind:       cmd.Kind,
		Parameters: cmd.Parameters,
		IssuedAt:   cmd.IssuedAt,
		NodeID:     cmd.NodeID,
	})
}

func toWireEvent(event *events.Event) *wire.FabricEvent {
	return &wire.FabricEvent{
		EventID:    event.ID,
		Kind:       string(event.Kind),
		Timestamp:  event.Timestamp,
		Source:     event.Source,
		Message:    event.Message,
		Attributes: event.Attributes,
		Telemetry:  event.Telemetry,
	}
}

// statusOf maps the store and dispatcher error taxonomy to wire codes.
func statusOf(err error) (wire.StatusCode, string) {
	switch {
	case err == nil:
		return wire.StatusOK, ""
	case errors.Is(err, state.ErrStale):
		return wire.StatusStale, "update is older than stored state"
	case errors.Is(err, state.ErrUnknownTarget):
		return wire.StatusUnknownTarget, err.Error()
	case errors.Is(err, state.ErrTerminalLocked):
		return wire.StatusTerminalLocked, err.Error()
	default:
		return wire.StatusInvalid, err.Error()
	}
}

func (s *Server) countRPC(method string, code wire.StatusCode) {
	metrics.RPCRequestsTotal.WithLabelValues(method, string(code)).Inc()
}
