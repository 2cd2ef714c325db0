package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

const rpcTimeout = 10 * time.Second

// Client wraps the Fabric gRPC client for easy CLI usage. Every unary
// call runs under its own deadline; non-OK status codes come back as
// plain errors so callers never inspect wire codes.
type Client struct {
	conn   *grpc.ClientConn
	client wire.FabricClient
}

// New connects to a nexus at addr.
func New(addr string) (*Client, error) {
	conn, err := wire.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial nexus: %w", err)
	}
	return &Client{conn: conn, client: wire.NewFabricClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// RegisterNode registers a node and returns its assigned id.
func (c *Client) RegisterNode(kind types.NodeKind, address, capabilities string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	resp, err := c.client.RegisterNode(ctx, &wire.RegisterNodeRequest{
		Kind:         kind,
		Address:      address,
		Capabilities: capabilities,
	})
	if err != nil {
		return "", err
	}
	if resp.Status != wire.StatusOK {
		return "", statusErr(resp.Status, resp.Message)
	}
	return resp.NodeID, nil
}

// RegisterAgent registers an agent, optionally pinned to a node.
func (c *Client) RegisterAgent(displayName, kind, nodeID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	resp, err := c.client.RegisterAgent(ctx, &wire.RegisterAgentRequest{
		DisplayName:    displayName,
		Kind:           kind,
		AssignedNodeID: nodeID,
	})
	if err != nil {
		return "", err
	}
	if resp.Status != wire.StatusOK {
		return "", statusErr(resp.Status, resp.Message)
	}
	return resp.AgentID, nil
}

// UpdateNodeStatus reports a node status, optionally with telemetry.
func (c *Client) UpdateNodeStatus(nodeID string, status types.NodeStatus, telemetry *types.Telemetry) error {
	return c.updateStatus(&wire.UpdateStatusRequest{
		ID:          nodeID,
		Target:      types.TargetNode,
		StatusValue: string(status),
		Telemetry:   telemetry,
	})
}

// UpdateAgentStatus reports an agent status. Nil task and progress leave
// the stored values unchanged.
func (c *Client) UpdateAgentStatus(agentID string, status types.AgentStatus, task *string, progress *float64) error {
	return c.updateStatus(&wire.UpdateStatusRequest{
		ID:           agentID,
		Target:       types.TargetAgent,
		StatusValue:  string(status),
		CurrentTask:  task,
		TaskProgress: progress,
	})
}

func (c *Client) updateStatus(req *wire.UpdateStatusRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	resp, err := c.client.UpdateStatus(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusOK {
		return statusErr(resp.Status, resp.Message)
	}
	return nil
}

// SubmitCommand submits a command and returns its id. Rejections come
// back as errors carrying the dispatcher's reason.
func (c *Client) SubmitCommand(targetID string, kind types.CommandKind, parameters map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	resp, err := c.client.SubmitCommand(ctx, &wire.SubmitCommandRequest{
		TargetID:   targetID,
		Kind:       kind,
		Parameters: parameters,
	})
	if err != nil {
		return "", err
	}
	if !resp.Accepted {
		return "", fmt.Errorf("command rejected: %s", resp.Reason)
	}
	return resp.CommandID, nil
}

// StreamEvents opens the fabric event stream. The stream lives until
// ctx is cancelled.
func (c *Client) StreamEvents(ctx context.Context, includeSnapshot bool) (wire.Fabric_StreamEventsClient, error) {
	return c.client.StreamEvents(ctx, &wire.StreamEventsRequest{IncludeSnapshot: includeSnapshot})
}

func statusErr(code wire.StatusCode, message string) error {
	if message == "" {
		return fmt.Errorf("nexus returned %s", code)
	}
	return fmt.Errorf("nexus returned %s: %s", code, message)
}
