package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/client"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

func dialNexus(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("nexus")
	return client.New(addr)
}

func addNexusFlag(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().String("nexus", "localhost:50053", "Nexus address")
	}
}

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage fabric nodes",
}

var nodeRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a node with the nexus",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		address, _ := cmd.Flags().GetString("address")
		capabilities, _ := cmd.Flags().GetString("capabilities")

		c, err := dialNexus(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := c.RegisterNode(types.NodeKind(kind), address, capabilities)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeRegisterCmd)
	addNexusFlag(nodeRegisterCmd)
	nodeRegisterCmd.Flags().String("kind", "HEAVY_HOST", "Node kind (HEAVY_HOST, LIGHT_HOST, AGENT_PROXY)")
	nodeRegisterCmd.Flags().String("address", "", "Node address")
	nodeRegisterCmd.Flags().String("capabilities", "", "Capability string, e.g. cpu=16;ram=64G")
}

// Agent commands
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage fabric agents",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Register an agent with the nexus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		nodeID, _ := cmd.Flags().GetString("node")

		c, err := dialNexus(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := c.RegisterAgent(args[0], kind, nodeID)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var agentStatusCmd = &cobra.Command{
	Use:   "status AGENT_ID STATUS",
	Short: "Report an agent status to the nexus",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var task *string
		var progress *float64
		if cmd.Flags().Changed("task") {
			v, _ := cmd.Flags().GetString("task")
			task = &v
		}
		if cmd.Flags().Changed("progress") {
			v, _ := cmd.Flags().GetFloat64("progress")
			progress = &v
		}

		c, err := dialNexus(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		return c.UpdateAgentStatus(args[0], types.AgentStatus(args[1]), task, progress)
	},
}

func init() {
	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentStatusCmd)
	addNexusFlag(agentRegisterCmd, agentStatusCmd)
	agentRegisterCmd.Flags().String("kind", "", "Agent kind, e.g. vision")
	agentRegisterCmd.Flags().String("node", "", "Pin the agent to this node ID")
	agentStatusCmd.Flags().String("task", "", "Current task description")
	agentStatusCmd.Flags().Float64("progress", 0, "Task progress in [0,1]")
}

// Command submission
var commandCmd = &cobra.Command{
	Use:   "command",
	Short: "Submit fabric commands",
}

var commandSubmitCmd = &cobra.Command{
	Use:   "submit TARGET_ID KIND",
	Short: "Submit a command for dispatch",
	Long: `Submit a command against a node, an agent, or the whole fabric
(target FABRIC_GLOBAL). Execution is asynchronous; watch the event
stream for the delivery and completion events keyed by the printed
command ID.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringArray("param")
		params := make(map[string]string, len(raw))
		for _, pair := range raw {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("invalid --param %q, want key=value", pair)
			}
			params[key] = value
		}

		c, err := dialNexus(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := c.SubmitCommand(args[0], types.CommandKind(args[1]), params)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	commandCmd.AddCommand(commandSubmitCmd)
	addNexusFlag(commandSubmitCmd)
	commandSubmitCmd.Flags().StringArray("param", nil, "Command parameter key=value (repeatable)")
}

// Event stream
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream fabric events",
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, _ := cmd.Flags().GetBool("snapshot")

		c, err := dialNexus(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := signalContext()
		defer cancel()

		stream, err := c.StreamEvents(ctx, snapshot)
		if err != nil {
			return err
		}

		for {
			event, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			printEvent(event)
		}
	},
}

func init() {
	addNexusFlag(eventsCmd)
	eventsCmd.Flags().Bool("snapshot", false, "Replay current fleet state before live events")
}

func printEvent(event *wire.FabricEvent) {
	var attrs string
	if len(event.Attributes) > 0 {
		keys := make([]string, 0, len(event.Attributes))
		for k := range event.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, event.Attributes[k]))
		}
		attrs = " " + strings.Join(parts, " ")
	}
	fmt.Printf("%s %-22s %s%s\n", event.Timestamp.Format("15:04:05"), event.Kind, event.Message, attrs)
}
