package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/dispatch"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/nexus"
	"github.com/loomworks/loom/pkg/proxy"
	"github.com/loomworks/loom/pkg/pruner"
	"github.com/loomworks/loom/pkg/runtime"
	"github.com/loomworks/loom/pkg/state"
	"github.com/loomworks/loom/pkg/wire"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - distributed compute fabric orchestrator",
	Long: `Loom coordinates a fabric of compute nodes and the agents running
on them. A central nexus tracks fleet state and streams change events;
node proxies execute commands against the local container runtime and
report telemetry back.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Loom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	rootCmd.AddCommand(nexusCmd)
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(eventsCmd)
}

// loadConfig resolves the config file flag and initializes logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	return cfg, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var nexusCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Run the nexus coordinator",
	Long: `Run the central coordinator: the Fabric gRPC endpoint, the command
dispatcher, and the liveness pruner. Node proxies and CLI clients
connect to the address given by grpc_listen_addr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store := state.NewStore()
		bus := events.NewBus(cfg.StreamBuffer)
		dispatcher := dispatch.New(store, bus, dispatch.Options{
			QueueDepth: cfg.CommandQueueDepth,
			Deadline:   cfg.CommandDeadline(),
			AckTimeout: cfg.ProxyAckTimeout(),
		})
		reaper := pruner.New(store, bus, pruner.Options{
			Interval:         cfg.PruneInterval(),
			StaleAfterNode:   cfg.StaleAfterNode(),
			StaleAfterAgent:  cfg.StaleAfterAgent(),
			RetainTerminated: cfg.RetainTerminated(),
		})
		server := nexus.NewServer(cfg, store, bus, dispatcher)

		lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCListenAddr, err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		go dispatcher.Run(ctx)
		go reaper.Run(ctx)

		return server.Serve(ctx, lis)
	},
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run a node proxy",
	Long: `Run the per-node proxy: registers this host with the nexus, streams
telemetry, receives commands over an attached stream, and drives the
local containerd daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		conn, err := wire.Dial(cfg.NexusAddr)
		if err != nil {
			return fmt.Errorf("failed to dial nexus: %w", err)
		}
		defer conn.Close()

		rt, err := runtime.NewContainerd(cfg.ContainerdSocket, filepath.Join(cfg.DataDir, "logs"))
		if err != nil {
			return err
		}
		defer rt.Close()

		p, err := proxy.New(cfg, wire.NewFabricClient(conn), rt)
		if err != nil {
			return err
		}
		defer p.Close()

		ctx, cancel := signalContext()
		defer cancel()

		return p.Run(ctx)
	},
}
