package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable for the Nexus and the node proxy. Keys are
// overridable via a YAML file or environment variables using the
// upper-cased key name (e.g. GRPC_LISTEN_ADDR).
type Config struct {
	// Nexus
	GRPCListenAddr          string `yaml:"grpc_listen_addr"`
	StreamBuffer            int    `yaml:"stream_buffer"`
	CommandQueueDepth       int    `yaml:"command_queue_depth"`
	CommandDeadlineSeconds  int    `yaml:"command_deadline_seconds"`
	ProxyAckTimeoutSeconds  int    `yaml:"proxy_ack_timeout_seconds"`
	StaleAfterNodeSeconds   int    `yaml:"stale_after_node_seconds"`
	StaleAfterAgentSeconds  int    `yaml:"stale_after_agent_seconds"`
	RetainTerminatedSeconds int    `yaml:"retain_terminated_seconds"`
	PruneIntervalSeconds    int    `yaml:"prune_interval_seconds"`
	SnapshotPrelude         bool   `yaml:"snapshot_prelude_on_subscribe"`

	// Proxy
	NexusAddr                string `yaml:"nexus_addr"`
	NodeKind                 string `yaml:"node_kind"`
	NodeAddress              string `yaml:"node_address"`
	Capabilities             string `yaml:"capabilities"`
	ContainerdSocket         string `yaml:"containerd_socket"`
	DataDir                  string `yaml:"data_dir"`
	TelemetryIntervalSeconds int    `yaml:"telemetry_interval_seconds"`
	AgentPollIntervalSeconds int    `yaml:"agent_poll_interval_seconds"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		GRPCListenAddr:           ":50053",
		StreamBuffer:             256,
		CommandQueueDepth:        64,
		CommandDeadlineSeconds:   60,
		ProxyAckTimeoutSeconds:   30,
		StaleAfterNodeSeconds:    300,
		StaleAfterAgentSeconds:   600,
		RetainTerminatedSeconds:  3600,
		PruneIntervalSeconds:     60,
		SnapshotPrelude:          false,
		NexusAddr:                "localhost:50053",
		NodeKind:                 "HEAVY_HOST",
		NodeAddress:              "",
		Capabilities:             "",
		ContainerdSocket:         "",
		DataDir:                  "/var/lib/loom",
		TelemetryIntervalSeconds: 10,
		AgentPollIntervalSeconds: 15,
		LogLevel:                 "info",
		LogJSON:                  false,
	}
}

// Load builds a Config from defaults, then an optional YAML file, then
// environment overrides, in that order of precedence (env wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides fields from environment variables named after the
// upper-cased YAML key.
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"grpc_listen_addr":  &c.GRPCListenAddr,
		"nexus_addr":        &c.NexusAddr,
		"node_kind":         &c.NodeKind,
		"node_address":      &c.NodeAddress,
		"capabilities":      &c.Capabilities,
		"containerd_socket": &c.ContainerdSocket,
		"data_dir":          &c.DataDir,
		"log_level":         &c.LogLevel,
	}
	ints := map[string]*int{
		"stream_buffer":              &c.StreamBuffer,
		"command_queue_depth":        &c.CommandQueueDepth,
		"command_deadline_seconds":   &c.CommandDeadlineSeconds,
		"proxy_ack_timeout_seconds":  &c.ProxyAckTimeoutSeconds,
		"stale_after_node_seconds":   &c.StaleAfterNodeSeconds,
		"stale_after_agent_seconds":  &c.StaleAfterAgentSeconds,
		"retain_terminated_seconds":  &c.RetainTerminatedSeconds,
		"prune_interval_seconds":     &c.PruneIntervalSeconds,
		"telemetry_interval_seconds": &c.TelemetryIntervalSeconds,
		"agent_poll_interval_seconds": &c.AgentPollIntervalSeconds,
	}
	bools := map[string]*bool{
		"snapshot_prelude_on_subscribe": &c.SnapshotPrelude,
		"log_json":                      &c.LogJSON,
	}

	for key, dst := range strs {
		if v, ok := os.LookupEnv(strings.ToUpper(key)); ok {
			*dst = v
		}
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(strings.ToUpper(key)); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %q", strings.ToUpper(key), v)
			}
			*dst = n
		}
	}
	for key, dst := range bools {
		if v, ok := os.LookupEnv(strings.ToUpper(key)); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %q", strings.ToUpper(key), v)
			}
			*dst = b
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.StreamBuffer <= 0 {
		return fmt.Errorf("stream_buffer must be positive, got %d", c.StreamBuffer)
	}
	if c.CommandQueueDepth <= 0 {
		return fmt.Errorf("command_queue_depth must be positive, got %d", c.CommandQueueDepth)
	}
	if c.CommandDeadlineSeconds <= 0 {
		return fmt.Errorf("command_deadline_seconds must be positive, got %d", c.CommandDeadlineSeconds)
	}
	if c.PruneIntervalSeconds <= 0 {
		return fmt.Errorf("prune_interval_seconds must be positive, got %d", c.PruneIntervalSeconds)
	}
	return nil
}

// Duration helpers so callers don't multiply by time.Second everywhere.

func (c *Config) CommandDeadline() time.Duration {
	return time.Duration(c.CommandDeadlineSeconds) * time.Second
}

func (c *Config) ProxyAckTimeout() time.Duration {
	return time.Duration(c.ProxyAckTimeoutSeconds) * time.Second
}

func (c *Config) StaleAfterNode() time.Duration {
	return time.Duration(c.StaleAfterNodeSeconds) * time.Second
}

func (c *Config) StaleAfterAgent() time.Duration {
	return time.Duration(c.StaleAfterAgentSeconds) * time.Second
}

func (c *Config) RetainTerminated() time.Duration {
	return time.Duration(c.RetainTerminatedSeconds) * time.Second
}

func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.PruneIntervalSeconds) * time.Second
}

func (c *Config) TelemetryInterval() time.Duration {
	return time.Duration(c.TelemetryIntervalSeconds) * time.Second
}

func (c *Config) AgentPollInterval() time.Duration {
	return time.Duration(c.AgentPollIntervalSeconds) * time.Second
}
