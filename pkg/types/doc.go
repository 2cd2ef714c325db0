/*
Package types defines the core data structures used throughout Loom.

This package contains the fundamental types of Loom's domain model: nodes,
agents, telemetry snapshots, commands, and their status enumerations. These
types are used by every other package for state management, wire
communication, and orchestration logic.

# Core Types

Fabric topology:
  - Node: a compute host registered with the Nexus (heavy host, light host,
    or agent proxy) with advisory address, self-reported capabilities, and
    the most recent telemetry snapshot
  - Agent: a managed workload unit, 1:1 with a container on its assigned
    node; unscheduled agents have an empty AssignedNodeID
  - Telemetry: an immutable resource-utilization snapshot attached to a
    node status update

Commands:
  - Command: an operator-initiated action (deploy, stop, restart, migrate,
    reboot, set-priority, scale) routed by the dispatcher to a proxy
  - FabricGlobal: the sentinel target id addressing every attached proxy

# Enumeration Pattern

All enums use typed string constants with a Valid() helper:

	type AgentStatus string
	const (
	    AgentStatusPending AgentStatus = "PENDING"
	    AgentStatusRunning AgentStatus = "RUNNING"
	)

# Agent State Machine

	PENDING ──deploy-ok──► RUNNING ──update──► IDLE
	   │                      │  ▲                │
	   │                      │  └──update────────┘
	   │                      ▼
	   └──deploy-fail──► ERROR ──stop──► TERMINATED (terminal)
	                       ▲
	                       └──node-lost──(any non-terminal state)

TERMINATED is terminal; the state store rejects transitions out of it.

# Ownership

The Nexus state store (pkg/state) exclusively owns the node and agent maps.
Proxies own only their local container set; all changes flow through RPCs.
Entities handed out of the store are copies, safe for concurrent reads.
*/
package types
