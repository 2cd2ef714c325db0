// Package proxy implements the per-node agent lifecycle controller.
//
// A proxy registers with the Nexus on startup, records the assigned node
// id, and then runs three loops concurrently:
//
//   - telemetry: periodic heartbeat carrying a host resource snapshot
//   - commands: a long-lived stream from the dispatcher, reconnected with
//     backoff, feeding the local executor
//   - agent watch: periodic reconciliation of managed container states
//     into agent status updates
//
// The proxy never mutates Nexus state directly; every change flows
// through the Fabric RPCs. Deploy specs are cached in a local bbolt file
// so restarts and RESTART_AGENT commands can reconstruct container
// configuration without the Nexus resending it.
package proxy
