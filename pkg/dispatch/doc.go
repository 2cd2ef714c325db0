// Package dispatch routes submitted commands to node proxies.
//
// Acceptance is synchronous and cheap: Submit validates the target,
// announces COMMAND_SUBMITTED, and returns. Everything after that is
// asynchronous and correlated by command id. Each node has a bounded
// outbound backlog drained by a delivery worker once the proxy's command
// stream attaches; agent-scoped commands against unassigned agents go
// through a deterministic placement policy (capability match, lowest CPU,
// lexicographic id) and park until a suitable node exists.
//
// Every accepted command terminates in exactly one COMMAND_COMPLETED or
// COMMAND_FAILED event, no matter which of the competing outcomes fires
// first: proxy report, delivery failure, backlog overflow, missing ack,
// placement expiry, or the overall deadline. Commands are never persisted.
package dispatch
