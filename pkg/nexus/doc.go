// Package nexus implements the Fabric RPC server: the adapter between
// the wire protocol and the state store, event bus, and command
// dispatcher.
//
// Handlers are deliberately thin. Each mutation is committed and its
// event published under one mutex, which is the only place in the system
// where event order and state visibility are tied together; everything
// downstream of the bus sees a consistent history. Semantic failures
// (stale updates, unknown targets, terminal locks) are returned as
// status codes in response bodies so clients can react without parsing
// transport errors.
package nexus
