// Package events implements the fabric event bus.
//
// The bus is the single publication point for state change notifications
// inside the Nexus. Producers (the RPC layer, the dispatcher, the pruner)
// call Publish; consumers obtain a Subscription and pull with Next. The
// design trades delivery guarantees for isolation:
//
//   - Publish never blocks, no matter how slow any subscriber is.
//   - Each subscriber owns an independent bounded queue. A slow stream
//     consumer cannot delay a fast one.
//   - When a queue overflows, the oldest undelivered events are dropped
//     and the subscriber is told how many it missed via a synthesized
//     STREAM_LAGGED event, delivered before the events that survived.
//
// Subscribers therefore observe events in publish order with possible
// announced gaps, never silent ones and never reordering. Consumers that
// need a complete picture re-read state after seeing STREAM_LAGGED.
package events
