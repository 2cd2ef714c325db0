// Package metrics defines Prometheus instruments for the Nexus: fabric
// size gauges, event bus throughput and drop counters, command outcome
// counters, and RPC request counts. Instruments register on the default
// registry; exposing them over HTTP is left to the embedding process.
package metrics
