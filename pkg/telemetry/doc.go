// Package telemetry collects host resource utilization for the proxy
// heartbeat loop.
package telemetry
