// Package log provides structured logging for Loom built on zerolog.
//
// A single global logger is initialized once at process start via Init;
// components derive child loggers with WithComponent, WithNodeID,
// WithAgentID, or WithCommandID so every line carries its context fields.
// Console output is the default; JSON output is for production log
// shipping.
package log
