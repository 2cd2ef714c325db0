// Package config loads Loom configuration from defaults, an optional YAML
// file, and environment variable overrides (upper-cased key names), in that
// order of precedence.
package config
