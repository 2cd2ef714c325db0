// Package client provides a typed wrapper over the Fabric wire protocol
// for CLI and tooling use.
package client
