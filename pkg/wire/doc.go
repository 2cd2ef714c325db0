// Package wire defines the RPC surface between the Nexus, node proxies,
// and control-surface clients: the loom.v1.Fabric gRPC service, its
// message types, and the codec they travel in.
//
// Messages are encoded as JSON rather than protobuf. Field tags give
// stable names, decoding ignores unknown fields, and omitted fields take
// zero values, which together provide the forward/backward compatibility
// the protocol needs while keeping the schema plain Go. The service
// descriptor and typed client/server wrappers follow the shape of
// generated gRPC bindings so handlers and call sites read conventionally.
//
// Both ends must agree on the codec: servers pick it up from the
// registered "json" encoding, clients select it per call via
// grpc.CallContentSubtype. Dial configures this for every call on the
// returned connection.
package wire
