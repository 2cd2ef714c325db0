package wire

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "loom.v1.Fabric"

	// CodecName is the content-subtype both sides must use.
	CodecName = "json"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonCodec encodes gRPC message bodies as JSON. Tagged fields plus
// unknown-field tolerance give the forward/backward compatibility the
// protocol requires without a code generation step.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return jsonAPI.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Dial opens a client connection speaking the fabric codec. Transport
// security is assumed terminated externally.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
}

// FabricClient is the client API for the Fabric service.
type FabricClient interface {
	RegisterNode(ctx context.Context, in *RegisterNodeRequest, opts ...grpc.CallOption) (*RegisterNodeResponse, error)
	RegisterAgent(ctx context.Context, in *RegisterAgentRequest, opts ...grpc.CallOption) (*RegisterAgentResponse, error)
	UpdateStatus(ctx context.Context, in *UpdateStatusRequest, opts ...grpc.CallOption) (*UpdateStatusResponse, error)
	SubmitCommand(ctx context.Context, in *SubmitCommandRequest, opts ...grpc.CallOption) (*SubmitCommandResponse, error)
	ReportCommandResult(ctx context.Context, in *CommandResultRequest, opts ...grpc.CallOption) (*CommandResultResponse, error)
	StreamEvents(ctx context.Context, in *StreamEventsRequest, opts ...grpc.CallOption) (Fabric_StreamEventsClient, error)
	AttachProxy(ctx context.Context, in *AttachProxyRequest, opts ...grpc.CallOption) (Fabric_AttachProxyClient, error)
}

type fabricClient struct {
	cc grpc.ClientConnInterface
}

// NewFabricClient wraps a client connection with the typed Fabric API.
func NewFabricClient(cc grpc.ClientConnInterface) FabricClient {
	return &fabricClient{cc: cc}
}

func (c *fabricClient) RegisterNode(ctx context.Context, in *RegisterNodeRequest, opts ...grpc.CallOption) (*RegisterNodeResponse, error) {
	out := new(RegisterNodeResponse)
	if err := c.cc.Invoke(ctx, "/loom.v1.Fabric/RegisterNode", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fabricClient) RegisterAgent(ctx context.Context, in *RegisterAgentRequest, opts ...grpc.CallOption) (*RegisterAgentResponse, error) {
	out := new(RegisterAgentResponse)
	if err := c.cc.Invoke(ctx, "/loom.v1.Fabric/RegisterAgent", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fabricClient) UpdateStatus(ctx context.Context, in *UpdateStatusRequest, opts ...grpc.CallOption) (*UpdateStatusResponse, error) {
	out := new(UpdateStatusResponse)
	if err := c.cc.Invoke(ctx, "/loom.v1.Fabric/UpdateStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fabricClient) SubmitCommand(ctx context.Context, in *SubmitCommandRequest, opts ...grpc.CallOption) (*SubmitCommandResponse, error) {
	out := new(SubmitCommandResponse)
	if err := c.cc.Invoke(ctx, "/loom.v1.Fabric/SubmitCommand", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fabricClient) ReportCommandResult(ctx context.Context, in *CommandResultRequest, opts ...grpc.CallOption) (*CommandResultResponse, error) {
	out := new(CommandResultResponse)
	if err := c.cc.Invoke(ctx, "/loom.v1.Fabric/ReportCommandResult", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *fabricClient) StreamEvents(ctx context.Context, in *StreamEventsRequest, opts ...grpc.CallOption) (Fabric_StreamEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &FabricServiceDesc.Streams[0], "/loom.v1.Fabric/StreamEvents", opts...)
	if err != nil {
		return nil, err
	}
	x := &fabricStreamEventsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Fabric_StreamEventsClient is the client side of the event stream.
type Fabric_StreamEventsClient interface {
	Recv() (*FabricEvent, error)
	grpc.ClientStream
}

type fabricStreamEventsClient struct {
	grpc.ClientStream
}

func (x *fabricStreamEventsClient) Recv() (*FabricEvent, error) {
	m := new(FabricEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *fabricClient) AttachProxy(ctx context.Context, in *AttachProxyRequest, opts ...grpc.CallOption) (Fabric_AttachProxyClient, error) {
	stream, err := c.cc.NewStream(ctx, &FabricServiceDesc.Streams[1], "/loom.v1.Fabric/AttachProxy", opts...)
	if err != nil {
		return nil, err
	}
	x := &fabricAttachProxyClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Fabric_AttachProxyClient is the proxy side of the command channel.
type Fabric_AttachProxyClient interface {
	Recv() (*Command, error)
	grpc.ClientStream
}

type fabricAttachProxyClient struct {
	grpc.ClientStream
}

func (x *fabricAttachProxyClient) Recv() (*Command, error) {
	m := new(Command)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// FabricServer is the server API for the Fabric service.
type FabricServer interface {
	RegisterNode(ctx context.Context, in *RegisterNodeRequest) (*RegisterNodeResponse, error)
	RegisterAgent(ctx context.Context, in *RegisterAgentRequest) (*RegisterAgentResponse, error)
	UpdateStatus(ctx context.Context, in *UpdateStatusRequest) (*UpdateStatusResponse, error)
	SubmitCommand(ctx context.Context, in *SubmitCommandRequest) (*SubmitCommandResponse, error)
	ReportCommandResult(ctx context.Context, in *CommandResultRequest) (*CommandResultResponse, error)
	StreamEvents(in *StreamEventsRequest, stream Fabric_StreamEventsServer) error
	AttachProxy(in *AttachProxyRequest, stream Fabric_AttachProxyServer) error
}

// Fabric_StreamEventsServer is the server side of the event stream.
type Fabric_StreamEventsServer interface {
	Send(*FabricEvent) error
	grpc.ServerStream
}

type fabricStreamEventsServer struct {
	grpc.ServerStream
}

func (x *fabricStreamEventsServer) Send(m *FabricEvent) error {
	return x.ServerStream.SendMsg(m)
}

// Fabric_AttachProxyServer is the server side of the command channel.
type Fabric_AttachProxyServer interface {
	Send(*Command) error
	grpc.ServerStream
}

type fabricAttachProxyServer struct {
	grpc.ServerStream
}

func (x *fabricAttachProxyServer) Send(m *Command) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterFabricServer registers the Fabric service implementation.
func RegisterFabricServer(s grpc.ServiceRegistrar, srv FabricServer) {
	s.RegisterService(&FabricServiceDesc, srv)
}

func _Fabric_RegisterNode_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterNodeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FabricServer).RegisterNode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/loom.v1.Fabric/RegisterNode"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FabricServer).RegisterNode(ctx, req.(*RegisterNodeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Fabric_RegisterAgent_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterAgentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FabricServer).RegisterAgent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/loom.v1.Fabric/RegisterAgent"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FabricServer).RegisterAgent(ctx, req.(*RegisterAgentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Fabric_UpdateStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UpdateStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FabricServer).UpdateStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/loom.v1.Fabric/UpdateStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FabricServer).UpdateStatus(ctx, req.(*UpdateStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Fabric_SubmitCommand_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitCommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FabricServer).SubmitCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/loom.v1.Fabric/SubmitCommand"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FabricServer).SubmitCommand(ctx, req.(*SubmitCommandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Fabric_ReportCommandResult_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CommandResultRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FabricServer).ReportCommandResult(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/loom.v1.Fabric/ReportCommandResult"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FabricServer).ReportCommandResult(ctx, req.(*CommandResultRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Fabric_StreamEvents_Handler(srv interface{}, stream grpc.ServerStream) error {
	in := new(StreamEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FabricServer).StreamEvents(in, &fabricStreamEventsServer{stream})
}

func _Fabric_AttachProxy_Handler(srv interface{}, stream grpc.ServerStream) error {
	in := new(AttachProxyRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FabricServer).AttachProxy(in, &fabricAttachProxyServer{stream})
}

// FabricServiceDesc is the service descriptor for the Fabric service.
var FabricServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FabricServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterNode",
			Handler:    _Fabric_RegisterNode_Handler,
		},
		{
			MethodName: "RegisterAgent",
			Handler:    _Fabric_RegisterAgent_Handler,
		},
		{
			MethodName: "UpdateStatus",
			Handler:    _Fabric_UpdateStatus_Handler,
		},
		{
			MethodName: "SubmitCommand",
			Handler:    _Fabric_SubmitCommand_Handler,
		},
		{
			MethodName: "ReportCommandResult",
			Handler:    _Fabric_ReportCommandResult_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       _Fabric_StreamEvents_Handler,
			ServerStreams: true,
		},
		{
			StreamName:    "AttachProxy",
			Handler:       _Fabric_AttachProxy_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "loom/v1/fabric",
}
