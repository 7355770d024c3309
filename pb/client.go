package pb

import (
	"context"

	"google.golang.org/grpc"
)

const (
	AdapterService_Estimate_FullMethodName = "/atp.adapter.v1.AdapterService/Estimate"
	AdapterService_Health_FullMethodName   = "/atp.adapter.v1.AdapterService/Health"
	AdapterService_Stream_FullMethodName   = "/atp.adapter.v1.AdapterService/Stream"
)

type adapterServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewAdapterServiceClient wraps a connection in the adapter client.
func NewAdapterServiceClient(cc grpc.ClientConnInterface) AdapterServiceClient {
	return &adapterServiceClient{cc}
}

func (c *adapterServiceClient) Estimate(ctx context.Context, in *EstimateRequest, opts ...grpc.CallOption) (*EstimateResponse, error) {
	out := new(EstimateResponse)
	if err := c.cc.Invoke(ctx, AdapterService_Estimate_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adapterServiceClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.cc.Invoke(ctx, AdapterService_Health_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adapterServiceClient) Stream(ctx context.Context, in *StreamRequest, opts ...grpc.CallOption) (AdapterService_StreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &AdapterService_ServiceDesc.Streams[0], AdapterService_Stream_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &adapterServiceStreamClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type adapterServiceStreamClient struct {
	grpc.ClientStream
}

func (x *adapterServiceStreamClient) Recv() (*StreamChunk, error) {
	m := new(StreamChunk)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterAdapterServiceServer registers an adapter implementation.
func RegisterAdapterServiceServer(s grpc.ServiceRegistrar, srv AdapterServiceServer) {
	s.RegisterService(&AdapterService_ServiceDesc, srv)
}

func _AdapterService_Estimate_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(EstimateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdapterServiceServer).Estimate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: AdapterService_Estimate_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdapterServiceServer).Estimate(ctx, req.(*EstimateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AdapterService_Health_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdapterServiceServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: AdapterService_Health_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdapterServiceServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _AdapterService_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(StreamRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(AdapterServiceServer).Stream(m, &adapterServiceStreamServer{ServerStream: stream})
}

type adapterServiceStreamServer struct {
	grpc.ServerStream
}

func (x *adapterServiceStreamServer) Send(m *StreamChunk) error {
	return x.ServerStream.SendMsg(m)
}

// AdapterService_ServiceDesc is the grpc.ServiceDesc for AdapterService.
var AdapterService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "atp.adapter.v1.AdapterService",
	HandlerType: (*AdapterServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Estimate",
			Handler:    _AdapterService_Estimate_Handler,
		},
		{
			MethodName: "Health",
			Handler:    _AdapterService_Health_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _AdapterService_Stream_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "adapter.proto",
}
