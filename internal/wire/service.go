package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "scaledb.v1.ShardService"

const (
	ShardCountMethod     = "/" + ServiceName + "/ShardCount"
	UpsertMethod         = "/" + ServiceName + "/Upsert"
	DeleteMethod         = "/" + ServiceName + "/Delete"
	RetrieveByKeysMethod = "/" + ServiceName + "/RetrieveByKeys"
	RetrieveRangeMethod  = "/" + ServiceName + "/RetrieveRange"
)

// ShardServer is the server API for the shard service.
type ShardServer interface {
	ShardCount(context.Context, *ShardCountRequest) (*ShardCountResponse, error)
	Upsert(context.Context, *UpsertRequest) (*Ack, error)
	Delete(context.Context, *DeleteRequest) (*Ack, error)
	RetrieveByKeys(*RetrieveByKeysRequest, EntityStream) error
	RetrieveRange(*RetrieveRangeRequest, EntityStream) error
}

// EntityStream is the server side of a retrieval stream.
type EntityStream interface {
	Send(*EntityBatch) error
	grpc.ServerStream
}

// UnimplementedShardServer can be embedded to satisfy ShardServer.
type UnimplementedShardServer struct{}

func (UnimplementedShardServer) ShardCount(context.Context, *ShardCountRequest) (*ShardCountResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ShardCount not implemented")
}
func (UnimplementedShardServer) Upsert(context.Context, *UpsertRequest) (*Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method Upsert not implemented")
}
func (UnimplementedShardServer) Delete(context.Context, *DeleteRequest) (*Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method Delete not implemented")
}
func (UnimplementedShardServer) RetrieveByKeys(*RetrieveByKeysRequest, EntityStream) error {
	return status.Error(codes.Unimplemented, "method RetrieveByKeys not implemented")
}
func (UnimplementedShardServer) RetrieveRange(*RetrieveRangeRequest, EntityStream) error {
	return status.Error(codes.Unimplemented, "method RetrieveRange not implemented")
}

// RegisterShardServer registers srv with s.
func RegisterShardServer(s grpc.ServiceRegistrar, srv ShardServer) {
	s.RegisterService(&ShardServiceDesc, srv)
}

// ShardServiceDesc describes the shard service for grpc.Server.
var ShardServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ShardServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ShardCount", Handler: shardCountHandler},
		{MethodName: "Upsert", Handler: upsertHandler},
		{MethodName: "Delete", Handler: deleteHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "RetrieveByKeys", Handler: retrieveByKeysHandler, ServerStreams: true},
		{StreamName: "RetrieveRange", Handler: retrieveRangeHandler, ServerStreams: true},
	},
	Metadata: "scaledb/v1/shard.proto",
}

func shardCountHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ShardCountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ShardServer).ShardCount(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ShardCountMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ShardServer).ShardCount(ctx, req.(*ShardCountRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func upsertHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UpsertRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ShardServer).Upsert(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: UpsertMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ShardServer).Upsert(ctx, req.(*UpsertRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ShardServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DeleteMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ShardServer).Delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func retrieveByKeysHandler(srv any, stream grpc.ServerStream) error {
	in := new(RetrieveByKeysRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ShardServer).RetrieveByKeys(in, &entityStream{stream})
}

func retrieveRangeHandler(srv any, stream grpc.ServerStream) error {
	in := new(RetrieveRangeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ShardServer).RetrieveRange(in, &entityStream{stream})
}

type entityStream struct {
	grpc.ServerStream
}

func (s *entityStream) Send(m *EntityBatch) error {
	return s.ServerStream.SendMsg(m)
}

// ShardClient is the client API for the shard service.
type ShardClient struct {
	cc grpc.ClientConnInterface
}

// NewShardClient wraps a connection. Calls must select CodecName, either per
// call or through grpc.WithDefaultCallOptions.
func NewShardClient(cc grpc.ClientConnInterface) *ShardClient {
	return &ShardClient{cc: cc}
}

func (c *ShardClient) ShardCount(ctx context.Context, in *ShardCountRequest, opts ...grpc.CallOption) (*ShardCountResponse, error) {
	out := new(ShardCountResponse)
	if err := c.cc.Invoke(ctx, ShardCountMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ShardClient) Upsert(ctx context.Context, in *UpsertRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, UpsertMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ShardClient) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, DeleteMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EntityReceiver is the client side of a retrieval stream. Recv returns
// io.EOF once the server has finished.
type EntityReceiver interface {
	Recv() (*EntityBatch, error)
	grpc.ClientStream
}

func (c *ShardClient) RetrieveByKeys(ctx context.Context, in *RetrieveByKeysRequest, opts ...grpc.CallOption) (EntityReceiver, error) {
	return c.openStream(ctx, 0, RetrieveByKeysMethod, in, opts...)
}

func (c *ShardClient) RetrieveRange(ctx context.Context, in *RetrieveRangeRequest, opts ...grpc.CallOption) (EntityReceiver, error) {
	return c.openStream(ctx, 1, RetrieveRangeMethod, in, opts...)
}

func (c *ShardClient) openStream(ctx context.Context, idx int, method string, in Message, opts ...grpc.CallOption) (EntityReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &ShardServiceDesc.Streams[idx], method, opts...)
	if err != nil {
		return nil, err
	}
	x := &entityReceiver{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type entityReceiver struct {
	grpc.ClientStream
}

func (x *entityReceiver) Recv() (*EntityBatch, error) {
	m := new(EntityBatch)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
