package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// unaryHandler adapts one *Server method into the grpc.MethodDesc.Handler
// shape by hand, since there is no protoc-generated stub to do it.
func unaryHandler[Req any, Resp any](fn func(*Server, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return fn(s, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// ServiceName is the grpc service name this descriptor registers under.
const ServiceName = "ha.ReplicationControl"

// replicationControlServer mirrors *Server's method set so ServiceDesc can
// give grpc.Server.RegisterService an interface type to check ss against,
// matching what protoc-generated stubs normally provide.
type replicationControlServer interface {
	changeToLeader(context.Context, *ChangeToLeaderRequest) (*ChangeToLeaderResponse, error)
	changeToFollower(context.Context, *ChangeToFollowerRequest) (*ChangeToFollowerResponse, error)
	updateConnectionLastCaughtUpTime(context.Context, *UpdateCaughtUpRequest) (*Empty, error)
	maybeExpandInSyncStateSet(context.Context, *MaybeExpandRequest) (*Empty, error)
	maybeShrinkInSyncStateSet(context.Context, *Empty) (*SyncStateSetResponse, error)
	setSyncStateSet(context.Context, *SetSyncStateSetRequest) (*Empty, error)
	getSyncStateSet(context.Context, *Empty) (*SyncStateSetResponse, error)
	getLocalSyncStateSet(context.Context, *Empty) (*SyncStateSetResponse, error)
	inSyncReplicasNums(context.Context, *Empty) (*InSyncReplicasNumsResponse, error)
	getConfirmOffset(context.Context, *Empty) (*ConfirmOffsetResponse, error)
	updateConfirmOffset(context.Context, *UpdateConfirmOffsetRequest) (*Empty, error)
	getLastEpoch(context.Context, *Empty) (*LastEpochResponse, error)
	getEpochEntries(context.Context, *Empty) (*EpochEntriesResponse, error)
	truncateEpochFilePrefix(context.Context, *TruncateEpochRequest) (*Empty, error)
	truncateEpochFileSuffix(context.Context, *TruncateEpochRequest) (*Empty, error)
	getRuntimeInfo(context.Context, *RuntimeInfoRequest) (*RuntimeInfoResponse, error)
	registerSyncStateSetChangedListener(any, grpc.ServerStream) error
}

// ServiceDesc is the hand-written analog of a protoc-generated
// grpc.ServiceDesc, wired against Server's methods.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*replicationControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ChangeToLeader", Handler: unaryHandler((*Server).changeToLeader)},
		{MethodName: "ChangeToFollower", Handler: unaryHandler((*Server).changeToFollower)},
		{MethodName: "UpdateConnectionLastCaughtUpTime", Handler: unaryHandler((*Server).updateConnectionLastCaughtUpTime)},
		{MethodName: "MaybeExpandInSyncStateSet", Handler: unaryHandler((*Server).maybeExpandInSyncStateSet)},
		{MethodName: "MaybeShrinkInSyncStateSet", Handler: unaryHandler((*Server).maybeShrinkInSyncStateSet)},
		{MethodName: "SetSyncStateSet", Handler: unaryHandler((*Server).setSyncStateSet)},
		{MethodName: "GetSyncStateSet", Handler: unaryHandler((*Server).getSyncStateSet)},
		{MethodName: "GetLocalSyncStateSet", Handler: unaryHandler((*Server).getLocalSyncStateSet)},
		{MethodName: "InSyncReplicasNums", Handler: unaryHandler((*Server).inSyncReplicasNums)},
		{MethodName: "GetConfirmOffset", Handler: unaryHandler((*Server).getConfirmOffset)},
		{MethodName: "UpdateConfirmOffset", Handler: unaryHandler((*Server).updateConfirmOffset)},
		{MethodName: "GetLastEpoch", Handler: unaryHandler((*Server).getLastEpoch)},
		{MethodName: "GetEpochEntries", Handler: unaryHandler((*Server).getEpochEntries)},
		{MethodName: "TruncateEpochFilePrefix", Handler: unaryHandler((*Server).truncateEpochFilePrefix)},
		{MethodName: "TruncateEpochFileSuffix", Handler: unaryHandler((*Server).truncateEpochFileSuffix)},
		{MethodName: "GetRuntimeInfo", Handler: unaryHandler((*Server).getRuntimeInfo)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RegisterSyncStateSetChangedListener",
			Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(*Server).registerSyncStateSetChangedListener(nil, stream) },
			ServerStreams: true,
		},
	},
	Metadata: "ha/rpc.proto",
}
