package rpc

import (
	"context"
	"time"

	"github.com/tiny-rain/rocketmq/internal/ha"
)

// Server adapts a *ha.Service to the grpc.ServiceDesc in desc.go. Every
// method returns a plain struct; the json codec marshals it, so there are
// no generated request/response types to keep in sync with a .proto file.
type Server struct {
	svc *ha.Service
}

// NewServer wraps svc so it can be registered against a grpc.Server with
// ServiceDesc (see desc.go).
func NewServer(svc *ha.Service) *Server {
	return &Server{svc: svc}
}

func (s *Server) changeToLeader(ctx context.Context, req *ChangeToLeaderRequest) (*ChangeToLeaderResponse, error) {
	return &ChangeToLeaderResponse{Ok: s.svc.ChangeToLeader(ctx, req.NewEpoch)}, nil
}

func (s *Server) changeToFollower(ctx context.Context, req *ChangeToFollowerRequest) (*ChangeToFollowerResponse, error) {
	ok := s.svc.ChangeToFollower(ctx, req.LeaderAddress, req.NewEpoch, req.FollowerID)
	return &ChangeToFollowerResponse{Ok: ok}, nil
}

func (s *Server) updateConnectionLastCaughtUpTime(_ context.Context, req *UpdateCaughtUpRequest) (*Empty, error) {
	s.svc.UpdateConnectionLastCaughtUpTime(req.FollowerAddress, time.UnixMilli(req.TimestampMillis))
	return &Empty{}, nil
}

func (s *Server) maybeExpandInSyncStateSet(_ context.Context, req *MaybeExpandRequest) (*Empty, error) {
	s.svc.MaybeExpandInSyncStateSet(req.FollowerAddress, req.Offset)
	return &Empty{}, nil
}

func (s *Server) maybeShrinkInSyncStateSet(_ context.Context, _ *Empty) (*SyncStateSetResponse, error) {
	return &SyncStateSetResponse{Followers: fromSet(s.svc.MaybeShrinkInSyncStateSet())}, nil
}

func (s *Server) setSyncStateSet(_ context.Context, req *SetSyncStateSetRequest) (*Empty, error) {
	s.svc.SetSyncStateSet(toSet(req.Followers))
	return &Empty{}, nil
}

func (s *Server) getSyncStateSet(_ context.Context, _ *Empty) (*SyncStateSetResponse, error) {
	return &SyncStateSetResponse{Followers: fromSet(s.svc.GetSyncStateSet())}, nil
}

func (s *Server) getLocalSyncStateSet(_ context.Context, _ *Empty) (*SyncStateSetResponse, error) {
	return &SyncStateSetResponse{Followers: fromSet(s.svc.GetLocalSyncStateSet())}, nil
}

func (s *Server) inSyncReplicasNums(_ context.Context, _ *Empty) (*InSyncReplicasNumsResponse, error) {
	return &InSyncReplicasNumsResponse{Count: s.svc.InSyncReplicasNums()}, nil
}

func (s *Server) getConfirmOffset(_ context.Context, _ *Empty) (*ConfirmOffsetResponse, error) {
	return &ConfirmOffsetResponse{Offset: s.svc.GetConfirmOffset()}, nil
}

func (s *Server) updateConfirmOffset(_ context.Context, req *UpdateConfirmOffsetRequest) (*Empty, error) {
	s.svc.UpdateConfirmOffset(req.Offset)
	return &Empty{}, nil
}

func (s *Server) getLastEpoch(_ context.Context, _ *Empty) (*LastEpochResponse, error) {
	return &LastEpochResponse{Epoch: s.svc.GetLastEpoch()}, nil
}

func (s *Server) getEpochEntries(_ context.Context, _ *Empty) (*EpochEntriesResponse, error) {
	return &EpochEntriesResponse{Entries: s.svc.GetEpochEntries()}, nil
}

func (s *Server) truncateEpochFilePrefix(_ context.Context, req *TruncateEpochRequest) (*Empty, error) {
	return &Empty{}, s.svc.TruncateEpochFilePrefix(req.Offset)
}

func (s *Server) truncateEpochFileSuffix(_ context.Context, req *TruncateEpochRequest) (*Empty, error) {
	return &Empty{}, s.svc.TruncateEpochFileSuffix(req.Offset)
}

func (s *Server) getRuntimeInfo(_ context.Context, req *RuntimeInfoRequest) (*RuntimeInfoResponse, error) {
	return &RuntimeInfoResponse{RuntimeInfo: s.svc.GetRuntimeInfo(req.MasterPutWhere)}, nil
}
