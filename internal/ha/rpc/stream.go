package rpc

import (
	"sync/atomic"

	"google.golang.org/grpc"

	"github.com/tiny-rain/rocketmq/internal/ha/isr"
)

// registerSyncStateSetChangedListener is a server-streaming RPC: it never
// receives a request body, pushes one SyncStateSetResponse per membership
// change for the life of the stream, and unregisters its listener when the
// stream ends so no goroutine outlives the client connection.
func (s *Server) registerSyncStateSetChangedListener(_ any, stream grpc.ServerStream) error {
	changes := make(chan isr.Set, 16)
	var stopped atomic.Bool

	cancel := s.svc.RegisterSyncStateSetChangedListener(func(set isr.Set) {
		if stopped.Load() {
			return
		}
		select {
		case changes <- set:
		default:
		}
	})
	defer cancel()

	for {
		select {
		case <-stream.Context().Done():
			stopped.Store(true)
			return stream.Context().Err()
		case set := <-changes:
			if err := stream.SendMsg(&SyncStateSetResponse{Followers: fromSet(set)}); err != nil {
				stopped.Store(true)
				return err
			}
		}
	}
}
