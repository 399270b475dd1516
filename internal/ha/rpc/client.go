package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin wrapper an external supervisor uses to drive one node's
// control-plane surface without generated stubs.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a node's rpc.Listener at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("rpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	fullMethod := "/" + ServiceName + "/" + method
	return c.conn.Invoke(ctx, fullMethod, req, resp)
}

func (c *Client) ChangeToLeader(ctx context.Context, newEpoch uint32) (bool, error) {
	resp := new(ChangeToLeaderResponse)
	if err := c.invoke(ctx, "ChangeToLeader", &ChangeToLeaderRequest{NewEpoch: newEpoch}, resp); err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (c *Client) ChangeToFollower(ctx context.Context, leaderAddress string, newEpoch uint32, followerID string) (bool, error) {
	resp := new(ChangeToFollowerResponse)
	req := &ChangeToFollowerRequest{LeaderAddress: leaderAddress, NewEpoch: newEpoch, FollowerID: followerID}
	if err := c.invoke(ctx, "ChangeToFollower", req, resp); err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (c *Client) GetConfirmOffset(ctx context.Context) (int64, error) {
	resp := new(ConfirmOffsetResponse)
	if err := c.invoke(ctx, "GetConfirmOffset", &Empty{}, resp); err != nil {
		return 0, err
	}
	return resp.Offset, nil
}

func (c *Client) GetSyncStateSet(ctx context.Context) ([]string, error) {
	resp := new(SyncStateSetResponse)
	if err := c.invoke(ctx, "GetSyncStateSet", &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.Followers, nil
}

func (c *Client) SetSyncStateSet(ctx context.Context, followers []string) error {
	return c.invoke(ctx, "SetSyncStateSet", &SetSyncStateSetRequest{Followers: followers}, &Empty{})
}

func (c *Client) GetRuntimeInfo(ctx context.Context, masterPutWhere int64) (*RuntimeInfoResponse, error) {
	resp := new(RuntimeInfoResponse)
	if err := c.invoke(ctx, "GetRuntimeInfo", &RuntimeInfoRequest{MasterPutWhere: masterPutWhere}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RegisterSyncStateSetChangedListener opens the server-streaming RPC and
// invokes onChange for every proposed ISR change (expansion or disconnect
// removal) until ctx is canceled. Commits through SetSyncStateSet are not
// streamed.
func (c *Client) RegisterSyncStateSetChangedListener(ctx context.Context, onChange func([]string)) error {
	desc := &grpc.StreamDesc{StreamName: "RegisterSyncStateSetChangedListener", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/RegisterSyncStateSetChangedListener")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		resp := new(SyncStateSetResponse)
		if err := stream.RecvMsg(resp); err != nil {
			return err
		}
		onChange(resp.Followers)
	}
}
