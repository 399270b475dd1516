package rpc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tiny-rain/rocketmq/internal/ha"
	"github.com/tiny-rain/rocketmq/internal/ha/config"
	"github.com/tiny-rain/rocketmq/internal/ha/store"
)

func newTestListener(t *testing.T) (*Listener, *Client) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.StorePathEpochFile = filepath.Join(dir, "epochFileCheckpoint")
	cfg.StorePathCheckpoint = filepath.Join(dir, "checkpoint.db")

	logStore, err := store.NewFileStore(filepath.Join(dir, "commitlog"))
	require.NoError(t, err)
	t.Cleanup(func() { logStore.Close() })

	svc, err := ha.Init(cfg, logStore)
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	l := &Listener{grpcServer: grpc.NewServer(grpc.ForceServerCodec(jsonCodec{})), addr: lis.Addr().String()}
	l.grpcServer.RegisterService(&ServiceDesc, NewServer(svc))
	go l.grpcServer.Serve(lis)
	t.Cleanup(l.grpcServer.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return l, &Client{conn: conn}
}

func TestClient_ChangeToLeaderAndReadBack(t *testing.T) {
	_, client := newTestListener(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := client.ChangeToLeader(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	offset, err := client.GetConfirmOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)

	followers, err := client.GetSyncStateSet(ctx)
	require.NoError(t, err)
	assert.Empty(t, followers)
}

func TestClient_SetAndGetSyncStateSet(t *testing.T) {
	_, client := newTestListener(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.SetSyncStateSet(ctx, []string{"A", "B"}))

	followers, err := client.GetSyncStateSet(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, followers)
}

func TestClient_RegisterSyncStateSetChangedListener_ReceivesUpdates(t *testing.T) {
	_, client := newTestListener(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan []string, 4)
	go client.RegisterSyncStateSetChangedListener(ctx, func(followers []string) {
		received <- followers
	})

	time.Sleep(50 * time.Millisecond)
	// Listeners hear proposals, not commits: become leader, then propose A.
	_, err := client.ChangeToLeader(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, client.invoke(ctx, "MaybeExpandInSyncStateSet", &MaybeExpandRequest{FollowerAddress: "A", Offset: 0}, &Empty{}))

	select {
	case got := <-received:
		assert.Equal(t, []string{"A"}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync state set change notification")
	}
}

func TestClient_GetRuntimeInfo_LeaderAlone(t *testing.T) {
	_, client := newTestListener(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.ChangeToLeader(ctx, 1)
	require.NoError(t, err)

	info, err := client.GetRuntimeInfo(ctx, 0)
	require.NoError(t, err)
	assert.True(t, info.Master)
	assert.Empty(t, info.Connections)
}
