package ha

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiny-rain/rocketmq/internal/ha/config"
	"github.com/tiny-rain/rocketmq/internal/ha/isr"
	"github.com/tiny-rain/rocketmq/internal/ha/store"
)

func newTestService(t *testing.T) (*Service, *store.FileStore) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.StorePathEpochFile = filepath.Join(dir, "epochFileCheckpoint")
	cfg.StorePathCheckpoint = filepath.Join(dir, "checkpoint.db")

	logStore, err := store.NewFileStore(filepath.Join(dir, "commitlog"))
	require.NoError(t, err)
	t.Cleanup(func() { logStore.Close() })

	svc, err := Init(cfg, logStore)
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)

	return svc, logStore
}

func TestService_FreshLeaderPromotion(t *testing.T) {
	svc, _ := newTestService(t)

	ok := svc.ChangeToLeader(context.Background(), 1)
	require.True(t, ok)

	assert.Equal(t, uint32(1), svc.GetLastEpoch())
	assert.Equal(t, int64(0), svc.GetConfirmOffset())
	assert.Equal(t, 1, svc.InSyncReplicasNums(), "leader alone: no followers, the leader itself still counts")

	entries := svc.GetEpochEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(1), entries[0].Epoch)
	assert.Equal(t, int64(0), entries[0].StartOffset)
}

func TestService_ExpansionAndCommitRecomputesConfirmOffset(t *testing.T) {
	svc, logStore := newTestService(t)
	require.True(t, svc.ChangeToLeader(context.Background(), 1))

	_, err := logStore.Append(make([]byte, 1200))
	require.NoError(t, err)

	svc.MaybeExpandInSyncStateSet("A", 1204)
	assert.Equal(t, isr.NewSet("A"), svc.GetSyncStateSet())

	svc.SetSyncStateSet(isr.NewSet("A"))
	assert.Equal(t, isr.NewSet("A"), svc.GetLocalSyncStateSet())
	// No live channel reports an ack for A, so the recomputed value is the
	// log's max offset.
	assert.Equal(t, int64(1204), svc.GetConfirmOffset())
}

func TestService_RuntimeInfo_LeaderAlone(t *testing.T) {
	svc, _ := newTestService(t)
	require.True(t, svc.ChangeToLeader(context.Background(), 1))

	info := svc.GetRuntimeInfo(0)
	assert.True(t, info.Master)
	assert.Equal(t, 0, info.InSyncSlaveNums)
	assert.Empty(t, info.Connections)
}

func TestService_UpdateMasterAddressIsNoop(t *testing.T) {
	svc, _ := newTestService(t)
	assert.NotPanics(t, func() { svc.UpdateMasterAddress("anything:1234") })
}
