package channel

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiny-rain/rocketmq/internal/ha/epoch"
	"github.com/tiny-rain/rocketmq/internal/ha/role"
	"github.com/tiny-rain/rocketmq/internal/ha/store"
)

func newEpochCache(t *testing.T, dir string) *epoch.Cache {
	t.Helper()
	c, err := epoch.Open(filepath.Join(dir, "epochFileCheckpoint"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSupervisor_LeaderFollowerHandshakeAndReplication(t *testing.T) {
	leaderDir, followerDir := t.TempDir(), t.TempDir()

	leaderStore, err := store.NewFileStore(filepath.Join(leaderDir, "commitlog"))
	require.NoError(t, err)
	t.Cleanup(func() { leaderStore.Close() })
	_, err = leaderStore.Append([]byte("already-committed"))
	require.NoError(t, err)

	followerStore, err := store.NewFileStore(filepath.Join(followerDir, "commitlog"))
	require.NoError(t, err)
	t.Cleanup(func() { followerStore.Close() })

	followerEpoch := newEpochCache(t, followerDir)

	var mu sync.Mutex
	var caughtUp, expanded, acked []string
	done := make(chan struct{}, 1)

	leader := New(leaderStore, AckCallbacks{
		UpdateCaughtUp: func(f string, _ time.Time) { mu.Lock(); caughtUp = append(caughtUp, f); mu.Unlock() },
		MaybeExpand:    func(f string, _ int64) { mu.Lock(); expanded = append(expanded, f); mu.Unlock() },
		OnFollowerAck: func(f string) {
			mu.Lock()
			acked = append(acked, f)
			mu.Unlock()
			select {
			case done <- struct{}{}:
			default:
			}
		},
	})
	require.NoError(t, leader.Listen("127.0.0.1:0"))
	t.Cleanup(leader.TeardownAll)

	addr := leader.listenerAddr(t)

	follower := New(followerStore, AckCallbacks{}).WithEpochCache(followerEpoch)
	err = follower.StartFollowerChannel(role.FollowerChannelConfig{
		LocalAddress:  "127.0.0.1:9999",
		FollowerID:    "f1",
		LeaderAddress: addr,
	})
	require.NoError(t, err)
	t.Cleanup(follower.StopFollowerChannel)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("leader never observed a follower ack")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, caughtUp, "127.0.0.1:9999")
	assert.Contains(t, acked, "127.0.0.1:9999")
}

func TestSupervisor_TeardownClosesChannelsAndNotifiesDisconnect(t *testing.T) {
	leaderDir := t.TempDir()
	leaderStore, err := store.NewFileStore(filepath.Join(leaderDir, "commitlog"))
	require.NoError(t, err)
	t.Cleanup(func() { leaderStore.Close() })

	removed := make(chan string, 1)
	leader := New(leaderStore, AckCallbacks{
		RemoveOnDisconnect: func(f string) {
			select {
			case removed <- f:
			default:
			}
		},
	})
	require.NoError(t, leader.Listen("127.0.0.1:0"))
	addr := leader.listenerAddr(t)

	followerDir := t.TempDir()
	followerStore, err := store.NewFileStore(filepath.Join(followerDir, "commitlog"))
	require.NoError(t, err)
	t.Cleanup(func() { followerStore.Close() })
	followerEpoch := newEpochCache(t, followerDir)

	follower := New(followerStore, AckCallbacks{}).WithEpochCache(followerEpoch)
	require.NoError(t, follower.StartFollowerChannel(role.FollowerChannelConfig{
		LocalAddress:  "127.0.0.1:9998",
		LeaderAddress: addr,
	}))
	t.Cleanup(follower.StopFollowerChannel)

	require.Eventually(t, func() bool { return len(leader.Channels()) == 1 }, time.Second, 10*time.Millisecond)

	leader.TeardownAll()

	select {
	case f := <-removed:
		assert.Equal(t, "127.0.0.1:9998", f)
	case <-time.After(2 * time.Second):
		t.Fatal("leader teardown never fired RemoveOnDisconnect")
	}
	assert.Empty(t, leader.Channels())
}

// listenerAddr is test-only plumbing to read back the ephemeral port
// Listen bound to.
func (s *Supervisor) listenerAddr(t *testing.T) string {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	require.NotNil(t, s.listener)
	return s.listener.Addr().String()
}

