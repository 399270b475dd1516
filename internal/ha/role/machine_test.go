package role

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiny-rain/rocketmq/internal/ha/confirm"
	"github.com/tiny-rain/rocketmq/internal/ha/epoch"
	"github.com/tiny-rain/rocketmq/internal/ha/isr"
	"github.com/tiny-rain/rocketmq/internal/ha/store"
)

type fakeChannels struct {
	torndown       bool
	stoppedFollow  bool
	startedFollow  *FollowerChannelConfig
	startErr       error
}

func (f *fakeChannels) TeardownAll()       { f.torndown = true }
func (f *fakeChannels) StopFollowerChannel() { f.stoppedFollow = true }
func (f *fakeChannels) StartFollowerChannel(cfg FollowerChannelConfig) error {
	f.startedFollow = &cfg
	return f.startErr
}

func newTestMachine(t *testing.T) (*Machine, *store.FileStore, *epoch.Cache, *isr.Registry, *fakeChannels) {
	t.Helper()
	dir := t.TempDir()
	fs, err := store.NewFileStore(filepath.Join(dir, "commitlog"))
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	ec, err := epoch.Open(filepath.Join(dir, "epochFileCheckpoint"))
	require.NoError(t, err)
	t.Cleanup(func() { ec.Close() })

	reg := isr.New(isr.Dependencies{
		ConfirmOffset:           func() int64 { return 0 },
		CurrentEpochStartOffset: func() (int64, bool) { return 0, false },
	})
	t.Cleanup(reg.Shutdown)

	tracker := confirm.New(
		emptyAckSource{},
		func() map[string]struct{} { return reg.GetLocal() },
		fs.MaxPhyOffset,
	)

	channels := &fakeChannels{}

	m := New(Dependencies{
		Epoch:    ec,
		ISR:      reg,
		Confirm:  tracker,
		Store:    fs,
		Channels: channels,
	})
	return m, fs, ec, reg, channels
}

type emptyAckSource struct{}

func (emptyAckSource) FollowerAckOffsets() map[string]int64 { return nil }

func TestMachine_ChangeToLeader_FreshPromotion(t *testing.T) {
	m, fs, ec, _, channels := newTestMachine(t)

	ok := m.ChangeToLeader(context.Background(), 1)
	require.True(t, ok)
	assert.True(t, channels.torndown)
	assert.Equal(t, Leader, m.GetRole())
	assert.Equal(t, int64(1), m.GetVersion())

	entries := ec.AllEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(1), entries[0].Epoch)
	assert.Equal(t, int64(0), entries[0].StartOffset)
	assert.Equal(t, int64(0), fs.MaxPhyOffset())
}

func TestMachine_ChangeToLeader_TruncatesDirtyTail(t *testing.T) {
	m, fs, ec, _, _ := newTestMachine(t)

	require.NoError(t, ec.Append(epoch.Entry{Epoch: 4, StartOffset: 0}))

	// Build a log with two valid frames then a dirty (unparsable) tail.
	_, err := fs.Append([]byte("hello-world-msg-1"))
	require.NoError(t, err)
	_, err = fs.Append([]byte("hello-world-msg-2"))
	require.NoError(t, err)
	validTail := fs.MaxPhyOffset()
	_, err = fs.AppendRaw([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01, 0x02}) // declares huge length, dirty
	require.NoError(t, err)

	fs.SetDispatchBehindBytes(fs.MaxPhyOffset() - validTail)

	ok := m.ChangeToLeader(context.Background(), 5)
	require.True(t, ok)

	assert.Equal(t, validTail, fs.MaxPhyOffset())

	entries := ec.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, uint32(4), entries[0].Epoch)
	assert.Equal(t, uint32(5), entries[1].Epoch)
	assert.Equal(t, validTail, entries[1].StartOffset)
}

func TestMachine_ChangeToLeader_RejectsStaleEpoch(t *testing.T) {
	m, _, ec, _, _ := newTestMachine(t)
	require.NoError(t, ec.Append(epoch.Entry{Epoch: 10, StartOffset: 0}))

	ok := m.ChangeToLeader(context.Background(), 3)
	assert.False(t, ok)
	assert.Equal(t, Uninitialized, m.GetRole())
}

func TestMachine_ChangeToLeader_ReclaimsStaleAbortedTerm(t *testing.T) {
	m, _, ec, _, _ := newTestMachine(t)
	require.NoError(t, ec.Append(epoch.Entry{Epoch: 5, StartOffset: 0}))
	require.NoError(t, ec.Append(epoch.Entry{Epoch: 6, StartOffset: 100})) // aborted term

	ok := m.ChangeToLeader(context.Background(), 6)
	require.True(t, ok)

	entries := ec.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, uint32(5), entries[0].Epoch)
	assert.Equal(t, uint32(6), entries[1].Epoch)
}

func TestMachine_ChangeToFollower_StartsChannelAndTearsDownExisting(t *testing.T) {
	m, _, _, _, channels := newTestMachine(t)

	ok := m.ChangeToFollower(context.Background(), "10.0.0.1:9000", 7, "follower-1")
	require.True(t, ok)
	assert.True(t, channels.torndown)
	require.NotNil(t, channels.startedFollow)
	assert.Equal(t, "10.0.0.1:9000", channels.startedFollow.LeaderAddress)
	assert.Equal(t, "follower-1", channels.startedFollow.FollowerID)
	assert.Equal(t, Follower, m.GetRole())
	assert.Equal(t, int64(7), m.GetVersion())
}

func TestMachine_ChangeToFollower_RejectsStaleEpoch(t *testing.T) {
	m, _, ec, _, _ := newTestMachine(t)
	require.NoError(t, ec.Append(epoch.Entry{Epoch: 9, StartOffset: 0}))

	ok := m.ChangeToFollower(context.Background(), "leader:9000", 2, "f1")
	assert.False(t, ok)
}

func TestMachine_TruncateInvalidMsg_IdempotentWhenCaughtUp(t *testing.T) {
	m, fs, _, _, _ := newTestMachine(t)
	fs.SetDispatchBehindBytes(0)

	offset, err := m.TruncateInvalidMsg()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), offset)

	offset, err = m.TruncateInvalidMsg()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), offset)
}

func TestMachine_TruncateInvalidMsg_RepeatRunsAreIdempotent(t *testing.T) {
	m, fs, _, _, _ := newTestMachine(t)

	_, err := fs.Append([]byte("payload-a"))
	require.NoError(t, err)
	validTail := fs.MaxPhyOffset()
	_, err = fs.AppendRaw([]byte{0x00, 0x00, 0x00, 0x99}) // declares length beyond what follows
	require.NoError(t, err)

	fs.SetDispatchBehindBytes(fs.MaxPhyOffset())

	first, err := m.TruncateInvalidMsg()
	require.NoError(t, err)
	assert.Equal(t, validTail, first)

	fs.SetDispatchBehindBytes(fs.MaxPhyOffset())
	second, err := m.TruncateInvalidMsg()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	fs.SetDispatchBehindBytes(0)
	third, err := m.TruncateInvalidMsg()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), third)
}
