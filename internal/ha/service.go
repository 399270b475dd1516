// Package ha wires the epoch cache, ISR registry, confirm-offset tracker,
// role state machine and replication channel supervisor into the single
// value a broker instance owns, exposing the full operation surface
// spec.md §6 names to the rest of the broker.
package ha

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tiny-rain/rocketmq/internal/ha/channel"
	"github.com/tiny-rain/rocketmq/internal/ha/checkpoint"
	"github.com/tiny-rain/rocketmq/internal/ha/confirm"
	"github.com/tiny-rain/rocketmq/internal/ha/config"
	"github.com/tiny-rain/rocketmq/internal/ha/epoch"
	"github.com/tiny-rain/rocketmq/internal/ha/isr"
	"github.com/tiny-rain/rocketmq/internal/ha/role"
	"github.com/tiny-rain/rocketmq/internal/ha/store"
)

// ConnectionRuntimeInfo is one leader-side connection's diagnostic row,
// per spec.md §6's runtime-info shape.
type ConnectionRuntimeInfo struct {
	FollowerAddress   string `json:"followerAddress"`
	SlaveAckOffset    int64  `json:"slaveAckOffset"`
	Diff              int64  `json:"diff"`
	Throughput        int64  `json:"throughput"`
	TransferFromOffset int64 `json:"transferFromOffset"`
	InSync            bool   `json:"inSync"`
}

// FollowerRuntimeInfo is the follower-side diagnostic block.
type FollowerRuntimeInfo struct {
	MasterAddress     string `json:"masterAddress"`
	MaxOffset         int64  `json:"maxOffset"`
	LastReadTimestamp int64  `json:"lastReadTimestamp"`
	LastWriteTimestamp int64 `json:"lastWriteTimestamp"`
	Throughput        int64  `json:"throughput"`
	MasterFlushOffset int64  `json:"masterFlushOffset"`
}

// RuntimeInfo is the full diagnostic snapshot returned by GetRuntimeInfo.
type RuntimeInfo struct {
	Master            bool                    `json:"master"`
	InSyncSlaveNums   int                     `json:"inSyncSlaveNums"`
	Connections       []ConnectionRuntimeInfo `json:"connections,omitempty"`
	Follower          *FollowerRuntimeInfo    `json:"follower,omitempty"`
}

// Service is the single owning value a broker instance threads through
// construction; no ambient globals back it.
type Service struct {
	cfg config.Config

	epochCache *epoch.Cache
	isrReg     *isr.Registry
	confirmTr  *confirm.Tracker
	logStore   store.LogStore
	channels   *channel.Supervisor
	roleMac    *role.Machine
	checkpt    *checkpoint.Store
}

// Init constructs and wires every component per cfg, opening the epoch
// file, ISR registry, confirm tracker, log store, replication channel
// supervisor, checkpoint store and role state machine. It does not itself
// start accepting connections or perform a role transition; callers invoke
// ChangeToLeader/ChangeToFollower once the broker is ready.
func Init(cfg config.Config, logStore store.LogStore) (*Service, error) {
	ec, err := epoch.Open(cfg.StorePathEpochFile)
	if err != nil {
		return nil, fmt.Errorf("init ha service: open epoch cache: %w", err)
	}

	ckpt, err := checkpoint.Open(cfg.StorePathCheckpoint)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("init ha service: open checkpoint store: %w", err)
	}

	s := &Service{cfg: cfg, epochCache: ec, logStore: logStore, checkpt: ckpt}

	s.isrReg = isr.New(isr.Dependencies{
		ConfirmOffset: func() int64 { return s.GetConfirmOffset() },
		CurrentEpochStartOffset: func() (int64, bool) {
			e, ok := ec.LastEntry()
			if !ok {
				return 0, false
			}
			return e.StartOffset, true
		},
	})

	channels := channel.New(logStore, channel.AckCallbacks{
		UpdateCaughtUp: s.isrReg.UpdateCaughtUp,
		MaybeExpand:    s.isrReg.MaybeExpand,
		OnFollowerAck:  func(f string) { s.confirmTr.OnFollowerAck(f) },
		RemoveOnDisconnect: s.isrReg.RemoveOnDisconnect,
	}).WithEpochCache(ec)
	s.channels = channels

	s.confirmTr = confirm.New(channels, func() map[string]struct{} { return s.isrReg.GetLocal() }, logStore.MaxPhyOffset)

	s.isrReg.RegisterListener(func(_ isr.Set) { s.recordCheckpoint() })

	s.roleMac = role.New(role.Dependencies{
		Epoch:                    ec,
		ISR:                      s.isrReg,
		Confirm:                  s.confirmTr,
		Store:                    logStore,
		Channels:                 channels,
		LocalAddress:             cfg.HaListenAddress,
		TransientStorePoolEnable: cfg.TransientStorePoolEnable,
	})

	return s, nil
}

// Shutdown stops the listener-notification goroutine, tears down live
// channels and closes durable stores.
func (s *Service) Shutdown() {
	s.channels.TeardownAll()
	s.channels.StopFollowerChannel()
	s.isrReg.Shutdown()
	if err := s.epochCache.Close(); err != nil {
		log.Printf("[ha] error closing epoch cache: %v", err)
	}
	if err := s.checkpt.Close(); err != nil {
		log.Printf("[ha] error closing checkpoint store: %v", err)
	}
}

// ListenForChannels starts accepting inbound replication channels; only
// meaningful once this node is leader.
func (s *Service) ListenForChannels() error {
	return s.channels.Listen(s.cfg.HaListenAddress)
}

// ChangeToLeader implements spec.md §6's changeToLeader(epoch) -> bool.
func (s *Service) ChangeToLeader(ctx context.Context, newEpoch uint32) bool {
	ok := s.roleMac.ChangeToLeader(ctx, newEpoch)
	if ok {
		s.recordCheckpoint()
	}
	return ok
}

// ChangeToFollower implements spec.md §6's changeToFollower(...) -> bool.
func (s *Service) ChangeToFollower(ctx context.Context, leaderAddress string, newEpoch uint32, followerID string) bool {
	ok := s.roleMac.ChangeToFollower(ctx, leaderAddress, newEpoch, followerID)
	if ok {
		s.recordCheckpoint()
	}
	return ok
}

// UpdateConnectionLastCaughtUpTime implements the same-named §6 operation.
func (s *Service) UpdateConnectionLastCaughtUpTime(follower string, ts time.Time) {
	s.isrReg.UpdateCaughtUp(follower, ts)
}

// MaybeExpandInSyncStateSet implements the same-named §6 operation.
func (s *Service) MaybeExpandInSyncStateSet(follower string, offset int64) {
	s.isrReg.MaybeExpand(follower, offset)
}

// MaybeShrinkInSyncStateSet implements the same-named §6 operation.
func (s *Service) MaybeShrinkInSyncStateSet() isr.Set {
	return s.isrReg.MaybeShrink(time.Now(), s.cfg.HaMaxTimeSlaveNotCatchup)
}

// SetSyncStateSet implements the supervisor-commit §6 operation.
func (s *Service) SetSyncStateSet(newSet isr.Set) {
	s.isrReg.Commit(newSet)
	s.confirmTr.OnIsrCommit()
	s.recordCheckpoint()
}

// GetSyncStateSet implements the same-named §6 operation.
func (s *Service) GetSyncStateSet() isr.Set { return s.isrReg.GetEffective() }

// GetLocalSyncStateSet implements the same-named §6 operation.
func (s *Service) GetLocalSyncStateSet() isr.Set { return s.isrReg.GetLocal() }

// InSyncReplicasNums implements the same-named §6 operation.
func (s *Service) InSyncReplicasNums() int { return s.isrReg.InSyncReplicaCount() }

// GetConfirmOffset implements the same-named §6 operation.
func (s *Service) GetConfirmOffset() int64 { return s.confirmTr.GetConfirmOffset() }

// UpdateConfirmOffset implements the same-named §6 operation.
func (s *Service) UpdateConfirmOffset(offset int64) { s.confirmTr.Update(offset) }

// GetLastEpoch implements the same-named §6 operation.
func (s *Service) GetLastEpoch() uint32 { return s.epochCache.LastEpoch() }

// GetEpochEntries implements the same-named §6 operation.
func (s *Service) GetEpochEntries() []epoch.BoundEntry { return s.epochCache.AllEntries() }

// TruncateEpochFilePrefix implements the same-named §6 operation.
func (s *Service) TruncateEpochFilePrefix(offset int64) error {
	return s.epochCache.TruncatePrefixByOffset(offset)
}

// TruncateEpochFileSuffix implements the same-named §6 operation.
func (s *Service) TruncateEpochFileSuffix(offset int64) error {
	return s.epochCache.TruncateSuffixByOffset(offset)
}

// RegisterSyncStateSetChangedListener implements the same-named §6
// operation. The returned cancel func must be called once the caller no
// longer needs notifications, or its delivery goroutine runs forever.
func (s *Service) RegisterSyncStateSetChangedListener(fn isr.Listener) (cancel func()) {
	return s.isrReg.RegisterListener(fn)
}

// GetRuntimeInfo implements spec.md §6's diagnostic snapshot, keyed off the
// leader's known write position (masterPutWhere).
func (s *Service) GetRuntimeInfo(masterPutWhere int64) RuntimeInfo {
	if s.roleMac.GetRole() == role.Leader {
		local := s.isrReg.GetLocal()
		var conns []ConnectionRuntimeInfo
		for _, ch := range s.channels.Channels() {
			_, inSync := local[ch.FollowerAddress()]
			conns = append(conns, ConnectionRuntimeInfo{
				FollowerAddress:    ch.FollowerAddress(),
				SlaveAckOffset:     ch.SlaveAckOffset(),
				Diff:               masterPutWhere - ch.SlaveAckOffset(),
				Throughput:         ch.TransferredBytesPerSecond(),
				TransferFromOffset: ch.TransferFromOffset(),
				InSync:             inSync,
			})
		}
		return RuntimeInfo{Master: true, InSyncSlaveNums: len(local), Connections: conns}
	}

	fc := s.channels.FollowerChannel()
	if fc == nil {
		return RuntimeInfo{Master: false}
	}
	return RuntimeInfo{
		Master: false,
		Follower: &FollowerRuntimeInfo{
			MasterAddress:      fc.HaMasterAddress(),
			MaxOffset:          s.logStore.MaxPhyOffset(),
			LastReadTimestamp:  fc.LastReadTimestamp().UnixMilli(),
			LastWriteTimestamp: fc.LastWriteTimestamp().UnixMilli(),
			Throughput:         fc.TransferredBytesPerSecond(),
			MasterFlushOffset:  masterPutWhere,
		},
	}
}

// UpdateMasterAddress is intentionally a no-op, per spec.md's Open
// Questions: the source overrides it to empty and no supervisor behavior
// depends on it doing anything else.
func (s *Service) UpdateMasterAddress(string) {}

func (s *Service) recordCheckpoint() {
	local := s.isrReg.GetEffective()
	names := make([]string, 0, len(local))
	for f := range local {
		names = append(names, f)
	}
	if err := s.checkpt.Record(checkpoint.Snapshot{
		Role:          s.roleMac.GetRole().String(),
		LastEpoch:     s.epochCache.LastEpoch(),
		ConfirmOffset: s.confirmTr.GetConfirmOffset(),
		EffectiveISR:  names,
	}); err != nil {
		log.Printf("[ha] failed to record diagnostics checkpoint: %v", err)
	}
}
