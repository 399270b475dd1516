// Package role implements the role state machine (C4): leader/follower
// transitions, tail-validation-driven truncation, epoch reconciliation and
// channel teardown/bringup.
package role

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiny-rain/rocketmq/internal/ha/confirm"
	"github.com/tiny-rain/rocketmq/internal/ha/epoch"
	"github.com/tiny-rain/rocketmq/internal/ha/isr"
	"github.com/tiny-rain/rocketmq/internal/ha/store"
)

// Role is one of the two stable states a node can occupy; the zero value is
// Uninitialized, matching the state machine's boot state.
type Role int32

const (
	Uninitialized Role = iota
	Leader
	Follower
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "LEADER"
	case Follower:
		return "FOLLOWER"
	default:
		return "UNINITIALIZED"
	}
}

// FollowerChannelConfig is what the role state machine hands the channel
// supervisor when starting the upstream (follower-side) channel.
type FollowerChannelConfig struct {
	LocalAddress  string
	FollowerID    string
	LeaderAddress string
}

// ChannelSupervisor is the C5 contract this package depends on: teardown of
// leader-side inbound channels, and lifecycle of the single follower-side
// outbound channel.
type ChannelSupervisor interface {
	TeardownAll()
	StopFollowerChannel()
	StartFollowerChannel(cfg FollowerChannelConfig) error
}

// Dependencies wires the state machine to the rest of the core plus a
// couple of optional hooks with a supervisor-owned counterpart.
type Dependencies struct {
	Epoch    *epoch.Cache
	ISR      *isr.Registry
	Confirm  *confirm.Tracker
	Store    store.LogStore
	Channels ChannelSupervisor

	// LocalAddress is this node's own HA address, handed to the channel
	// supervisor when starting a follower channel so the leader registers
	// it under a real identity rather than an empty string.
	LocalAddress string

	// RebuildTopicQueueMetadata reindexes derived topic-queue metadata
	// from the now-canonical log. Nil is treated as a no-op.
	RebuildTopicQueueMetadata func() error

	// DispatchPollInterval defaults to 100ms. The Machine does not pass it
	// to the log store: WaitDispatchCaughtUp and WaitTransientStoreDrained
	// poll at the store's own interval.
	DispatchPollInterval time.Duration

	// TransientStorePoolEnable mirrors the config option of the same
	// name: whether role transitions toggle the transient buffer pool.
	TransientStorePoolEnable bool
}

// Machine drives changeToLeader/changeToFollower. Transitions are
// serialized through mu; concurrent calls block rather than racing, since
// spec.md assumes one supervisor thread issuing role changes.
type Machine struct {
	mu   sync.Mutex
	deps Dependencies

	role    atomic.Int32
	version atomic.Int64
}

// New builds a Machine in the Uninitialized role.
func New(deps Dependencies) *Machine {
	if deps.DispatchPollInterval <= 0 {
		deps.DispatchPollInterval = 100 * time.Millisecond
	}
	return &Machine{deps: deps}
}

// GetRole returns the current role.
func (m *Machine) GetRole() Role { return Role(m.role.Load()) }

// GetVersion returns the last published state-machine version (the epoch
// stamped by the most recent successful transition).
func (m *Machine) GetVersion() int64 { return m.version.Load() }

// ChangeToLeader implements spec.md §4.4.1.
func (m *Machine) ChangeToLeader(ctx context.Context, newEpoch uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newEpoch < m.deps.Epoch.LastEpoch() {
		log.Printf("[role] changeToLeader(%d) rejected: behind last epoch %d", newEpoch, m.deps.Epoch.LastEpoch())
		return false
	}

	m.deps.Channels.TeardownAll()
	if m.GetRole() == Follower {
		m.deps.Channels.StopFollowerChannel()
	}

	truncateTo, err := m.truncateInvalidMsg()
	if err != nil {
		log.Printf("[role] changeToLeader(%d): tail validation failed: %v", newEpoch, err)
		return false
	}

	// Seed confirm offset from the ISR as it stood before this transition,
	// then reset the ISR to empty (a fresh leader has no followers yet).
	// GetConfirmOffset will report maxLogOffset from here on regardless,
	// since an empty local ISR always recomputes.
	m.deps.Confirm.OnRoleChangeToLeader()
	m.deps.ISR.ResetForNewTerm()

	if truncateTo >= 0 {
		if err := m.deps.Epoch.TruncateSuffixByOffset(truncateTo); err != nil {
			log.Printf("[role] changeToLeader(%d): epoch suffix-by-offset truncation failed: %v", newEpoch, err)
			return false
		}
	}
	if m.deps.Epoch.LastEpoch() >= newEpoch {
		if err := m.deps.Epoch.TruncateSuffixByEpoch(newEpoch); err != nil {
			log.Printf("[role] changeToLeader(%d): epoch suffix-by-epoch truncation failed: %v", newEpoch, err)
			return false
		}
	}

	maxOffset := m.deps.Store.MaxPhyOffset()
	if err := m.deps.Epoch.Append(epoch.Entry{Epoch: newEpoch, StartOffset: maxOffset}); err != nil {
		log.Printf("[role] changeToLeader(%d): epoch append failed: %v", newEpoch, err)
		return false
	}

	if err := m.deps.Store.WaitDispatchCaughtUp(ctx); err != nil {
		log.Printf("[role] changeToLeader(%d): dispatch drain aborted: %v", newEpoch, err)
		return false
	}

	if m.deps.TransientStorePoolEnable {
		if err := m.deps.Store.WaitTransientStoreDrained(ctx); err != nil {
			log.Printf("[role] changeToLeader(%d): transient store drain aborted: %v", newEpoch, err)
			return false
		}
		m.deps.Store.SetTransientStorePoolRealCommit(true)
	}

	if m.deps.RebuildTopicQueueMetadata != nil {
		if err := m.deps.RebuildTopicQueueMetadata(); err != nil {
			log.Printf("[role] changeToLeader(%d): topic-queue rebuild failed: %v", newEpoch, err)
			return false
		}
	}

	m.role.Store(int32(Leader))
	m.version.Store(int64(newEpoch))
	log.Printf("[role] became LEADER at epoch %d, startOffset=%d", newEpoch, maxOffset)
	return true
}

// ChangeToFollower implements spec.md §4.4.2.
func (m *Machine) ChangeToFollower(ctx context.Context, leaderAddress string, newEpoch uint32, followerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newEpoch < m.deps.Epoch.LastEpoch() {
		log.Printf("[role] changeToFollower(%d) rejected: behind last epoch %d", newEpoch, m.deps.Epoch.LastEpoch())
		return false
	}

	m.deps.Channels.TeardownAll()

	cfg := FollowerChannelConfig{
		LocalAddress:  m.deps.LocalAddress,
		FollowerID:    followerID,
		LeaderAddress: leaderAddress,
	}
	if err := m.deps.Channels.StartFollowerChannel(cfg); err != nil {
		log.Printf("[role] changeToFollower(%d): start follower channel failed: %v", newEpoch, err)
		return false
	}

	if m.deps.TransientStorePoolEnable {
		if err := m.deps.Store.WaitTransientStoreDrained(ctx); err != nil {
			log.Printf("[role] changeToFollower(%d): transient store drain aborted: %v", newEpoch, err)
			return false
		}
		m.deps.Store.SetTransientStorePoolRealCommit(false)
	}

	m.role.Store(int32(Follower))
	m.version.Store(int64(newEpoch))
	log.Printf("[role] became FOLLOWER of %s at epoch %d", leaderAddress, newEpoch)
	return true
}

// TruncateInvalidMsg runs the tail-validation algorithm (spec.md §4.4.3),
// physically truncating the log to the discovered boundary and returning
// it, or -1 if dispatch has already caught up and nothing needs
// discarding. Exported so it can be exercised independently of a full role
// transition (P5).
func (m *Machine) TruncateInvalidMsg() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.truncateInvalidMsg()
}

func (m *Machine) truncateInvalidMsg() (int64, error) {
	behind := m.deps.Store.DispatchBehindBytes()
	if behind <= 0 {
		return -1, nil
	}

	scan := m.deps.Store.MaxPhyOffset() - behind
	for {
		window, ok := m.deps.Store.GetData(scan)
		if !ok || len(window) == 0 {
			break
		}
		pos := 0
		halted := false
		for pos < len(window) {
			size, ok := m.deps.Store.CheckMessageAndReturnSize(window[pos:])
			if !ok {
				halted = true
				break
			}
			if size == 0 {
				// Roll to next segment: this window is exhausted, not
				// invalid. Break the inner loop only; the outer loop
				// re-fetches at the same scan offset, which a multi-segment
				// store resolves to the next segment's data.
				break
			}
			pos += int(size)
			scan += int64(size)
		}
		if halted {
			break
		}
	}

	if scan < 0 {
		return 0, fmt.Errorf("tail validation produced negative offset %d", scan)
	}
	if err := m.deps.Store.TruncateDirtyFiles(scan); err != nil {
		return 0, fmt.Errorf("truncate to validated boundary %d: %w", scan, err)
	}
	return scan, nil
}
