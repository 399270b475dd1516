// Package confirm implements the confirm-offset tracker (C3): the leader's
// view of how far the log is durably replicated across its in-sync
// replica set.
package confirm

import "sync"

// AckSource is the read-only view of live follower state the tracker needs
// to recompute the confirm offset: one ack offset per address currently
// reporting to the leader.
type AckSource interface {
	// FollowerAckOffsets returns the current slave-ack offset for every
	// live channel, keyed by follower address.
	FollowerAckOffsets() map[string]int64
}

// Tracker computes and caches the confirm offset per spec.md §4.3. It is
// meaningful only on a leader; on a follower callers should treat its value
// as stale.
type Tracker struct {
	mu     sync.RWMutex
	offset int64

	acks         AckSource
	local        func() map[string]struct{}
	maxLogOffset func() int64
}

// New builds a Tracker seeded to -1 (uncomputed), matching spec.md's
// construction-time seed.
func New(acks AckSource, local func() map[string]struct{}, maxLogOffset func() int64) *Tracker {
	return &Tracker{offset: -1, acks: acks, local: local, maxLogOffset: maxLogOffset}
}

// GetConfirmOffset returns maxLogOffset when the local ISR has exactly the
// leader alone (len(local) == 0, since local externalizes only followers);
// otherwise it lazily computes on first use and returns the cached value
// afterward. Per spec.md's Open Questions, this always recomputes when
// |local| == 0 so a shrink back down to a solitary leader is never masked
// by a stale cached value from a larger ISR.
func (t *Tracker) GetConfirmOffset() int64 {
	t.mu.RLock()
	local := t.local()
	cached := t.offset
	t.mu.RUnlock()

	if len(local) == 0 {
		return t.maxLogOffset()
	}
	if cached > 0 {
		return cached
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.offset = t.computeLocked()
	return t.offset
}

// computeLocked recomputes unconditionally: the minimum ack offset among live
// channels whose follower is in the local ISR, capped by maxLogOffset, or
// maxLogOffset itself when no such channel exists.
func (t *Tracker) computeLocked() int64 {
	local := t.local()
	result := t.maxLogOffset()
	for follower, ackOffset := range t.acks.FollowerAckOffsets() {
		if _, ok := local[follower]; !ok {
			continue
		}
		if ackOffset < result {
			result = ackOffset
		}
	}
	return result
}

// OnFollowerAck recomputes only if follower is currently in the local ISR;
// otherwise it is a cheap no-op, matching spec.md's gate to avoid
// recomputing on every ack from a replica that isn't in-sync.
func (t *Tracker) OnFollowerAck(follower string) {
	t.mu.RLock()
	_, inLocal := t.local()[follower]
	t.mu.RUnlock()
	if !inLocal {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.offset = t.computeLocked()
}

// OnIsrCommit recomputes unconditionally, called after the ISR registry
// commits a new local set.
func (t *Tracker) OnIsrCommit() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offset = t.computeLocked()
	return t.offset
}

// OnRoleChangeToLeader sets the confirm offset to its freshly computed
// value immediately, before the node starts accepting writes as leader.
func (t *Tracker) OnRoleChangeToLeader() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offset = t.computeLocked()
	return t.offset
}

// Update forcibly sets the confirm offset, used by the role state machine
// to seed it from a pre-truncation computation during changeToLeader.
func (t *Tracker) Update(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offset = offset
}

// Reset clears the cached value back to uncomputed, used across a role
// hand-off so a stale value from the previous term is never observed.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offset = -1
}
