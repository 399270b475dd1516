// Package isr implements the in-sync replica set registry (C2): the dual
// local/remote membership sets a leader reconciles with its supervisor, the
// per-follower liveness table used to detect stale replicas, and the
// listener fan-out that reports membership changes upward.
package isr

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tiny-rain/rocketmq/internal/pubsub"
)

const syncStateSetChanged pubsub.EventType = 1

// Set is an immutable snapshot of follower identities.
type Set map[string]struct{}

// NewSet builds a Set from the given identities.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) contains(id string) bool { _, ok := s[id]; return ok }

func (s Set) clone() Set {
	out := make(Set, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func (s Set) union(o Set) Set {
	out := make(Set, len(s)+len(o))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range o {
		out[k] = struct{}{}
	}
	return out
}

// Listener is invoked with the proposed ISR whenever MaybeExpand or
// RemoveOnDisconnect makes a proposal; MaybeShrink and Commit do not notify.
// Listeners run serially, in proposal order, on a dedicated goroutine, so a
// slow listener does not block a follower ack path until the delivery
// buffers fill.
type Listener func(Set)

// Dependencies are the two cross-component reads maybeExpand needs, injected
// so this package has no import-time coupling to confirm-offset or epoch
// internals.
type Dependencies struct {
	// ConfirmOffset returns the leader's current confirm offset.
	ConfirmOffset func() int64
	// CurrentEpochStartOffset returns the startOffset of the current
	// (last) epoch entry, or false if none exists yet.
	CurrentEpochStartOffset func() (int64, bool)
}

// Registry holds the local/remote ISR sets and coordinates their
// synchronization with the external supervisor, per spec.md §4.2.
type Registry struct {
	mu sync.RWMutex

	local         Set
	remote        Set
	synchronizing bool

	caughtUp sync.Map // string -> *atomic.Int64 (millis)

	deps      Dependencies
	broker    *pubsub.Broker
	listeners []pubsub.SubscriberID
}

// New creates a Registry whose local ISR is initially empty (a solitary
// leader). deps must be fully populated before MaybeExpand is called.
func New(deps Dependencies) *Registry {
	return &Registry{
		local:  make(Set),
		remote: make(Set),
		deps:   deps,
		broker: pubsub.NewBroker(),
	}
}

// Shutdown stops the listener-notification goroutine, waiting for any
// already-queued notifications to be delivered, then unsubscribes every
// still-registered listener so its delivery goroutine can exit.
func (r *Registry) Shutdown() {
	r.broker.GracefulShutdown()

	r.mu.Lock()
	listeners := r.listeners
	r.listeners = nil
	r.mu.Unlock()

	for _, id := range listeners {
		r.broker.Unsubscribe(syncStateSetChanged, id)
	}
}

// RegisterListener subscribes fn to every future ISR-change proposal, in
// the order those proposals are made. The returned cancel func unsubscribes
// fn and lets its delivery goroutine exit; callers that register a listener
// for the lifetime of a shorter-lived caller (a streaming rpc client, say)
// must call it on disconnect to avoid accumulating one goroutine per
// connection for the life of the process.
func (r *Registry) RegisterListener(fn Listener) (cancel func()) {
	ch := make(chan *pubsub.Event[Set], 16)
	id := pubsub.Subscribe(r.broker, syncStateSetChanged, ch, pubsub.SubscriptionOptions{IsBlocking: true})

	r.mu.Lock()
	r.listeners = append(r.listeners, id)
	r.mu.Unlock()

	go func() {
		for evt := range ch {
			fn(evt.Payload)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			for i, existing := range r.listeners {
				if existing == id {
					r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
					break
				}
			}
			r.mu.Unlock()
			r.broker.Unsubscribe(syncStateSetChanged, id)
		})
	}
}

func (r *Registry) notify(newSet Set) {
	pubsub.Publish(r.broker, pubsub.NewEvent(syncStateSetChanged, newSet))
}

// MaybeExpand proposes adding follower to the ISR if it is not already a
// member, has acked at least the current confirm offset, and has acked into
// the current leader epoch (not merely to a pre-epoch tail offset that
// happens to be numerically high). Per spec.md §4.2, both conditions are
// required to prevent expanding on stale identity alone.
func (r *Registry) MaybeExpand(follower string, followerMaxOffset int64) {
	r.mu.RLock()
	already := r.local.contains(follower)
	r.mu.RUnlock()
	if already {
		return
	}

	confirmOffset := r.deps.ConfirmOffset()
	if followerMaxOffset < confirmOffset {
		return
	}
	epochStart, ok := r.deps.CurrentEpochStartOffset()
	if !ok || followerMaxOffset < epochStart {
		return
	}

	r.mu.Lock()
	newSet := r.local.clone()
	newSet[follower] = struct{}{}
	r.remote = newSet
	r.synchronizing = true
	r.mu.Unlock()

	log.Printf("[isr] proposing expand: +%s -> %v", follower, keys(newSet))
	r.notify(newSet)
}

// MaybeShrink drops any local member whose last caught-up timestamp is
// older than maxSlaveNotCatchup. It proposes the shrunken set (marking
// synchronizing) but, per spec, does not itself notify listeners — the
// caller decides whether/when to.
func (r *Registry) MaybeShrink(now time.Time, maxSlaveNotCatchup time.Duration) Set {
	r.mu.Lock()
	defer r.mu.Unlock()

	newSet := r.local.clone()
	changed := false
	for follower := range r.local {
		last, ok := r.lastCaughtUpLocked(follower)
		if ok && now.Sub(last) > maxSlaveNotCatchup {
			delete(newSet, follower)
			changed = true
		}
	}
	if changed {
		r.remote = newSet
		r.synchronizing = true
	}
	return newSet
}

// Commit is called when the supervisor confirms a proposed ISR. It becomes
// the new authoritative local set and ends the synchronizing window.
func (r *Registry) Commit(newSet Set) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synchronizing = false
	r.local = newSet.clone()
}

// RemoveOnDisconnect atomically drops follower from the working set (if
// present) and proposes the result, notifying listeners the same way an
// expansion would. No-op if follower was not a member.
func (r *Registry) RemoveOnDisconnect(follower string) {
	r.mu.Lock()
	if !r.local.contains(follower) {
		r.mu.Unlock()
		return
	}
	newSet := r.local.clone()
	delete(newSet, follower)
	r.remote = newSet
	r.synchronizing = true
	r.mu.Unlock()

	log.Printf("[isr] channel disconnect: -%s -> %v", follower, keys(newSet))
	r.notify(newSet)
}

// GetEffective returns local ∪ remote while synchronizing, else local.
func (r *Registry) GetEffective() Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.synchronizing {
		return r.local.union(r.remote)
	}
	return r.local.clone()
}

// GetLocal returns a snapshot of the locally enforced set only.
func (r *Registry) GetLocal() Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local.clone()
}

// InSyncReplicaCount returns the in-sync replication factor: the leader
// itself plus max(|local|, |remote|) while synchronizing (safety over
// liveness during reconfiguration), else the leader plus |local|. local
// and remote hold follower identities only, so a solitary leader with no
// followers still reports a count of 1, matching the Java original's
// leader-inclusive syncStateSet.
func (r *Registry) InSyncReplicaCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.synchronizing {
		return 1 + max(len(r.local), len(r.remote))
	}
	return 1 + len(r.local)
}

// IsSynchronizing reports whether a proposal is outstanding.
func (r *Registry) IsSynchronizing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.synchronizing
}

// ResetForNewTerm clears local/remote/synchronizing, used by the role state
// machine when a node becomes leader (the ISR starts empty of followers).
func (r *Registry) ResetForNewTerm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = make(Set)
	r.remote = make(Set)
	r.synchronizing = false
}

// UpdateCaughtUp merges tsMs into follower's last-caught-up timestamp with
// a monotonic max, lock-free with respect to the ISR's RWMutex.
func (r *Registry) UpdateCaughtUp(follower string, ts time.Time) {
	tsMs := ts.UnixMilli()
	v, _ := r.caughtUp.LoadOrStore(follower, &atomic.Int64{})
	counter := v.(*atomic.Int64)
	for {
		cur := counter.Load()
		if tsMs <= cur {
			return
		}
		if counter.CompareAndSwap(cur, tsMs) {
			return
		}
	}
}

func (r *Registry) lastCaughtUpLocked(follower string) (time.Time, bool) {
	v, ok := r.caughtUp.Load(follower)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(v.(*atomic.Int64).Load()), true
}

func keys(s Set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}
