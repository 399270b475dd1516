package isr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestRegistry(confirmOffset int64, epochStart int64, hasEpoch bool) *Registry {
	return New(Dependencies{
		ConfirmOffset: func() int64 { return confirmOffset },
		CurrentEpochStartOffset: func() (int64, bool) {
			return epochStart, hasEpoch
		},
	})
}

func TestRegistry_MaybeExpand_RequiresBothConditions(t *testing.T) {
	r := newTestRegistry(1000, 900, true)
	defer r.Shutdown()

	var mu sync.Mutex
	var received Set
	done := make(chan struct{}, 1)
	r.RegisterListener(func(s Set) {
		mu.Lock()
		received = s
		mu.Unlock()
		done <- struct{}{}
	})

	t.Run("below confirm offset and epoch start: rejected", func(t *testing.T) {
		r.MaybeExpand("A", 850)
		assert.False(t, r.IsSynchronizing())
	})

	t.Run("above epoch start but below confirm offset: rejected", func(t *testing.T) {
		r.MaybeExpand("B", 950)
		assert.False(t, r.IsSynchronizing())
	})

	t.Run("above both: accepted", func(t *testing.T) {
		r.MaybeExpand("C", 1200)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("listener was not notified")
		}
		assert.True(t, r.IsSynchronizing())
		mu.Lock()
		defer mu.Unlock()
		assert.True(t, received.contains("C"))
	})
}

func TestRegistry_MaybeExpand_AlreadyMemberIsNoop(t *testing.T) {
	r := newTestRegistry(0, 0, true)
	defer r.Shutdown()

	r.Commit(NewSet("A"))
	r.MaybeExpand("A", 10000)
	assert.False(t, r.IsSynchronizing())
}

func TestRegistry_CommitEndsSynchronizing(t *testing.T) {
	r := newTestRegistry(1000, 900, true)
	defer r.Shutdown()

	r.MaybeExpand("A", 1200)
	require.True(t, r.IsSynchronizing())

	r.Commit(NewSet("A"))
	assert.False(t, r.IsSynchronizing())
	assert.True(t, r.GetLocal().contains("A"))
}

func TestRegistry_MaybeShrink_EvictsStale(t *testing.T) {
	r := newTestRegistry(0, 0, true)
	defer r.Shutdown()

	r.Commit(NewSet("A", "B"))
	now := time.Now()
	r.UpdateCaughtUp("A", now)
	r.UpdateCaughtUp("B", now.Add(-6*time.Second))

	proposed := r.MaybeShrink(now, 5*time.Second)
	assert.True(t, proposed.contains("A"))
	assert.False(t, proposed.contains("B"))
	assert.Equal(t, 3, r.InSyncReplicaCount(), "safety: count is the leader plus max(local, remote) while synchronizing")
}

func TestRegistry_RemoveOnDisconnect(t *testing.T) {
	r := newTestRegistry(0, 0, true)
	defer r.Shutdown()

	r.Commit(NewSet("A", "B"))

	done := make(chan Set, 1)
	r.RegisterListener(func(s Set) { done <- s })

	r.RemoveOnDisconnect("A")
	select {
	case s := <-done:
		assert.False(t, s.contains("A"))
		assert.True(t, s.contains("B"))
	case <-time.After(time.Second):
		t.Fatal("listener was not notified")
	}
}

func TestRegistry_RemoveOnDisconnect_NotMemberIsNoop(t *testing.T) {
	r := newTestRegistry(0, 0, true)
	defer r.Shutdown()

	r.Commit(NewSet("A"))
	r.RemoveOnDisconnect("Z")
	assert.False(t, r.IsSynchronizing())
}

func TestRegistry_GetEffective_UnionWhileSynchronizing(t *testing.T) {
	r := newTestRegistry(1000, 900, true)
	defer r.Shutdown()

	r.Commit(NewSet("A"))
	r.MaybeExpand("B", 1200)

	effective := r.GetEffective()
	assert.True(t, effective.contains("A"))
	assert.True(t, effective.contains("B"))
	assert.Equal(t, 1, len(r.GetLocal()))
}

func TestRegistry_ResetForNewTerm(t *testing.T) {
	r := newTestRegistry(0, 0, true)
	defer r.Shutdown()

	r.Commit(NewSet("A", "B"))
	r.ResetForNewTerm()

	assert.Empty(t, r.GetLocal())
	assert.False(t, r.IsSynchronizing())
	assert.Equal(t, 1, r.InSyncReplicaCount(), "a solitary leader with no followers still counts itself")
}

func TestRegistry_ListenersDeliveredInProposalOrder(t *testing.T) {
	r := newTestRegistry(0, 0, true)
	defer r.Shutdown()

	var mu sync.Mutex
	var order []string
	seen := make(chan struct{}, 3)
	r.RegisterListener(func(s Set) {
		mu.Lock()
		for k := range s {
			order = append(order, k)
		}
		mu.Unlock()
		seen <- struct{}{}
	})

	r.Commit(NewSet("A"))
	r.MaybeExpand("B", 0)
	<-seen
	r.Commit(NewSet("A", "B"))
	r.MaybeExpand("C", 0)
	<-seen

	// Both proposals were observed in full: {A,B} then {A,B,C}, five member
	// entries in all. The broker's single worker goroutine serializes
	// delivery, so they arrive in proposal order.
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 5)

	r.Shutdown()
	goleak.VerifyNone(t)
}
