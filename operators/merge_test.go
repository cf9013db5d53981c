package operators

import (
	"testing"

	rc "reactivecache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeChangeSetsUnionsDistinctKeys(t *testing.T) {
	a := rc.NewSourceCache[int, string](map[int]string{1: "a1"})
	b := rc.NewSourceCache[int, string](map[int]string{2: "b2"})

	merged := MergeChangeSets[int, string](MergeOptions[int, string]{}, a.Connect(nil, true), b.Connect(nil, true))
	obs := &captureObserver[rc.ChangeSet[int, string]]{}
	merged.Subscribe(obs)

	require.Len(t, obs.values, 2)
	assert.Equal(t, 1, obs.values[0][0].Key)
	assert.Equal(t, 2, obs.values[1][0].Key)
}

func TestMergeChangeSetsLowestIndexWinsTiesByDefault(t *testing.T) {
	a := rc.NewSourceCache[int, string](map[int]string{1: "from-a"})
	b := rc.NewSourceCache[int, string](nil)

	merged := MergeChangeSets[int, string](MergeOptions[int, string]{}, a.Connect(nil, true), b.Connect(nil, true))
	obs := &captureObserver[rc.ChangeSet[int, string]]{}
	merged.Subscribe(obs)
	require.Len(t, obs.values, 1)
	assert.Equal(t, "from-a", obs.values[0][0].Current)

	b.Edit(func(s *rc.EditSession[int, string]) { s.AddOrUpdate(1, "from-b") })
	// source a (index 0) still publishes key 1, and default priority keeps
	// the lowest index, so no change should surface.
	assert.Len(t, obs.values, 1)

	a.Edit(func(s *rc.EditSession[int, string]) { s.Remove(1) })
	require.Len(t, obs.values, 2)
	assert.Equal(t, rc.ChangeReasonUpdate, obs.values[1][0].Reason)
	assert.Equal(t, "from-b", obs.values[1][0].Current)
}

func TestMergeChangeSetsComparerPicksGreatestValue(t *testing.T) {
	a := rc.NewSourceCache[int, int](map[int]int{1: 5})
	b := rc.NewSourceCache[int, int](nil)

	opts := MergeOptions[int, int]{
		Comparer: func(x, y int) int { return x - y },
	}
	merged := MergeChangeSets[int, int](opts, a.Connect(nil, true), b.Connect(nil, true))
	obs := &captureObserver[rc.ChangeSet[int, int]]{}
	merged.Subscribe(obs)
	require.Len(t, obs.values, 1)
	assert.Equal(t, 5, obs.values[0][0].Current)

	b.Edit(func(s *rc.EditSession[int, int]) { s.AddOrUpdate(1, 10) })
	require.Len(t, obs.values, 2)
	assert.Equal(t, 10, obs.values[1][0].Current, "the greater value from source b must win even though source a has lower index")
}

func TestMergeChangeSetsRemoveFallsBackToRemainingSource(t *testing.T) {
	a := rc.NewSourceCache[int, string](map[int]string{1: "a1"})
	b := rc.NewSourceCache[int, string](map[int]string{1: "b1"})

	merged := MergeChangeSets[int, string](MergeOptions[int, string]{}, a.Connect(nil, true), b.Connect(nil, true))
	obs := &captureObserver[rc.ChangeSet[int, string]]{}
	merged.Subscribe(obs)
	require.Len(t, obs.values, 1)
	assert.Equal(t, "a1", obs.values[0][0].Current)

	a.Edit(func(s *rc.EditSession[int, string]) { s.Remove(1) })
	require.Len(t, obs.values, 2)
	assert.Equal(t, rc.ChangeReasonUpdate, obs.values[1][0].Reason)
	assert.Equal(t, "b1", obs.values[1][0].Current)

	b.Edit(func(s *rc.EditSession[int, string]) { s.Remove(1) })
	require.Len(t, obs.values, 3)
	assert.Equal(t, rc.ChangeReasonRemove, obs.values[2][0].Reason)
}

type parentWithChildren struct {
	id       int
	children map[int]string
}

func TestMergeManyChangeSetsForwardsChildChangesAndUnsubscribesOnParentRemoval(t *testing.T) {
	parents := rc.NewSourceCache[int, parentWithChildren](nil)
	childCaches := make(map[int]*rc.SourceCache[int, string])

	selector := func(parentKey int, parent parentWithChildren) rc.Observable[rc.ChangeSet[int, string]] {
		cc := rc.NewSourceCache[int, string](parent.children)
		childCaches[parentKey] = cc
		return cc.Connect(nil, true)
	}

	merged := MergeManyChangeSets[int, parentWithChildren, int, string](parents.Connect(nil, true), selector)
	obs := &captureObserver[rc.ChangeSet[int, string]]{}
	merged.Subscribe(obs)

	parents.Edit(func(s *rc.EditSession[int, parentWithChildren]) {
		s.AddOrUpdate(1, parentWithChildren{id: 1, children: map[int]string{100: "x"}})
	})
	require.Len(t, obs.values, 1)
	assert.Equal(t, 100, obs.values[0][0].Key)

	childCaches[1].Edit(func(s *rc.EditSession[int, string]) { s.AddOrUpdate(101, "y") })
	require.Len(t, obs.values, 2)
	assert.Equal(t, 101, obs.values[1][0].Key)

	parents.Edit(func(s *rc.EditSession[int, parentWithChildren]) { s.Remove(1) })
	// Removing the parent must not itself forward a synthetic change, only
	// release the child subscription.
	assert.Len(t, obs.values, 2)

	childCaches[1].Edit(func(s *rc.EditSession[int, string]) { s.AddOrUpdate(102, "z") })
	assert.Len(t, obs.values, 2, "a child change after its parent was removed must not be forwarded")
}
