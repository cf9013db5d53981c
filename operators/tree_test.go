package operators

import (
	"testing"

	rc "reactivecache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	id     int
	parent int
	root   bool
}

func nodeParentSelector(key int, v node) (int, bool) {
	if v.root {
		return 0, false
	}
	return v.parent, true
}

func TestTreeBuilderNestsChildrenUnderParent(t *testing.T) {
	sc := rc.NewSourceCache[int, node](map[int]node{
		1: {id: 1, root: true},
		2: {id: 2, parent: 1},
		3: {id: 3, parent: 1},
	})
	trees := TreeBuilder[int, node](sc.Connect(nil, true), nodeParentSelector)
	obs := &captureObserver[TreeSnapshot[int, node]]{}
	trees.Subscribe(obs)

	require.Len(t, obs.values, 1)
	snap := obs.values[0]
	require.Len(t, snap.Roots, 1)
	rootIdx := snap.Roots[0]
	assert.Equal(t, 1, snap.Nodes[rootIdx].Key)
	assert.Len(t, snap.Nodes[rootIdx].Children, 2)

	for _, childIdx := range snap.Nodes[rootIdx].Children {
		assert.Equal(t, rootIdx, snap.Nodes[childIdx].Parent)
	}
}

func TestTreeBuilderTreatsDanglingParentAsRoot(t *testing.T) {
	sc := rc.NewSourceCache[int, node](map[int]node{
		2: {id: 2, parent: 999}, // parent 999 does not exist
	})
	trees := TreeBuilder[int, node](sc.Connect(nil, true), nodeParentSelector)
	obs := &captureObserver[TreeSnapshot[int, node]]{}
	trees.Subscribe(obs)

	require.Len(t, obs.values, 1)
	snap := obs.values[0]
	require.Len(t, snap.Roots, 1)
	idx, ok := snap.IndexOf(2)
	require.True(t, ok)
	assert.Equal(t, -1, snap.Nodes[idx].Parent)
}

func TestTreeBuilderReshapesOnReparent(t *testing.T) {
	sc := rc.NewSourceCache[int, node](map[int]node{
		1: {id: 1, root: true},
		2: {id: 2, root: true},
		3: {id: 3, parent: 1},
	})
	trees := TreeBuilder[int, node](sc.Connect(nil, true), nodeParentSelector)
	obs := &captureObserver[TreeSnapshot[int, node]]{}
	trees.Subscribe(obs)
	require.Len(t, obs.values, 1)
	require.Len(t, obs.values[0].Roots, 2)

	sc.Edit(func(s *rc.EditSession[int, node]) { s.AddOrUpdate(3, node{id: 3, parent: 2}) })
	require.Len(t, obs.values, 2)
	snap := obs.values[1]
	idx2, _ := snap.IndexOf(2)
	idx3, _ := snap.IndexOf(3)
	assert.Contains(t, snap.Nodes[idx2].Children, idx3)
}

func TestTreeBuilderDetectsCycleAndReportsError(t *testing.T) {
	sc := rc.NewSourceCache[int, node](map[int]node{
		1: {id: 1, parent: 2},
		2: {id: 2, parent: 1},
	})
	trees := TreeBuilder[int, node](sc.Connect(nil, true), nodeParentSelector)
	obs := &captureObserver[TreeSnapshot[int, node]]{}
	trees.Subscribe(obs)

	require.Len(t, obs.values, 0, "a cyclic parent chain must not produce a snapshot")
	require.Len(t, obs.errs, 1)
}
