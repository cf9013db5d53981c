package operators

import (
	"testing"

	rc "reactivecache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureObserver[T any] struct {
	values    []T
	errs      []error
	completed bool
}

func (c *captureObserver[T]) OnNext(v T)      { c.values = append(c.values, v) }
func (c *captureObserver[T]) OnError(e error) { c.errs = append(c.errs, e) }
func (c *captureObserver[T]) OnComplete()     { c.completed = true }

// TestFilterDynamicPredicateChange is scenario S3 from spec §8: a source
// {1:1, 2:2, 3:3} filtered by x >= 2, then the predicate swapped to
// x % 2 == 1 mid-stream.
func TestFilterDynamicPredicateChange(t *testing.T) {
	sc := rc.NewSourceCache[int, int](map[int]int{1: 1, 2: 2, 3: 3})
	predSwap := rc.NewSourceCache[int, Predicate[int, int]](nil)

	predChanges := rc.ObservableFunc[Predicate[int, int]](func(observer rc.Observer[Predicate[int, int]]) rc.Disposable {
		return predSwap.Connect(nil, true).Subscribe(rc.NewObserver[rc.ChangeSet[int, Predicate[int, int]]](
			func(cs rc.ChangeSet[int, Predicate[int, int]]) {
				for _, c := range cs {
					observer.OnNext(c.Current)
				}
			}, nil, nil,
		))
	})

	filtered := Filter[int, int](sc.Connect(nil, true), func(k, v int) bool { return v >= 2 }, predChanges, nil)

	obs := &captureObserver[rc.ChangeSet[int, int]]{}
	filtered.Subscribe(obs)

	require.Len(t, obs.values, 1)
	initial := obs.values[0]
	require.Len(t, initial, 2)
	assert.Equal(t, 2, initial[0].Key)
	assert.Equal(t, 3, initial[1].Key)

	predSwap.Edit(func(s *rc.EditSession[int, Predicate[int, int]]) {
		s.AddOrUpdate(0, func(k, v int) bool { return v%2 == 1 })
	})

	require.Len(t, obs.values, 2)
	transitions := obs.values[1]
	require.Len(t, transitions, 2)
	assert.Equal(t, rc.ChangeReasonRemove, transitions[0].Reason)
	assert.Equal(t, 2, transitions[0].Key)
	assert.Equal(t, rc.ChangeReasonAdd, transitions[1].Reason)
	assert.Equal(t, 1, transitions[1].Key)
}

// TestFilterStaticCountMatchesPredicate is the universal invariant from
// spec §8: for a static filter p, the filtered stream's count equals the
// number of source items satisfying p.
func TestFilterStaticCountMatchesPredicate(t *testing.T) {
	sc := rc.NewSourceCache[int, int](map[int]int{1: 1, 2: 2, 3: 3, 4: 4, 5: 5})
	filtered := Filter[int, int](sc.Connect(nil, true), func(k, v int) bool { return v%2 == 0 }, nil, nil)

	obs := &captureObserver[rc.ChangeSet[int, int]]{}
	filtered.Subscribe(obs)

	require.Len(t, obs.values, 1)
	assert.Len(t, obs.values[0], 2) // 2 and 4
}

func TestFilterUpdateTransitions(t *testing.T) {
	sc := rc.NewSourceCache[int, int](map[int]int{1: 1})
	filtered := Filter[int, int](sc.Connect(nil, true), func(k, v int) bool { return v >= 2 }, nil, nil)
	obs := &captureObserver[rc.ChangeSet[int, int]]{}
	filtered.Subscribe(obs)
	require.Len(t, obs.values, 0) // 1 does not satisfy v>=2, so the initial batch filters to nothing and is not emitted

	// not-in -> in
	sc.Edit(func(s *rc.EditSession[int, int]) { s.AddOrUpdate(1, 5) })
	require.Len(t, obs.values, 1)
	require.Len(t, obs.values[0], 1)
	assert.Equal(t, rc.ChangeReasonAdd, obs.values[0][0].Reason)

	// in -> in (update)
	sc.Edit(func(s *rc.EditSession[int, int]) { s.AddOrUpdate(1, 6) })
	require.Len(t, obs.values, 2)
	require.Len(t, obs.values[1], 1)
	assert.Equal(t, rc.ChangeReasonUpdate, obs.values[1][0].Reason)

	// in -> out
	sc.Edit(func(s *rc.EditSession[int, int]) { s.AddOrUpdate(1, 0) })
	require.Len(t, obs.values, 3)
	require.Len(t, obs.values[2], 1)
	assert.Equal(t, rc.ChangeReasonRemove, obs.values[2][0].Reason)
	assert.Equal(t, 0, obs.values[2][0].Current)
}

func TestFilterRemoveOnlyEmitsWhenItemWasIn(t *testing.T) {
	sc := rc.NewSourceCache[int, int](map[int]int{1: 1, 2: 5})
	filtered := Filter[int, int](sc.Connect(nil, true), func(k, v int) bool { return v >= 2 }, nil, nil)
	obs := &captureObserver[rc.ChangeSet[int, int]]{}
	filtered.Subscribe(obs)
	require.Len(t, obs.values, 1)

	sc.Edit(func(s *rc.EditSession[int, int]) { s.Remove(1) }) // was filtered out already
	assert.Len(t, obs.values, 1, "removing an item that was already excluded must not emit")

	sc.Edit(func(s *rc.EditSession[int, int]) { s.Remove(2) })
	require.Len(t, obs.values, 2)
	require.Len(t, obs.values[1], 1)
	assert.Equal(t, rc.ChangeReasonRemove, obs.values[1][0].Reason)
}

func TestFilterRefreshTransitions(t *testing.T) {
	sc := rc.NewSourceCache[int, int](map[int]int{1: 5})
	filtered := Filter[int, int](sc.Connect(nil, true), func(k, v int) bool { return v >= 2 }, nil, nil)
	obs := &captureObserver[rc.ChangeSet[int, int]]{}
	filtered.Subscribe(obs)

	sc.Edit(func(s *rc.EditSession[int, int]) { s.Refresh(1) })
	require.Len(t, obs.values, 2)
	assert.Equal(t, rc.ChangeReasonRefresh, obs.values[1][0].Reason)
}

func TestFilterMovedPassesThroughOnlyWhenIn(t *testing.T) {
	sc := rc.NewSourceCache[int, int](map[int]int{1: 1, 2: 5})
	filtered := Filter[int, int](sc.Connect(nil, true), func(k, v int) bool { return v >= 2 }, nil, nil)
	obs := &captureObserver[rc.ChangeSet[int, int]]{}
	filtered.Subscribe(obs)

	moved1 := rc.NewMovedChange[int, int](1, 1, 1, 0) // key 1 is filtered out
	moved2 := rc.NewMovedChange[int, int](2, 5, 0, 1) // key 2 is in

	st := &filterState[int, int]{predicate: func(k, v int) bool { return v >= 2 }, known: map[int]int{1: 1, 2: 5}, in: map[int]bool{2: true}}
	out := st.applyUpstream(rc.ChangeSet[int, int]{moved1, moved2})
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].Key)
}

func TestFilterReevaluateTrigger(t *testing.T) {
	sc := rc.NewSourceCache[int, int](map[int]int{1: 1, 2: 2})
	threshold := 1

	reevalCache := rc.NewSourceCache[int, struct{}](nil)
	reeval := rc.ObservableFunc[struct{}](func(observer rc.Observer[struct{}]) rc.Disposable {
		return reevalCache.Connect(nil, true).Subscribe(rc.NewObserver[rc.ChangeSet[int, struct{}]](
			func(cs rc.ChangeSet[int, struct{}]) {
				for range cs {
					observer.OnNext(struct{}{})
				}
			}, nil, nil,
		))
	})

	filtered := Filter[int, int](sc.Connect(nil, true), func(k, v int) bool { return v > threshold }, nil, reeval)
	obs := &captureObserver[rc.ChangeSet[int, int]]{}
	filtered.Subscribe(obs)
	require.Len(t, obs.values, 1)
	assert.Len(t, obs.values[0], 1) // only key 2

	threshold = 0
	reevalCache.Edit(func(s *rc.EditSession[int, struct{}]) { s.AddOrUpdate(0, struct{}{}) })
	require.Len(t, obs.values, 2)
	assert.Len(t, obs.values[1], 1) // key 1 now crosses in
	assert.Equal(t, rc.ChangeReasonAdd, obs.values[1][0].Reason)
	assert.Equal(t, 1, obs.values[1][0].Key)
}

func TestFilterImmutableDropsRefreshAndEvaluatesPerChange(t *testing.T) {
	sc := rc.NewSourceCache[int, int](map[int]int{1: 1, 2: 5})
	filtered := FilterImmutable[int, int](sc.Connect(nil, true), func(k, v int) bool { return v >= 2 })
	obs := &captureObserver[rc.ChangeSet[int, int]]{}
	filtered.Subscribe(obs)
	require.Len(t, obs.values, 1)
	assert.Len(t, obs.values[0], 1)

	sc.Edit(func(s *rc.EditSession[int, int]) { s.Refresh(2) })
	assert.Len(t, obs.values, 1, "FilterImmutable must drop Refresh entirely")

	sc.Edit(func(s *rc.EditSession[int, int]) { s.AddOrUpdate(3, 9) })
	require.Len(t, obs.values, 2)
	assert.Len(t, obs.values[1], 1)
}
