package reactivecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureObserver accumulates every value it receives, for assertions.
type captureObserver[T any] struct {
	values    []T
	errs      []error
	completed bool
}

func (c *captureObserver[T]) OnNext(v T)    { c.values = append(c.values, v) }
func (c *captureObserver[T]) OnError(e error) { c.errs = append(c.errs, e) }
func (c *captureObserver[T]) OnComplete()   { c.completed = true }

// TestEditProducesSingleOrderedChangeSet is scenario S1 from spec §8: a
// single edit session that adds, updates, and removes keys must publish
// exactly one change set whose entries are in invocation order, and the
// cache must end up reflecting only the net result.
func TestEditProducesSingleOrderedChangeSet(t *testing.T) {
	sc := NewSourceCache[int, string](nil)
	obs := &captureObserver[ChangeSet[int, string]]{}
	sc.Connect(nil, true).Subscribe(obs)

	sc.Edit(func(s *EditSession[int, string]) {
		s.AddOrUpdate(1, "a")
		s.AddOrUpdate(2, "b")
		s.AddOrUpdate(1, "A")
		s.Remove(2)
	})

	require.Len(t, obs.values, 1)
	cs := obs.values[0]
	require.Len(t, cs, 4)
	assert.Equal(t, ChangeReasonAdd, cs[0].Reason)
	assert.Equal(t, 1, cs[0].Key)
	assert.Equal(t, "a", cs[0].Current)
	assert.Equal(t, ChangeReasonAdd, cs[1].Reason)
	assert.Equal(t, 2, cs[1].Key)
	assert.Equal(t, ChangeReasonUpdate, cs[2].Reason)
	assert.Equal(t, 1, cs[2].Key)
	assert.Equal(t, "A", cs[2].Current)
	prev, ok := cs[2].Previous.Value()
	require.True(t, ok)
	assert.Equal(t, "a", prev)
	assert.Equal(t, ChangeReasonRemove, cs[3].Reason)
	assert.Equal(t, 2, cs[3].Key)

	v, ok := sc.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "A", v)
	_, ok = sc.Lookup(2)
	assert.False(t, ok)
	assert.Equal(t, 1, sc.Count())
}

// TestConnectReplaysInitialStateThenForwardsFutureEdits is scenario S2.
func TestConnectReplaysInitialStateThenForwardsFutureEdits(t *testing.T) {
	sc := NewSourceCache[int, string](map[int]string{1: "a", 2: "b"})
	obs := &captureObserver[ChangeSet[int, string]]{}
	sc.Connect(nil, true).Subscribe(obs)

	require.Len(t, obs.values, 1)
	initial := obs.values[0]
	require.Len(t, initial, 2)
	for _, c := range initial {
		assert.Equal(t, ChangeReasonAdd, c.Reason)
	}

	// No further emission until another edit.
	assert.Len(t, obs.values, 1)

	sc.Edit(func(s *EditSession[int, string]) { s.AddOrUpdate(3, "c") })
	require.Len(t, obs.values, 2)
	require.Len(t, obs.values[1], 1)
	assert.Equal(t, ChangeReasonAdd, obs.values[1][0].Reason)
}

func TestNestedEditPublishesOnlyOuterChangeSet(t *testing.T) {
	sc := NewSourceCache[int, string](nil)
	obs := &captureObserver[ChangeSet[int, string]]{}
	sc.Connect(nil, true).Subscribe(obs)

	sc.Edit(func(outer *EditSession[int, string]) {
		outer.AddOrUpdate(1, "a")
		sc.Edit(func(inner *EditSession[int, string]) {
			inner.AddOrUpdate(2, "b")
		})
		outer.AddOrUpdate(3, "c")
	})

	require.Len(t, obs.values, 1)
	assert.Len(t, obs.values[0], 3)
}

func TestEmptyEditProducesNoEmission(t *testing.T) {
	sc := NewSourceCache[int, string](nil)
	obs := &captureObserver[ChangeSet[int, string]]{}
	sc.Connect(nil, true).Subscribe(obs)
	assert.Len(t, obs.values, 0) // suppressEmpty is true, so the empty initial set is not delivered

	sc.Edit(func(s *EditSession[int, string]) {})
	assert.Len(t, obs.values, 0, "empty edit should not publish a change set")
}

func TestConnectSuppressEmptyFalseStillEmitsEmptyInitial(t *testing.T) {
	sc := NewSourceCache[int, string](nil)
	obs := &captureObserver[ChangeSet[int, string]]{}
	sc.Connect(nil, false).Subscribe(obs)
	require.Len(t, obs.values, 1)
	assert.Len(t, obs.values[0], 0)
}

func TestConnectWithPredicateFiltersInitialState(t *testing.T) {
	sc := NewSourceCache[int, int](map[int]int{1: 1, 2: 2, 3: 3})
	obs := &captureObserver[ChangeSet[int, int]]{}
	sc.Connect(func(k int, v int) bool { return v >= 2 }, true).Subscribe(obs)

	require.Len(t, obs.values, 1)
	assert.Len(t, obs.values[0], 2)
}

func TestWatchEmitsSyntheticAddThenFollowsKey(t *testing.T) {
	sc := NewSourceCache[int, string](map[int]string{1: "a"})
	obs := &captureObserver[Change[int, string]]{}
	sc.Watch(1).Subscribe(obs)

	require.Len(t, obs.values, 1)
	assert.Equal(t, ChangeReasonAdd, obs.values[0].Reason)

	sc.Edit(func(s *EditSession[int, string]) {
		s.AddOrUpdate(1, "A")
		s.AddOrUpdate(2, "other") // must not be forwarded to key 1's watch
	})

	require.Len(t, obs.values, 2)
	assert.Equal(t, ChangeReasonUpdate, obs.values[1].Reason)
	assert.Equal(t, "A", obs.values[1].Current)
}

func TestWatchOnAbsentKeyEmitsNoSyntheticAdd(t *testing.T) {
	sc := NewSourceCache[int, string](nil)
	obs := &captureObserver[Change[int, string]]{}
	sc.Watch(1).Subscribe(obs)
	assert.Len(t, obs.values, 0)

	sc.Edit(func(s *EditSession[int, string]) { s.AddOrUpdate(1, "a") })
	require.Len(t, obs.values, 1)
	assert.Equal(t, ChangeReasonAdd, obs.values[0].Reason)
}

func TestCountChangedEmitsDistinctCacheSize(t *testing.T) {
	sc := NewSourceCache[int, string](nil)
	obs := &captureObserver[int]{}
	sc.CountChanged().Subscribe(obs)

	sc.Edit(func(s *EditSession[int, string]) {
		s.AddOrUpdate(1, "a")
		s.AddOrUpdate(2, "b")
	})
	sc.Edit(func(s *EditSession[int, string]) { s.Remove(1) })

	require.Len(t, obs.values, 2)
	assert.Equal(t, 2, obs.values[0])
	assert.Equal(t, 1, obs.values[1])
}

func TestCloseCompletesAllSubscriptions(t *testing.T) {
	sc := NewSourceCache[int, string](nil)
	connectObs := &captureObserver[ChangeSet[int, string]]{}
	watchObs := &captureObserver[Change[int, string]]{}
	sc.Connect(nil, true).Subscribe(connectObs)
	sc.Watch(1).Subscribe(watchObs)

	sc.Close()
	assert.True(t, connectObs.completed)
	assert.True(t, watchObs.completed)
}

func TestOneObserverPanicDoesNotAffectPeers(t *testing.T) {
	sc := NewSourceCache[int, string](nil)
	peer := &captureObserver[ChangeSet[int, string]]{}
	sc.Connect(nil, true).Subscribe(NewObserver[ChangeSet[int, string]](
		func(ChangeSet[int, string]) { panic("boom") },
		nil, nil,
	))
	sc.Connect(nil, true).Subscribe(peer)

	sc.Edit(func(s *EditSession[int, string]) { s.AddOrUpdate(1, "a") })

	require.Len(t, peer.values, 1) // only the edit; the empty initial set is suppressed
}

func TestMoveChangeValidation(t *testing.T) {
	valid := NewMovedChange[int, string](1, "a", 2, 0)
	assert.NoError(t, valid.Validate())

	negative := NewMovedChange[int, string](1, "a", -1, 0)
	assert.Error(t, negative.Validate())

	same := NewMovedChange[int, string](1, "a", 1, 1)
	assert.Error(t, same.Validate())
}

func TestAddChangeWithPreviousIsInvalid(t *testing.T) {
	c := Change[int, string]{Reason: ChangeReasonAdd, Key: 1, Current: "a", Previous: Some("old")}
	assert.Error(t, c.Validate())
}

func TestChangeAwareCacheClearEmitsRemovesInOrder(t *testing.T) {
	c := NewChangeAwareCache[int, string](nil)
	c.AddOrUpdate(1, "a")
	c.AddOrUpdate(2, "b")
	c.CaptureChanges()

	c.Clear()
	changes := c.CaptureChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeReasonRemove, changes[0].Reason)
	assert.Equal(t, 1, changes[0].Key)
	assert.Equal(t, ChangeReasonRemove, changes[1].Reason)
	assert.Equal(t, 2, changes[1].Key)
	assert.Equal(t, 0, c.Count())
}

func TestCaptureChangesReturnsSharedEmptyBatchWhenNothingPending(t *testing.T) {
	c := NewChangeAwareCache[int, string](nil)
	changes := c.CaptureChanges()
	assert.Len(t, changes, 0)
}
