package operators

import (
	"testing"

	rc "reactivecache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sortedSnapshot(items map[int]int, reason rc.SortReason) rc.SortedChangeSet[int, int] {
	sorted := make([]rc.KeyValuePair[int, int], 0, len(items))
	for k, v := range items {
		sorted = append(sorted, rc.KeyValuePair[int, int]{Key: k, Value: v})
	}
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].Key < sorted[i].Key {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	return rc.SortedChangeSet[int, int]{SortedItems: sorted, Reason: reason}
}

func TestVirtualizeReturnsFirstPageUnderDefaultWindow(t *testing.T) {
	srcObs := rc.ObservableFunc[rc.SortedChangeSet[int, int]](func(o rc.Observer[rc.SortedChangeSet[int, int]]) rc.Disposable {
		o.OnNext(sortedSnapshot(map[int]int{1: 1, 2: 2, 3: 3, 4: 4, 5: 5}, rc.SortReasonInitial))
		return rc.DisposableFunc(func() {})
	})
	requests := rc.NewSourceCache[int, PageRequest](nil)
	reqObs := rc.ObservableFunc[PageRequest](func(o rc.Observer[PageRequest]) rc.Disposable {
		return requests.Connect(nil, true).Subscribe(rc.NewObserver[rc.ChangeSet[int, PageRequest]](
			func(cs rc.ChangeSet[int, PageRequest]) {
				for _, c := range cs {
					o.OnNext(c.Current)
				}
			},
			o.OnError,
			o.OnComplete,
		))
	})

	virtual := Virtualize[int, int](srcObs, reqObs)
	obs := &captureObserver[VirtualChangeSet[int, int]]{}
	virtual.Subscribe(obs)
	require.Len(t, obs.values, 1)
	assert.Equal(t, 5, obs.values[0].Response.TotalSize)
	assert.Equal(t, 1, obs.values[0].Response.Pages) // default window (pageSize 25) fits every item on one page
}

func TestVirtualizePaginatesWithRequest(t *testing.T) {
	srcObs := rc.ObservableFunc[rc.SortedChangeSet[int, int]](func(o rc.Observer[rc.SortedChangeSet[int, int]]) rc.Disposable {
		o.OnNext(sortedSnapshot(map[int]int{1: 1, 2: 2, 3: 3, 4: 4, 5: 5}, rc.SortReasonInitial))
		return rc.DisposableFunc(func() {})
	})
	requests := rc.NewSourceCache[int, PageRequest](nil)
	reqObs := rc.ObservableFunc[PageRequest](func(o rc.Observer[PageRequest]) rc.Disposable {
		return requests.Connect(nil, true).Subscribe(rc.NewObserver[rc.ChangeSet[int, PageRequest]](
			func(cs rc.ChangeSet[int, PageRequest]) {
				for _, c := range cs {
					o.OnNext(c.Current)
				}
			},
			o.OnError,
			o.OnComplete,
		))
	})

	virtual := Virtualize[int, int](srcObs, reqObs)
	obs := &captureObserver[VirtualChangeSet[int, int]]{}
	virtual.Subscribe(obs)
	require.Len(t, obs.values, 1, "no request has arrived yet, only the initial source snapshot under the default window")

	requests.Edit(func(s *rc.EditSession[int, PageRequest]) { s.AddOrUpdate(0, PageRequest{Page: 1, PageSize: 2}) })
	require.Len(t, obs.values, 2)
	last := obs.values[1]
	assert.Equal(t, 1, last.Response.Page)
	assert.Equal(t, 3, last.Response.Pages)
	require.Len(t, last.Window.SortedItems, 2)
	assert.Equal(t, 3, last.Window.SortedItems[0].Key)
	assert.Equal(t, 4, last.Window.SortedItems[1].Key)
	assert.Equal(t, rc.SortReasonReset, last.Window.Reason)
}

func TestVirtualizeClampsPageRequestPastEnd(t *testing.T) {
	srcObs := rc.ObservableFunc[rc.SortedChangeSet[int, int]](func(o rc.Observer[rc.SortedChangeSet[int, int]]) rc.Disposable {
		o.OnNext(sortedSnapshot(map[int]int{1: 1, 2: 2}, rc.SortReasonInitial))
		return rc.DisposableFunc(func() {})
	})
	requests := rc.NewSourceCache[int, PageRequest](nil)
	reqObs := rc.ObservableFunc[PageRequest](func(o rc.Observer[PageRequest]) rc.Disposable {
		return requests.Connect(nil, true).Subscribe(rc.NewObserver[rc.ChangeSet[int, PageRequest]](
			func(cs rc.ChangeSet[int, PageRequest]) {
				for _, c := range cs {
					o.OnNext(c.Current)
				}
			},
			o.OnError,
			o.OnComplete,
		))
	})

	virtual := Virtualize[int, int](srcObs, reqObs)
	obs := &captureObserver[VirtualChangeSet[int, int]]{}
	virtual.Subscribe(obs)

	requests.Edit(func(s *rc.EditSession[int, PageRequest]) { s.AddOrUpdate(0, PageRequest{Page: 99, PageSize: 1}) })
	last := obs.values[len(obs.values)-1]
	assert.Equal(t, 1, last.Response.Page, "page index is clamped to the last real page")
}
