package operators

import (
	"sync"

	rc "reactivecache"
)

// PageRequest describes which window of a sorted collection the caller
// currently wants to see.
type PageRequest struct {
	Page     int // zero-based
	PageSize int
}

// PageResponse describes the window Virtualize actually produced, which
// may differ from the request at the boundary (e.g. requesting a page
// past the end clamps to the last page).
type PageResponse struct {
	Page      int
	Pages     int
	PageSize  int
	TotalSize int
}

// VirtualChangeSet is one windowed emission from Virtualize: the page
// metadata plus a SortedChangeSet restricted to (and re-indexed within)
// the current window.
type VirtualChangeSet[K comparable, V any] struct {
	Response PageResponse
	Window   rc.SortedChangeSet[K, V]
}

func windowSlice[K comparable, V any](all []rc.KeyValuePair[K, V], req PageRequest) ([]rc.KeyValuePair[K, V], PageResponse) {
	total := len(all)
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 1
	}
	pages := (total + pageSize - 1) / pageSize
	if pages == 0 {
		pages = 1
	}
	page := req.Page
	if page < 0 {
		page = 0
	}
	if page > pages-1 {
		page = pages - 1
	}

	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	resp := PageResponse{Page: page, Pages: pages, PageSize: pageSize, TotalSize: total}
	return all[start:end], resp
}

// resetWindowChanges produces an Add/Remove-only ChangeSet transforming
// prev into next by pure membership (no value-equality check, since V is
// an unconstrained `any` and cannot be compared generically): every key
// newly in the window is an Add, every key that fell out of the window is
// a Remove. Used when the window itself moved (a new PageRequest) or the
// upstream replaced its whole ordering (an Initial or Reset emission),
// where the whole window's content is being replaced wholesale rather
// than incrementally diffed.
func resetWindowChanges[K comparable, V any](prev, next []rc.KeyValuePair[K, V]) rc.ChangeSet[K, V] {
	nextIndex := make(map[K]int, len(next))
	for i, kv := range next {
		nextIndex[kv.Key] = i
	}
	prevIndex := make(map[K]int, len(prev))
	for i, kv := range prev {
		prevIndex[kv.Key] = i
	}

	var out rc.ChangeSet[K, V]
	for _, kv := range next {
		if _, existed := prevIndex[kv.Key]; !existed {
			out = append(out, rc.NewAddChange[K, V](kv.Key, kv.Value))
		}
	}
	for _, kv := range prev {
		if _, stillThere := nextIndex[kv.Key]; !stillThere {
			out = append(out, rc.NewRemoveChange(kv.Key, kv.Value))
		}
	}
	return out
}

// reindexChanges re-indexes an upstream incremental ChangeSet (already
// known to carry correct Add/Update/Refresh/Moved/Remove semantics) to
// the window's local coordinate space, dropping any change for a key that
// is not present in either the old or the new window and clamping indices
// for a key that straddles the window boundary.
func reindexChanges[K comparable, V any](changes rc.ChangeSet[K, V], start int, windowLen int, inWindow map[K]struct{}) rc.ChangeSet[K, V] {
	local := func(globalIdx int) int {
		if globalIdx < 0 {
			return rc.NoIndex
		}
		i := globalIdx - start
		if i < 0 {
			i = 0
		}
		if i >= windowLen {
			i = windowLen - 1
		}
		return i
	}

	out := make(rc.ChangeSet[K, V], 0, len(changes))
	for _, c := range changes {
		if _, relevant := inWindow[c.Key]; !relevant {
			continue
		}
		switch c.Reason {
		case rc.ChangeReasonMoved:
			out = append(out, rc.NewMovedChange(c.Key, c.Current, local(c.CurrentIndex), local(c.PreviousIndex)))
		case rc.ChangeReasonUpdate:
			prev, _ := c.Previous.Value()
			ch := rc.NewUpdateChange(c.Key, c.Current, prev)
			ch.CurrentIndex = local(c.CurrentIndex)
			ch.PreviousIndex = local(c.PreviousIndex)
			out = append(out, ch)
		default:
			c.CurrentIndex = local(c.CurrentIndex)
			c.PreviousIndex = local(c.PreviousIndex)
			out = append(out, c)
		}
	}
	return out
}

// Virtualize restricts a sorted stream to a caller-controlled window
// (spec §4.11, component C12): source must already be ordered (typically
// the output of SortAndBind), and requests supplies the desired
// page/pageSize, which may change at any time. A new PageRequest emits
// SortReasonReset, since the window's whole content changed at once. An
// upstream Initial or Reset emission replaces the window's content by
// membership under the upstream's reason; any other upstream emission is
// re-indexed into the window. An emission that changes nothing in the
// window is suppressed. A page left out of range by a shrinking
// collection is clamped under the upstream's reason, not as a reset.
func Virtualize[K comparable, V any](
	source rc.Observable[rc.SortedChangeSet[K, V]],
	requests rc.Observable[PageRequest],
) rc.Observable[VirtualChangeSet[K, V]] {
	return rc.ObservableFunc[VirtualChangeSet[K, V]](func(observer rc.Observer[VirtualChangeSet[K, V]]) rc.Disposable {
		var mu sync.Mutex
		var allItems []rc.KeyValuePair[K, V]
		var currentWindow []rc.KeyValuePair[K, V]
		req := PageRequest{Page: 0, PageSize: 25}
		haveItems := false

		emitReset := func() {
			if !haveItems {
				return
			}
			next, resp := windowSlice(allItems, req)
			changes := resetWindowChanges(currentWindow, next)
			currentWindow = next
			if len(changes) == 0 {
				return
			}
			observer.OnNext(VirtualChangeSet[K, V]{
				Response: resp,
				Window:   rc.SortedChangeSet[K, V]{Changes: changes, SortedItems: next, Reason: rc.SortReasonReset},
			})
		}

		srcDisp := source.Subscribe(rc.NewObserver[rc.SortedChangeSet[K, V]](
			func(scs rc.SortedChangeSet[K, V]) {
				mu.Lock()
				defer mu.Unlock()
				allItems = scs.SortedItems
				haveItems = true
				prevWindow := currentWindow
				next, resp := windowSlice(allItems, req)
				start := resp.Page * resp.PageSize

				inWindow := make(map[K]struct{}, len(prevWindow)+len(next))
				for _, kv := range prevWindow {
					inWindow[kv.Key] = struct{}{}
				}
				for _, kv := range next {
					inWindow[kv.Key] = struct{}{}
				}

				var changes rc.ChangeSet[K, V]
				if scs.Reason == rc.SortReasonInitial || scs.Reason == rc.SortReasonReset {
					changes = resetWindowChanges(prevWindow, next)
				} else {
					changes = reindexChanges(scs.Changes, start, len(next), inWindow)
				}
				currentWindow = next
				if len(changes) == 0 {
					return
				}
				observer.OnNext(VirtualChangeSet[K, V]{
					Response: resp,
					Window:   rc.SortedChangeSet[K, V]{Changes: changes, SortedItems: next, Reason: scs.Reason},
				})
			},
			observer.OnError,
			nil,
		))

		reqDisp := requests.Subscribe(rc.NewObserver[PageRequest](
			func(r PageRequest) {
				mu.Lock()
				defer mu.Unlock()
				req = r
				emitReset()
			},
			observer.OnError,
			observer.OnComplete,
		))

		return rc.DisposableFunc(func() {
			srcDisp.Dispose()
			reqDisp.Dispose()
		})
	})
}
