package reactivecache

// ChangeAwareCache wraps a K -> V map with a pending sequence of Change
// records, following the teacher's separation of the raw keyed map
// (nodestorage/v2/cache.MemoryCache) from the locking/subscription layer
// above it (StorageImpl). It performs no locking of its own: callers that
// need concurrent-safe access wrap it in a readerWriter, matching spec
// §4.1/§4.2's split between the cache and the reader-writer.
type ChangeAwareCache[K comparable, V any] struct {
	items   map[K]V
	order   []K
	index   map[K]int // position of key within order, for O(1) removal
	pending []Change[K, V]
}

// NewChangeAwareCache creates an empty cache, or one pre-populated from
// initial, in the order initial iterates (callers that care about
// deterministic order should pass a slice-backed builder instead of a map).
func NewChangeAwareCache[K comparable, V any](initial map[K]V) *ChangeAwareCache[K, V] {
	c := &ChangeAwareCache[K, V]{
		items: make(map[K]V, len(initial)),
		order: make([]K, 0, len(initial)),
		index: make(map[K]int, len(initial)),
	}
	for k, v := range initial {
		c.insertNoChange(k, v)
	}
	return c
}

func (c *ChangeAwareCache[K, V]) insertNoChange(k K, v V) {
	c.index[k] = len(c.order)
	c.order = append(c.order, k)
	c.items[k] = v
}

func (c *ChangeAwareCache[K, V]) removeNoChange(k K) {
	pos, ok := c.index[k]
	if !ok {
		return
	}
	delete(c.items, k)
	delete(c.index, k)
	c.order = append(c.order[:pos], c.order[pos+1:]...)
	for i := pos; i < len(c.order); i++ {
		c.index[c.order[i]] = i
	}
}

// Count returns the number of distinct keys currently in the cache.
func (c *ChangeAwareCache[K, V]) Count() int {
	return len(c.order)
}

// Get returns the value stored for key, if present.
func (c *ChangeAwareCache[K, V]) Get(key K) (V, bool) {
	v, ok := c.items[key]
	return v, ok
}

// Snapshot returns a read-only, defensively-copied view of the cache's
// current contents in insertion order.
func (c *ChangeAwareCache[K, V]) Snapshot() Snapshot[K, V] {
	return newMapSnapshot(c.items, c.order)
}

// AddOrUpdate inserts key if absent (recording an Add), or replaces its
// value and records an Update carrying the prior value. An existing key
// always records an Update, even when the new value equals the old one;
// upstream callers decide whether to call this unconditionally or only on
// a real change (spec §4.1).
func (c *ChangeAwareCache[K, V]) AddOrUpdate(key K, value V) {
	if old, ok := c.items[key]; ok {
		c.items[key] = value
		c.pending = append(c.pending, NewUpdateChange(key, value, old))
		return
	}
	c.insertNoChange(key, value)
	c.pending = append(c.pending, NewAddChange[K, V](key, value))
}

// Remove deletes key if present, recording a Remove change. It is a no-op
// if the key is absent.
func (c *ChangeAwareCache[K, V]) Remove(key K) {
	old, ok := c.items[key]
	if !ok {
		return
	}
	c.removeNoChange(key)
	c.pending = append(c.pending, NewRemoveChange(key, old))
}

// Refresh records a Refresh change for key's current value, signalling
// that it mutated in place. It is a no-op if the key is absent.
func (c *ChangeAwareCache[K, V]) Refresh(key K) {
	v, ok := c.items[key]
	if !ok {
		return
	}
	c.pending = append(c.pending, NewRefreshChange(key, v))
}

// RefreshAll records a Refresh change for every key currently present, in
// cache order.
func (c *ChangeAwareCache[K, V]) RefreshAll() {
	for _, k := range c.order {
		c.pending = append(c.pending, NewRefreshChange(k, c.items[k]))
	}
}

// Clear removes every key, recording a Remove change for each in the
// cache's current iteration order, then empties the map.
func (c *ChangeAwareCache[K, V]) Clear() {
	for _, k := range c.order {
		c.pending = append(c.pending, NewRemoveChange(k, c.items[k]))
	}
	c.items = make(map[K]V)
	c.order = c.order[:0]
	c.index = make(map[K]int)
}

// Clone folds an externally produced ChangeSet into this cache: Add and
// Update are applied as AddOrUpdate, Remove deletes the key, Refresh
// re-records a refresh for the (already current) value, and Moved is
// ignored, matching spec §4.1.
func (c *ChangeAwareCache[K, V]) Clone(changes ChangeSet[K, V]) {
	for _, ch := range changes {
		switch ch.Reason {
		case ChangeReasonAdd, ChangeReasonUpdate:
			c.AddOrUpdate(ch.Key, ch.Current)
		case ChangeReasonRemove:
			c.Remove(ch.Key)
		case ChangeReasonRefresh:
			c.Refresh(ch.Key)
		case ChangeReasonMoved:
			// Moved carries no structural information a keyed map can
			// apply; downstream sorted mirrors handle it directly.
		}
	}
}

// CaptureChanges is the sole commit point (spec §4.1): it swaps the
// pending buffer for a fresh one and returns what was pending, or a
// shared empty batch if nothing was pending. Nothing is published until
// this is called.
func (c *ChangeAwareCache[K, V]) CaptureChanges() ChangeSet[K, V] {
	if len(c.pending) == 0 {
		return ChangeSet[K, V]{}
	}
	out := c.pending
	c.pending = nil
	return out
}
