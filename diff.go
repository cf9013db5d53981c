package reactivecache

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch"
)

// JSONDiff computes an RFC 7396 JSON Merge Patch describing how to turn
// the change's Previous value into its Current value. It is only
// meaningful for Update changes (it returns nil, false otherwise) and is
// an optional convenience for observers that want to ship a compact diff
// downstream instead of the whole value, mirroring the teacher's
// WatchEvent.Diff field (nodestorage/v2.Diff.MergePatch).
//
// V must be JSON-marshalable; callers working with non-JSON-friendly
// value types should ignore this helper and diff however suits their
// domain.
func (c Change[K, V]) JSONDiff() ([]byte, bool) {
	if c.Reason != ChangeReasonUpdate {
		return nil, false
	}
	prev, ok := c.Previous.Value()
	if !ok {
		return nil, false
	}

	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return nil, false
	}
	curJSON, err := json.Marshal(c.Current)
	if err != nil {
		return nil, false
	}

	patch, err := jsonpatch.CreateMergePatch(prevJSON, curJSON)
	if err != nil {
		return nil, false
	}
	return patch, true
}
