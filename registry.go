package tickloop

import (
	"strconv"
)

// cbRegistry tracks every live callback record for one loop, indexed by id.
// Cancelled callbacks are removed immediately; their ids are never reused
// because id generation is a monotonically increasing counter.
//
// Thread Safety: NOT thread-safe. The owning loop serializes all access.
type cbRegistry struct {
	data map[CallbackID]*callback

	// nextID is the counter backing id generation.
	nextID uint64
}

// newCBRegistry creates a new initialized registry.
func newCBRegistry() *cbRegistry {
	return &cbRegistry{
		data: make(map[CallbackID]*callback),
	}
}

// newID generates a fresh id: a monotonically increasing counter rendered in
// base 36. The counter is 64-bit, so wrap-around (and thus id reuse) is not a
// practical concern.
func (r *cbRegistry) newID() CallbackID {
	r.nextID++
	return CallbackID(strconv.FormatUint(r.nextID, 36))
}

// add registers a callback record under its id.
func (r *cbRegistry) add(cb *callback) {
	r.data[cb.id] = cb
}

// get returns the record for id, or an InvalidCallbackError for unknown or
// cancelled ids.
func (r *cbRegistry) get(id CallbackID) (*callback, error) {
	cb, ok := r.data[id]
	if !ok {
		return nil, &InvalidCallbackError{ID: id}
	}
	return cb, nil
}

// lookup returns the record for id, or nil. Used by the idempotent
// operations (Disable, Cancel) that are silent on unknown ids.
func (r *cbRegistry) lookup(id CallbackID) *callback {
	return r.data[id]
}

// remove deletes the record for id. The id remains burned.
func (r *cbRegistry) remove(id CallbackID) {
	delete(r.data, id)
}

// size returns the number of live records.
func (r *cbRegistry) size() int {
	return len(r.data)
}

// each calls fn for every live record, in unspecified order.
func (r *cbRegistry) each(fn func(cb *callback)) {
	for _, cb := range r.data {
		fn(cb)
	}
}

// enabledReferenced recounts records that are enabled and referenced. This is
// the slow path used by tests to validate the loop's incrementally maintained
// count; the loop itself never scans.
func (r *cbRegistry) enabledReferenced() int {
	var n int
	for _, cb := range r.data {
		if cb.enabled && cb.referenced {
			n++
		}
	}
	return n
}
