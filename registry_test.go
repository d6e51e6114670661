package tickloop

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegistryIDGeneration verifies ids are unique, monotonic base-36
// renderings of the counter.
func TestRegistryIDGeneration(t *testing.T) {
	r := newCBRegistry()

	seen := make(map[CallbackID]struct{})
	var prev uint64
	for i := 0; i < 100; i++ {
		id := r.newID()
		_, dup := seen[id]
		require.False(t, dup, "id reused: %s", id)
		seen[id] = struct{}{}

		n, err := strconv.ParseUint(string(id), 36, 64)
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
}

// TestRegistryIDNeverReused verifies removal burns the id.
func TestRegistryIDNeverReused(t *testing.T) {
	r := newCBRegistry()

	first := r.newID()
	r.add(&callback{id: first})
	r.remove(first)

	second := r.newID()
	assert.NotEqual(t, first, second)

	_, err := r.get(first)
	var invalid *InvalidCallbackError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, first, invalid.ID)
}

// TestRegistryLookupSilent verifies the lookup used by Disable/Cancel does
// not error on unknown ids.
func TestRegistryLookupSilent(t *testing.T) {
	r := newCBRegistry()
	assert.Nil(t, r.lookup("missing"))
}

// TestCallbackStateDerivation covers the flag-to-state mapping.
func TestCallbackStateDerivation(t *testing.T) {
	cb := &callback{enabled: true, referenced: true}
	assert.Equal(t, StateEnabledReferenced, cb.state())

	cb.referenced = false
	assert.Equal(t, StateEnabledUnreferenced, cb.state())

	cb.enabled = false
	assert.Equal(t, StateDisabledUnreferenced, cb.state())

	cb.referenced = true
	assert.Equal(t, StateDisabledReferenced, cb.state())

	cb.cancelled = true
	assert.Equal(t, StateCancelled, cb.state())
}

// TestKindString sanity-checks the kind names used in logs and metrics.
func TestKindString(t *testing.T) {
	want := map[Kind]string{
		KindDefer:    "defer",
		KindDelay:    "delay",
		KindRepeat:   "repeat",
		KindReadable: "readable",
		KindWritable: "writable",
		KindSignal:   "signal",
	}
	for k, s := range want {
		assert.Equal(t, s, k.String())
	}
}
