package runner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corerun/llamarunner/internal/engine/reference"
)

// TestShiftSlotPreservesKeptPrefix pins down spec.md §4.4 / property 4: a
// context shift must keep the first NKeep tokens of cache_tokens byte-for-byte,
// discard at least one token, and never shrink the slot below NKeep.
func TestShiftSlotPreservesKeptPrefix(t *testing.T) {
	eng := reference.New(false)
	s := New(eng, Config{Parallel: 1, ContextLen: 64})

	sl := s.slots[0]
	sl.NKeep = 4
	sl.Tokens = []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	kept := append([]int32{}, sl.Tokens[:sl.NKeep]...)

	require.NoError(t, s.shiftSlot(sl))

	require.Equal(t, kept, sl.Tokens[:sl.NKeep], "pinned prefix must survive a context shift untouched")
	require.Less(t, len(sl.Tokens), 10, "a successful shift must discard at least one token")
	require.GreaterOrEqual(t, len(sl.Tokens), int(sl.NKeep), "shift must never discard into the pinned prefix")
}

func TestShiftSlotErrorsWhenNothingDiscardable(t *testing.T) {
	eng := reference.New(false)
	s := New(eng, Config{Parallel: 1, ContextLen: 64})

	sl := s.slots[0]
	sl.NKeep = 4
	sl.Tokens = []int32{1, 2, 3, 4}

	err := s.shiftSlot(sl)
	require.ErrorIs(t, err, errCannotShift)
}
