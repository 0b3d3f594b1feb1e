package runner

import (
	"errors"

	"github.com/corerun/llamarunner/internal/slot"
)

// errCannotShift is returned when a slot's pinned prefix (NKeep) already
// spans the whole context window, leaving nothing discardable.
var errCannotShift = errors.New("context shift: nothing available to discard")

// shiftSlot discards the oldest non-pinned half of sl's cached tokens,
// keeping the first sl.NKeep tokens intact, and rewrites the KV cache
// positions of everything after the discarded span so decoding can resume
// without re-running the whole prompt. Mirrors ShiftCacheSlot's
// KvCacheSeqRm + KvCacheSeqAdd pair: n_left = n_past - n_keep - 1,
// n_discard = n_left/2, the head-pin arithmetic spec.md §4.4 specifies,
// except that an n_discard of 0 is raised to 1.
func (s *Server) shiftSlot(sl *slot.Slot) error {
	numKeep := sl.NKeep
	numPast := int32(len(sl.Tokens))

	nLeft := numPast - numKeep - 1
	if nLeft <= 0 {
		return errCannotShift
	}
	nDiscard := nLeft / 2
	if nDiscard == 0 {
		nDiscard = 1
	}

	if !s.engine.KVCache().SeqRemove(sl.ID, numKeep+1, numKeep+1+nDiscard) {
		return errCannotShift
	}
	s.engine.KVCache().SeqAdd(sl.ID, numKeep+1+nDiscard, numPast, -nDiscard)

	copy(sl.Tokens[numKeep+1:], sl.Tokens[numKeep+1+nDiscard:])
	sl.Tokens = sl.Tokens[:len(sl.Tokens)-int(nDiscard)]

	return nil
}
