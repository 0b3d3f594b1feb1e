package runner

import "github.com/corerun/llamarunner/internal/slot"

// selection describes the outcome of selectSlot: which slot to use, how
// many leading tokens of the candidate prompt are already resident in it,
// and, if a fork is needed, which slot to copy the shared prefix's KV state
// from before prepare.go starts decoding the remainder.
type selection struct {
	slot      *slot.Slot
	numPast   int
	forkFrom  *slot.Slot // nil unless the chosen slot needs another slot's KV state copied in first
}

// selectSlot implements the LRU-over-idle policy from the slot-scheduling
// design: prefer the slot whose cached tokens share the longest prefix with
// the candidate prompt, but only when that slot is free and the match is
// exact (the whole cache can be reused with nothing to discard); otherwise
// fall back to the least-recently-used idle slot. If the LRU slot isn't the
// one holding the longest prefix, fork that prefix into it first; if it is,
// its own cached prefix is reused in place. This generalizes
// ollama-ollama/llama/runner/cache.go's findCacheSlot from a flat token
// cache into slot selection proper.
func selectSlot(slots []*slot.Slot, candidate []int32) (selection, error) {
	var longestSlot *slot.Slot
	longest := -1

	var oldestSlot *slot.Slot
	for _, s := range slots {
		n := s.CommonPrefixLen(candidate)
		if n > longest {
			longest = n
			longestSlot = s
		}
		if s.Available() && (oldestSlot == nil || s.LastUsed.Before(oldestSlot.LastUsed)) {
			oldestSlot = s
		}
	}

	if longestSlot != nil && longest == len(longestSlot.Tokens) && longestSlot.Available() {
		return selection{slot: longestSlot, numPast: longest}, nil
	}

	if oldestSlot == nil {
		return selection{}, errNoAvailableSlot
	}

	if longest > 0 && longestSlot != oldestSlot {
		forked := make([]int32, longest)
		copy(forked, longestSlot.Tokens[:longest])
		oldestSlot.Tokens = forked
		return selection{slot: oldestSlot, numPast: longest, forkFrom: longestSlot}, nil
	}

	if longest > 0 {
		// oldestSlot already holds the longest match itself (no fork needed);
		// keep its Tokens as-is and let prepare.go's SeqRemove evict whatever
		// stale suffix follows the reused prefix.
		return selection{slot: oldestSlot, numPast: longest}, nil
	}

	oldestSlot.Tokens = nil
	return selection{slot: oldestSlot, numPast: 0}, nil
}
