package runner

import (
	"testing"
	"time"

	"github.com/corerun/llamarunner/internal/slot"
)

func newTestSlots(n int) []*slot.Slot {
	slots := make([]*slot.Slot, n)
	for i := range slots {
		slots[i] = &slot.Slot{ID: i, LastUsed: time.Now().Add(time.Duration(i) * time.Second)}
	}
	return slots
}

func TestSelectSlotPrefersExactCacheHit(t *testing.T) {
	slots := newTestSlots(2)
	slots[0].Tokens = []int32{1, 2, 3}
	slots[1].Tokens = nil

	sel, err := selectSlot(slots, []int32{1, 2, 3})
	if err != nil {
		t.Fatalf("selectSlot: %v", err)
	}
	if sel.slot != slots[0] || sel.numPast != 3 {
		t.Fatalf("expected exact hit on slot 0 with numPast=3, got slot=%d numPast=%d", sel.slot.ID, sel.numPast)
	}
}

func TestSelectSlotFallsBackToLRUWhenNoExactHit(t *testing.T) {
	slots := newTestSlots(2)
	slots[0].Tokens = []int32{1, 2, 3}
	slots[0].Ctx = slot.Processing // busy, not selectable even though it has the longest prefix
	slots[1].Tokens = nil

	sel, err := selectSlot(slots, []int32{1, 2, 9})
	if err != nil {
		t.Fatalf("selectSlot: %v", err)
	}
	if sel.slot != slots[1] {
		t.Fatalf("expected fallback to idle slot 1, got slot %d", sel.slot.ID)
	}
}

func TestSelectSlotForksLongestPrefix(t *testing.T) {
	slots := newTestSlots(2)
	now := time.Now()
	slots[0].Tokens = []int32{1, 2, 3, 4}
	slots[0].LastUsed = now // most recently used, should not be evicted
	slots[1].Tokens = nil
	slots[1].LastUsed = now.Add(-time.Hour) // idle the longest, the fork target

	sel, err := selectSlot(slots, []int32{1, 2, 3, 9})
	if err != nil {
		t.Fatalf("selectSlot: %v", err)
	}
	if sel.slot != slots[1] {
		t.Fatalf("expected slot 1 (idle) to receive the forked prefix, got slot %d", sel.slot.ID)
	}
	if sel.numPast != 3 {
		t.Fatalf("expected 3 tokens forked, got %d", sel.numPast)
	}
	if sel.forkFrom != slots[0] {
		t.Fatalf("expected fork source to be slot 0")
	}
	if len(sel.slot.Tokens) != 3 || sel.slot.Tokens[2] != 3 {
		t.Fatalf("expected forked tokens copied into destination slot, got %v", sel.slot.Tokens)
	}
}

func TestSelectSlotReusesPartialPrefixOnOldestSlotItself(t *testing.T) {
	// The single-slot (or "the best match happens to also be the LRU pick")
	// case: a slot that previously served a different but prefix-sharing
	// prompt should keep its cached prefix rather than being wiped to
	// numPast=0, so a re-submitted prompt doesn't get fully re-decoded.
	slots := newTestSlots(1)
	slots[0].Tokens = []int32{1, 2, 3}

	sel, err := selectSlot(slots, []int32{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("selectSlot: %v", err)
	}
	if sel.slot != slots[0] || sel.numPast != 3 {
		t.Fatalf("expected reused prefix numPast=3, got slot=%d numPast=%d", sel.slot.ID, sel.numPast)
	}
	if len(sel.slot.Tokens) != 3 {
		t.Fatalf("expected cached prefix tokens left intact for prepare.go to trim, got %v", sel.slot.Tokens)
	}
}

func TestSelectSlotNoneAvailable(t *testing.T) {
	slots := newTestSlots(1)
	slots[0].Ctx = slot.Processing
	if _, err := selectSlot(slots, []int32{1}); err != errNoAvailableSlot {
		t.Fatalf("expected errNoAvailableSlot, got %v", err)
	}
}
