package runner

import (
	"context"
	"testing"
	"time"

	"github.com/corerun/llamarunner/internal/engine/reference"
	"github.com/corerun/llamarunner/internal/queue"
	"github.com/corerun/llamarunner/internal/slot"
)

func TestSchedulerRoundTripGeneratesUntilStop(t *testing.T) {
	eng := reference.New(false)
	s := New(eng, Config{Parallel: 1, ContextLen: 256})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	task := &queue.Task{
		Prompt: "hello world",
		Params: slot.Params{NPredict: 5, Truncate: true},
	}
	if _, err := s.Submit(ctx, task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	defer s.Release()

	var gotDone bool
	var partials int
	timeout := time.After(5 * time.Second)
	for !gotDone {
		select {
		case res, ok := <-task.Results:
			if !ok {
				t.Fatalf("results channel closed without a Done result")
			}
			if res.Err != nil {
				t.Fatalf("unexpected task error: %v", res.Err)
			}
			if res.Done {
				gotDone = true
				if res.DoneReason != "length" {
					t.Fatalf("expected done_reason=length (n_predict hit), got %q", res.DoneReason)
				}
				break
			}
			partials++
		case <-timeout:
			t.Fatalf("timed out waiting for task completion")
		}
	}
}

func TestSchedulerRejectsTooLongPromptWithoutTruncate(t *testing.T) {
	eng := reference.New(false)
	s := New(eng, Config{Parallel: 1, ContextLen: 8})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	longPrompt := ""
	for i := 0; i < 20; i++ {
		longPrompt += "word "
	}

	task := &queue.Task{
		Prompt: longPrompt,
		Params: slot.Params{NPredict: 5, Truncate: false},
	}
	if _, err := s.Submit(ctx, task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	defer s.Release()

	select {
	case res := <-task.Results:
		if res.Err == nil {
			t.Fatalf("expected an error result for an over-long untruncated prompt")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for rejection")
	}
}

func TestSlotsSnapshotReportsOccupancy(t *testing.T) {
	eng := reference.New(false)
	s := New(eng, Config{Parallel: 2, ContextLen: 256})
	snap := s.SlotsSnapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(snap))
	}
	for _, st := range snap {
		if st.State != "idle/none" {
			t.Fatalf("expected fresh slots to be idle/none, got %q", st.State)
		}
	}
}
