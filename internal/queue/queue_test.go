package queue

import (
	"sync"
	"testing"
	"time"
)

func TestSubmitAssignsMonotonicIDs(t *testing.T) {
	q := NewTaskQueue()
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, q.Submit(&Task{Prompt: "x"}))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("task ids not strictly increasing: %v", ids)
		}
	}
}

func TestDrainEmptiesQueueInOrder(t *testing.T) {
	q := NewTaskQueue()
	q.Submit(&Task{Prompt: "a"})
	q.Submit(&Task{Prompt: "b"})
	tasks := q.Drain()
	if len(tasks) != 2 || tasks[0].Prompt != "a" || tasks[1].Prompt != "b" {
		t.Fatalf("unexpected drain order: %+v", tasks)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after drain, got %d", q.Len())
	}
	if got := q.Drain(); got != nil {
		t.Fatalf("expected nil from draining an empty queue, got %v", got)
	}
}

func TestResultQueueWaitFinalBlocksUntilDone(t *testing.T) {
	rq := NewResultQueue()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		rq.Push(Result{TaskID: 1, Content: "partial"})
		rq.Push(Result{TaskID: 1, Done: true, Content: "final"})
	}()
	final := rq.WaitFinal(1)
	wg.Wait()
	if !final.Done || final.Content != "final" {
		t.Fatalf("expected final done result, got %+v", final)
	}
}
