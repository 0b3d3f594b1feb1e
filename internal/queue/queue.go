// Package queue implements the two mailboxes the scheduler and the RPC
// handlers hand tasks and results through: TaskQueue carries work into the
// scheduler, ResultQueue carries completions back out. Each task also owns a
// private buffered channel for its own streamed partial results (the
// teacher's seq.responses channel, generalized to an explicit queue
// abstraction). The scheduler sends on it directly, so once a consumer lets
// that buffer fill, the scheduler waits for it (or its Quit) before serving
// any other task.
package queue

import (
	"sync"
	"time"

	"github.com/corerun/llamarunner/internal/slot"
)

// TaskType distinguishes an ordinary completion/embedding request from a
// Cancel request (spec.md §4.1's request_cancel), which carries no prompt of
// its own and is never assigned a concurrency slot by Submit.
type TaskType int

const (
	TaskCompletion TaskType = iota
	TaskCancel
)

// Task is one unit of work submitted to the scheduler: a prompt plus the
// generation parameters it should run with, or (when Type is TaskCancel) a
// request to release the slot serving TargetID.
type Task struct {
	ID        int64
	Type      TaskType
	TargetID  int64 // for TaskCancel: the task id to release
	RequestID string
	Prompt    string
	Images    []slot.Image
	Params    slot.Params
	Sampling  SamplingRequest
	Stream    bool

	Submitted time.Time

	// Results is closed by the scheduler after the final Result has been
	// sent, the same "closed channel signals done" convention the teacher
	// uses for seq.responses.
	Results chan Result
	Quit    chan struct{}
}

// SamplingRequest is the subset of engine.SamplingParams the transport layer
// fills in from a PredictOptions payload; kept separate from
// engine.SamplingParams so internal/transport doesn't need to import
// internal/engine just to decode a request body.
type SamplingRequest struct {
	TopK             int
	TopP             float32
	TailFreeSamplingZ float32
	TypicalP         float32
	Temperature      float32
	RepeatLastN      int
	RepeatPenalty    float32
	FrequencyPenalty float32
	PresencePenalty  float32
	PenalizeNL       bool
	IgnoreEOS        bool
	Grammar          string
	Mirostat         int
	MirostatTau      float32
	MirostatEta      float32
	Seed             uint32
}

// Result is one partial or final response for a task.
type Result struct {
	TaskID       int64
	Content      string
	Logprobs     []Logprob
	Done         bool
	DoneReason   string
	Embedding    []float32
	PromptTokens int
	EvalTokens   int
	PromptTime   time.Duration
	EvalTime     time.Duration
	Err          error
}

// Logprob mirrors the teacher's llm.Logprob: the sampled token's own
// log-probability plus up to n_probs runner-up candidates.
type Logprob struct {
	Token   string
	LogProb float32
	Top     []TopLogprob
}

type TopLogprob struct {
	Token   string
	LogProb float32
}

// TaskQueue is the inbound mailbox. Submit is called from RPC-handler
// goroutines; the scheduler goroutine calls Drain under its own lock cycle.
type TaskQueue struct {
	mu      sync.Mutex
	pending []*Task
	nextID  int64
}

func NewTaskQueue() *TaskQueue { return &TaskQueue{} }

// Submit assigns the next monotonic task id and enqueues t. The id is the
// scheduling key the slot-selection invariant relies on (spec invariant 7),
// so it is assigned here, under the queue's own lock, never by the caller.
func (q *TaskQueue) Submit(t *Task) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	t.ID = q.nextID
	t.Submitted = time.Now()
	q.pending = append(q.pending, t)
	return t.ID
}

// Drain removes and returns every currently queued task, in submission
// order. The scheduler calls this once per tick while holding its own
// condition-variable lock.
func (q *TaskQueue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	out := q.pending
	q.pending = nil
	return out
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ResultQueue buffers results for delivery when a task's own channel isn't
// yet being read (e.g. between submit and the handler entering its select
// loop). Most delivery goes directly over Task.Results; this exists for
// callers that want to block for exactly one final Result without reading
// the task's channel, such as the embedding handler.
type ResultQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	byTask  map[int64][]Result
}

func NewResultQueue() *ResultQueue {
	rq := &ResultQueue{byTask: make(map[int64][]Result)}
	rq.cond = sync.NewCond(&rq.mu)
	return rq
}

func (rq *ResultQueue) Push(r Result) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.byTask[r.TaskID] = append(rq.byTask[r.TaskID], r)
	rq.cond.Broadcast()
}

// WaitFinal blocks until a Done result has been pushed for taskID and
// returns it, discarding any intermediate partials buffered alongside it.
func (rq *ResultQueue) WaitFinal(taskID int64) Result {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	for {
		for _, r := range rq.byTask[taskID] {
			if r.Done {
				delete(rq.byTask, taskID)
				return r
			}
		}
		rq.cond.Wait()
	}
}
