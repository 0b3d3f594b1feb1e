// Package runner implements the continuous-batching scheduler: the slot
// pool, the task/result queues that feed it, prompt preparation and
// context-shift eviction, and the single serial decode loop that ties them
// together. It is the Go-native restatement of the teacher's
// runner/llamarunner package, generalized to talk to internal/engine's
// adapter interfaces instead of cgo'd llama.cpp directly.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/corerun/llamarunner/internal/engine"
	"github.com/corerun/llamarunner/internal/queue"
	"github.com/corerun/llamarunner/internal/slot"
)

// Config bundles the load-time parameters that determine slot count and
// context sizing, mirroring the teacher's LoadRequest fields.
type Config struct {
	Parallel   int
	BatchSize  int
	ContextLen int // total KV cache size across every slot
}

// systemSeqID is the KV sequence id reserved for the system prompt
// (spec.md invariant 4: "sequence-id 0 holds the system prompt"). Slot
// sequence ids therefore start at 1, resolving the apparent tension with
// invariant 3 ("slot.id is used as the KV sequence-id") by treating slot
// indices and slot sequence ids as offset by one rather than identical;
// see DESIGN.md.
const systemSeqID = 0

// Server is the scheduler: spec.md's ServerContext. One Server owns one
// loaded engine and runs exactly one scheduler goroutine.
type Server struct {
	engine engine.Engine

	mu   sync.Mutex
	cond *sync.Cond

	slots         []*slot.Slot
	numCtxPerSlot int
	batchSize     int

	// System prompt state (spec.md §3's ServerContext system_prompt /
	// system_tokens / system_need_update). Copied into every slot's
	// sequence at the next idle tick by refreshSystemPromptLocked.
	systemPrompt     string
	systemTokens     []int32
	systemNeedUpdate bool

	tasks   *queue.TaskQueue
	results *queue.ResultQueue

	// pendingRich holds the not-yet-decoded preparedInput list for each slot
	// id; batch.go needs the tagged token/embedding entries prepareTask
	// builds, which a plain []int32 token queue can't carry.
	pendingRich map[int][]preparedInput

	inFlight *semaphore.Weighted

	nextSlot int // round-robin cursor batch.go resumes from between ticks

	// tasksBySlot tracks which queue.Task each occupied slot is serving, so
	// batch.go can deliver results without threading a task pointer through
	// slot.Slot itself.
	tasksBySlot map[int]*queue.Task
}

// New constructs a Server bound to eng with the given slot/context
// configuration. It does not start the scheduler; call Run in its own
// goroutine once the engine has finished loading.
func New(eng engine.Engine, cfg Config) *Server {
	if cfg.Parallel <= 0 {
		cfg.Parallel = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 512
	}

	s := &Server{
		engine:        eng,
		batchSize:     cfg.BatchSize,
		numCtxPerSlot: cfg.ContextLen / cfg.Parallel,
		tasks:         queue.NewTaskQueue(),
		results:       queue.NewResultQueue(),
		pendingRich:   make(map[int][]preparedInput),
		inFlight:      semaphore.NewWeighted(int64(cfg.Parallel)),
	}
	s.cond = sync.NewCond(&s.mu)

	s.slots = make([]*slot.Slot, cfg.Parallel)
	for i := range s.slots {
		// +1: sequence id 0 is reserved for the system prompt.
		s.slots[i] = &slot.Slot{ID: i + 1, LastUsed: time.Now()}
	}

	return s
}

// SetSystemPrompt installs prompt as the prefix copied into every slot's
// sequence at the next tick where all slots are idle (spec.md invariant 4,
// §4.5 step 2). Safe to call concurrently with Run.
func (s *Server) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	s.systemPrompt = prompt
	s.systemNeedUpdate = true
	s.cond.Signal()
	s.mu.Unlock()
}

// RequestCancel enqueues a Cancel task for targetID, spec.md §4.1's
// request_cancel(target_id). The scheduler releases the matching slot on
// its next tick; it does not consume a concurrency slot of its own.
func (s *Server) RequestCancel(targetID int64) {
	s.tasks.Submit(&queue.Task{Type: queue.TaskCancel, TargetID: targetID})
	s.mu.Lock()
	s.cond.Signal()
	s.mu.Unlock()
}

// Submit enqueues t and wakes the scheduler. Callers that want to stream
// partial results read from t.Results until it is closed; callers that want
// only the final result can instead call s.Results().WaitFinal(id).
func (s *Server) Submit(ctx context.Context, t *queue.Task) (int64, error) {
	if err := s.inFlight.Acquire(ctx, 1); err != nil {
		return 0, fmt.Errorf("acquire slot semaphore: %w", err)
	}
	t.Results = make(chan queue.Result, 100)
	t.Quit = make(chan struct{}, 1)
	id := s.tasks.Submit(t)

	s.mu.Lock()
	s.cond.Signal()
	s.mu.Unlock()

	return id, nil
}

// Release returns the concurrency slot acquired by Submit; callers must
// call this exactly once per successful Submit, typically via defer in the
// RPC handler once the task's result stream has been fully drained.
func (s *Server) Release() { s.inFlight.Release(1) }

func (s *Server) Results() *queue.ResultQueue { return s.results }

// Run is the single scheduler goroutine's entry point: each iteration waits
// for work, drains it into slots, and runs one decode tick. Mirrors the
// teacher's Server.run, generalized to pull from internal/queue instead of
// inlining submission into the slot array directly.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.tick(ctx); err != nil {
			slog.Error("scheduler tick failed", "error", err)
			return
		}
	}
}

// admitPendingTasksLocked assigns freshly submitted tasks to available
// slots and handles Cancel tasks. Tasks that find no free slot are
// re-queued for the next tick rather than blocking the scheduler goroutine.
// Called from tick with s.mu already held.
func (s *Server) admitPendingTasksLocked() {
	pending := s.tasks.Drain()
	if len(pending) == 0 {
		return
	}

	var retry []*queue.Task
	for _, t := range pending {
		if t.Type == queue.TaskCancel {
			s.cancelLocked(t.TargetID)
			continue
		}
		sl, err := s.prepareTask(t)
		if errors.Is(err, errNoAvailableSlot) {
			retry = append(retry, t)
			continue
		}
		if err != nil {
			res := queue.Result{TaskID: t.ID, Done: true, Err: err}
			t.Results <- res
			close(t.Results)
			s.results.Push(res)
			continue
		}
		s.resultsByTask(sl.ID, t)
	}
	for _, t := range retry {
		s.tasks.Submit(t)
	}
}

// cancelLocked marks the slot serving targetID for release on this tick's
// batch-assembly pass (spec.md §4.8: Cancel -> Release). A target that is
// no longer running (already finished, or never existed) is a no-op.
func (s *Server) cancelLocked(targetID int64) {
	for slotID, t := range s.tasksBySlot {
		if t.ID != targetID {
			continue
		}
		for _, sl := range s.slots {
			if sl.ID == slotID {
				sl.Cmd = slot.Release
				return
			}
		}
	}
}

func (s *Server) resultsByTask(slotID int, t *queue.Task) {
	if s.tasksBySlot == nil {
		s.tasksBySlot = make(map[int]*queue.Task)
	}
	s.tasksBySlot[slotID] = t
}

// SlotStatus is a read-only snapshot of one slot, used by the `slots` debug
// CLI command (SPEC_FULL.md §9 supplemental feature 4).
type SlotStatus struct {
	ID          int
	State       string
	NTokens     int
	TaskID      int64
	RequestID   string
	LastUsed    time.Time
}

// SlotsSnapshot returns a point-in-time view of every slot. Safe to call
// concurrently with Run.
func (s *Server) SlotsSnapshot() []SlotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SlotStatus, len(s.slots))
	for i, sl := range s.slots {
		out[i] = SlotStatus{
			ID:        sl.ID,
			State:     sl.Ctx.String() + "/" + sl.Cmd.String(),
			NTokens:   len(sl.Tokens),
			TaskID:    sl.TaskID,
			RequestID: sl.RequestID,
			LastUsed:  sl.LastUsed,
		}
	}
	return out
}
