// Package slot defines the per-slot state the scheduler in internal/runner
// operates on: a Slot holds one sequence's KV-cache id, its cached token
// history, the image buffers attached to its current prompt, and the
// sampling state carried across a generation.
package slot

import (
	"time"

	"github.com/corerun/llamarunner/internal/engine"
)

// Status is the slot's own lifecycle stage; Command is what the scheduler
// should do with it on the next tick. The pair forms the 2x3 state machine
// from spec.md §4.8 (Idle/Processing crossed with None/LoadPrompt/Release).
type Status int

const (
	Idle Status = iota
	Processing
)

func (s Status) String() string {
	if s == Processing {
		return "processing"
	}
	return "idle"
}

type Command int

const (
	None Command = iota
	LoadPrompt
	Release
)

func (c Command) String() string {
	switch c {
	case LoadPrompt:
		return "load_prompt"
	case Release:
		return "release"
	default:
		return "none"
	}
}

// Logprob mirrors queue.Logprob, duplicated here (rather than imported) to
// avoid a slot -> queue dependency cycle, since queue already depends on
// slot for Image/Params.
type Logprob struct {
	Token   string
	LogProb float32
	Top     []TopLogprob
}

type TopLogprob struct {
	Token   string
	LogProb float32
}

// Image is one multimodal attachment bound to this slot's current prompt.
// RequestID records the request the image arrived with. The prompt preparer
// reuses Embedding whenever it is already set instead of re-running the
// encoder; it does not consult RequestID.
type Image struct {
	ID        int
	RequestID string
	Data      []byte // raw, still-undecoded bytes; nil once Embedding has been computed
	Width     int
	Height    int
	Embedding []float32
	NTokens   int // how many [img-N] placeholder positions this image occupies
}

// Params captures the per-request generation parameters a slot is running
// with, separate from the engine.SamplingParams that configure the sampler
// itself.
type Params struct {
	NPredict    int
	NKeep       int
	Stop        []string
	CachePrompt bool
	Truncate    bool
	Embedding   bool
	Logprobs    bool
	TopLogprobs int

	// Infill mode (spec.md §4.3 step 2): when set, the prompt preparer
	// splices InputPrefix/InputSuffix around the model's PREFIX/SUFFIX/
	// MIDDLE special tokens instead of tokenizing Prompt directly.
	Infill      bool
	InputPrefix string
	InputSuffix string
}

// Slot is the runner's per-concurrency-unit bookkeeping. ID is also the
// engine sequence id: the scheduler never remaps them, so KV-cache seq_*
// calls can use Slot.ID directly.
type Slot struct {
	ID  int
	Ctx Status
	Cmd Command

	// Prompt / cache bookkeeping.
	Tokens []int32 // the full token history currently resident in the KV cache for this seq
	NKeep  int32   // prefix length pinned against context-shift eviction
	Images []Image

	Params            Params
	SamplingCtx       engine.SamplingContext
	NDecoded          int
	Generated         []string // pending decoded pieces not yet flushed to the caller
	GeneratedLogprobs []Logprob

	TaskID    int64
	RequestID string
	LastUsed  time.Time

	TStartProcess time.Time
	TStartGen     time.Time
}

// Reset clears a slot back to Idle/None after its result has been delivered,
// releasing the sampling context but leaving Tokens intact so a later
// request can still benefit from prefix reuse.
func (s *Slot) Reset() {
	if s.SamplingCtx != nil {
		s.SamplingCtx.Close()
		s.SamplingCtx = nil
	}
	s.Ctx = Idle
	s.Cmd = None
	s.Images = nil
	s.Params = Params{}
	s.Generated = nil
	s.NDecoded = 0
	s.TaskID = 0
	s.RequestID = ""
}

// Available reports whether this slot may be handed a new task.
func (s *Slot) Available() bool { return s.Ctx == Idle && s.Cmd == None }

// CommonPrefixLen returns how many leading tokens of candidate match the
// slot's currently cached Tokens, used by the prompt preparer to decide how
// much of the KV cache can be reused versus must be re-decoded.
func (s *Slot) CommonPrefixLen(candidate []int32) int {
	n := len(s.Tokens)
	if len(candidate) < n {
		n = len(candidate)
	}
	i := 0
	for i < n && s.Tokens[i] == candidate[i] {
		i++
	}
	return i
}
