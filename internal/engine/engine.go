// Package engine defines the facade over the inference engine's tokenizer,
// decoder, sampler, and KV-cache primitives. Everything in this package is an
// interface: the actual tokenizer, the decode step, the sampling math, and
// the image encoder live outside this module's scope (they are the "opaque
// operations" the scheduler consumes — see the reference subpackage for a
// deterministic stand-in used by tests).
package engine

import "context"

// Vocab exposes the tokenizer and special-token queries the prompt preparer
// and stop detector need.
type Vocab interface {
	Tokenize(text string, addSpecial bool) ([]int32, error)
	TokenToPiece(token int32) string
	IsEOG(token int32) bool
	AddBOSToken() bool
	Special(name string) (int32, bool)
}

// BatchEntry is a tagged variant: exactly one of Token or Embed is set. This
// mirrors the engine's own batch format, where a decode step mixes ordinary
// token ids with precomputed multimodal embeddings in the same call.
type BatchEntry struct {
	Token    int32
	Embed    []float32
	Pos      int32
	SeqID    int
	WantLogits bool
}

func (e BatchEntry) IsEmbedding() bool { return e.Embed != nil }

// Batch is the flat description of one decode() call. NewBatch pre-allocates
// capacity; callers Add entries and Clear between ticks.
type Batch struct {
	entries  []BatchEntry
	capacity int
	embed    bool
}

func NewBatch(capacity int, embedding bool) *Batch {
	return &Batch{entries: make([]BatchEntry, 0, capacity), capacity: capacity, embed: embedding}
}

func (b *Batch) Add(e BatchEntry) { b.entries = append(b.entries, e) }
func (b *Batch) Clear()           { b.entries = b.entries[:0] }
func (b *Batch) Len() int         { return len(b.entries) }
func (b *Batch) Cap() int         { return b.capacity }
func (b *Batch) IsEmbedding() bool { return b.embed }
func (b *Batch) Entries() []BatchEntry { return b.entries }

// Slice returns a sub-batch view covering entries [start, end) for chunked
// decoding when a tick's batch exceeds n_batch.
func (b *Batch) Slice(start, end int) []BatchEntry { return b.entries[start:end] }

// Decoder performs one forward pass over a batch and exposes the resulting
// logits/embeddings. DecodeFatal signals a fatal engine error;
// DecodeStatus distinguishes "retry with a smaller batch" (KV pressure)
// from a hard failure.
type Decoder interface {
	Decode(ctx context.Context, batch []BatchEntry) (DecodeStatus, error)
	LogitsAt(iBatch int) []float32
	EmbeddingsAt(iBatch int) []float32
	EmbeddingsSeq(seqID int) []float32
}

type DecodeStatus int

const (
	DecodeOK DecodeStatus = iota
	DecodeRetrySmallerBatch
	DecodeFatal
)

// KVCache is the set of per-sequence cache primitives the scheduler uses for
// prefix reuse, context-shift eviction, and system-prompt forking.
type KVCache interface {
	SeqRemove(seqID int, p0, p1 int32) bool
	SeqCopy(srcSeqID, dstSeqID int, p0, p1 int32)
	SeqAdd(seqID int, p0, p1, delta int32)
	Clear()
}

// SamplingParams mirrors spec.md's sparams: everything a slot needs to build
// a fresh sampling context for a new prompt.
type SamplingParams struct {
	TopK            int
	TopP            float32
	TfsZ            float32
	TypicalP        float32
	Temperature     float32
	RepeatLastN     int
	RepeatPenalty   float32
	FrequencyPenalty float32
	PresencePenalty  float32
	MirostatMode    int
	MirostatTau     float32
	MirostatEta     float32
	PenalizeNL      bool
	IgnoreEOS       bool
	LogitBias       map[int32]float32
	Grammar         string
	Seed            uint32
}

// SamplingContext is opaque, per-slot state recreated on every new prompt
// and released on slot reset (spec.md §9's "scoped resource" note).
type SamplingContext interface {
	Accept(token int32, applyGrammar bool)
	Sample(logits []float32) int32
	Close()
}

// Sampler builds a SamplingContext bound to a vocabulary and parameters.
type Sampler interface {
	NewSamplingContext(vocab Vocab, params SamplingParams) (SamplingContext, error)
}

// ImageEncoder turns raw pixels into patch embeddings for multimodal
// splicing. NPatches reports how many embedding rows Encode will
// produce for a wxh image so the caller can size batches before encoding.
type ImageEncoder interface {
	NPatches(w, h int) int
	EmbedSize() int
	Encode(ctx context.Context, pixels []float32, w, h int) ([]float32, error)
}

// Engine bundles the primitives a runner.Server needs behind one handle, the
// way the teacher's Server holds a *llama.Model and *llama.Context.
type Engine interface {
	Vocab() Vocab
	Decoder() Decoder
	KVCache() KVCache
	Sampler() Sampler
	ImageEncoder() ImageEncoder // nil if the loaded model has no vision projector
}
