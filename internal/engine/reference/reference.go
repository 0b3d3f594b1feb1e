// Package reference implements a deterministic, pure-Go engine.Engine usable
// without cgo or GPU hardware. It exists so the scheduler in internal/runner
// can be exercised end-to-end in tests: tokenization is whitespace-splitting,
// decoding is a fixed arithmetic transform over token ids, and sampling is
// argmax over that transform. None of it produces meaningful text; all of it
// is deterministic and cheap, which is what the scheduler's tests need.
package reference

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/corerun/llamarunner/internal/engine"
)

const (
	eogToken    int32 = 2
	bosToken    int32 = 1
	prefixToken int32 = 3
	suffixToken int32 = 4
	middleToken int32 = 5
	vocabSize   int32 = 32000
	embedWidth        = 8
)

// Engine is the reference.Engine. The zero value is not usable; construct
// with New.
type Engine struct {
	vocab   *vocab
	decoder *decoder
	kv      *kvCache
	sampler *sampler
	images  *imageEncoder
}

// New constructs a reference engine. withVision controls whether
// ImageEncoder returns a non-nil encoder, mirroring how a real model only
// exposes one when it was loaded with a vision projector.
func New(withVision bool) *Engine {
	kv := newKVCache()
	e := &Engine{
		vocab:   &vocab{},
		decoder: &decoder{kv: kv},
		kv:      kv,
		sampler: &sampler{},
	}
	if withVision {
		e.images = &imageEncoder{}
	}
	return e
}

func (e *Engine) Vocab() engine.Vocab               { return e.vocab }
func (e *Engine) Decoder() engine.Decoder           { return e.decoder }
func (e *Engine) KVCache() engine.KVCache           { return e.kv }
func (e *Engine) Sampler() engine.Sampler           { return e.sampler }
func (e *Engine) ImageEncoder() engine.ImageEncoder {
	if e.images == nil {
		return nil
	}
	return e.images
}

// vocab tokenizes by splitting on whitespace and hashing each word into
// [6, vocabSize). Token 0 is unused, 1 is BOS, 2 is EOG/"<eog>", and 3-5
// are the infill PREFIX/SUFFIX/MIDDLE tokens.
type vocab struct{}

func (v *vocab) Tokenize(text string, addSpecial bool) ([]int32, error) {
	fields := strings.Fields(text)
	out := make([]int32, 0, len(fields)+1)
	if addSpecial {
		out = append(out, bosToken)
	}
	for _, f := range fields {
		out = append(out, hashToken(f))
	}
	return out, nil
}

func (v *vocab) TokenToPiece(token int32) string {
	switch token {
	case bosToken:
		return ""
	case eogToken:
		return ""
	default:
		return " tok" + strconv.Itoa(int(token))
	}
}

func (v *vocab) IsEOG(token int32) bool { return token == eogToken }
func (v *vocab) AddBOSToken() bool      { return true }

func (v *vocab) Special(name string) (int32, bool) {
	switch name {
	case "bos":
		return bosToken, true
	case "eog", "eos":
		return eogToken, true
	case "prefix":
		return prefixToken, true
	case "suffix":
		return suffixToken, true
	case "middle":
		return middleToken, true
	default:
		return 0, false
	}
}

// hashToken maps word into [6, vocabSize), leaving ids 0-5 for the unused
// slot, BOS, EOG, and the three infill special tokens.
func hashToken(word string) int32 {
	var h uint32 = 2166136261
	for i := 0; i < len(word); i++ {
		h ^= uint32(word[i])
		h *= 16777619
	}
	return int32(6 + h%uint32(vocabSize-6))
}

// decoder produces one logit vector per batch entry. The logit for token id
// t is highest at index (t+1)%vocabSize, so argmax-sampling this engine
// deterministically "generates" an ever-incrementing token stream — enough
// structure for stop-matching and context-shift tests without real weights.
type decoder struct {
	mu        sync.Mutex
	kv        *kvCache
	logits    map[int][]float32
	lastOrder []int
}

func (d *decoder) Decode(ctx context.Context, batch []engine.BatchEntry) (engine.DecodeStatus, error) {
	select {
	case <-ctx.Done():
		return engine.DecodeFatal, ctx.Err()
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logits = make(map[int][]float32, len(batch))
	d.lastOrder = d.lastOrder[:0]
	for i, e := range batch {
		if !e.WantLogits {
			continue
		}
		row := make([]float32, vocabSize)
		next := (e.Token + 1) % vocabSize
		if e.IsEmbedding() {
			next = eogToken
		}
		row[next] = 10
		d.logits[i] = row
		d.lastOrder = append(d.lastOrder, i)
		d.kv.touch(e.SeqID)
	}
	return engine.DecodeOK, nil
}

func (d *decoder) LogitsAt(iBatch int) []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logits[iBatch]
}

func (d *decoder) EmbeddingsAt(iBatch int) []float32 {
	out := make([]float32, embedWidth)
	for i := range out {
		out[i] = float32(iBatch+i) / float32(embedWidth)
	}
	return out
}

func (d *decoder) EmbeddingsSeq(seqID int) []float32 {
	out := make([]float32, embedWidth)
	for i := range out {
		out[i] = float32(seqID+i) / float32(embedWidth)
	}
	return out
}

// kvCache counts, per sequence id, the logits-requesting entries decoded
// into it. It does not validate positions against that count: SeqRemove
// rejects only a range whose start lies past its end, and SeqAdd does
// nothing.
type kvCache struct {
	mu   sync.Mutex
	high map[int]int32
}

func newKVCache() *kvCache { return &kvCache{high: map[int]int32{}} }

func (k *kvCache) touch(seqID int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.high[seqID]++
}

func (k *kvCache) SeqRemove(seqID int, p0, p1 int32) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if p1 >= 0 && p0 > p1 {
		return false
	}
	return true
}

func (k *kvCache) SeqCopy(srcSeqID, dstSeqID int, p0, p1 int32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.high[dstSeqID] = k.high[srcSeqID]
}

func (k *kvCache) SeqAdd(seqID int, p0, p1, delta int32) {}

func (k *kvCache) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.high = map[int]int32{}
}

// sampler is argmax-only: deterministic by construction, which is the point.
type sampler struct{}

func (s *sampler) NewSamplingContext(v engine.Vocab, params engine.SamplingParams) (engine.SamplingContext, error) {
	return &samplingContext{recent: make([]int32, 0, 64)}, nil
}

type samplingContext struct {
	mu     sync.Mutex
	recent []int32
}

func (c *samplingContext) Accept(token int32, applyGrammar bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = append(c.recent, token)
}

func (c *samplingContext) Sample(logits []float32) int32 {
	best, bestLogit := int32(0), float32(-1e30)
	for i, l := range logits {
		if l > bestLogit {
			best, bestLogit = int32(i), l
		}
	}
	return best
}

func (c *samplingContext) Close() {}

// imageEncoder fabricates one embedding row per 64 pixels, rounding down
// with a minimum of one row: it
// exists to exercise internal/multimodal's splicing logic, not to encode
// anything meaningful.
type imageEncoder struct{}

func (e *imageEncoder) NPatches(w, h int) int {
	n := (w * h) / 64
	if n == 0 {
		n = 1
	}
	return n
}

func (e *imageEncoder) EmbedSize() int { return embedWidth }

func (e *imageEncoder) Encode(ctx context.Context, pixels []float32, w, h int) ([]float32, error) {
	n := e.NPatches(w, h)
	if len(pixels) == 0 {
		return nil, fmt.Errorf("reference: empty pixel buffer for %dx%d image", w, h)
	}
	out := make([]float32, n*embedWidth)
	for i := range out {
		out[i] = pixels[i%len(pixels)]
	}
	return out, nil
}
