package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/corerun/llamarunner/internal/engine"
	"github.com/corerun/llamarunner/internal/multimodal"
	"github.com/corerun/llamarunner/internal/queue"
	"github.com/corerun/llamarunner/internal/slot"
)

// ErrInputTooLong mirrors the teacher's errorInputTooLong: the prompt
// exceeds the context window and the caller asked for no truncation.
var ErrInputTooLong = errors.New("the input length exceeds the context length")

// errNoAvailableSlot is returned when every slot is busy; the caller is
// expected to hold a task in the queue and retry on the next tick.
var errNoAvailableSlot = errors.New("no available slot")

// preparedInput is one element of the flattened per-slot input list: either
// a plain token or a multimodal embedding, mirroring the teacher's tagged
// input{token, embed} struct (and, one layer up, engine.BatchEntry).
type preparedInput struct {
	token int32
	embed []float32
}

// prepareTask tokenizes and splices t's prompt, selects a slot for it
// (reusing cached prefix tokens where possible), resets sampling state when
// the reused prefix is empty, and truncates an over-long prompt when the
// task allows it. On success the slot is left in Processing/LoadPrompt with
// its unprocessed inputs queued in s.pendingRich and sl.TaskID set; the
// caller is responsible for registering t in s.tasksBySlot so results reach
// it.
func (s *Server) prepareTask(t *queue.Task) (*slot.Slot, error) {
	var inputs []preparedInput
	var err error
	if t.Params.Infill {
		inputs, err = s.buildInfillInputs(t.Params.InputPrefix, t.Params.InputSuffix)
	} else {
		inputs, err = s.buildInputs(t.Prompt, t.Images, len(s.systemTokens) == 0)
	}
	if err != nil {
		return nil, fmt.Errorf("prepare inputs: %w", err)
	}
	if len(inputs) == 0 {
		return nil, errors.New("no input provided")
	}

	// Every slot's sequence carries the system prompt as a fixed prefix
	// (spec.md invariant 4); fold it into the candidate so prefix matching
	// and n_keep account for the system_tokens.len() offset spec.md §4.3
	// step 6 and §4.5 step 5 describe, without needing a separate position
	// bookkeeping field.
	if len(s.systemTokens) > 0 {
		prefixed := make([]preparedInput, 0, len(s.systemTokens)+len(inputs))
		for _, tok := range s.systemTokens {
			prefixed = append(prefixed, preparedInput{token: tok})
		}
		inputs = append(prefixed, inputs...)
	}

	candidate := make([]int32, 0, len(inputs))
	for _, in := range inputs {
		if in.embed == nil {
			candidate = append(candidate, in.token)
		} else {
			// Embeddings never participate in prefix matching: treat each
			// as a unique token id so a cache hit can never straddle one.
			candidate = append(candidate, -1)
		}
	}

	sel, err := selectSlot(s.slots, candidate)
	if err != nil {
		return nil, err
	}
	sl := sel.slot

	if sel.forkFrom != nil {
		s.engine.KVCache().SeqCopy(sel.forkFrom.ID, sl.ID, 0, int32(sel.numPast))
	}

	numKeep := t.Params.NKeep
	if numKeep < 0 {
		numKeep = len(inputs)
	}
	if s.engine.Vocab().AddBOSToken() {
		numKeep++
	}
	if numKeep < len(s.systemTokens) {
		// The system prompt must never be evicted by a context shift.
		numKeep = len(s.systemTokens)
	}
	if numKeep > s.numCtxPerSlot-1 {
		numKeep = s.numCtxPerSlot - 1
	}

	if len(inputs) > s.numCtxPerSlot {
		discard := len(inputs) - s.numCtxPerSlot
		if !t.Params.Truncate {
			return nil, ErrInputTooLong
		}
		truncated := append([]preparedInput{}, inputs[:numKeep]...)
		truncated = append(truncated, inputs[numKeep+discard:]...)
		slog.Warn("truncating input prompt", "limit", s.numCtxPerSlot, "prompt", len(inputs), "keep", numKeep, "new", len(truncated))
		inputs = truncated
	}

	// numPast tokens are already resident in the slot's KV cache; only the
	// remainder needs to go through prompt processing. A reused prefix of
	// zero always resets sampling state, per this repo's resolution of the
	// Open Question about cache_prompt and stale sampler state (see
	// DESIGN.md).
	if sel.numPast == len(inputs) {
		sel.numPast--
	}
	sl.Tokens = sl.Tokens[:min(sel.numPast, len(sl.Tokens))]

	// spec.md §4.3 step 6: evict the stale KV suffix beyond the reused
	// prefix so invariant 2 (|cache_tokens| == n_past) holds once this
	// slot's new tokens get decoded at the same positions.
	if !s.engine.KVCache().SeqRemove(sl.ID, int32(len(sl.Tokens)), -1) {
		s.engine.KVCache().SeqRemove(sl.ID, 0, -1)
		sl.Tokens = nil
	}

	if sel.numPast == 0 || sl.SamplingCtx == nil {
		if sl.SamplingCtx != nil {
			sl.SamplingCtx.Close()
		}
		sc, err := s.engine.Sampler().NewSamplingContext(s.engine.Vocab(), toEngineParams(t.Sampling))
		if err != nil {
			return nil, fmt.Errorf("new sampling context: %w", err)
		}
		for _, in := range inputs[sel.numPast:] {
			if in.embed == nil {
				sc.Accept(in.token, false)
			}
		}
		sl.SamplingCtx = sc
	}

	sl.Ctx = slot.Processing
	sl.Cmd = slot.LoadPrompt
	sl.NKeep = int32(numKeep)
	sl.Params = t.Params
	sl.TaskID = t.ID
	sl.RequestID = t.RequestID
	// sl.LastUsed is set by caller once decode actually starts
	sl.NDecoded = 0
	sl.Generated = nil

	s.pendingRich[sl.ID] = inputs[sel.numPast:]

	return sl, nil
}

// buildInputs tokenizes prompt text and splices in multimodal embeddings at
// [img-N] placeholders, generalizing llamarunner/sequence.go's Server.inputs
// to use internal/multimodal.Splice instead of an inline regexp split.
// addBOS controls whether the very first tokenized segment gets a leading
// BOS token; spec.md §4.3 step 1 only wants one when the system prompt is
// empty, since a non-empty one already supplies its own BOS.
func (s *Server) buildInputs(prompt string, images []slot.Image, addBOS bool) ([]preparedInput, error) {
	attachments := make([]multimodal.Attachment, len(images))
	for i, im := range images {
		attachments[i] = multimodal.Attachment{ID: im.ID}
	}

	segments, err := multimodal.Splice(prompt, attachments)
	if err != nil {
		return nil, err
	}

	var inputs []preparedInput
	first := addBOS
	for _, seg := range segments {
		if !seg.IsImage {
			toks, err := s.engine.Vocab().Tokenize(seg.Text, first)
			if err != nil {
				return nil, err
			}
			first = false
			for _, tk := range toks {
				inputs = append(inputs, preparedInput{token: tk})
			}
			continue
		}

		img := images[seg.ImageIndex]
		embedding, width, err := s.encodeImage(img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", img.ID, err)
		}
		for off := 0; off < len(embedding); off += width {
			end := off + width
			if end > len(embedding) {
				end = len(embedding)
			}
			inputs = append(inputs, preparedInput{embed: embedding[off:end]})
		}
	}
	return inputs, nil
}

// buildInfillInputs assembles [BOS, PREFIX_TOKEN, <prefix>, SUFFIX_TOKEN,
// <suffix>, MIDDLE_TOKEN], spec.md §4.3 step 2's infill splice, using
// engine.Vocab().Special for the three model-specific boundary tokens.
func (s *Server) buildInfillInputs(prefix, suffix string) ([]preparedInput, error) {
	vocab := s.engine.Vocab()

	prefixTok, ok := vocab.Special("prefix")
	if !ok {
		return nil, errors.New("loaded model has no infill PREFIX token")
	}
	suffixTok, ok := vocab.Special("suffix")
	if !ok {
		return nil, errors.New("loaded model has no infill SUFFIX token")
	}
	middleTok, ok := vocab.Special("middle")
	if !ok {
		return nil, errors.New("loaded model has no infill MIDDLE token")
	}

	// A leading space on the suffix would otherwise merge with SUFFIX_TOKEN
	// into a different token than the model was trained to expect.
	suffix = strings.TrimPrefix(suffix, " ")

	prefixToks, err := vocab.Tokenize(prefix, false)
	if err != nil {
		return nil, fmt.Errorf("tokenize input_prefix: %w", err)
	}
	suffixToks, err := vocab.Tokenize(suffix, false)
	if err != nil {
		return nil, fmt.Errorf("tokenize input_suffix: %w", err)
	}

	inputs := make([]preparedInput, 0, len(prefixToks)+len(suffixToks)+4)
	if bos, ok := vocab.Special("bos"); ok && vocab.AddBOSToken() {
		inputs = append(inputs, preparedInput{token: bos})
	}
	inputs = append(inputs, preparedInput{token: prefixTok})
	for _, tk := range prefixToks {
		inputs = append(inputs, preparedInput{token: tk})
	}
	inputs = append(inputs, preparedInput{token: suffixTok})
	for _, tk := range suffixToks {
		inputs = append(inputs, preparedInput{token: tk})
	}
	inputs = append(inputs, preparedInput{token: middleTok})

	return inputs, nil
}

// encodeImage returns img's patch embeddings and the encoder's embed width,
// preprocessing raw bytes through internal/multimodal if img arrived
// un-encoded (the transport layer never decodes images itself).
func (s *Server) encodeImage(img slot.Image) ([]float32, int, error) {
	enc := s.engine.ImageEncoder()
	if enc == nil {
		return nil, 0, errors.New("loaded model has no image encoder")
	}
	if img.Embedding != nil {
		return img.Embedding, enc.EmbedSize(), nil
	}
	if img.Data == nil {
		return nil, 0, errors.New("no image data or precomputed embedding provided")
	}

	pixels, w, h, err := multimodal.Preprocess(img.Data, 224)
	if err != nil {
		return nil, 0, err
	}
	embedding, err := enc.Encode(context.Background(), pixels, w, h)
	if err != nil {
		return nil, 0, err
	}
	return embedding, enc.EmbedSize(), nil
}

// toEngineParams adapts a queue.SamplingRequest into engine.SamplingParams;
// kept here (not in internal/queue) to avoid an internal/queue ->
// internal/engine dependency in the other direction.
func toEngineParams(r queue.SamplingRequest) engine.SamplingParams {
	return engine.SamplingParams{
		TopK:             r.TopK,
		TopP:             r.TopP,
		TfsZ:             r.TailFreeSamplingZ,
		TypicalP:         r.TypicalP,
		Temperature:      r.Temperature,
		RepeatLastN:      r.RepeatLastN,
		RepeatPenalty:    r.RepeatPenalty,
		FrequencyPenalty: r.FrequencyPenalty,
		PresencePenalty:  r.PresencePenalty,
		PenalizeNL:       r.PenalizeNL,
		IgnoreEOS:        r.IgnoreEOS,
		Grammar:          r.Grammar,
		MirostatMode:     r.Mirostat,
		MirostatTau:      r.MirostatTau,
		MirostatEta:      r.MirostatEta,
		Seed:             r.Seed,
	}
}
