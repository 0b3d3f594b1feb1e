package runner

import (
	"context"
	"fmt"

	"github.com/corerun/llamarunner/internal/engine"
)

// refreshSystemPromptLocked implements spec.md §4.5 step 2: tokenize
// system_prompt into sequence id systemSeqID, decode it, then copy the
// resulting range [0, len(system_tokens)) into every slot's own sequence
// so invariant 4 ("sequence-id 0 holds the system prompt; slots copy from
// it") holds. Callers must hold s.mu and must only call this when
// s.allIdle() (the refresh pass only ever runs between generations).
func (s *Server) refreshSystemPromptLocked(ctx context.Context) error {
	var toks []int32
	if s.systemPrompt != "" {
		var err error
		toks, err = s.engine.Vocab().Tokenize(s.systemPrompt, true)
		if err != nil {
			return fmt.Errorf("tokenize system prompt: %w", err)
		}
	}

	if len(toks) > 0 {
		entries := make([]engine.BatchEntry, len(toks))
		for i, tok := range toks {
			entries[i] = engine.BatchEntry{Token: tok, Pos: int32(i), SeqID: systemSeqID}
		}
		status, err := s.engine.Decoder().Decode(ctx, entries)
		if status == engine.DecodeFatal || err != nil {
			return fmt.Errorf("decode system prompt: %w", err)
		}
	}

	s.systemTokens = toks
	for _, sl := range s.slots {
		if len(toks) > 0 {
			s.engine.KVCache().SeqCopy(systemSeqID, sl.ID, 0, int32(len(toks)))
		}
		sl.Tokens = append([]int32{}, toks...)
	}

	s.systemNeedUpdate = false
	return nil
}
