package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/corerun/llamarunner/internal/engine"
	"github.com/corerun/llamarunner/internal/queue"
	"github.com/corerun/llamarunner/internal/slot"
	"github.com/corerun/llamarunner/internal/stopmatch"
)

// rollbackState records a slot's token-history length and pendingRich list
// before a tick's batch-assembly pass touches either, so a
// DecodeRetrySmallerBatch can undo the speculative append.
type rollbackState struct {
	sl      *slot.Slot
	tokens  int
	pending []preparedInput
}

// allIdle reports whether every slot is Idle/None, the condition the
// scheduler blocks on between ticks (mirrors the teacher's Server.allNil).
func (s *Server) allIdle() bool {
	for _, sl := range s.slots {
		if sl.Ctx != slot.Idle {
			return false
		}
	}
	return true
}

// tick runs one continuous-batching pass: wait for work, drain the task
// queue into slots, refresh the system prompt if it's stale, assemble a
// batch across every non-idle slot (alternating token and embedding
// batches when a tick needs both), decode it, then sample/check-stop/flush
// per slot. This is the Go-native restatement of llamarunner/batch.go's
// processBatch, generalized to internal/engine's adapter interfaces and
// internal/stopmatch's helpers.
//
// The wait condition covers every reason this goroutine has nothing to do
// right now: no task queued, every slot idle, and the system prompt
// current. Waking only checks allIdle() (as an earlier version of this
// loop did) can deadlock: once every slot goes idle inside a call to tick,
// nothing outside tick ever runs admitPendingTasksLocked again, so a task
// submitted after that point sits in the queue forever. Draining from
// inside the loop, right after waking, closes that gap.
func (s *Server) tick(ctx context.Context) error {
	s.mu.Lock()
	for s.tasks.Len() == 0 && s.allIdle() && !s.systemNeedUpdate {
		s.cond.Wait()
	}
	s.admitPendingTasksLocked()
	if s.systemNeedUpdate && s.allIdle() {
		if err := s.refreshSystemPromptLocked(ctx); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("refresh system prompt: %w", err)
		}
	}
	defer s.mu.Unlock()

	var (
		batchEmbedding bool
		haveBatch      bool
		entries        []engine.BatchEntry
		iBatchBySlot   = make(map[int]int)
		wantOutput     int
		touched        []rollbackState
	)

	slotIdx := s.nextSlot - 1
	for range s.slots {
		slotIdx = (slotIdx + 1) % len(s.slots)
		sl := s.slots[slotIdx]

		if sl.Ctx != slot.Processing {
			continue
		}

		if sl.Cmd == slot.Release {
			s.finishSlot(sl, "cancelled")
			continue
		}

		if sl.Params.NPredict > 0 && sl.NDecoded >= sl.Params.NPredict {
			s.finishSlot(sl, "length")
			continue
		}

		rich := s.pendingRich[sl.ID]
		touched = append(touched, rollbackState{sl: sl, tokens: len(sl.Tokens), pending: rich})
		consumed := 0
		for i := 0; i < len(rich); i++ {
			in := rich[i]

			if len(sl.Tokens)+1 > s.numCtxPerSlot {
				if consumed > 0 {
					break
				}
				if err := s.shiftSlot(sl); err != nil {
					s.finishSlot(sl, "length")
					break
				}
			}

			embedding := in.embed != nil
			if !haveBatch {
				batchEmbedding = embedding
				haveBatch = true
			} else if embedding != batchEmbedding {
				s.nextSlot = slotIdx
				break
			}

			if len(entries) >= s.batchSize {
				s.nextSlot = slotIdx
				break
			}

			output := i+1 == len(rich)
			entry := engine.BatchEntry{
				Pos:        int32(len(sl.Tokens)),
				SeqID:      sl.ID,
				WantLogits: output,
			}
			if embedding {
				entry.Embed = in.embed
			} else {
				entry.Token = in.token
			}
			entries = append(entries, entry)
			if output {
				wantOutput++
			}
			iBatchBySlot[sl.ID] = len(entries) - 1

			if embedding {
				sl.Tokens = append(sl.Tokens, -1)
			} else {
				sl.Tokens = append(sl.Tokens, in.token)
			}
			consumed++
		}

		s.pendingRich[sl.ID] = rich[consumed:]
	}

	if len(entries) == 0 {
		return nil
	}

	start := time.Now()
	status, err := s.engine.Decoder().Decode(ctx, entries)
	switch status {
	case engine.DecodeRetrySmallerBatch:
		// The batch above was never actually decoded: undo every token this
		// tick appended to a slot's Tokens and the pendingRich advance that
		// went with it, so invariant 2 (|cache_tokens| == n_past) still
		// holds once we retry with a smaller batchSize on the next tick.
		for _, st := range touched {
			st.sl.Tokens = st.sl.Tokens[:st.tokens]
			s.pendingRich[st.sl.ID] = st.pending
		}
		s.batchSize = max(1, s.batchSize/2)
		return nil
	case engine.DecodeFatal:
		return fmt.Errorf("decode batch: %w", err)
	}
	if err != nil {
		return fmt.Errorf("decode batch: %w", err)
	}

	for _, sl := range s.slots {
		if sl.Ctx != slot.Processing {
			continue
		}

		if len(s.pendingRich[sl.ID]) != 0 {
			// Still mid-prompt: no sampling this tick.
			sl.TStartProcess = start
			continue
		}

		sl.NDecoded++
		if sl.NDecoded > 1 {
			sl.TStartGen = start
		}

		if sl.Params.Embedding {
			embed := s.engine.Decoder().EmbeddingsSeq(sl.ID)
			if embed == nil {
				embed = s.engine.Decoder().EmbeddingsAt(iBatchBySlot[sl.ID])
			}
			s.deliverEmbedding(sl, embed)
			continue
		}

		iBatch, ok := iBatchBySlot[sl.ID]
		if !ok {
			continue
		}
		logits := s.engine.Decoder().LogitsAt(iBatch)
		if logits == nil {
			continue
		}

		token := sl.SamplingCtx.Sample(logits)
		sl.SamplingCtx.Accept(token, true)
		piece := s.engine.Vocab().TokenToPiece(token)

		if s.engine.Vocab().IsEOG(token) {
			s.finishSlot(sl, "stop")
			continue
		}

		if sl.Params.Logprobs {
			decode := func(id int) string { return s.engine.Vocab().TokenToPiece(int32(id)) }
			if lp := stopmatch.CalculateLogprobs(logits, int(token), sl.Params.TopLogprobs, decode); lp != nil {
				sl.GeneratedLogprobs = append(sl.GeneratedLogprobs, toSlotLogprob(*lp))
			}
		}

		s.pendingRich[sl.ID] = []preparedInput{{token: token}}
		sl.Generated = append(sl.Generated, piece)
		sequence := strings.Join(sl.Generated, "")

		if ok, stop := stopmatch.FindStop(sequence, sl.Params.Stop); ok {
			origLen := len(sl.Generated)
			var truncated bool
			sl.Generated, truncated = stopmatch.TruncateStop(sl.Generated, stop)
			newLen := len(sl.Generated)

			if sl.Params.Logprobs {
				removed := origLen - newLen
				keep := len(sl.GeneratedLogprobs) - removed
				if keep < 0 {
					keep = 0
				}
				sl.GeneratedLogprobs = sl.GeneratedLogprobs[:keep]
			}

			tokenLen := len(sl.Tokens) + 1 - (origLen - newLen)
			if truncated || origLen == newLen {
				tokenLen--
			}
			if tokenLen < 0 {
				tokenLen = 0
			}
			if tokenLen < len(sl.Tokens) {
				sl.Tokens = sl.Tokens[:tokenLen]
			}

			s.finishSlot(sl, "stop")
			continue
		}

		if stopmatch.ContainsStopSuffix(sequence, sl.Params.Stop) {
			continue
		}
		if stopmatch.IncompleteUnicode(sequence) {
			continue
		}

		s.flush(sl)
	}

	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// flush joins a slot's generated pieces, drops any trailing invalid UTF-8
// (defense in depth against the decoder handing back a split rune this tick
// never resolved), and sends one Result on the owning task's channel.
func (s *Server) flush(sl *slot.Slot) bool {
	joined := strings.Join(sl.Generated, "")
	logprobs := sl.GeneratedLogprobs
	sl.Generated = nil
	sl.GeneratedLogprobs = nil

	for len(joined) > 0 && stopmatch.IncompleteUnicode(joined) {
		joined = joined[:len(joined)-1]
	}
	if joined == "" {
		return true
	}

	t := s.tasksBySlot[sl.ID]
	if t == nil {
		return true
	}
	select {
	case t.Results <- queue.Result{TaskID: t.ID, Content: joined, Logprobs: toQueueLogprobs(logprobs)}:
		return true
	case <-t.Quit:
		return false
	}
}

func (s *Server) deliverEmbedding(sl *slot.Slot, embed []float32) {
	t := s.tasksBySlot[sl.ID]
	if t != nil {
		res := queue.Result{TaskID: t.ID, Embedding: embed, Done: true, PromptTokens: len(sl.Tokens)}
		t.Results <- res
		close(t.Results)
		s.results.Push(res)
	}
	s.releaseSlot(sl)
}

// finishSlot flushes any pending output, emits the final Done result, and
// releases sl back to the pool. reason matches spec.md's doneReason
// vocabulary ("stop", "length", "connection_closed") plus "cancelled" for
// an explicit request_cancel (spec.md §4.1/§4.8).
func (s *Server) finishSlot(sl *slot.Slot, reason string) {
	delivered := s.flush(sl)
	if !delivered {
		reason = "connection_closed"
	}

	t := s.tasksBySlot[sl.ID]
	if t != nil {
		res := queue.Result{
			TaskID:       t.ID,
			Done:         true,
			DoneReason:   reason,
			PromptTokens: int(sl.NKeep),
			EvalTokens:   sl.NDecoded,
		}
		t.Results <- res
		close(t.Results)
		s.results.Push(res)
	}
	s.releaseSlot(sl)
}

// releaseSlot returns sl to the idle pool. It does not touch s.inFlight:
// that semaphore token was acquired by Submit and belongs to the caller,
// which releases it once it has finished draining the task's result
// channel (see internal/transport's completion/embedding handlers).
func (s *Server) releaseSlot(sl *slot.Slot) {
	delete(s.tasksBySlot, sl.ID)
	delete(s.pendingRich, sl.ID)
	sl.LastUsed = time.Now()
	sl.Reset()
}

func toSlotLogprob(lp stopmatch.Logprob) slot.Logprob {
	top := make([]slot.TopLogprob, len(lp.Top))
	for i, tl := range lp.Top {
		top[i] = slot.TopLogprob{Token: tl.Token, LogProb: float32(tl.LogProb)}
	}
	return slot.Logprob{Token: lp.Token, LogProb: float32(lp.LogProb), Top: top}
}

func toQueueLogprobs(in []slot.Logprob) []queue.Logprob {
	out := make([]queue.Logprob, len(in))
	for i, lp := range in {
		top := make([]queue.TopLogprob, len(lp.Top))
		for j, tl := range lp.Top {
			top[j] = queue.TopLogprob{Token: tl.Token, LogProb: tl.LogProb}
		}
		out[i] = queue.Logprob{Token: lp.Token, LogProb: lp.LogProb, Top: top}
	}
	return out
}
