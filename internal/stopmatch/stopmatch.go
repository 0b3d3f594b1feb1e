// Package stopmatch implements stop-word detection, UTF-8 continuation-byte
// framing, and logprob calculation for the sampling loop in internal/runner.
// It generalizes the teacher pack's runner/common helpers (which operate on
// llm.CompletionResponse) into plain strings and a package-local Logprob so it has no
// dependency on the transport layer's wire types.
package stopmatch

import (
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// FindStop reports whether sequence fully contains one of stops, and which
// one matched first in stops order.
func FindStop(sequence string, stops []string) (bool, string) {
	for _, stop := range stops {
		if strings.Contains(sequence, stop) {
			return true, stop
		}
	}
	return false, ""
}

// ContainsStopSuffix reports whether sequence ends with a non-empty prefix
// of any stop word — i.e. a stop match might still be growing. The sampling
// loop withholds a flush whenever this is true, so a stop word split across
// two generated pieces is never leaked to the caller one piece early.
func ContainsStopSuffix(sequence string, stops []string) bool {
	for _, stop := range stops {
		for i := 1; i <= len(stop); i++ {
			if strings.HasSuffix(sequence, stop[:i]) {
				return true
			}
		}
	}
	return false
}

// TruncateStop removes stop from the concatenation of pieces, returning the
// pieces trimmed to end just before the match and whether a piece had to be
// cut mid-content (as opposed to the stop landing cleanly on a boundary).
// A stop at the very start of the sequence yields nil and true.
func TruncateStop(pieces []string, stop string) ([]string, bool) {
	var sequence string
	for _, p := range pieces {
		sequence += p
	}

	idx := strings.Index(sequence, stop)
	if idx < 0 {
		return pieces, false
	}

	truncated := sequence[:idx]
	if len(truncated) == 0 {
		return nil, true
	}

	result := make([]string, 0, len(pieces))
	pos := 0
	truncationHappened := false
	for _, p := range pieces {
		if pos >= len(truncated) {
			break
		}
		end := pos + len(p)
		if end > len(truncated) {
			end = len(truncated)
		}
		chunk := truncated[pos:end]
		if len(chunk) < len(p) {
			truncationHappened = true
		}
		if len(chunk) > 0 {
			result = append(result, chunk)
		}
		pos += len(p)
	}

	return result, truncationHappened
}

// IncompleteUnicode reports whether token ends mid-way through a multi-byte
// UTF-8 rune, meaning the caller should hold the piece back until the
// decoder produces the remaining continuation bytes.
func IncompleteUnicode(token string) bool {
	incomplete := false
	for i := 1; i < 5 && i <= len(token); i++ {
		c := token[len(token)-i]
		if c&0xc0 == 0x80 {
			// continuation byte, keep scanning backwards
			continue
		}
		switch {
		case c&0xe0 == 0xc0:
			incomplete = i < 2
		case c&0xf0 == 0xe0:
			incomplete = i < 3
		case c&0xf8 == 0xf0:
			incomplete = i < 4
		}
		break
	}
	return incomplete
}

// Logprob mirrors the teacher's llm.Logprob shape, kept local to this
// package so internal/stopmatch has no dependency on internal/queue.
type Logprob struct {
	Token   string
	LogProb float64
	Top     []TopLogprob
}

type TopLogprob struct {
	Token   string
	LogProb float64
}

// TokenDecoder converts a token id into its printable piece.
type TokenDecoder func(tokenID int) string

// CalculateLogprobs applies a numerically stable softmax to logits and
// returns the selected token's log-probability plus its topK runners-up.
func CalculateLogprobs(logits []float32, selectedToken int, topK int, decode TokenDecoder) *Logprob {
	if len(logits) == 0 {
		return nil
	}

	asFloat64 := make([]float64, len(logits))
	for i, l := range logits {
		asFloat64[i] = float64(l)
	}
	// floats.LogSumExp handles the max-subtraction internally, the same
	// numerical-stability trick the teacher's own CalculateLogprobs does by
	// hand.
	logSumExp := floats.LogSumExp(asFloat64)

	logProb := func(l float32) float64 { return float64(l) - logSumExp }

	result := &Logprob{
		Token:   decode(selectedToken),
		LogProb: logProb(logits[selectedToken]),
	}

	if topK > 0 {
		type pair struct {
			token int
			lp    float64
		}
		pairs := make([]pair, len(logits))
		for i, l := range logits {
			pairs[i] = pair{i, logProb(l)}
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].lp > pairs[j].lp })

		k := topK
		if k > len(pairs) {
			k = len(pairs)
		}
		result.Top = make([]TopLogprob, k)
		for i := 0; i < k; i++ {
			result.Top[i] = TopLogprob{Token: decode(pairs[i].token), LogProb: pairs[i].lp}
		}
	}

	return result
}
