package reference

import (
	"context"
	"testing"

	"github.com/corerun/llamarunner/internal/engine"
)

func TestVocabTokenizeDeterministic(t *testing.T) {
	v := New(false).Vocab()
	a, err := v.Tokenize("hello world", true)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	b, err := v.Tokenize("hello world", true)
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("expected 3 tokens (bos + 2 words), got %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("tokenize not deterministic at %d: %d != %d", i, a[i], b[i])
		}
	}
	if a[0] != bosToken {
		t.Fatalf("expected leading BOS token, got %d", a[0])
	}
}

func TestDecodeProducesLogitsForRequestedEntries(t *testing.T) {
	e := New(false)
	dec := e.Decoder().(*decoder)
	batch := []engine.BatchEntry{
		{Token: 5, SeqID: 0, WantLogits: false},
		{Token: 7, SeqID: 0, WantLogits: true},
	}
	status, err := dec.Decode(context.Background(), batch)
	if err != nil || status != engine.DecodeOK {
		t.Fatalf("Decode: status=%v err=%v", status, err)
	}
	if dec.LogitsAt(0) != nil {
		t.Fatalf("entry 0 did not request logits but got a row")
	}
	row := dec.LogitsAt(1)
	if row == nil {
		t.Fatalf("entry 1 requested logits but got none")
	}
	sctx, _ := e.Sampler().NewSamplingContext(e.Vocab(), engine.SamplingParams{})
	if got := sctx.Sample(row); got != 8 {
		t.Fatalf("expected argmax at token+1=8, got %d", got)
	}
}

func TestDecodeCanceledContext(t *testing.T) {
	e := New(false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status, err := e.Decoder().Decode(ctx, []engine.BatchEntry{{Token: 1, WantLogits: true}})
	if err == nil || status != engine.DecodeFatal {
		t.Fatalf("expected fatal status on canceled context, got status=%v err=%v", status, err)
	}
}

func TestImageEncoderRequiresVision(t *testing.T) {
	if New(false).ImageEncoder() != nil {
		t.Fatalf("expected nil ImageEncoder when vision disabled")
	}
	enc := New(true).ImageEncoder()
	if enc == nil {
		t.Fatalf("expected non-nil ImageEncoder when vision enabled")
	}
	if enc.NPatches(8, 8) != 1 {
		t.Fatalf("expected 1 patch for an 8x8 image, got %d", enc.NPatches(8, 8))
	}
	out, err := enc.Encode(context.Background(), []float32{1, 2, 3}, 8, 8)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(out) != enc.NPatches(8, 8)*enc.EmbedSize() {
		t.Fatalf("unexpected embedding length %d", len(out))
	}
}
