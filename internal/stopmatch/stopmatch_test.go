package stopmatch

import (
	"reflect"
	"testing"
)

func TestTruncateStop(t *testing.T) {
	tests := []struct {
		name          string
		pieces        []string
		stop          string
		expected      []string
		expectedTrunc bool
	}{
		{"Single word", []string{"hello", "world"}, "world", []string{"hello"}, false},
		{"Partial", []string{"hello", "wor"}, "or", []string{"hello", "w"}, true},
		{"Suffix", []string{"Hello", " there", "!"}, "!", []string{"Hello", " there"}, false},
		{"Suffix partial", []string{"Hello", " the", "re!"}, "there!", []string{"Hello", " "}, true},
		{"Middle", []string{"hello", " wor"}, "llo w", []string{"he"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, trunc := TruncateStop(tt.pieces, tt.stop)
			if !reflect.DeepEqual(result, tt.expected) || trunc != tt.expectedTrunc {
				t.Errorf("TruncateStop(%v, %s): have %v (%v); want %v (%v)",
					tt.pieces, tt.stop, result, trunc, tt.expected, tt.expectedTrunc)
			}
		})
	}
}

func TestIncompleteUnicode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"Basic", "hi", false},
		{"Two byte", "hi" + string([]byte{0xc2, 0xa3}), false},
		{"Two byte - missing last", "hi" + string([]byte{0xc2}), true},
		{"Three byte", "hi" + string([]byte{0xe0, 0xA0, 0x80}), false},
		{"Three byte - missing last", "hi" + string([]byte{0xe0, 0xA0}), true},
		{"Three byte - missing last 2", "hi" + string([]byte{0xe0}), true},
		{"Four byte", "hi" + string([]byte{0xf0, 0x92, 0x8a, 0xb7}), false},
		{"Four byte - missing last", "hi" + string([]byte{0xf0, 0x92, 0x8a}), true},
		{"Four byte - missing last 2", "hi" + string([]byte{0xf0, 0x92}), true},
		{"Four byte - missing last 3", "hi" + string([]byte{0xf0}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IncompleteUnicode(tt.input); got != tt.expected {
				t.Errorf("IncompleteUnicode(%q): have %v; want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFindStop(t *testing.T) {
	ok, which := FindStop("the quick brown fox", []string{"cat", "brown"})
	if !ok || which != "brown" {
		t.Fatalf("expected match on \"brown\", got ok=%v which=%q", ok, which)
	}
	if ok, _ := FindStop("nothing here", []string{"zzz"}); ok {
		t.Fatalf("expected no match")
	}
}

func TestContainsStopSuffix(t *testing.T) {
	if !ContainsStopSuffix("he said hel", []string{"hello"}) {
		t.Fatalf("expected partial suffix match")
	}
	if ContainsStopSuffix("he said hello", []string{"zzz"}) {
		t.Fatalf("expected no suffix match")
	}
}

func TestCalculateLogprobs(t *testing.T) {
	logits := []float32{1, 2, 5, 0}
	decode := func(id int) string { return "tok" }
	lp := CalculateLogprobs(logits, 2, 2, decode)
	if lp == nil {
		t.Fatalf("expected non-nil logprob")
	}
	if lp.LogProb >= 0 {
		t.Fatalf("expected a negative log-probability, got %v", lp.LogProb)
	}
	if len(lp.Top) != 2 {
		t.Fatalf("expected 2 top candidates, got %d", len(lp.Top))
	}
	if lp.Top[0].LogProb < lp.Top[1].LogProb {
		t.Fatalf("expected top candidates sorted descending: %+v", lp.Top)
	}
}

func TestCalculateLogprobsEmpty(t *testing.T) {
	if got := CalculateLogprobs(nil, 0, 1, func(int) string { return "" }); got != nil {
		t.Fatalf("expected nil for empty logits, got %+v", got)
	}
}
