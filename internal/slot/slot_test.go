package slot

import (
	"testing"
)

func TestAvailable(t *testing.T) {
	s := &Slot{}
	if !s.Available() {
		t.Fatalf("fresh slot should be available")
	}
	s.Ctx = Processing
	if s.Available() {
		t.Fatalf("processing slot should not be available")
	}
}

func TestCommonPrefixLen(t *testing.T) {
	cases := []struct {
		name      string
		cached    []int32
		candidate []int32
		want      int
	}{
		{"equal", []int32{1, 2, 3}, []int32{1, 2, 3}, 3},
		{"prefix", []int32{1, 2, 3}, []int32{1, 2, 3, 4, 5}, 3},
		{"diverge", []int32{1, 2, 9}, []int32{1, 2, 3}, 2},
		{"empty cached", nil, []int32{1, 2}, 0},
		{"empty candidate", []int32{1, 2}, nil, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := &Slot{Tokens: c.cached}
			if got := s.CommonPrefixLen(c.candidate); got != c.want {
				t.Fatalf("got %d, want %d", got, c.want)
			}
		})
	}
}

func TestResetClosesSamplingContext(t *testing.T) {
	closed := false
	s := &Slot{Ctx: Processing, Cmd: LoadPrompt, SamplingCtx: fakeSamplingCtx{onClose: func() { closed = true }}}
	s.Reset()
	if !closed {
		t.Fatalf("expected sampling context to be closed on reset")
	}
	if s.Ctx != Idle || s.Cmd != None {
		t.Fatalf("expected slot reset to Idle/None, got %v/%v", s.Ctx, s.Cmd)
	}
	if !s.Available() {
		t.Fatalf("slot should be available after reset")
	}
}

type fakeSamplingCtx struct{ onClose func() }

func (f fakeSamplingCtx) Accept(int32, bool)     {}
func (f fakeSamplingCtx) Sample([]float32) int32 { return 0 }
func (f fakeSamplingCtx) Close()                 { f.onClose() }
