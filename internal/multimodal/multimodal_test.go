package multimodal

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestSpliceTextOnly(t *testing.T) {
	segs, err := Splice("hello world", nil)
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if len(segs) != 1 || segs[0].IsImage || segs[0].Text != "hello world" {
		t.Fatalf("unexpected segments: %+v", segs)
	}
}

func TestSpliceWithImages(t *testing.T) {
	segs, err := Splice("before [img-3] after", []Attachment{{ID: 3, Data: []byte("x")}})
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d: %+v", len(segs), segs)
	}
	if segs[0].Text != "before " || segs[1].IsImage != true || segs[1].ImageIndex != 0 || segs[2].Text != " after" {
		t.Fatalf("unexpected segments: %+v", segs)
	}
}

func TestSpliceUnknownAttachment(t *testing.T) {
	if _, err := Splice("[img-9]", nil); err == nil {
		t.Fatalf("expected error for unresolved placeholder")
	}
}

func TestPreprocessPadsAndResizes(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 4; x++ {
			src.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}

	out, w, h, err := Preprocess(buf.Bytes(), 16)
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if w != 16 || h != 16 {
		t.Fatalf("expected 16x16 output, got %dx%d", w, h)
	}
	if len(out) != 3*16*16 {
		t.Fatalf("expected CHW buffer of length %d, got %d", 3*16*16, len(out))
	}
}
