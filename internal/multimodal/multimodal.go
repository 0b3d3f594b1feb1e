// Package multimodal splices [img-N] placeholders out of a prompt, resolves
// them against a request's attached images, and turns raw image bytes into
// the normalized pixel buffers internal/engine's ImageEncoder expects.
package multimodal

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"regexp"
	"strconv"

	"golang.org/x/image/draw"

	"github.com/corerun/llamarunner/internal/slot"
)

var placeholderRe = regexp.MustCompile(`\[img-(\d+)\]`)

// ImageNet mean/std, the same normalization constants the teacher's ONNX
// vision preprocessor uses.
var (
	mean = [3]float32{0.485, 0.456, 0.406}
	std  = [3]float32{0.229, 0.224, 0.225}
)

// Attachment is one image supplied alongside a request, keyed by the id
// referenced from its [img-N] placeholder in the prompt text.
type Attachment struct {
	ID   int
	Data []byte
}

// Segment is either a run of prompt text or a reference to an attachment;
// Splice produces a list of these in prompt order so the caller can
// interleave tokenization and image encoding without re-parsing the prompt.
type Segment struct {
	Text       string
	IsImage    bool
	ImageIndex int // index into the Attachments slice passed to Splice, only valid when IsImage
}

// Splice breaks prompt on [img-N] placeholders and resolves each one against
// attachments, in the same order the teacher's Server.inputs walks
// regexp.Split/FindAllStringSubmatch output.
func Splice(prompt string, attachments []Attachment) ([]Segment, error) {
	parts := placeholderRe.Split(prompt, -1)
	matches := placeholderRe.FindAllStringSubmatch(prompt, -1)

	segments := make([]Segment, 0, len(parts)+len(matches))
	for i, part := range parts {
		segments = append(segments, Segment{Text: part})

		if i >= len(matches) {
			continue
		}
		n, err := strconv.Atoi(matches[i][1])
		if err != nil {
			return nil, fmt.Errorf("multimodal: malformed image placeholder %q: %w", matches[i][0], err)
		}

		idx := -1
		for j, a := range attachments {
			if a.ID == n {
				idx = j
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("multimodal: no attachment with id %d for placeholder %q", n, matches[i][0])
		}
		segments = append(segments, Segment{IsImage: true, ImageIndex: idx})
	}
	return segments, nil
}

// Preprocess decodes raw image bytes, pads to a square canvas, resizes to
// targetSize x targetSize, and normalizes into CHW float32 layout, ready for
// an engine.ImageEncoder. Padding (rather than the teacher's plain resize)
// avoids the aspect-ratio distortion a non-square source image would
// otherwise suffer.
func Preprocess(data []byte, targetSize int) ([]float32, int, int, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("multimodal: decode image: %w", err)
	}

	b := img.Bounds()
	side := b.Dx()
	if b.Dy() > side {
		side = b.Dy()
	}

	square := image.NewRGBA(image.Rect(0, 0, side, side))
	offX := (side - b.Dx()) / 2
	offY := (side - b.Dy()) / 2
	draw.Draw(square, image.Rect(offX, offY, offX+b.Dx(), offY+b.Dy()), img, b.Min, draw.Src)

	resized := image.NewRGBA(image.Rect(0, 0, targetSize, targetSize))
	draw.CatmullRom.Scale(resized, resized.Bounds(), square, square.Bounds(), draw.Over, nil)

	return toCHW(resized, targetSize), targetSize, targetSize, nil
}

func toCHW(img *image.RGBA, size int) []float32 {
	out := make([]float32, 3*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			idx := y*size + x
			out[0*plane+idx] = (float32(r)/65535 - mean[0]) / std[0]
			out[1*plane+idx] = (float32(g)/65535 - mean[1]) / std[1]
			out[2*plane+idx] = (float32(b)/65535 - mean[2]) / std[2]
		}
	}
	return out
}

// BuildImage turns a decoded Attachment plus its encoder output into the
// slot.Image record the scheduler tracks for the lifetime of a request.
func BuildImage(id int, requestID string, width, height int, embedding []float32, nTokens int) slot.Image {
	return slot.Image{
		ID:        id,
		RequestID: requestID,
		Width:     width,
		Height:    height,
		Embedding: embedding,
		NTokens:   nTokens,
	}
}
