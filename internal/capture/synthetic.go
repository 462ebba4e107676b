package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
)

const syntheticQuality = 80

// Synthetic procedurally generates JPEG frames whose pattern drifts from
// capture to capture, so consecutive frames differ the way live input
// would.
type Synthetic struct {
	width  int
	height int
	step   atomic.Int64
}

// NewSynthetic builds a generator at the given dimensions, clamped to a
// 16px floor.
func NewSynthetic(width, height int) *Synthetic {
	if width < 16 {
		width = 16
	}
	if height < 16 {
		height = 16
	}
	return &Synthetic{width: width, height: height}
}

func (s *Synthetic) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := int(s.step.Add(1))
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x + step*3) % 256),
				G: uint8((y + step*5) % 256),
				B: uint8((x + y + step*7) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: syntheticQuality}); err != nil {
		return nil, fmt.Errorf("encode synthetic frame: %w", err)
	}
	return buf.Bytes(), nil
}
