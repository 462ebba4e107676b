package session

import (
	"math/rand/v2"
	"time"

	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/wire"
)

// Model parameter defaults. The service renders at multiples of the model
// stride; dimensions are normalized before submission.
const (
	DefaultWidth        = 832
	DefaultHeight       = 480
	DefaultNumBlocks    = 20
	DefaultDenoiseSteps = 4
	DefaultStrength     = 0.65

	dimStride = 8
	seedRange = 1 << 24
)

// Params are the generation parameters submitted after the ready handshake.
type Params struct {
	Prompt       string
	Width        int
	Height       int
	NumBlocks    int
	DenoiseSteps int
	// Seed selects the noise seed; negative means "pick one at random".
	Seed     int64
	Strength float64
	// StartFrame optionally seeds generation with an initial image.
	StartFrame []byte
}

// Normalize fills defaults and clamps values to what the model accepts:
// dimensions round to the nearest multiple of 8 with a floor of 8, and a
// negative seed resolves to a uniform value in [0, 1<<24).
func (p *Params) Normalize() {
	if p.Width <= 0 {
		p.Width = DefaultWidth
	}
	if p.Height <= 0 {
		p.Height = DefaultHeight
	}
	p.Width = roundToStride(p.Width)
	p.Height = roundToStride(p.Height)
	if p.NumBlocks <= 0 {
		p.NumBlocks = DefaultNumBlocks
	}
	if p.DenoiseSteps <= 0 {
		p.DenoiseSteps = DefaultDenoiseSteps
	}
	if p.Strength <= 0 {
		p.Strength = DefaultStrength
	}
	if p.Seed < 0 {
		p.Seed = rand.Int64N(seedRange)
	}
}

func roundToStride(v int) int {
	r := (v + dimStride/2) / dimStride * dimStride
	if r < dimStride {
		r = dimStride
	}
	return r
}

// initialMessage builds the parameter message sent once after the ready
// handshake. A nil start frame is omitted outright rather than sent as nil.
func initialMessage(p Params) wire.Map {
	start := any(wire.Absent)
	if len(p.StartFrame) > 0 {
		start = p.StartFrame
	}
	return wire.Map{
		{Key: "prompt", Value: p.Prompt},
		{Key: "width", Value: p.Width},
		{Key: "height", Value: p.Height},
		{Key: "num_blocks", Value: p.NumBlocks},
		{Key: "num_denoising_steps", Value: p.DenoiseSteps},
		{Key: "seed", Value: p.Seed},
		{Key: "strength", Value: p.Strength},
		{Key: "start_frame", Value: start},
	}
}

// promptMessage builds the debounced prompt-rewrite control message.
func promptMessage(prompt string, now time.Time) wire.Map {
	return wire.Map{
		{Key: "action", Value: "update_prompt"},
		{Key: "prompt", Value: prompt},
		{Key: "timestamp", Value: now.UnixMilli()},
	}
}

// driveMessage builds the periodic captured-frame message for image-driven
// generation. blocks grows by one per submitted frame so the service keeps
// extending the clip.
func driveMessage(image []byte, strength float64, prompt string, blocks int) wire.Map {
	return wire.Map{
		{Key: "image", Value: image},
		{Key: "strength", Value: strength},
		{Key: "prompt", Value: prompt},
		{Key: "num_blocks", Value: blocks},
	}
}
