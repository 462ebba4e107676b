// Package capture provides input frame sources for image-driven generation:
// a procedural generator for development and tooling, and a directory
// source that cycles through pre-rendered frames.
package capture

import (
	"context"
	"errors"
)

// ErrUnavailable reports a source with nothing to capture.
var ErrUnavailable = errors.New("capture: no frame available")

// Source produces one encoded input frame per call.
type Source interface {
	Capture(ctx context.Context) ([]byte, error)
}
