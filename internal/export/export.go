// Package export assembles buffered frames into an mp4 clip by staging
// them as a numbered image sequence and shelling out to ffmpeg.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// Encoder defaults.
const (
	DefaultBin    = "ffmpeg"
	DefaultCRF    = 23
	DefaultPreset = "veryfast"
	DefaultFPS    = 8
)

var (
	// ErrNoFrames reports an export attempt with nothing buffered.
	ErrNoFrames = errors.New("export: no frames to export")
	// ErrEncoderUnavailable reports a missing ffmpeg binary.
	ErrEncoderUnavailable = errors.New("export: ffmpeg not available")
)

// Config tunes the encoder. Zero values select the defaults; an empty
// WorkDir stages under the system temp directory.
type Config struct {
	Bin     string
	WorkDir string
	CRF     int
	Preset  string
}

// Exporter writes frame sequences to a staging directory and encodes them.
type Exporter struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Exporter {
	if cfg.Bin == "" {
		cfg.Bin = DefaultBin
	}
	if cfg.CRF <= 0 {
		cfg.CRF = DefaultCRF
	}
	if cfg.Preset == "" {
		cfg.Preset = DefaultPreset
	}
	return &Exporter{cfg: cfg, log: slog.With("component", "export")}
}

// Export encodes frames into an mp4 at fps and returns the file bytes. The
// staging directory is removed on every path, success included.
func (e *Exporter) Export(ctx context.Context, frames [][]byte, fps float64) ([]byte, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	if fps <= 0 {
		fps = DefaultFPS
	}
	if _, err := exec.LookPath(e.cfg.Bin); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}

	staging, err := os.MkdirTemp(e.cfg.WorkDir, "krea-export-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			e.log.Warn("remove staging dir", "dir", staging, "error", err)
		}
	}()

	ext := frameExt(frames[0])
	for i, data := range frames {
		name := filepath.Join(staging, fmt.Sprintf("frame-%05d%s", i, ext))
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return nil, fmt.Errorf("stage frame %d: %w", i, err)
		}
	}

	outPath := filepath.Join(staging, "out.mp4")
	args := []string{
		"-y",
		"-framerate", fmt.Sprintf("%g", fps),
		"-i", filepath.Join(staging, "frame-%05d"+ext),
		"-c:v", "libx264",
		"-preset", e.cfg.Preset,
		"-crf", strconv.Itoa(e.cfg.CRF),
		// libx264 requires even dimensions; odd-sized frames are scaled
		// up one pixel rather than rejected.
		"-vf", "scale=ceil(iw/2)*2:ceil(ih/2)*2",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outPath,
	}
	cmd := exec.CommandContext(ctx, e.cfg.Bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg encode: %w\n%s", err, string(out))
	}

	clip, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read encoded clip: %w", err)
	}
	e.log.Info("clip exported", "frames", len(frames), "fps", fps, "bytes", len(clip))
	return clip, nil
}

// frameExt sniffs the image container from the first frame so ffmpeg picks
// the right decoder. Unknown data defaults to .jpg, the service's frame
// format.
func frameExt(data []byte) string {
	switch {
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}):
		return ".png"
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xff, 0xd8, 0xff}):
		return ".jpg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return ".gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return ".webp"
	default:
		return ".jpg"
	}
}
