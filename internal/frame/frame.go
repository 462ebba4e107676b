// Package frame decouples frame arrival from frame display. Compressed
// frames arrive at whatever rate the network delivers them; a display loop
// consumes decoded bitmaps at the configured playback rate. Every arrival
// feeds two views derived from the same bytes: an ephemeral decoded bitmap
// for the display sink and a durable compressed blob retained for export.
package frame

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default tuning values.
const (
	DefaultPlaybackFPS = 8
	DefaultQueueCap    = 512
)

// Sink receives decoded frames from the display and replay loops. The
// surface sizes itself to each bitmap's own bounds; consecutive frames are
// not assumed to share dimensions.
type Sink interface {
	Display(img image.Image)
}

// Config tunes a Buffer. Zero values select the defaults.
type Config struct {
	// PlaybackFPS is the display and replay cadence.
	PlaybackFPS float64

	// QueueCap bounds the decoded display queue. When arrivals outrun
	// playback past this depth the oldest queued bitmap is dropped; the
	// durable store is never bounded.
	QueueCap int
}

// Buffer owns the display queue, the durable frame store, and the replay
// cursor for one generation run.
//
// Fields are grouped by the mechanism that guards them: mu covers the queue,
// store, and cursor; counters are atomic for lock-free Stats reads; fpsMu
// covers the arrival-rate window; replayMu covers the replay lifecycle.
type Buffer struct {
	log  *slog.Logger
	sink Sink
	cfg  Config

	mu     sync.Mutex
	queue  []image.Image
	store  [][]byte
	cursor int

	received    atomic.Int64
	decodeFails atomic.Int64
	displayed   atomic.Int64
	queueDrops  atomic.Int64
	lastArrival atomic.Int64 // unix nanoseconds

	fpsMu     sync.Mutex
	fpsWindow []time.Time

	replayMu   sync.Mutex
	replayStop func()
}

// New creates a Buffer delivering decoded frames to sink.
func New(cfg Config, sink Sink) *Buffer {
	if cfg.PlaybackFPS <= 0 {
		cfg.PlaybackFPS = DefaultPlaybackFPS
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultQueueCap
	}
	return &Buffer{
		log:  slog.With("component", "framebuf"),
		sink: sink,
		cfg:  cfg,
	}
}

// OnFrameArrived ingests one compressed frame from the live socket. The
// bytes are retained for export whether or not they decode; a decode failure
// only skips the display queue. The arrival counter is incremented before
// decoding, so the user-visible count always equals the durable store length.
func (b *Buffer) OnFrameArrived(data []byte) {
	now := time.Now()
	b.lastArrival.Store(now.UnixNano())
	b.received.Add(1)
	b.recordArrival(now)

	// Retain an owned copy; callers may reuse the arrival buffer.
	stored := make([]byte, len(data))
	copy(stored, data)

	b.mu.Lock()
	b.store = append(b.store, stored)
	b.mu.Unlock()

	img, err := decodeImage(stored)
	if err != nil {
		b.decodeFails.Add(1)
		b.log.Warn("frame decode failed", "frame", b.received.Load(), "error", err)
		return
	}
	b.enqueue(img)
}

func (b *Buffer) enqueue(img image.Image) {
	b.mu.Lock()
	if len(b.queue) >= b.cfg.QueueCap {
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.queueDrops.Add(1)
		b.log.Debug("display queue full, dropped oldest frame", "cap", b.cfg.QueueCap)
	}
	b.queue = append(b.queue, img)
	b.mu.Unlock()
}

// Tick advances the display by at most one frame. An empty queue is a no-op
// so a stalled stream never repeats the previous frame.
func (b *Buffer) Tick() {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	img := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	b.mu.Unlock()

	b.sink.Display(img)
	b.displayed.Add(1)
}

// RunDisplay drives Tick at the configured playback rate until ctx is
// cancelled. The ticker is released on every exit path.
func (b *Buffer) RunDisplay(ctx context.Context) {
	t := time.NewTicker(tickInterval(b.cfg.PlaybackFPS))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.Tick()
		}
	}
}

// Frames returns the durable store in arrival order. The returned slice is a
// snapshot; the stored byte contents are never mutated after arrival.
func (b *Buffer) Frames() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.store))
	copy(out, b.store)
	return out
}

// LastArrival reports when the most recent frame arrived, or the zero time
// if none has.
func (b *Buffer) LastArrival() time.Time {
	ns := b.lastArrival.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reset clears the display queue, the durable store, the replay cursor, and
// all counters ahead of a new generation run. Callers stop any active replay
// first.
func (b *Buffer) Reset() {
	b.mu.Lock()
	for i := range b.queue {
		b.queue[i] = nil
	}
	b.queue = nil
	b.store = nil
	b.cursor = 0
	b.mu.Unlock()

	b.received.Store(0)
	b.decodeFails.Store(0)
	b.displayed.Store(0)
	b.queueDrops.Store(0)
	b.lastArrival.Store(0)

	b.fpsMu.Lock()
	b.fpsWindow = nil
	b.fpsMu.Unlock()
}

func tickInterval(fps float64) time.Duration {
	return time.Duration(float64(time.Second) / fps)
}
