package frame

import (
	"context"
	"time"
)

// StartReplay begins looping playback of the durable store at the playback
// rate, starting from the first frame. Replay reads the store without
// mutating it or the live queue. Meaningful only while no live session is
// ticking; that exclusivity is the caller's responsibility. Starting while a
// replay is already running is a no-op.
func (b *Buffer) StartReplay() {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()
	if b.replayStop != nil {
		return
	}

	b.mu.Lock()
	b.cursor = 0
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	b.replayStop = cancel
	go b.runReplay(ctx)
}

// StopReplay halts a running replay. Safe to call when none is active.
func (b *Buffer) StopReplay() {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()
	if b.replayStop != nil {
		b.replayStop()
		b.replayStop = nil
	}
}

func (b *Buffer) runReplay(ctx context.Context) {
	t := time.NewTicker(tickInterval(b.cfg.PlaybackFPS))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.replayStep()
		}
	}
}

// replayStep decodes and displays the frame under the cursor, advancing and
// wrapping to the first frame after the last. An empty store is a no-op.
func (b *Buffer) replayStep() {
	b.mu.Lock()
	if len(b.store) == 0 {
		b.mu.Unlock()
		return
	}
	data := b.store[b.cursor]
	b.cursor++
	if b.cursor >= len(b.store) {
		b.cursor = 0
	}
	b.mu.Unlock()

	img, err := decodeImage(data)
	if err != nil {
		b.log.Warn("replay decode failed", "error", err)
		return
	}
	b.sink.Display(img)
}
