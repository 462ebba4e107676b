package frame

import "time"

const fpsWindowSpan = 2 * time.Second

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Received       int64   `json:"received"`
	DecodeFailures int64   `json:"decodeFailures"`
	Displayed      int64   `json:"displayed"`
	QueueDrops     int64   `json:"queueDrops"`
	QueueDepth     int     `json:"queueDepth"`
	Stored         int     `json:"stored"`
	ArrivalFPS     float64 `json:"arrivalFps"`
}

func (b *Buffer) recordArrival(now time.Time) {
	b.fpsMu.Lock()
	b.fpsWindow = append(b.fpsWindow, now)
	cutoff := now.Add(-fpsWindowSpan)
	i := 0
	for i < len(b.fpsWindow) && b.fpsWindow[i].Before(cutoff) {
		i++
	}
	b.fpsWindow = b.fpsWindow[i:]
	b.fpsMu.Unlock()
}

// ArrivalFPS computes the live arrival rate from a 2-second sliding window.
func (b *Buffer) ArrivalFPS() float64 {
	b.fpsMu.Lock()
	defer b.fpsMu.Unlock()

	if len(b.fpsWindow) < 2 {
		return 0
	}

	first := b.fpsWindow[0]
	last := b.fpsWindow[len(b.fpsWindow)-1]
	dur := last.Sub(first).Seconds()
	if dur <= 0 {
		return 0
	}

	return float64(len(b.fpsWindow)-1) / dur
}

// Stats returns a snapshot of the buffer's counters and depths.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	depth := len(b.queue)
	stored := len(b.store)
	b.mu.Unlock()

	return Stats{
		Received:       b.received.Load(),
		DecodeFailures: b.decodeFails.Load(),
		Displayed:      b.displayed.Load(),
		QueueDrops:     b.queueDrops.Load(),
		QueueDepth:     depth,
		Stored:         stored,
		ArrivalFPS:     b.ArrivalFPS(),
	}
}
