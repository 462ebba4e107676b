package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/frame"
)

// fakeTransport is an in-memory Transport driven directly by tests.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	closed  bool

	inbound   chan Inbound
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan Inbound, 16)}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Receive() <-chan Inbound { return f.inbound }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.inbound)
	})
	return nil
}

func (f *fakeTransport) sentMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) pushText(s string) {
	f.inbound <- Inbound{Kind: InboundText, Data: []byte(s)}
}

func (f *fakeTransport) pushFrame(data []byte) {
	f.inbound <- Inbound{Kind: InboundBinary, Data: data}
}

func (f *fakeTransport) pushClosed(code int, err error) {
	f.inbound <- Inbound{Kind: InboundClosed, Code: code, Err: err}
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.inbound)
	})
}

type fakeDialer struct {
	tr  Transport
	err error

	mu  sync.Mutex
	url string
}

func (d *fakeDialer) dial(ctx context.Context, rawURL string) (Transport, error) {
	d.mu.Lock()
	d.url = rawURL
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.tr, nil
}

func (d *fakeDialer) dialedURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

type stubTokens struct {
	token string
	err   error
	delay time.Duration
}

func (s stubTokens) Token(ctx context.Context, app string, ttlSeconds int) (string, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

type stubSource struct {
	mu   sync.Mutex
	data []byte
	err  error
}

func (s *stubSource) Capture(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

type statusRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *statusRecorder) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, s)
}

func (r *statusRecorder) contains(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if l == s {
			return true
		}
	}
	return false
}

// Decoded shapes of the outbound control messages, read back with the
// reference msgpack decoder. Millisecond timestamps exceed the integer
// tiers and travel as float64.
type sentParams struct {
	Prompt     string  `msgpack:"prompt"`
	Width      int     `msgpack:"width"`
	Height     int     `msgpack:"height"`
	NumBlocks  int     `msgpack:"num_blocks"`
	Steps      int     `msgpack:"num_denoising_steps"`
	Seed       int64   `msgpack:"seed"`
	Strength   float64 `msgpack:"strength"`
	StartFrame []byte  `msgpack:"start_frame"`
}

type sentUpdate struct {
	Action    string  `msgpack:"action"`
	Prompt    string  `msgpack:"prompt"`
	Timestamp float64 `msgpack:"timestamp"`
}

type sentDrive struct {
	Image     []byte  `msgpack:"image"`
	Strength  float64 `msgpack:"strength"`
	Prompt    string  `msgpack:"prompt"`
	NumBlocks int     `msgpack:"num_blocks"`
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

// startStreaming brings a fresh session through token, dial, and the ready
// handshake, leaving it in StateStreaming.
func startStreaming(t *testing.T, cfg Config, p Params) (*Session, *fakeTransport) {
	t.Helper()
	fake := newFakeTransport()
	dialer := &fakeDialer{tr: fake}
	if cfg.ServiceURL == "" {
		cfg.ServiceURL = "wss://svc.example/v1/realtime"
	}
	if cfg.App == "" {
		cfg.App = "krea-wan"
	}
	if cfg.Tokens == nil {
		cfg.Tokens = stubTokens{token: "tok"}
	}
	cfg.Dial = dialer.dial
	sess, err := NewManager().Start(context.Background(), cfg, p)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "awaiting ready", func() bool { return sess.State() == StateAwaitingReady })
	fake.pushText(`{"status":"ready"}`)
	waitFor(t, "streaming", func() bool { return sess.State() == StateStreaming })
	return sess, fake
}

func TestSessionHappyPath(t *testing.T) {
	t.Parallel()

	fake := newFakeTransport()
	dialer := &fakeDialer{tr: fake}
	statuses := &statusRecorder{}
	buf := frame.New(frame.Config{}, nopSink{})

	mgr := NewManager()
	sess, err := mgr.Start(context.Background(), Config{
		ServiceURL: "wss://svc.example/v1/realtime",
		App:        "krea-wan-demo",
		Tokens:     stubTokens{token: "tok-abc"},
		Dial:       dialer.dial,
		Frames:     buf,
		OnStatus:   statuses.record,
	}, Params{Prompt: "a red fox", Width: 830, Height: 480})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "awaiting ready", func() bool { return sess.State() == StateAwaitingReady })
	dialed := dialer.dialedURL()
	if !strings.Contains(dialed, "token=tok-abc") || !strings.Contains(dialed, "app=krea-wan-demo") {
		t.Errorf("dialed URL missing credentials: %s", dialed)
	}
	if n := len(fake.sentMessages()); n != 0 {
		t.Fatalf("sent %d messages before ready, want 0", n)
	}

	fake.pushText(`{"status":"ready"}`)
	waitFor(t, "streaming", func() bool { return sess.State() == StateStreaming })
	if !statuses.contains("Generating...") {
		t.Error("missing Generating... status")
	}

	sent := fake.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages after ready, want 1", len(sent))
	}
	var p sentParams
	if err := msgpack.Unmarshal(sent[0], &p); err != nil {
		t.Fatalf("decode parameter message: %v", err)
	}
	if p.Prompt != "a red fox" {
		t.Errorf("Prompt: got %q, want %q", p.Prompt, "a red fox")
	}
	if p.Width != 832 {
		t.Errorf("Width: got %d, want 832 (830 rounded to stride)", p.Width)
	}
	if p.Height != 480 {
		t.Errorf("Height: got %d, want 480", p.Height)
	}
	if p.NumBlocks != DefaultNumBlocks {
		t.Errorf("NumBlocks: got %d, want %d", p.NumBlocks, DefaultNumBlocks)
	}
	if p.Steps != DefaultDenoiseSteps {
		t.Errorf("Steps: got %d, want %d", p.Steps, DefaultDenoiseSteps)
	}
	if p.Seed < 0 || p.Seed >= 1<<24 {
		t.Errorf("Seed: got %d, want value in [0, 1<<24)", p.Seed)
	}
	if len(p.StartFrame) != 0 {
		t.Errorf("StartFrame: got %d bytes, want none", len(p.StartFrame))
	}

	for i := 0; i < 3; i++ {
		fake.pushFrame(pngBytes(t, 2+i, 2))
	}
	waitFor(t, "frames buffered", func() bool { return buf.Stats().Received == 3 })

	sess.Stop()
	waitDone(t, sess)

	out := sess.Outcome()
	if out.Errored {
		t.Errorf("Errored: got true, want false (err %v)", out.Err)
	}
	if out.Err != nil {
		t.Errorf("Err: got %v, want nil", out.Err)
	}
	if out.Status != "Stopped" {
		t.Errorf("Status: got %q, want %q", out.Status, "Stopped")
	}
	if out.Frames != 3 {
		t.Errorf("Frames: got %d, want 3", out.Frames)
	}
	if !out.Exportable {
		t.Error("Exportable: got false, want true")
	}
	if got := sess.State(); got != StateIdle {
		t.Errorf("final state: got %v, want %v", got, StateIdle)
	}
	if st := sess.Stats(); st.MessagesSent != 1 || st.State != StateIdle {
		t.Errorf("Stats: got %+v, want 1 message and idle", st)
	}
	if !fake.wasClosed() {
		t.Error("transport left open after teardown")
	}
}

func TestSessionHoldsParametersUntilReady(t *testing.T) {
	t.Parallel()

	fake := newFakeTransport()
	dialer := &fakeDialer{tr: fake}
	statuses := &statusRecorder{}
	sess, err := NewManager().Start(context.Background(), Config{
		ServiceURL: "wss://svc.example/v1/realtime",
		App:        "krea-wan",
		Tokens:     stubTokens{token: "tok"},
		Dial:       dialer.dial,
		OnStatus:   statuses.record,
	}, Params{Prompt: "dunes at dusk"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "awaiting ready", func() bool { return sess.State() == StateAwaitingReady })

	// Pre-ready statuses are forwarded but trigger no submission.
	fake.pushText(`{"status":"warming up"}`)
	waitFor(t, "warmup status", func() bool { return statuses.contains("warming up") })
	if n := len(fake.sentMessages()); n != 0 {
		t.Fatalf("sent %d messages before ready, want 0", n)
	}
	if got := sess.State(); got != StateAwaitingReady {
		t.Errorf("state after warmup status: got %v, want %v", got, StateAwaitingReady)
	}

	fake.pushText(`{"status":"ready"}`)
	waitFor(t, "streaming", func() bool { return sess.State() == StateStreaming })
	if n := len(fake.sentMessages()); n != 1 {
		t.Errorf("sent %d messages after ready, want 1", n)
	}

	sess.Stop()
	waitDone(t, sess)
}

func TestSessionRejectsBlankPrompt(t *testing.T) {
	t.Parallel()

	fake := newFakeTransport()
	dialer := &fakeDialer{tr: fake}
	statuses := &statusRecorder{}
	sess, err := NewManager().Start(context.Background(), Config{
		ServiceURL: "wss://svc.example/v1/realtime",
		App:        "krea-wan",
		Tokens:     stubTokens{token: "tok"},
		Dial:       dialer.dial,
		OnStatus:   statuses.record,
	}, Params{Prompt: "   "})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "awaiting ready", func() bool { return sess.State() == StateAwaitingReady })
	fake.pushText(`{"status":"ready"}`)
	waitDone(t, sess)

	if !statuses.contains("Please enter a prompt...") {
		t.Error("missing prompt-required status")
	}
	if n := len(fake.sentMessages()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
	out := sess.Outcome()
	if out.Errored {
		t.Error("Errored: got true, want false")
	}
	if out.Exportable {
		t.Error("Exportable: got true, want false")
	}
	if !fake.wasClosed() {
		t.Error("transport left open after abort")
	}
}

func TestSessionTokenFailure(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{tr: newFakeTransport()}
	sess, err := NewManager().Start(context.Background(), Config{
		ServiceURL: "wss://svc.example/v1/realtime",
		App:        "krea-wan",
		Tokens:     stubTokens{err: errors.New("upstream 503")},
		Dial:       dialer.dial,
	}, Params{Prompt: "anything"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, sess)

	out := sess.Outcome()
	if !out.Errored {
		t.Error("Errored: got false, want true")
	}
	if out.Status != "Failed to get access token" {
		t.Errorf("Status: got %q, want %q", out.Status, "Failed to get access token")
	}
	if dialer.dialedURL() != "" {
		t.Errorf("dial attempted after token failure: %s", dialer.dialedURL())
	}
	if got := sess.State(); got != StateIdle {
		t.Errorf("final state: got %v, want %v", got, StateIdle)
	}
}

func TestSessionDialFailure(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{err: errors.New("connection refused")}
	sess, err := NewManager().Start(context.Background(), Config{
		ServiceURL: "wss://svc.example/v1/realtime",
		App:        "krea-wan",
		Tokens:     stubTokens{token: "tok"},
		Dial:       dialer.dial,
	}, Params{Prompt: "anything"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, sess)

	out := sess.Outcome()
	if !out.Errored {
		t.Error("Errored: got false, want true")
	}
	if !errors.Is(out.Err, ErrTransport) {
		t.Errorf("Err: got %v, want ErrTransport", out.Err)
	}
	if out.Status != "Connection failed" {
		t.Errorf("Status: got %q, want %q", out.Status, "Connection failed")
	}
}

func TestSessionServerErrorPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		payload    string
		wantStatus string
	}{
		{"string detail", `{"error":"invalid dimensions"}`, "Error: invalid dimensions"},
		{"structured detail", `{"error":{"code":7}}`, `Error: {"code":7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			statuses := &statusRecorder{}
			sess, fake := startStreaming(t, Config{OnStatus: statuses.record}, Params{Prompt: "storm"})

			fake.pushText(tt.payload)
			waitDone(t, sess)

			out := sess.Outcome()
			if !out.Errored {
				t.Error("Errored: got false, want true")
			}
			if !errors.Is(out.Err, ErrServerRejected) {
				t.Errorf("Err: got %v, want ErrServerRejected", out.Err)
			}
			if out.Status != tt.wantStatus {
				t.Errorf("Status: got %q, want %q", out.Status, tt.wantStatus)
			}
		})
	}
}

func TestSessionDebouncesPromptEdits(t *testing.T) {
	t.Parallel()

	sess, fake := startStreaming(t, Config{DebounceQuiet: 150 * time.Millisecond}, Params{Prompt: "a"})

	edits := []string{"a c", "a ca", "a cat", "a cat o", "a cat on mars"}
	for _, e := range edits {
		sess.UpdatePrompt(e)
		time.Sleep(20 * time.Millisecond)
	}

	waitFor(t, "debounced update", func() bool { return len(fake.sentMessages()) == 2 })
	time.Sleep(300 * time.Millisecond)
	sent := fake.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages for %d edits, want 2 (params + one update)", len(sent), len(edits))
	}

	var u sentUpdate
	if err := msgpack.Unmarshal(sent[1], &u); err != nil {
		t.Fatalf("decode update message: %v", err)
	}
	if u.Action != "update_prompt" {
		t.Errorf("Action: got %q, want %q", u.Action, "update_prompt")
	}
	if u.Prompt != "a cat on mars" {
		t.Errorf("Prompt: got %q, want last edit %q", u.Prompt, "a cat on mars")
	}
	if u.Timestamp <= 0 {
		t.Errorf("Timestamp: got %v, want > 0", u.Timestamp)
	}

	sess.Stop()
	waitDone(t, sess)
}

func TestSessionIgnoresPromptEditsBeforeStreaming(t *testing.T) {
	t.Parallel()

	fake := newFakeTransport()
	dialer := &fakeDialer{tr: fake}
	sess, err := NewManager().Start(context.Background(), Config{
		ServiceURL:    "wss://svc.example/v1/realtime",
		App:           "krea-wan",
		Tokens:        stubTokens{token: "tok"},
		Dial:          dialer.dial,
		DebounceQuiet: 20 * time.Millisecond,
	}, Params{Prompt: "base"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "awaiting ready", func() bool { return sess.State() == StateAwaitingReady })

	sess.UpdatePrompt("too early")
	time.Sleep(100 * time.Millisecond)
	if n := len(fake.sentMessages()); n != 0 {
		t.Errorf("sent %d messages before streaming, want 0", n)
	}

	sess.Stop()
	waitDone(t, sess)
}

// Stall checks carry the observation time in the event, so the watchdog is
// exercised here with a simulated clock instead of ten real seconds.
func TestSessionStallWatchdog(t *testing.T) {
	t.Parallel()

	t.Run("no frames after streaming begins", func(t *testing.T) {
		t.Parallel()
		statuses := &statusRecorder{}
		sess, fake := startStreaming(t, Config{OnStatus: statuses.record}, Params{Prompt: "aurora"})

		// Under the threshold: the session must stay up. The follow-up
		// status round-trip proves the check was dispatched.
		sess.post(event{kind: evStallCheck, now: time.Now().Add(5 * time.Second)})
		fake.pushText(`{"status":"still here"}`)
		waitFor(t, "status after stall check", func() bool { return statuses.contains("still here") })
		if got := sess.State(); got != StateStreaming {
			t.Fatalf("state after sub-threshold check: got %v, want %v", got, StateStreaming)
		}

		sess.post(event{kind: evStallCheck, now: time.Now().Add(11 * time.Second)})
		waitDone(t, sess)

		out := sess.Outcome()
		if !errors.Is(out.Err, ErrStalled) {
			t.Errorf("Err: got %v, want ErrStalled", out.Err)
		}
		if out.Errored {
			t.Error("Errored: got true, want false (stall is a soft stop)")
		}
		if out.Status != "Stream stalled - stopped" {
			t.Errorf("Status: got %q, want %q", out.Status, "Stream stalled - stopped")
		}
	})

	t.Run("measured from last frame arrival", func(t *testing.T) {
		t.Parallel()
		statuses := &statusRecorder{}
		buf := frame.New(frame.Config{}, nopSink{})
		sess, fake := startStreaming(t, Config{Frames: buf, OnStatus: statuses.record}, Params{Prompt: "aurora"})

		fake.pushFrame(pngBytes(t, 2, 2))
		waitFor(t, "frame arrival", func() bool { return buf.Stats().Received == 1 })

		sess.post(event{kind: evStallCheck, now: buf.LastArrival().Add(5 * time.Second)})
		fake.pushText(`{"status":"still here"}`)
		waitFor(t, "status after stall check", func() bool { return statuses.contains("still here") })
		if got := sess.State(); got != StateStreaming {
			t.Fatalf("state after sub-threshold check: got %v, want %v", got, StateStreaming)
		}

		sess.post(event{kind: evStallCheck, now: buf.LastArrival().Add(11 * time.Second)})
		waitDone(t, sess)

		if out := sess.Outcome(); !errors.Is(out.Err, ErrStalled) {
			t.Errorf("Err: got %v, want ErrStalled", out.Err)
		}
	})
}

func TestSessionCloseCodes(t *testing.T) {
	t.Parallel()

	t.Run("labels", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			code int
			want string
		}{
			{1000, "normal closure"},
			{1002, "protocol error"},
			{1006, "abnormal closure"},
			{1008, "policy violation"},
			{1009, "message too large"},
			{1011, "server internal error"},
			{1015, "handshake failed"},
			{4999, "unknown closure (code 4999)"},
		}
		for _, tt := range tests {
			if got := closeReason(tt.code); got != tt.want {
				t.Errorf("closeReason(%d): got %q, want %q", tt.code, got, tt.want)
			}
		}
	})

	t.Run("abnormal close errors the session", func(t *testing.T) {
		t.Parallel()
		sess, fake := startStreaming(t, Config{}, Params{Prompt: "glacier"})
		fake.pushClosed(1011, errors.New("websocket: close 1011 (internal server error)"))
		waitDone(t, sess)

		out := sess.Outcome()
		if !out.Errored {
			t.Error("Errored: got false, want true")
		}
		if !errors.Is(out.Err, ErrTransport) {
			t.Errorf("Err: got %v, want ErrTransport", out.Err)
		}
		if out.Status != "Connection closed: server internal error" {
			t.Errorf("Status: got %q", out.Status)
		}
	})

	t.Run("normal close finishes cleanly", func(t *testing.T) {
		t.Parallel()
		sess, fake := startStreaming(t, Config{}, Params{Prompt: "glacier"})
		fake.pushClosed(1000, nil)
		waitDone(t, sess)

		out := sess.Outcome()
		if out.Errored {
			t.Error("Errored: got true, want false")
		}
		if out.Err != nil {
			t.Errorf("Err: got %v, want nil", out.Err)
		}
		if out.Status != "Connection closed: normal closure" {
			t.Errorf("Status: got %q", out.Status)
		}
	})
}

func TestManagerSingleActiveSession(t *testing.T) {
	t.Parallel()

	mgr := NewManager()
	dialer := &fakeDialer{tr: newFakeTransport()}
	cfg := Config{
		ServiceURL: "wss://svc.example/v1/realtime",
		App:        "krea-wan",
		Tokens:     stubTokens{token: "tok", delay: time.Minute},
		Dial:       dialer.dial,
	}

	first, err := mgr.Start(context.Background(), cfg, Params{Prompt: "one"})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	waitFor(t, "token fetch", func() bool { return first.State() == StateAcquiringToken })

	if _, err := mgr.Start(context.Background(), cfg, Params{Prompt: "two"}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start: got %v, want ErrSessionActive", err)
	}
	if mgr.Active() != first {
		t.Error("Active: want the live session")
	}

	first.Stop()
	waitDone(t, first)
	if mgr.Active() != nil {
		t.Error("Active after stop: want nil")
	}

	second, err := mgr.Start(context.Background(), Config{
		ServiceURL: "wss://svc.example/v1/realtime",
		App:        "krea-wan",
		Tokens:     stubTokens{token: "tok"},
		Dial:       (&fakeDialer{tr: newFakeTransport()}).dial,
	}, Params{Prompt: "two"})
	if err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	second.Stop()
	waitDone(t, second)
}

func TestSessionStopDuringDial(t *testing.T) {
	t.Parallel()

	dial := func(ctx context.Context, rawURL string) (Transport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	sess, err := NewManager().Start(context.Background(), Config{
		ServiceURL: "wss://svc.example/v1/realtime",
		App:        "krea-wan",
		Tokens:     stubTokens{token: "tok"},
		Dial:       dial,
	}, Params{Prompt: "anything"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "connecting", func() bool { return sess.State() == StateConnecting })

	sess.Stop()
	waitDone(t, sess)

	out := sess.Outcome()
	if out.Errored {
		t.Errorf("Errored: got true, want false (err %v)", out.Err)
	}
	if out.Status != "Stopped" {
		t.Errorf("Status: got %q, want %q", out.Status, "Stopped")
	}
}

func TestSessionContextCancelStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sess, fake := func() (*Session, *fakeTransport) {
		fake := newFakeTransport()
		dialer := &fakeDialer{tr: fake}
		sess, err := NewManager().Start(ctx, Config{
			ServiceURL: "wss://svc.example/v1/realtime",
			App:        "krea-wan",
			Tokens:     stubTokens{token: "tok"},
			Dial:       dialer.dial,
		}, Params{Prompt: "tide"})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		return sess, fake
	}()
	waitFor(t, "awaiting ready", func() bool { return sess.State() == StateAwaitingReady })
	fake.pushText(`{"status":"ready"}`)
	waitFor(t, "streaming", func() bool { return sess.State() == StateStreaming })

	cancel()
	waitDone(t, sess)
	if !fake.wasClosed() {
		t.Error("transport left open after context cancel")
	}
}

func TestSessionImageDrive(t *testing.T) {
	t.Parallel()

	src := &stubSource{data: pngBytes(t, 4, 4)}
	sess, fake := startStreaming(t, Config{Source: src, InputFPS: 100}, Params{Prompt: "self portrait"})

	waitFor(t, "drive messages", func() bool { return len(fake.sentMessages()) >= 4 })
	sess.Stop()
	waitDone(t, sess)

	sent := fake.sentMessages()
	var first, second sentDrive
	if err := msgpack.Unmarshal(sent[1], &first); err != nil {
		t.Fatalf("decode drive message: %v", err)
	}
	if err := msgpack.Unmarshal(sent[2], &second); err != nil {
		t.Fatalf("decode drive message: %v", err)
	}
	if len(first.Image) == 0 {
		t.Error("Image: got empty payload")
	}
	if first.Prompt != "self portrait" {
		t.Errorf("Prompt: got %q, want %q", first.Prompt, "self portrait")
	}
	if first.NumBlocks != DefaultNumBlocks+1 {
		t.Errorf("NumBlocks: got %d, want %d", first.NumBlocks, DefaultNumBlocks+1)
	}
	if second.NumBlocks != first.NumBlocks+1 {
		t.Errorf("NumBlocks growth: got %d after %d, want +1", second.NumBlocks, first.NumBlocks)
	}
	if first.Strength != DefaultStrength {
		t.Errorf("Strength: got %v, want %v", first.Strength, DefaultStrength)
	}
}

func TestSessionDriveSkipsFailedCaptures(t *testing.T) {
	t.Parallel()

	src := &stubSource{err: errors.New("camera unavailable")}
	sess, fake := startStreaming(t, Config{Source: src, InputFPS: 100}, Params{Prompt: "self portrait"})

	time.Sleep(150 * time.Millisecond)
	if got := sess.State(); got != StateStreaming {
		t.Fatalf("state: got %v, want %v", got, StateStreaming)
	}
	if n := len(fake.sentMessages()); n != 1 {
		t.Errorf("sent %d messages with failing capture, want 1 (params only)", n)
	}

	sess.Stop()
	waitDone(t, sess)
}

func TestStateStrings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateAcquiringToken, "acquiring_token"},
		{StateConnecting, "connecting"},
		{StateAwaitingReady, "awaiting_ready"},
		{StateStreaming, "streaming"},
		{StateClosing, "closing"},
		{StateErrored, "errored"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String(): got %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
