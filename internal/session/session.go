// Package session owns the authenticated connection lifecycle for one
// generation run: token acquisition, socket open, ready handshake, parameter
// submission, live control messages, stall detection, and teardown.
//
// The lifecycle is an explicit state machine. Every input, whether socket
// traffic, a timer firing, or an API call, becomes an event consumed by a
// single dispatch goroutine; no lifecycle state is touched anywhere else.
// Collaborators (token source, transport, capture source) are injected, so
// the whole machine runs in tests against fakes.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/frame"
	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/wire"
)

// State enumerates the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateAcquiringToken
	StateConnecting
	StateAwaitingReady
	StateStreaming
	StateClosing
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringToken:
		return "acquiring_token"
	case StateConnecting:
		return "connecting"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Tuning defaults.
const (
	DefaultTokenTTL        = 600 // seconds
	DefaultInputFPS        = 8
	DefaultDebounceQuiet   = 500 * time.Millisecond
	DefaultStallCheckEvery = 2 * time.Second
	DefaultStallAfter      = 10 * time.Second

	eventDepth = 64
)

// TokenSource exchanges an application identifier for a short-lived bearer
// token. Implemented by the token client; tests substitute a stub.
type TokenSource interface {
	Token(ctx context.Context, app string, ttlSeconds int) (string, error)
}

// FrameSource produces captured input frames for image-driven runs. An
// error or empty payload means "nothing this tick" and is skipped, never
// queued or retried.
type FrameSource interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Config wires a session's collaborators and tuning. ServiceURL, App, and
// Tokens are required. Dial defaults to the production websocket transport;
// zero durations select the defaults above.
type Config struct {
	ServiceURL string
	App        string
	TokenTTL   int

	Tokens TokenSource
	Dial   DialFunc
	Frames *frame.Buffer

	// Source switches the run to image-driven generation when non-nil.
	Source   FrameSource
	InputFPS float64

	DebounceQuiet   time.Duration
	StallCheckEvery time.Duration
	StallAfter      time.Duration

	// OnStatus receives user-facing status lines, invoked from the
	// dispatch goroutine.
	OnStatus func(status string)
}

// Outcome summarizes a finished run.
type Outcome struct {
	Status     string // final user-facing status line
	Err        error  // nil on a clean stop
	Errored    bool
	Frames     int64
	Exportable bool
}

// Stats is a point-in-time snapshot of the counters a session owns. Frame
// counters live on the frame buffer.
type Stats struct {
	State        State
	MessagesSent int64
}

type eventKind int

const (
	evStart eventKind = iota
	evTokenOK
	evTokenErr
	evDialOK
	evDialErr
	evText
	evFrame
	evClosed
	evStop
	evStallCheck
	evPromptEdit
	evPromptFire
	evDriveSend
)

// event is one input to the dispatch loop; fields are populated per kind.
type event struct {
	kind   eventKind
	token  string
	tr     Transport
	data   []byte
	err    error
	code   int
	now    time.Time
	prompt string
	gen    uint64
}

// controlMessage is the JSON shape of inbound text frames. The error
// payload has no fixed schema.
type controlMessage struct {
	Status string          `json:"status"`
	Error  json.RawMessage `json:"error"`
}

// Session runs one generation. Lifecycle fields below the marker comment
// belong exclusively to the dispatch goroutine.
type Session struct {
	id  string
	cfg Config
	prm Params
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	stateAtom atomic.Int32
	sent      atomic.Int64

	// Dispatch-goroutine state.
	state       State
	tr          Transport
	streamingAt time.Time
	pendPrompt  string
	debounce    *time.Timer
	debounceGen uint64
	blocks      int
	stopWatch   context.CancelFunc
	stopDrive   context.CancelFunc
	stopDisplay context.CancelFunc
	lastStatus  string
	finished    bool
	outcome     Outcome
}

type nopSink struct{}

func (nopSink) Display(image.Image) {}

func newSession(ctx context.Context, cfg Config, p Params) *Session {
	if cfg.Dial == nil {
		cfg.Dial = DialWebSocket
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.InputFPS <= 0 {
		cfg.InputFPS = DefaultInputFPS
	}
	if cfg.DebounceQuiet <= 0 {
		cfg.DebounceQuiet = DefaultDebounceQuiet
	}
	if cfg.StallCheckEvery <= 0 {
		cfg.StallCheckEvery = DefaultStallCheckEvery
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = DefaultStallAfter
	}
	if cfg.Frames == nil {
		cfg.Frames = frame.New(frame.Config{}, nopSink{})
	}
	p.Normalize()

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		prm:    p,
		ctx:    sctx,
		cancel: cancel,
		events: make(chan event, eventDepth),
		done:   make(chan struct{}),
	}
	s.log = slog.With("component", "session", "run", s.id)
	return s
}

// begin spawns the dispatch loop and kicks off the run. Cancelling the
// parent context is equivalent to a user stop.
func (s *Session) begin() {
	s.post(event{kind: evStart})
	go s.run()
	go func() {
		<-s.ctx.Done()
		s.post(event{kind: evStop})
	}()
}

func (s *Session) run() {
	for ev := range s.events {
		s.dispatch(ev)
		if s.finished {
			return
		}
	}
}

// post enqueues an event unless the run has already finished.
func (s *Session) post(ev event) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

// ID is the unique identifier of this run, used in logs and export naming.
func (s *Session) ID() string { return s.id }

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.stateAtom.Load()) }

// Done closes once the run has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Finished reports whether the run has fully torn down.
func (s *Session) Finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Outcome is valid once Done is closed.
func (s *Session) Outcome() Outcome { return s.outcome }

// MessagesSent counts outbound control messages, including the initial
// parameter submission.
func (s *Session) MessagesSent() int64 { return s.sent.Load() }

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	return Stats{State: s.State(), MessagesSent: s.sent.Load()}
}

// Stop requests a user-initiated stop. Safe from any goroutine; a finished
// run ignores it.
func (s *Session) Stop() { s.post(event{kind: evStop}) }

// UpdatePrompt rewrites the prompt mid-stream. Edits are debounced: a
// control message goes out only after a quiet period with no further edits.
func (s *Session) UpdatePrompt(prompt string) {
	s.post(event{kind: evPromptEdit, prompt: prompt})
}

func (s *Session) dispatch(ev event) {
	switch ev.kind {
	case evStart:
		s.handleStart()
	case evTokenOK:
		s.handleTokenOK(ev.token)
	case evTokenErr:
		s.handleTokenErr(ev.err)
	case evDialOK:
		s.handleDialOK(ev.tr)
	case evDialErr:
		s.handleDialErr(ev.err)
	case evText:
		s.handleText(ev.data)
	case evFrame:
		s.handleFrame(ev.data)
	case evClosed:
		s.handleClosed(ev.code, ev.err)
	case evStop:
		s.handleStop()
	case evStallCheck:
		s.handleStallCheck(ev.now)
	case evPromptEdit:
		s.handlePromptEdit(ev.prompt)
	case evPromptFire:
		s.handlePromptFire(ev.gen)
	case evDriveSend:
		s.handleDriveSend(ev.data)
	}
}

func (s *Session) handleStart() {
	if s.state != StateIdle {
		s.log.Warn("start ignored", "state", s.state)
		return
	}
	s.setState(StateAcquiringToken)
	s.status("Connecting...")
	go func() {
		tok, err := s.cfg.Tokens.Token(s.ctx, s.cfg.App, s.cfg.TokenTTL)
		if err != nil {
			s.post(event{kind: evTokenErr, err: err})
			return
		}
		s.post(event{kind: evTokenOK, token: tok})
	}()
}

func (s *Session) handleTokenOK(tok string) {
	if s.state != StateAcquiringToken {
		return
	}
	u, err := serviceURL(s.cfg.ServiceURL, s.cfg.App, tok)
	if err != nil {
		s.fail(err, "Invalid service URL")
		return
	}
	s.setState(StateConnecting)
	dial := s.cfg.Dial
	go func() {
		tr, err := dial(s.ctx, u)
		if err != nil {
			s.post(event{kind: evDialErr, err: err})
			return
		}
		s.post(event{kind: evDialOK, tr: tr})
	}()
}

func (s *Session) handleTokenErr(err error) {
	if s.state != StateAcquiringToken {
		return
	}
	s.fail(err, "Failed to get access token")
}

func (s *Session) handleDialOK(tr Transport) {
	if s.state != StateConnecting {
		// Stopped while dialing; the socket is ours to close.
		_ = tr.Close()
		return
	}
	s.tr = tr
	s.setState(StateAwaitingReady)
	go s.readPump(tr)
}

func (s *Session) handleDialErr(err error) {
	if s.state != StateConnecting {
		return
	}
	s.fail(fmt.Errorf("%w: %v", ErrTransport, err), "Connection failed")
}

// readPump bridges transport traffic into the dispatch loop. It drains the
// transport channel fully so the socket reader never blocks on a finished
// session.
func (s *Session) readPump(tr Transport) {
	for in := range tr.Receive() {
		switch in.Kind {
		case InboundText:
			s.post(event{kind: evText, data: in.Data})
		case InboundBinary:
			s.post(event{kind: evFrame, data: in.Data})
		case InboundClosed:
			s.post(event{kind: evClosed, code: in.Code, err: in.Err})
		}
	}
}

func (s *Session) handleText(data []byte) {
	if s.state != StateAwaitingReady && s.state != StateStreaming {
		return
	}
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("unparseable control message", "error", err)
		return
	}
	if len(msg.Error) > 0 && string(msg.Error) != "null" {
		detail := compactError(msg.Error)
		s.fail(fmt.Errorf("%w: %s", ErrServerRejected, detail), "Error: "+detail)
		return
	}
	switch {
	case msg.Status == "ready" && s.state == StateAwaitingReady:
		s.beginStreaming()
	case msg.Status != "":
		s.status(msg.Status)
	}
}

// compactError renders the schemaless error payload for status display.
func compactError(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

// beginStreaming validates and submits the initial parameters. Nothing has
// been transmitted before this point.
func (s *Session) beginStreaming() {
	if strings.TrimSpace(s.prm.Prompt) == "" {
		s.status("Please enter a prompt...")
		s.finish(nil, false)
		return
	}
	payload, err := wire.Encode(initialMessage(s.prm))
	if err != nil {
		// Parameters are session-built, so this is a programming error.
		// Nothing partial ever goes out.
		s.fail(err, "Internal encoding error")
		return
	}
	if err := s.tr.Send(payload); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrTransport, err), "Connection error")
		return
	}
	s.sent.Add(1)
	s.setState(StateStreaming)
	s.streamingAt = time.Now()
	s.blocks = s.prm.NumBlocks
	s.status("Generating...")

	wctx, stopWatch := context.WithCancel(s.ctx)
	s.stopWatch = stopWatch
	go s.runWatchdog(wctx)

	dctx, stopDisplay := context.WithCancel(s.ctx)
	s.stopDisplay = stopDisplay
	go s.cfg.Frames.RunDisplay(dctx)

	if s.cfg.Source != nil {
		cctx, stopDrive := context.WithCancel(s.ctx)
		s.stopDrive = stopDrive
		go s.runDrive(cctx)
	}
}

func (s *Session) handleFrame(data []byte) {
	if s.state != StateStreaming {
		return
	}
	s.cfg.Frames.OnFrameArrived(data)
}

func (s *Session) handleClosed(code int, err error) {
	switch s.state {
	case StateIdle, StateClosing:
		return // our own teardown closed the socket
	}
	reason := closeReason(code)
	if err != nil {
		s.fail(fmt.Errorf("%w: %s", ErrTransport, reason), "Connection closed: "+reason)
		return
	}
	s.status("Connection closed: " + reason)
	s.finish(nil, false)
}

func (s *Session) handleStop() {
	s.status("Stopped")
	s.finish(nil, false)
}

// handleStallCheck compares the supplied time against the last frame
// arrival (or the start of streaming while no frame has landed). Taking the
// time as input keeps the check drivable with a simulated clock.
func (s *Session) handleStallCheck(now time.Time) {
	if s.state != StateStreaming {
		return
	}
	ref := s.cfg.Frames.LastArrival()
	if ref.IsZero() {
		ref = s.streamingAt
	}
	if now.Sub(ref) > s.cfg.StallAfter {
		s.log.Warn("stream stalled", "last_frame", ref, "threshold", s.cfg.StallAfter)
		s.status("Stream stalled - stopped")
		s.finish(ErrStalled, false)
	}
}

func (s *Session) handlePromptEdit(prompt string) {
	if s.state != StateStreaming {
		return
	}
	s.pendPrompt = prompt
	s.debounceGen++
	gen := s.debounceGen
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.cfg.DebounceQuiet, func() {
		s.post(event{kind: evPromptFire, gen: gen})
	})
}

func (s *Session) handlePromptFire(gen uint64) {
	// A stale generation means more edits landed after this timer was set.
	if s.state != StateStreaming || gen != s.debounceGen {
		return
	}
	payload, err := wire.Encode(promptMessage(s.pendPrompt, time.Now()))
	if err != nil {
		s.log.Error("encode prompt update", "error", err)
		return
	}
	if err := s.tr.Send(payload); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrTransport, err), "Connection error")
		return
	}
	s.sent.Add(1)
	s.prm.Prompt = s.pendPrompt
	s.log.Debug("prompt update sent")
}

// runDrive pulls capture frames on the input cadence. The capture happens
// off the dispatch loop; only the send is dispatched.
func (s *Session) runDrive(ctx context.Context) {
	t := time.NewTicker(time.Duration(float64(time.Second) / s.cfg.InputFPS))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			data, err := s.cfg.Source.Capture(ctx)
			if err != nil || len(data) == 0 {
				s.log.Debug("capture skipped", "error", err)
				continue
			}
			s.post(event{kind: evDriveSend, data: data})
		}
	}
}

func (s *Session) handleDriveSend(data []byte) {
	if s.state != StateStreaming {
		return
	}
	s.blocks++
	payload, err := wire.Encode(driveMessage(data, s.prm.Strength, s.prm.Prompt, s.blocks))
	if err != nil {
		s.log.Error("encode frame message", "error", err)
		return
	}
	if err := s.tr.Send(payload); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrTransport, err), "Connection error")
		return
	}
	s.sent.Add(1)
}

func (s *Session) runWatchdog(ctx context.Context) {
	t := time.NewTicker(s.cfg.StallCheckEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.post(event{kind: evStallCheck, now: now})
		}
	}
}

// fail records a protocol-level failure and tears the run down.
func (s *Session) fail(cause error, status string) {
	s.log.Error("session failed", "error", cause)
	s.status(status)
	s.finish(cause, true)
}

// finish is the single teardown path: timers cancelled, socket closed,
// outcome recorded, context released. Idempotent.
func (s *Session) finish(cause error, errored bool) {
	if s.finished {
		return
	}
	if errored {
		s.setState(StateErrored)
	}
	s.setState(StateClosing)

	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
	if s.stopDrive != nil {
		s.stopDrive()
		s.stopDrive = nil
	}
	if s.stopDisplay != nil {
		s.stopDisplay()
		s.stopDisplay = nil
	}
	if s.tr != nil {
		if err := s.tr.Close(); err != nil {
			s.log.Debug("transport close", "error", err)
		}
	}

	frames := s.cfg.Frames.Stats().Received
	s.outcome = Outcome{
		Status:     s.lastStatus,
		Err:        cause,
		Errored:    errored,
		Frames:     frames,
		Exportable: frames > 0,
	}

	s.setState(StateIdle)
	s.finished = true
	s.cancel()
	close(s.done)
	s.log.Info("session finished", "errored", errored, "frames", frames, "status", s.lastStatus)
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("state change", "from", s.state, "to", st)
	s.state = st
	s.stateAtom.Store(int32(st))
}

// status publishes a user-facing status line.
func (s *Session) status(text string) {
	s.lastStatus = text
	s.log.Info("status", "text", text)
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(text)
	}
}
