package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/capture"
	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/export"
	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/frame"
	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/session"
	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/token"
)

var version = "dev"

const (
	defaultServiceURL = "wss://api.krea.ai/realtime/video"
	defaultTokenURL   = "http://127.0.0.1:8787/token"
	defaultApp        = "krea-realtime-video"

	statsEvery = 2 * time.Second
)

// discardSink keeps the display slot of the frame buffer empty. Frames stay
// buffered for export; a GUI frontend would draw them here.
type discardSink struct{}

func (discardSink) Display(image.Image) {}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var (
		prompt     = flag.String("prompt", "", "generation prompt (required)")
		width      = flag.Int("width", 0, "output width, rounded to a multiple of 8 (default 832)")
		height     = flag.Int("height", 0, "output height, rounded to a multiple of 8 (default 480)")
		seed       = flag.Int64("seed", -1, "noise seed, -1 picks one at random")
		strength   = flag.Float64("strength", 0, "denoise strength (default 0.65)")
		blocks     = flag.Int("blocks", 0, "initial block count (default 20)")
		steps      = flag.Int("steps", 0, "denoising steps per block (default 4)")
		mode       = flag.String("mode", "text", "generation mode: text or image")
		input      = flag.String("input", "", "frame directory for image mode (default: synthetic frames)")
		inputFPS   = flag.Float64("input-fps", 0, "image mode capture rate (default 8)")
		startFrame = flag.String("start-frame", "", "image file seeding the first block")
		out        = flag.String("out", "", "write the exported clip here (default krea-<run>.mp4)")
		duration   = flag.Duration("duration", 0, "stop after this long (default: run until interrupted)")
	)
	flag.Parse()

	serviceURL := envOr("KREA_SERVICE_URL", defaultServiceURL)
	tokenURL := envOr("KREA_TOKEN_URL", defaultTokenURL)
	app := envOr("KREA_APP", defaultApp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, stopping", "signal", sig)
		cancel()
	}()

	buf := frame.New(frame.Config{}, discardSink{})
	params := session.Params{
		Prompt:       *prompt,
		Width:        *width,
		Height:       *height,
		NumBlocks:    *blocks,
		DenoiseSteps: *steps,
		Seed:         *seed,
		Strength:     *strength,
	}
	if *startFrame != "" {
		data, err := os.ReadFile(*startFrame)
		if err != nil {
			slog.Error("read start frame", "path", *startFrame, "error", err)
			os.Exit(1)
		}
		params.StartFrame = data
	}

	cfg := session.Config{
		ServiceURL: serviceURL,
		App:        app,
		Tokens:     token.NewClient(tokenURL, nil),
		Frames:     buf,
		InputFPS:   *inputFPS,
		OnStatus: func(status string) {
			fmt.Fprintln(os.Stdout, status)
		},
	}
	switch *mode {
	case "text":
	case "image":
		if *input != "" {
			src, err := capture.NewDir(*input)
			if err != nil {
				slog.Error("open frame directory", "path", *input, "error", err)
				os.Exit(1)
			}
			cfg.Source = src
		} else {
			w, h := *width, *height
			if w <= 0 {
				w = session.DefaultWidth
			}
			if h <= 0 {
				h = session.DefaultHeight
			}
			cfg.Source = capture.NewSynthetic(w, h)
		}
	default:
		slog.Error("unknown mode", "mode", *mode)
		os.Exit(1)
	}

	slog.Info("kreawan starting",
		"version", version,
		"service", serviceURL,
		"app", app,
		"mode", *mode,
	)

	sess, err := session.NewManager().Start(ctx, cfg, params)
	if err != nil {
		slog.Error("start session", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-sess.Done()
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(statsEvery)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sess.Done():
				return nil
			case <-t.C:
				st := buf.Stats()
				ss := sess.Stats()
				slog.Info("stream stats",
					"state", ss.State,
					"sent", ss.MessagesSent,
					"received", st.Received,
					"displayed", st.Displayed,
					"queue", st.QueueDepth,
					"decode_failures", st.DecodeFailures,
					"arrival_fps", fmt.Sprintf("%.1f", st.ArrivalFPS),
				)
			}
		}
	})
	if *duration > 0 {
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-sess.Done():
			case <-time.After(*duration):
				slog.Info("duration reached, stopping")
				sess.Stop()
			}
			return nil
		})
	}
	_ = g.Wait()

	outcome := sess.Outcome()
	if outcome.Exportable {
		exportClip(sess, buf, *out)
	} else {
		slog.Info("nothing to export", "status", outcome.Status)
	}
	if outcome.Errored {
		os.Exit(1)
	}
}

func exportClip(sess *session.Session, buf *frame.Buffer, outPath string) {
	clip, err := export.New(export.Config{}).Export(context.Background(), buf.Frames(), frame.DefaultPlaybackFPS)
	switch {
	case errors.Is(err, export.ErrEncoderUnavailable):
		slog.Warn("ffmpeg not available, skipping export", "error", err)
		return
	case err != nil:
		slog.Error("export failed", "error", err)
		return
	}

	if outPath == "" {
		outPath = fmt.Sprintf("krea-%s.mp4", sess.ID()[:8])
	}
	if err := os.WriteFile(outPath, clip, 0o644); err != nil {
		slog.Error("write clip", "path", outPath, "error", err)
		return
	}
	slog.Info("clip written", "path", outPath, "bytes", len(clip))
	fmt.Fprintln(os.Stdout, "Saved:", outPath)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
