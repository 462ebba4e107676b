// fake-service is a stand-in for the realtime generation service. It speaks
// the client protocol end to end: websocket upgrade with app/token query
// parameters, the ready handshake, msgpack parameter decode, synthetic JPEG
// frames at a configurable rate, and prompt/drive message handling. Flags
// inject the failure modes the client has to survive.
//
// Usage:
//
//	fake-service -addr :9090 -fps 8
//	fake-service -frames 3 -close-code 1000   # short clip then clean close
//	fake-service -reject "invalid dimensions" # error payload after params
//	fake-service -no-ready                    # never complete the handshake
//	fake-service -secret s3cret               # verify bearer tokens
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/capture"
	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/token"
)

// clientMessage covers every outbound message shape the client produces.
// Fields are zero when absent; kind is inferred from which are set.
type clientMessage struct {
	Prompt     string  `msgpack:"prompt"`
	Width      int     `msgpack:"width"`
	Height     int     `msgpack:"height"`
	NumBlocks  int     `msgpack:"num_blocks"`
	Steps      int     `msgpack:"num_denoising_steps"`
	Seed       int64   `msgpack:"seed"`
	Strength   float64 `msgpack:"strength"`
	StartFrame []byte  `msgpack:"start_frame"`
	Action     string  `msgpack:"action"`
	Image      []byte  `msgpack:"image"`
	Timestamp  float64 `msgpack:"timestamp"`
}

type server struct {
	fps       float64
	maxFrames int
	reject    string
	noReady   bool
	closeCode int
	issuer    *token.Issuer

	upgrader websocket.Upgrader
}

// wsWriter serializes writes; frames and control replies come from
// different goroutines.
type wsWriter struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (w *wsWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteJSON(v)
}

func (w *wsWriter) writeBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsWriter) writeClose(code int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, "")
	return w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var (
		addr      = flag.String("addr", ":9090", "listen address")
		fps       = flag.Float64("fps", 8, "frame emission rate")
		frames    = flag.Int("frames", 0, "stop emitting after this many frames (0 = unlimited)")
		reject    = flag.String("reject", "", "send this error payload instead of frames")
		noReady   = flag.Bool("no-ready", false, "never send the ready message")
		closeCode = flag.Int("close-code", 0, "close with this code once -frames is reached")
		secret    = flag.String("secret", "", "verify bearer tokens signed with this secret")
	)
	flag.Parse()
	if *fps <= 0 {
		*fps = 8
	}

	s := &server{
		fps:       *fps,
		maxFrames: *frames,
		reject:    *reject,
		noReady:   *noReady,
		closeCode: *closeCode,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if *secret != "" {
		iss, err := token.NewIssuer(*secret, token.DefaultMaxTTL)
		if err != nil {
			slog.Error("create issuer", "error", err)
			os.Exit(1)
		}
		s.issuer = iss
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)

	slog.Info("fake-service listening", "addr", *addr, "fps", *fps, "frames", *frames)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		slog.Error("listen", "error", err)
		os.Exit(1)
	}
}

func (s *server) handle(w http.ResponseWriter, r *http.Request) {
	app := r.URL.Query().Get("app")
	if s.issuer != nil {
		claims, err := s.issuer.Verify(r.URL.Query().Get("token"))
		if err != nil {
			slog.Warn("rejecting unverified client", "app", app, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if claims.App != app {
			slog.Warn("token/app mismatch", "app", app, "token_app", claims.App)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	log := slog.With("remote", ws.RemoteAddr().String(), "app", app)
	log.Info("client connected")
	defer log.Info("client gone")

	conn := &wsWriter{ws: ws}
	if !s.noReady {
		if err := conn.writeJSON(map[string]string{"status": "ready"}); err != nil {
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	emitting := false
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			log.Debug("read ended", "error", err)
			return
		}
		if mt != websocket.BinaryMessage {
			log.Debug("ignoring non-binary message", "type", mt)
			continue
		}

		var msg clientMessage
		if err := msgpack.Unmarshal(data, &msg); err != nil {
			log.Warn("undecodable message", "error", err)
			continue
		}
		switch {
		case msg.Action == "update_prompt":
			log.Info("prompt updated", "prompt", msg.Prompt)
		case len(msg.Image) > 0:
			log.Info("drive frame received", "bytes", len(msg.Image), "num_blocks", msg.NumBlocks)
		default:
			log.Info("parameters received",
				"prompt", msg.Prompt,
				"size", msg.Width*msg.Height,
				"width", msg.Width,
				"height", msg.Height,
				"num_blocks", msg.NumBlocks,
				"seed", msg.Seed,
				"start_frame_bytes", len(msg.StartFrame),
			)
			if s.reject != "" {
				if err := conn.writeJSON(map[string]string{"error": s.reject}); err != nil {
					return
				}
				continue
			}
			if !emitting {
				emitting = true
				go s.emit(ctx, conn, msg.Width, msg.Height, log)
			}
		}
	}
}

// emit streams synthetic frames at the configured rate until the context
// ends or the frame limit is reached.
func (s *server) emit(ctx context.Context, conn *wsWriter, width, height int, log *slog.Logger) {
	src := capture.NewSynthetic(width, height)
	interval := time.Duration(float64(time.Second) / s.fps)
	t := time.NewTicker(interval)
	defer t.Stop()

	sent := 0
	for s.maxFrames == 0 || sent < s.maxFrames {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			data, err := src.Capture(ctx)
			if err != nil {
				return
			}
			if err := conn.writeBinary(data); err != nil {
				log.Debug("frame write failed", "error", err)
				return
			}
			sent++
		}
	}

	log.Info("frame limit reached", "sent", sent)
	if s.closeCode > 0 {
		if err := conn.writeClose(s.closeCode); err != nil {
			log.Debug("close write failed", "error", err)
		}
	}
}
