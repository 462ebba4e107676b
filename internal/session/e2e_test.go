package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/CR3AT10N-ST4T10NZ/realtime-krea-wan/internal/frame"
)

// TestSessionAgainstLocalService runs the full stack with no fakes below
// the socket: real websocket transport against an in-process service that
// performs the ready handshake, decodes the submitted parameters, streams
// three frames, and closes cleanly.
func TestSessionAgainstLocalService(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received sentParams
		gotQuery map[string]string
	)

	frames := [][]byte{pngBytes(t, 4, 4), pngBytes(t, 5, 4), pngBytes(t, 6, 4)}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotQuery = map[string]string{
			"app":   r.URL.Query().Get("app"),
			"token": r.URL.Query().Get("token"),
		}
		mu.Unlock()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		if err := ws.WriteJSON(map[string]string{"status": "ready"}); err != nil {
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		mu.Lock()
		if err := msgpack.Unmarshal(data, &received); err != nil {
			t.Errorf("service decode parameters: %v", err)
		}
		mu.Unlock()

		for _, f := range frames {
			if err := ws.WriteMessage(websocket.BinaryMessage, f); err != nil {
				return
			}
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "clip complete")
		_ = ws.WriteMessage(websocket.CloseMessage, msg)
		_, _, _ = ws.ReadMessage() // wait for the close ack
	}))
	defer srv.Close()

	buf := frame.New(frame.Config{}, nopSink{})
	sess, err := NewManager().Start(context.Background(), Config{
		ServiceURL: wsURL(srv.URL),
		App:        "krea-wan-e2e",
		Tokens:     stubTokens{token: "tok-e2e"},
		Frames:     buf,
	}, Params{Prompt: "city at night", Seed: 7, Width: 830})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, sess)

	out := sess.Outcome()
	if out.Errored {
		t.Fatalf("Errored: got true (err %v, status %q)", out.Err, out.Status)
	}
	if out.Status != "Connection closed: normal closure" {
		t.Errorf("Status: got %q", out.Status)
	}
	if out.Frames != 3 {
		t.Errorf("Frames: got %d, want 3", out.Frames)
	}
	if !out.Exportable {
		t.Error("Exportable: got false, want true")
	}

	st := buf.Stats()
	if st.Stored != 3 || st.DecodeFailures != 0 {
		t.Errorf("buffer: stored %d failures %d, want 3 and 0", st.Stored, st.DecodeFailures)
	}
	if got := len(buf.Frames()); got != 3 {
		t.Errorf("exportable frames: got %d, want 3", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotQuery["app"] != "krea-wan-e2e" || gotQuery["token"] != "tok-e2e" {
		t.Errorf("service query: got %v", gotQuery)
	}
	if received.Prompt != "city at night" {
		t.Errorf("service prompt: got %q", received.Prompt)
	}
	if received.Seed != 7 {
		t.Errorf("service seed: got %d, want 7", received.Seed)
	}
	if received.Width != 832 {
		t.Errorf("service width: got %d, want 832", received.Width)
	}
	if received.Height != DefaultHeight {
		t.Errorf("service height: got %d, want %d", received.Height, DefaultHeight)
	}
}
