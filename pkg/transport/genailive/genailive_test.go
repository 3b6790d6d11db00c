package genailive_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/liveconsult/pkg/audio"
	"github.com/MrWong99/liveconsult/pkg/transport"
	"github.com/MrWong99/liveconsult/pkg/transport/genailive"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// startLiveServer launches a test WebSocket server speaking the Live protocol.
// The handler receives the upgraded connection; the server is closed when the
// test finishes.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// waitClosed blocks until the client hangs up.
func waitClosed(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func nextEvent(t *testing.T, stream transport.Stream) (transport.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-stream.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return transport.Event{}, false
}

func newProvider(srv *httptest.Server) *genailive.Provider {
	return genailive.New("test-api-key", genailive.WithBaseURL(wsURL(srv)), genailive.WithModel("test-model"))
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_SetupAndStream(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model string `json:"model"`
		} `json:"setup"`
	}
	type inputMsg struct {
		RealtimeInput struct {
			Audio struct {
				MIMEType string `json:"mimeType"`
				Data     []byte `json:"data"`
			} `json:"audio"`
		} `json:"realtimeInput"`
	}

	setupCh := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)
	inputCh := make(chan inputMsg, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.Header.Get("x-goog-api-key")
		var setup setupMsg
		readJSON(t, conn, &setup)
		setupCh <- setup
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})

		var in inputMsg
		readJSON(t, conn, &in)
		inputCh <- in

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AEAAwA=="}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		closeWith(conn, websocket.CloseNormalClosure, "bye")
		waitClosed(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	stream, err := newProvider(srv).Connect(ctx, transport.Config{Instructions: "Sé amable.", Voice: "Kore"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer stream.Close()

	if key := <-keyCh; key != "test-api-key" {
		t.Errorf("api key header = %q, want test-api-key", key)
	}
	if setup := <-setupCh; setup.Setup.Model != "models/test-model" {
		t.Errorf("setup model = %q, want models/test-model", setup.Setup.Model)
	}

	chunk := audio.EncodeFrame(audio.MonoFrame([]float32{0.5}, 16000))
	if err := stream.Send(chunk); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case in := <-inputCh:
		if in.RealtimeInput.Audio.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", in.RealtimeInput.Audio.MIMEType)
		}
		if !bytes.Equal(in.RealtimeInput.Audio.Data, chunk.Data) {
			t.Errorf("data = %v, want %v", in.RealtimeInput.Audio.Data, chunk.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtime input")
	}

	ev, ok := nextEvent(t, stream)
	if !ok || ev.Kind != transport.EventAudio {
		t.Fatalf("event = %v (ok=%v), want audio", ev.Kind, ok)
	}
	if want := []byte{0x00, 0x40, 0x00, 0xC0}; !bytes.Equal(ev.Chunk.Data, want) {
		t.Errorf("audio = %v, want %v", ev.Chunk.Data, want)
	}

	ev, ok = nextEvent(t, stream)
	if !ok || ev.Kind != transport.EventInterrupted {
		t.Fatalf("event = %v (ok=%v), want interrupted", ev.Kind, ok)
	}

	ev, ok = nextEvent(t, stream)
	if !ok || ev.Kind != transport.EventClosed || ev.Reason != "bye" {
		t.Fatalf("event = %+v (ok=%v), want closed with reason bye", ev, ok)
	}
	if _, ok := nextEvent(t, stream); ok {
		t.Error("channel should be closed after terminal event")
	}
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		waitClosed(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := newProvider(srv).Connect(ctx, transport.Config{})
	if !errors.Is(err, transport.ErrConnectionFailure) {
		t.Fatalf("err = %v, want ErrConnectionFailure", err)
	}
}

func TestConnect_RejectedWithCloseFrame(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		closeWith(conn, websocket.ClosePolicyViolation, "API key not valid")
		waitClosed(conn)
	})

	_, err := newProvider(srv).Connect(context.Background(), transport.Config{})
	if !errors.Is(err, transport.ErrConnectionFailure) {
		t.Fatalf("err = %v, want ErrConnectionFailure", err)
	}
	var re *transport.RemoteError
	if !errors.As(err, &re) || re.Code != websocket.ClosePolicyViolation {
		t.Errorf("err = %v, want RemoteError with code %d", err, websocket.ClosePolicyViolation)
	}
}

func TestStream_RemoteErrorClose(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		closeWith(conn, websocket.CloseInternalServerErr, "internal")
		waitClosed(conn)
	})

	stream, err := newProvider(srv).Connect(context.Background(), transport.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer stream.Close()

	ev, ok := nextEvent(t, stream)
	if !ok || ev.Kind != transport.EventError {
		t.Fatalf("event = %v (ok=%v), want error", ev.Kind, ok)
	}
	var re *transport.RemoteError
	if !errors.As(ev.Err, &re) || re.Code != websocket.CloseInternalServerErr {
		t.Errorf("err = %v, want RemoteError with code %d", ev.Err, websocket.CloseInternalServerErr)
	}
}

func TestStream_LocalClose(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		waitClosed(conn)
	})

	stream, err := newProvider(srv).Connect(context.Background(), transport.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ev, ok := nextEvent(t, stream); ok {
		t.Errorf("expected closed channel after local Close, got %v event", ev.Kind)
	}
	if err := stream.Send(audio.EncodedChunk{Data: []byte{0, 0}}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after Close: err = %v, want ErrClosed", err)
	}
}
