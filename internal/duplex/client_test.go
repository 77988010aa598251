package duplex_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aribridge/internal/duplex"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRelayServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startRelayServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readRaw reads one frame from the server side.
func readRaw(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	return typ, data
}

// writeRaw sends one frame from the server side.
func writeRaw(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Logf("server write: %v (may be expected on close)", err)
	}
}

// recordingHandler collects every dispatched event on buffered channels.
type recordingHandler struct {
	statuses    chan string
	transcripts chan duplex.Transcript
	actions     chan []duplex.Action
	pongs       chan int64
	audio       chan []byte
	complete    chan struct{}
	errMsgs     chan string
	closed      chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		statuses:    make(chan string, 8),
		transcripts: make(chan duplex.Transcript, 8),
		actions:     make(chan []duplex.Action, 8),
		pongs:       make(chan int64, 8),
		audio:       make(chan []byte, 8),
		complete:    make(chan struct{}, 8),
		errMsgs:     make(chan string, 8),
		closed:      make(chan error, 1),
	}
}

func (h *recordingHandler) OnStatus(status, _ string)         { h.statuses <- status }
func (h *recordingHandler) OnTranscript(tr duplex.Transcript) { h.transcripts <- tr }
func (h *recordingHandler) OnActions(a []duplex.Action)       { h.actions <- a }
func (h *recordingHandler) OnPong(ts int64)                   { h.pongs <- ts }
func (h *recordingHandler) OnAudio(data []byte)               { h.audio <- data }
func (h *recordingHandler) OnAudioComplete()                  { h.complete <- struct{}{} }
func (h *recordingHandler) OnErrorMessage(msg string)         { h.errMsgs <- msg }
func (h *recordingHandler) OnClosed(err error)                { h.closed <- err }

func dialTestClient(t *testing.T, srv *httptest.Server, h duplex.Handler) *duplex.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := duplex.Dial(ctx, wsURL(srv), h)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_SendInit(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := startRelayServer(t, func(conn *websocket.Conn) {
		_, data := readRaw(t, conn)
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		got <- m
	})

	c := dialTestClient(t, srv, newRecordingHandler())
	if err := c.SendInit("ch-1"); err != nil {
		t.Fatalf("SendInit: %v", err)
	}

	select {
	case m := <-got:
		if m["type"] != "init" || m["channelId"] != "ch-1" {
			t.Errorf("unexpected init message: %v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received init")
	}
}

func TestClient_SendActionResponse(t *testing.T) {
	got := make(chan []byte, 1)
	srv := startRelayServer(t, func(conn *websocket.Conn) {
		_, data := readRaw(t, conn)
		got <- data
	})

	c := dialTestClient(t, srv, newRecordingHandler())
	if err := c.SendActionResponse("fc-9", "transfer_call", "ok"); err != nil {
		t.Fatalf("SendActionResponse: %v", err)
	}

	select {
	case data := <-got:
		var m struct {
			Type           string `json:"type"`
			FunctionCallID string `json:"function_call_id"`
			FunctionName   string `json:"function_name"`
			Response       struct {
				Confirmation string `json:"confirmation"`
			} `json:"response"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m.Type != "action_response" || m.FunctionCallID != "fc-9" ||
			m.FunctionName != "transfer_call" || m.Response.Confirmation != "ok" {
			t.Errorf("unexpected action response: %s", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received action response")
	}
}

func TestClient_DispatchesControlMessages(t *testing.T) {
	srv := startRelayServer(t, func(conn *websocket.Conn) {
		writeRaw(t, conn, websocket.MessageText, []byte(`{"type":"status","status":"ready"}`))
		writeRaw(t, conn, websocket.MessageText, []byte(`{"type":"transcript","data":{"speaker":"agent","text":"hello"}}`))
		writeRaw(t, conn, websocket.MessageText, []byte(`{"type":"pong","timestamp":1234}`))
		writeRaw(t, conn, websocket.MessageText, []byte(`{"type":"audioComplete"}`))
		writeRaw(t, conn, websocket.MessageText, []byte(`{"type":"error","message":"boom"}`))
		writeRaw(t, conn, websocket.MessageText, []byte(`{"type":"actions","actions":[{"function_call_id":"fc-1","function_name":"lookup"}]}`))
		time.Sleep(200 * time.Millisecond)
	})

	h := newRecordingHandler()
	dialTestClient(t, srv, h)

	select {
	case status := <-h.statuses:
		if status != duplex.StatusReady {
			t.Errorf("status %q, want ready", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no status event")
	}
	select {
	case tr := <-h.transcripts:
		if tr.Speaker != "agent" || tr.Text != "hello" {
			t.Errorf("transcript %+v", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no transcript event")
	}
	select {
	case ts := <-h.pongs:
		if ts != 1234 {
			t.Errorf("pong timestamp %d, want 1234", ts)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no pong event")
	}
	select {
	case <-h.complete:
	case <-time.After(3 * time.Second):
		t.Fatal("no audioComplete event")
	}
	select {
	case msg := <-h.errMsgs:
		if msg != "boom" {
			t.Errorf("error message %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error event")
	}
	select {
	case actions := <-h.actions:
		if len(actions) != 1 || actions[0].FunctionCallID != "fc-1" || actions[0].FunctionName != "lookup" {
			t.Errorf("actions %+v", actions)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no actions event")
	}
}

func TestClient_BinaryFrameDisambiguation(t *testing.T) {
	audio := []byte{0x00, 0x01, 0x02, 0x03}
	srv := startRelayServer(t, func(conn *websocket.Conn) {
		// Raw audio as binary.
		writeRaw(t, conn, websocket.MessageBinary, audio)
		// A JSON control message misdelivered as binary: first byte '{'.
		writeRaw(t, conn, websocket.MessageBinary, []byte(`{"type":"status","status":"ready"}`))
		time.Sleep(200 * time.Millisecond)
	})

	h := newRecordingHandler()
	dialTestClient(t, srv, h)

	select {
	case data := <-h.audio:
		if len(data) != len(audio) {
			t.Errorf("audio length %d, want %d", len(data), len(audio))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("binary audio frame not dispatched as audio")
	}
	select {
	case status := <-h.statuses:
		if status != duplex.StatusReady {
			t.Errorf("status %q, want ready", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("binary JSON frame not dispatched as control")
	}
}

func TestClient_CloseIsIdempotentAndReportsOnClosed(t *testing.T) {
	srv := startRelayServer(t, func(conn *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _, _ = conn.Read(ctx) // block until the client goes away
	})

	h := newRecordingHandler()
	c := dialTestClient(t, srv, h)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case err := <-h.closed:
		if err != nil {
			t.Errorf("OnClosed after local close: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnClosed never fired")
	}
}
