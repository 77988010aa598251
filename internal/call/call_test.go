package call

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aribridge/internal/ari/mock"
)

// fakeAgent is a scripted agent relay. It greets every init with a ready
// status (unless told not to), optionally answers pings, and records the
// binary audio frames it receives.
type fakeAgent struct {
	t           *testing.T
	sendReady   bool
	answerPings bool

	srv *httptest.Server

	mu       sync.Mutex
	conns    int
	requests int
	reject   bool
	audio    [][]byte
	conn     *websocket.Conn
}

func newFakeAgent(t *testing.T, sendReady, answerPings bool) *fakeAgent {
	t.Helper()
	a := &fakeAgent{t: t, sendReady: sendReady, answerPings: answerPings}
	a.srv = httptest.NewServer(http.HandlerFunc(a.handle))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *fakeAgent) url() string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http")
}

func (a *fakeAgent) connCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns
}

// dialCount returns how many connection attempts reached the agent,
// including rejected ones.
func (a *fakeAgent) dialCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests
}

// setReject makes the agent refuse every subsequent connection attempt.
func (a *fakeAgent) setReject(reject bool) {
	a.mu.Lock()
	a.reject = reject
	a.mu.Unlock()
}

func (a *fakeAgent) audioFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.audio)
}

// push sends one binary frame to the most recent client connection.
func (a *fakeAgent) push(data []byte) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		a.t.Fatal("no client connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		a.t.Errorf("push: %v", err)
	}
}

func (a *fakeAgent) handle(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.requests++
	reject := a.reject
	a.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.conns++
	a.conn = conn
	a.mu.Unlock()

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageBinary {
			a.mu.Lock()
			a.audio = append(a.audio, data)
			a.mu.Unlock()
			continue
		}
		var msg struct {
			Type      string `json:"type"`
			Timestamp int64  `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "init":
			if a.sendReady {
				conn.Write(ctx, websocket.MessageText, []byte(`{"type":"status","status":"ready"}`))
			}
		case "ping":
			if a.answerPings {
				reply, _ := json.Marshal(map[string]any{"type": "pong", "timestamp": msg.Timestamp})
				conn.Write(ctx, websocket.MessageText, reply)
			}
		}
	}
}

func testConfig(agentURL string, portMin, portMax int) Config {
	return Config{
		AgentURL:          agentURL,
		AgentInRate:       16000,
		AgentOutRate:      8000,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  5 * time.Second,
		RTPHost:           "127.0.0.1",
		RTPPortMin:        portMin,
		RTPPortMax:        portMax,
		Output:            OutputPlayback,
	}
}

func hasOp(ops []mock.Op, want string) bool {
	for _, op := range ops {
		if string(op) == want {
			return true
		}
	}
	return false
}

func TestCall_StartEstablishesMediaWhenAgentReady(t *testing.T) {
	agent := newFakeAgent(t, true, true)
	control := &mock.ControlPlane{}
	c := New("ch-1", testConfig(agent.url(), 41000, 41099), control, nil)
	defer c.Terminate("test cleanup")

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "call to become active", func() bool { return c.State() == StateActive })

	if c.LocalRTPAddr() == nil {
		t.Error("no RTP endpoint bound after media setup")
	}
	ops := control.Ops()
	for _, want := range []string{
		"AnswerChannel(ch-1)",
		"CreateBridge()",
		"AddChannelToBridge(bridge-1, ch-1)",
		"SnoopChannel(ch-1, in)",
		"AddChannelToBridge(bridge-1, extmedia-2)",
	} {
		if !hasOp(ops, want) {
			t.Errorf("missing control-plane op %q in %v", want, ops)
		}
	}

	c.Terminate("caller hung up")
	if c.State() != StateClosed {
		t.Fatalf("state after Terminate = %s, want closed", c.State())
	}
	if !hasOp(control.Ops(), "DestroyBridge(bridge-1)") {
		t.Errorf("bridge not destroyed on terminate: %v", control.Ops())
	}

	// A second Terminate must not repeat the teardown.
	before := len(control.Ops())
	c.Terminate("again")
	if got := len(control.Ops()); got != before {
		t.Errorf("second Terminate issued %d extra ops", got-before)
	}
}

func TestCall_StartFailsWhenControlPlaneRejects(t *testing.T) {
	agent := newFakeAgent(t, true, true)
	control := &mock.ControlPlane{AnswerErr: context.DeadlineExceeded}
	c := New("ch-2", testConfig(agent.url(), 41100, 41199), control, nil)
	defer c.Terminate("test cleanup")

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite answer failure")
	}
}

func TestCall_MediaSetupFailureTerminatesCall(t *testing.T) {
	agent := newFakeAgent(t, true, true)
	control := &mock.ControlPlane{ExternalMediaErr: context.DeadlineExceeded}
	c := New("ch-3", testConfig(agent.url(), 41200, 41299), control, nil)
	defer c.Terminate("test cleanup")

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "call to close after media failure", func() bool { return c.State() == StateClosed })

	// The caller was answered; an internally triggered teardown must hang
	// the leg up rather than leave it in silence.
	if !hasOp(control.Ops(), "DeleteChannel(ch-3)") {
		t.Errorf("caller channel not hung up after media failure: %v", control.Ops())
	}
}

func TestCall_HeartbeatTimeoutReconnectsOnce(t *testing.T) {
	agent := newFakeAgent(t, true, false)
	control := &mock.ControlPlane{}
	cfg := testConfig(agent.url(), 41300, 41399)
	cfg.HeartbeatInterval = 25 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	c := New("ch-4", cfg, control, nil)
	defer c.Terminate("test cleanup")

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "call to become active", func() bool { return c.State() == StateActive })
	if got := agent.connCount(); got != 1 {
		t.Fatalf("connections before timeout = %d, want 1", got)
	}

	waitFor(t, "reconnect after heartbeat timeout", func() bool { return agent.connCount() == 2 })

	// One attempt per timeout: inside a fresh timeout window the count
	// must stay at two.
	time.Sleep(cfg.HeartbeatTimeout / 2)
	if got := agent.connCount(); got != 2 {
		t.Errorf("connections shortly after reconnect = %d, want 2", got)
	}

	// The new session announced ready, so the call recovers on its own.
	waitFor(t, "call to become active again", func() bool { return c.State() == StateActive })
}

func TestCall_FailedReconnectWaitsFullTimeout(t *testing.T) {
	agent := newFakeAgent(t, true, false)
	control := &mock.ControlPlane{}
	cfg := testConfig(agent.url(), 41600, 41699)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	c := New("ch-7", cfg, control, nil)
	defer c.Terminate("test cleanup")

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "call to become active", func() bool { return c.State() == StateActive })

	agent.setReject(true)
	waitFor(t, "failed reconnect attempt", func() bool { return agent.dialCount() == 2 })

	// The failed dial resets the staleness baseline, so no further attempt
	// may happen inside the following timeout window.
	time.Sleep(cfg.HeartbeatTimeout / 2)
	if got := agent.dialCount(); got != 2 {
		t.Errorf("dial attempts shortly after failed reconnect = %d, want 2", got)
	}

	// Once a full timeout has elapsed the watchdog tries again.
	waitFor(t, "next reconnect attempt", func() bool { return agent.dialCount() >= 3 })
}

func TestCall_ConnectRejectedDuringTeardown(t *testing.T) {
	agent := newFakeAgent(t, true, true)
	control := &mock.ControlPlane{}
	c := New("ch-8", testConfig(agent.url(), 41700, 41799), control, nil)
	defer c.Terminate("test cleanup")

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "call to become active", func() bool { return c.State() == StateActive })

	c.mu.Lock()
	before := c.client
	c.mu.Unlock()

	// A teardown racing a reconnect: a dial finishing after the state
	// moved to terminating must be discarded, not installed.
	c.setState(StateTerminating)
	if err := c.connect(); err == nil {
		t.Fatal("connect succeeded while terminating")
	}
	c.mu.Lock()
	after := c.client
	c.mu.Unlock()
	if after != before {
		t.Error("terminating call picked up a fresh agent session")
	}
}

func TestCall_AgentAudioQueuedForPlayback(t *testing.T) {
	agent := newFakeAgent(t, true, true)
	control := &mock.ControlPlane{}
	c := New("ch-5", testConfig(agent.url(), 41400, 41499), control, nil)
	defer c.Terminate("test cleanup")

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "call to become active", func() bool { return c.State() == StateActive })

	pcm := make([]byte, 320)
	for i := range 160 {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(1000)))
	}
	agent.push(pcm)

	waitFor(t, "segment playback to start", func() bool { return control.PlayCount() == 1 })
	ops := control.Ops()
	last := string(ops[len(ops)-1])
	if !strings.HasPrefix(last, "Play(ch-5, sound:") {
		t.Fatalf("unexpected playback op %q", last)
	}

	c.HandlePlaybackEvent("playback-1", false)
	waitFor(t, "queue to drain", func() bool { return !c.queue.isPlaying() })
}

func TestCall_CallerAudioForwardedToAgent(t *testing.T) {
	agent := newFakeAgent(t, true, true)
	control := &mock.ControlPlane{}
	c := New("ch-6", testConfig(agent.url(), 41500, 41599), control, nil)
	defer c.Terminate("test cleanup")

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "call to become active", func() bool { return c.State() == StateActive })

	addr := c.LocalRTPAddr()
	if addr == nil {
		t.Fatal("no RTP endpoint bound")
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial rtp endpoint: %v", err)
	}
	defer conn.Close()

	// Minimal RTP packet: version 2, payload type 0, 160 bytes of
	// mu-law silence.
	pkt := make([]byte, 12+160)
	pkt[0] = 0x80
	binary.BigEndian.PutUint16(pkt[2:], 1)
	binary.BigEndian.PutUint32(pkt[4:], 160)
	binary.BigEndian.PutUint32(pkt[8:], 0x1234)
	for i := 12; i < len(pkt); i++ {
		pkt[i] = 0xFF
	}
	if _, err := conn.Write(pkt); err != nil {
		t.Fatalf("send rtp packet: %v", err)
	}

	waitFor(t, "audio to reach agent", func() bool { return agent.audioFrames() >= 1 })
	agent.mu.Lock()
	frame := agent.audio[0]
	agent.mu.Unlock()
	// 160 samples at 8 kHz resampled to 16 kHz is 320 samples of
	// 16-bit PCM.
	if len(frame) != 640 {
		t.Errorf("forwarded frame length = %d, want 640", len(frame))
	}
}
