// Package call ties one telephony channel to one voice-agent session: it
// drives the media setup on the control plane, keeps the agent connection
// alive with heartbeats, relays audio in both directions and plays agent
// responses back onto the channel.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/aribridge/internal/ari"
	"github.com/MrWong99/aribridge/internal/duplex"
	"github.com/MrWong99/aribridge/internal/observe"
	"github.com/MrWong99/aribridge/internal/relay"
	"github.com/MrWong99/aribridge/pkg/audio"
)

// State is the lifecycle phase of a call. Transitions only move forward;
// Closed is terminal.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateAwaitingReady
	StateActive
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// OutputMode selects how agent audio reaches the caller.
type OutputMode string

const (
	// OutputPlayback persists agent audio to files and plays them on the
	// channel through the control plane. Survives agent reconnects without
	// losing queued speech.
	OutputPlayback OutputMode = "playback"
	// OutputRTP converts agent audio back to telephony format and streams
	// it over the external media leg.
	OutputRTP OutputMode = "rtp"
)

const dialTimeout = 10 * time.Second

// Config carries the per-call knobs. All fields must be set by the caller;
// the config layer applies defaults.
type Config struct {
	AgentURL     string
	AgentInRate  int // sample rate of audio sent to the agent
	AgentOutRate int // sample rate of audio received from the agent

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RTPHost    string
	RTPPortMin int
	RTPPortMax int

	Output OutputMode
}

// Call is one bridged conversation. It implements duplex.Handler for the
// agent connection and relay's Sender for caller audio.
type Call struct {
	channelID string
	cfg       Config
	control   ari.ControlPlane
	metrics   *observe.Metrics
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu           sync.Mutex
	bridgeID     string
	client       *duplex.Client
	reconnecting bool
	mediaStarted bool
	snoopID      string
	extMediaID   string
	onClosed     func(reason string)

	relay *relay.Relay
	queue *playbackQueue

	connected  atomic.Bool
	agentReady atomic.Bool
	callerLeft atomic.Bool
	lastPong   atomic.Int64 // unix millis

	bytesToAgent   atomic.Uint64
	bytesFromAgent atomic.Uint64

	hbWg      sync.WaitGroup
	closeOnce sync.Once
}

// New prepares a call for channelID. Nothing touches the network until
// Start.
func New(channelID string, cfg Config, control ari.ControlPlane, metrics *observe.Metrics) *Call {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Call{
		channelID: channelID,
		cfg:       cfg,
		control:   control,
		metrics:   metrics,
		log:       slog.With("component", "call", "channel", channelID),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.state.Store(int32(StateCreated))
	c.queue = newPlaybackQueue(channelID, control, metrics, c.log)
	c.relay = relay.New(relay.Config{
		Host:         cfg.RTPHost,
		PortMin:      cfg.RTPPortMin,
		PortMax:      cfg.RTPPortMax,
		AgentInRate:  cfg.AgentInRate,
		AgentOutRate: cfg.AgentOutRate,
	}, channelID, c, c.mediaOpen, metrics)
	return c
}

// ChannelID returns the telephony channel this call serves.
func (c *Call) ChannelID() string { return c.channelID }

// CallerLeft marks the caller channel as already hung up; teardown then
// skips deleting it.
func (c *Call) CallerLeft() { c.callerLeft.Store(true) }

// OnTerminated registers fn to run once after the call reaches Closed.
// The event loop uses it to evict calls that terminate on their own, for
// example after a media setup failure.
func (c *Call) OnTerminated(fn func(reason string)) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

// State returns the current lifecycle phase.
func (c *Call) State() State { return State(c.state.Load()) }

func (c *Call) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debug("call state changed", "state", s)
}

// mediaOpen is the gate for both audio directions: frames only flow while
// the agent connection is up and the agent has signalled readiness.
func (c *Call) mediaOpen() bool {
	return c.connected.Load() && c.agentReady.Load()
}

// Start answers the channel, builds the mixing bridge and connects to the
// agent. Media setup is deferred until the agent reports ready.
func (c *Call) Start(ctx context.Context) error {
	c.setState(StateConnecting)

	if err := c.control.AnswerChannel(ctx, c.channelID); err != nil {
		return fmt.Errorf("call: answer channel: %w", err)
	}
	bridgeID, err := c.control.CreateBridge(ctx)
	if err != nil {
		return fmt.Errorf("call: create bridge: %w", err)
	}
	c.mu.Lock()
	c.bridgeID = bridgeID
	c.mu.Unlock()
	if err := c.control.AddChannelToBridge(ctx, bridgeID, c.channelID); err != nil {
		return fmt.Errorf("call: add channel to bridge: %w", err)
	}

	// The state must be in place before the dial: the agent's ready
	// status can arrive on the receive loop before Start regains control.
	c.setState(StateAwaitingReady)
	if err := c.connect(); err != nil {
		return err
	}

	c.hbWg.Add(1)
	go c.heartbeatLoop()

	c.log.Info("call started", "bridge", bridgeID)
	return nil
}

// connect dials the agent and announces the channel. The dial deadline is
// local to the attempt; the connection itself lives until Close.
func (c *Call) connect() error {
	dialCtx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()

	client, err := duplex.Dial(dialCtx, c.cfg.AgentURL, c)
	if err != nil {
		return fmt.Errorf("call: connect agent: %w", err)
	}
	if err := client.SendInit(c.channelID); err != nil {
		client.Close()
		return fmt.Errorf("call: announce channel: %w", err)
	}

	c.mu.Lock()
	// Terminate may have run between the dial and here; installing the
	// client now would leak the connection past teardown.
	if s := c.State(); s == StateTerminating || s == StateClosed {
		c.mu.Unlock()
		client.Close()
		return fmt.Errorf("call: connect agent: call is %s", s)
	}
	c.client = client
	c.mu.Unlock()
	c.lastPong.Store(time.Now().UnixMilli())
	c.connected.Store(true)
	return nil
}

// heartbeatLoop pings the agent on a fixed cadence and watches for pong
// staleness. A stale connection triggers one reconnect attempt, then the
// cadence resumes; a still-dead agent trips the watchdog again on a later
// tick.
func (c *Call) heartbeatLoop() {
	defer c.hbWg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		client := c.client
		c.mu.Unlock()
		if client != nil {
			if err := client.SendPing(c.channelID, time.Now().UnixMilli()); err != nil {
				c.log.Debug("heartbeat ping failed", "error", err)
			}
		}

		stale := time.Since(time.UnixMilli(c.lastPong.Load()))
		if stale > c.cfg.HeartbeatTimeout {
			c.log.Warn("agent heartbeat timed out", "stale", stale)
			c.reconnect("heartbeat_timeout")
		}
	}
}

// reconnect tears down the current agent connection and makes exactly one
// fresh dial attempt. Audio stays gated until the new session reports
// ready again.
func (c *Call) reconnect(reason string) {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	old := c.client
	c.client = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	if s := c.State(); s == StateTerminating || s == StateClosed {
		return
	}

	c.connected.Store(false)
	c.agentReady.Store(false)
	if old != nil {
		old.Close()
	}

	c.metrics.Reconnects.Add(c.ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	c.log.Info("reconnecting to agent", "reason", reason)

	// Drop back behind the readiness gate before dialing so a ready
	// status racing the dial is not lost.
	if c.State() == StateActive {
		c.setState(StateAwaitingReady)
	}
	if err := c.connect(); err != nil {
		c.log.Error("agent reconnect failed", "error", err)
		// Reset the pong baseline so the watchdog waits a full timeout
		// before the next attempt instead of spinning.
		c.lastPong.Store(time.Now().UnixMilli())
		return
	}
}

// startMedia opens the per-call media leg: a local RTP endpoint, a snoop of
// the caller's inbound audio and an external media channel pointed at that
// endpoint, joined into the bridge.
func (c *Call) startMedia(ctx context.Context) error {
	addr, err := c.relay.Start()
	if err != nil {
		return fmt.Errorf("call: start media relay: %w", err)
	}

	snoopID, err := c.control.SnoopChannel(ctx, c.channelID, "in")
	if err != nil {
		return fmt.Errorf("call: snoop channel: %w", err)
	}
	extMediaID, err := c.control.StartExternalMedia(ctx, addr.String(), "ulaw")
	if err != nil {
		return fmt.Errorf("call: start external media: %w", err)
	}

	c.mu.Lock()
	bridgeID := c.bridgeID
	c.snoopID = snoopID
	c.extMediaID = extMediaID
	c.mu.Unlock()
	if err := c.control.AddChannelToBridge(ctx, bridgeID, extMediaID); err != nil {
		return fmt.Errorf("call: add media channel to bridge: %w", err)
	}

	c.log.Info("media leg established", "rtp_addr", addr.String(), "external_media", extMediaID)
	return nil
}

// SendAudio forwards one converted caller frame to the agent. Taking the
// client under the lock lets the relay keep streaming across reconnects
// without being rewired.
func (c *Call) SendAudio(data []byte) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return errors.New("call: no agent connection")
	}
	if err := client.SendAudio(data); err != nil {
		return err
	}
	c.bytesToAgent.Add(uint64(len(data)))
	return nil
}

// LocalRTPAddr exposes the relay's bound endpoint, nil before media setup.
func (c *Call) LocalRTPAddr() *net.UDPAddr { return c.relay.LocalAddr() }

// OwnsChannel reports whether id is the call's own channel or one of the
// helper channels (snoop, external media) it created. The event loop uses
// this to tell fresh calls apart from channels the bridge itself spawned.
func (c *Call) OwnsChannel(id string) bool {
	if id == c.channelID {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return id == c.snoopID || id == c.extMediaID
}

// HandleDTMF forwards a digit pressed by the caller to the agent.
func (c *Call) HandleDTMF(digit string) {
	c.log.Info("dtmf received", "digit", digit)
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.SendDTMF(c.channelID, digit); err != nil {
		c.log.Warn("could not forward dtmf", "digit", digit, "error", err)
	}
}

// HandlePlaybackEvent routes a playback completion from the control plane
// to the queue.
func (c *Call) HandlePlaybackEvent(playbackID string, failed bool) {
	c.queue.OnPlaybackDone(c.ctx, playbackID, failed)
}

// OnStatus implements duplex.Handler.
func (c *Call) OnStatus(status, message string) {
	switch status {
	case duplex.StatusReady:
		c.agentReady.Store(true)
		if c.State() != StateAwaitingReady {
			return
		}
		c.mu.Lock()
		started := c.mediaStarted
		c.mu.Unlock()
		if started {
			// The media leg survives agent reconnects; reopening the
			// gate is all a repeat ready needs.
			c.setState(StateActive)
			return
		}
		if err := c.startMedia(c.ctx); err != nil {
			c.log.Error("media setup failed", "error", err)
			go c.Terminate("media_setup_failed")
			return
		}
		c.mu.Lock()
		c.mediaStarted = true
		c.mu.Unlock()
		c.setState(StateActive)
	case duplex.StatusNotReady:
		c.agentReady.Store(false)
	case duplex.StatusConnected:
		c.log.Debug("agent session established", "message", message)
	case duplex.StatusClosed, duplex.StatusTerminated:
		c.log.Info("agent closed session", "status", status, "message", message)
	default:
		c.log.Debug("unhandled agent status", "status", status, "message", message)
	}
}

// OnTranscript implements duplex.Handler.
func (c *Call) OnTranscript(t duplex.Transcript) {
	c.log.Info("transcript", "speaker", t.Speaker, "text", t.Text)
}

// OnActions implements duplex.Handler. Every action is acknowledged so the
// agent's tool loop can proceed; execution of side effects is up to the
// agent backend.
func (c *Call) OnActions(actions []duplex.Action) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	for _, a := range actions {
		c.log.Info("agent action", "function", a.FunctionName, "call_id", a.FunctionCallID)
		if client == nil {
			continue
		}
		if err := client.SendActionResponse(a.FunctionCallID, a.FunctionName, "acknowledged"); err != nil {
			c.log.Warn("could not acknowledge action", "function", a.FunctionName, "error", err)
		}
	}
}

// OnPong implements duplex.Handler.
func (c *Call) OnPong(int64) {
	c.lastPong.Store(time.Now().UnixMilli())
}

// OnAudio implements duplex.Handler. Routing depends on the configured
// output mode; both paths strip any container header first.
func (c *Call) OnAudio(data []byte) {
	c.bytesFromAgent.Add(uint64(len(data)))
	if c.cfg.Output == OutputRTP {
		c.relay.AgentAudio(data)
		return
	}
	pcm := audio.StripWAVHeader(data)
	if len(pcm) == 0 {
		return
	}
	ulaw := audio.EncodeMuLaw(audio.ResampleMono16(pcm, c.cfg.AgentOutRate, 8000))
	if err := c.queue.Enqueue(c.ctx, ulaw); err != nil {
		if !errors.Is(err, ErrQueueClosed) {
			c.log.Warn("could not queue agent audio", "error", err)
		}
		return
	}
	c.metrics.AudioBytesFromAgent.Add(c.ctx, int64(len(ulaw)))
}

// OnAudioComplete implements duplex.Handler.
func (c *Call) OnAudioComplete() {
	c.log.Debug("agent finished speaking")
}

// OnErrorMessage implements duplex.Handler.
func (c *Call) OnErrorMessage(message string) {
	c.log.Warn("agent reported error", "message", message)
}

// OnClosed implements duplex.Handler. An unexpected close while the call is
// live gets the same single-attempt recovery as a heartbeat timeout.
func (c *Call) OnClosed(err error) {
	if err == nil {
		return
	}
	if s := c.State(); s == StateTerminating || s == StateClosed {
		return
	}
	c.log.Warn("agent connection closed", "error", err)
	go c.reconnect("connection_closed")
}

// Terminate shuts the call down in order: agent session, heartbeat, media,
// playback, bridge. Safe to call from any goroutine and more than once.
func (c *Call) Terminate(reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateTerminating)
		c.log.Info("terminating call", "reason", reason)

		c.mu.Lock()
		client := c.client
		c.client = nil
		bridgeID := c.bridgeID
		snoopID := c.snoopID
		extMediaID := c.extMediaID
		c.mu.Unlock()

		if client != nil {
			if err := client.SendTerminate(c.channelID, reason); err != nil {
				c.log.Debug("terminate notice not delivered", "error", err)
			}
		}

		c.cancel()
		c.hbWg.Wait()

		c.connected.Store(false)
		c.agentReady.Store(false)
		c.relay.Stop()
		c.queue.Close()

		if client != nil {
			client.Close()
		}

		ctx, cancelCleanup := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelCleanup()
		// The snoop and external-media channels belong to this call.
		for _, id := range []string{snoopID, extMediaID} {
			if id == "" {
				continue
			}
			if err := c.control.DeleteChannel(ctx, id); err != nil {
				c.log.Debug("could not hang up helper channel", "channel", id, "error", err)
			}
		}
		// When the teardown originated here rather than with the caller,
		// the caller channel is still up and must be hung up too.
		if !c.callerLeft.Load() {
			if err := c.control.DeleteChannel(ctx, c.channelID); err != nil {
				c.log.Warn("could not hang up caller channel", "error", err)
			}
		}
		if bridgeID != "" {
			if err := c.control.DestroyBridge(ctx, bridgeID); err != nil {
				c.log.Warn("could not destroy bridge", "bridge", bridgeID, "error", err)
			}
		}

		c.setState(StateClosed)
		c.log.Info("call closed",
			"reason", reason,
			"bytes_to_agent", c.bytesToAgent.Load(),
			"bytes_from_agent", c.bytesFromAgent.Load())

		c.mu.Lock()
		notify := c.onClosed
		c.mu.Unlock()
		if notify != nil {
			notify(reason)
		}
	})
}
