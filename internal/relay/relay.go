// Package relay converts and forwards audio between one call's RTP leg and
// its duplex channel to the agent. Inbound μ-law RTP payload becomes linear
// PCM at the agent's input rate; agent audio comes back as linear PCM, is
// companded to μ-law and returned to the switch as sequenced RTP.
//
// The relay takes no part in call signaling. It is gated: until the owning
// call reports itself connected and the agent ready, frames in both
// directions are dropped rather than buffered — stale live audio is worthless.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/aribridge/internal/observe"
	"github.com/MrWong99/aribridge/internal/rtp"
	"github.com/MrWong99/aribridge/pkg/audio"
)

// telephonyRate is the sample rate of the G.711 call leg.
const telephonyRate = 8000

// rtpFrameBytes is the μ-law payload size of one outbound RTP packet:
// 20ms at 8kHz. Larger agent chunks are split into frames of this size.
const rtpFrameBytes = 160

// maxBindAttempts bounds the random port search within the configured range.
const maxBindAttempts = 10

// ErrStopped is returned by Start after the relay has been stopped.
var ErrStopped = errors.New("relay: stopped")

// Sender delivers converted caller audio to the agent. Implemented by the
// call layer so the relay survives duplex-channel reconnects.
type Sender interface {
	SendAudio(data []byte) error
}

// Config holds the static audio and transport parameters of a relay.
type Config struct {
	// Host is the address RTP sockets bind to.
	Host string

	// PortMin and PortMax bound the UDP port range; each relay picks a
	// random port inside it to avoid collisions across concurrent calls.
	PortMin, PortMax int

	// AgentInRate is the sample rate (Hz) the agent expects for caller audio.
	AgentInRate int

	// AgentOutRate is the sample rate (Hz) of audio the agent produces.
	AgentOutRate int
}

// state is the relay lifecycle: Idle until Start, Active while relaying,
// Stopped after Stop. Stopped is terminal.
type state int

const (
	stateIdle state = iota
	stateActive
	stateStopped
)

// Relay is the per-call media pipeline between RTP and the duplex channel.
type Relay struct {
	cfg     Config
	sender  Sender
	gate    func() bool
	metrics *observe.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	st     state
	server *rtp.Server
}

// New creates an idle relay. gate is consulted before relaying each frame;
// sender receives converted caller audio. Metrics may be nil to use the
// package defaults. The logger is tagged with the owning call's channel id.
func New(cfg Config, channelID string, sender Sender, gate func() bool, metrics *observe.Metrics) *Relay {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Relay{
		cfg:     cfg,
		sender:  sender,
		gate:    gate,
		metrics: metrics,
		log:     slog.Default().With("channel_id", channelID),
	}
}

// Start binds an RTP server on a random port within the configured range and
// begins relaying. It returns the bound address so the caller can point the
// telephony switch at it. Ports already in use are retried with a different
// random pick, up to a bounded number of attempts.
func (r *Relay) Start() (*net.UDPAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.st {
	case stateActive:
		return nil, fmt.Errorf("relay: already active on %s", r.server.LocalAddr())
	case stateStopped:
		return nil, ErrStopped
	}

	span := r.cfg.PortMax - r.cfg.PortMin + 1
	if span < 1 {
		return nil, fmt.Errorf("relay: invalid port range %d-%d", r.cfg.PortMin, r.cfg.PortMax)
	}

	var lastErr error
	for range maxBindAttempts {
		port := r.cfg.PortMin + rand.IntN(span)
		server := rtp.NewServer(r.onPacket, r.metrics)
		if err := server.Start(r.cfg.Host, port); err != nil {
			lastErr = err
			continue
		}
		r.server = server
		r.st = stateActive
		addr := server.LocalAddr()
		r.log.Info("media relay active", "addr", addr.String())
		return addr, nil
	}
	return nil, fmt.Errorf("relay: no free port in %d-%d after %d attempts: %w",
		r.cfg.PortMin, r.cfg.PortMax, maxBindAttempts, lastErr)
}

// onPacket converts one inbound RTP payload and forwards it to the agent.
func (r *Relay) onPacket(p rtp.Packet) {
	if len(p.Payload) == 0 {
		return
	}
	if !r.gate() {
		r.metrics.FramesDropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("direction", "inbound")))
		return
	}

	pcm := audio.DecodeMuLaw(p.Payload)
	pcm = audio.ResampleMono16(pcm, telephonyRate, r.cfg.AgentInRate)

	if err := r.sender.SendAudio(pcm); err != nil {
		r.log.Warn("failed to forward caller audio", "err", err)
		return
	}
	r.metrics.AudioBytesToAgent.Add(context.Background(), int64(len(pcm)))
}

// AgentAudio converts one agent audio chunk and sends it to the telephony
// leg as RTP. Chunks larger than one packet are split into 20ms frames.
func (r *Relay) AgentAudio(data []byte) {
	r.mu.Lock()
	server := r.server
	active := r.st == stateActive
	r.mu.Unlock()

	if !active || !r.gate() {
		r.metrics.FramesDropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("direction", "outbound")))
		return
	}

	pcm := audio.StripWAVHeader(data)
	pcm = audio.ResampleMono16(pcm, r.cfg.AgentOutRate, telephonyRate)
	mulaw := audio.EncodeMuLaw(pcm)

	for off := 0; off < len(mulaw); off += rtpFrameBytes {
		end := min(off+rtpFrameBytes, len(mulaw))
		if !server.Send(mulaw[off:end], nil) {
			r.log.Warn("rtp send dropped agent audio", "bytes", len(mulaw)-off)
			return
		}
	}
	r.metrics.AudioBytesFromAgent.Add(context.Background(), int64(len(mulaw)))
}

// LocalAddr returns the bound RTP address, or nil while Idle or Stopped.
func (r *Relay) LocalAddr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.server == nil {
		return nil
	}
	return r.server.LocalAddr()
}

// Stop shuts the relay down and releases its socket. Idempotent; a stopped
// relay cannot be restarted.
func (r *Relay) Stop() {
	r.mu.Lock()
	server := r.server
	r.server = nil
	already := r.st == stateStopped
	r.st = stateStopped
	r.mu.Unlock()

	if already {
		return
	}
	if server != nil {
		server.Stop()
	}
	r.log.Info("media relay stopped")
}
