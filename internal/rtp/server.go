// Package rtp terminates a raw UDP RTP stream from the telephony switch and
// sends sequenced RTP packets back. It does not interpret payload bytes;
// codec conversion happens in the relay layer above.
//
// One Server serves exactly one call leg. The remote endpoint is learned from
// the first inbound datagram and reused as the send target, matching how
// Asterisk external-media channels behave.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/MrWong99/aribridge/internal/observe"
)

// headerSize is the fixed RTP v2 header length without CSRC or extensions.
const headerSize = 12

// statsInterval is how often per-socket traffic counters are logged and reset.
const statsInterval = 10 * time.Second

// PayloadTypePCMU is the static RTP payload type for G.711 μ-law.
const PayloadTypePCMU = 0

// ErrNotRunning is returned by Start when the server is already stopped and
// reported by Send via its false return.
var ErrNotRunning = errors.New("rtp: server not running")

// Packet is one parsed inbound RTP packet delivered to the handler.
type Packet struct {
	Payload        []byte
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	PayloadType    uint8
	Marker         bool
	Source         *net.UDPAddr
}

// Handler receives inbound packets from the read loop. It is invoked
// sequentially in arrival order; a slow handler delays subsequent packets
// rather than reordering them.
type Handler func(Packet)

// endpoint tracks one remote sender for liveness and debugging.
type endpoint struct {
	addr     *net.UDPAddr
	lastSeen time.Time
	packets  uint64
}

// Server owns one UDP socket and the RTP framing state for a single call.
type Server struct {
	handler Handler
	metrics *observe.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	conn      *net.UDPConn
	running   bool
	remote    *net.UDPAddr
	endpoints map[string]*endpoint

	// Outbound framing state. SSRC is chosen once per Server lifetime;
	// the sequence number advances by exactly one per packet sent and the
	// timestamp by the payload's sample count.
	seq       uint16
	timestamp uint32
	ssrc      uint32
	sentAny   bool

	// Window counters, reset every statsInterval.
	packetsIn, bytesIn   uint64
	packetsOut, bytesOut uint64
	malformed            uint64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a Server that delivers inbound packets to handler.
// Metrics may be nil, in which case the package default instruments are used.
func NewServer(handler Handler, metrics *observe.Metrics) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		handler:   handler,
		metrics:   metrics,
		log:       slog.Default(),
		endpoints: make(map[string]*endpoint),
		seq:       uint16(rand.Uint32()),
		timestamp: rand.Uint32(),
		ssrc:      rand.Uint32(),
		done:      make(chan struct{}),
	}
}

// Start binds the UDP socket on host:port and launches the read and stats
// loops. A bind failure is fatal to this server; the wrapped error carries
// the address for correlation.
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("rtp: already listening on %s", s.conn.LocalAddr())
	}
	select {
	case <-s.done:
		return ErrNotRunning
	default:
	}

	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("rtp: bind %s:%d: %w", host, port, err)
	}
	s.conn = conn
	s.running = true
	s.log = slog.Default().With("rtp_addr", conn.LocalAddr().String())

	s.wg.Add(2)
	go s.readLoop(conn)
	go s.statsLoop()

	s.log.Info("rtp server listening", "ssrc", s.ssrc)
	return nil
}

// LocalAddr returns the bound UDP address, or nil before Start.
func (s *Server) LocalAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	addr, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Send builds the next RTP packet around payload and sends it to the target,
// or to the last-seen remote endpoint when target is nil. It reports whether
// the packet was written; it never returns an error so that transient send
// problems cannot abort the relay loop.
func (s *Server) Send(payload []byte, target *net.UDPAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.conn == nil {
		return false
	}
	if target == nil {
		target = s.remote
	}
	if target == nil {
		return false
	}

	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         !s.sentAny,
			PayloadType:    PayloadTypePCMU,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		s.log.Warn("rtp marshal failed", "err", err)
		return false
	}
	if _, err := s.conn.WriteToUDP(raw, target); err != nil {
		s.log.Warn("rtp send failed", "target", target.String(), "err", err)
		return false
	}

	// μ-law carries one sample per payload byte.
	s.seq++
	s.timestamp += uint32(len(payload))
	s.sentAny = true
	s.packetsOut++
	s.bytesOut += uint64(len(payload))
	s.metrics.RTPPacketsOut.Add(context.Background(), 1)
	s.metrics.RTPBytesOut.Add(context.Background(), int64(len(payload)))
	return true
}

// Stop cancels the stats loop, closes the socket and clears tracked
// endpoints. Safe to call multiple times.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		s.running = false
		conn := s.conn
		s.conn = nil
		s.remote = nil
		s.endpoints = make(map[string]*endpoint)
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		s.wg.Wait()
		s.log.Info("rtp server stopped")
	})
}

// readLoop receives datagrams until the socket is closed.
func (s *Server) readLoop(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("rtp read failed", "err", err)
			}
			return
		}
		s.onDatagram(buf[:n], src)
	}
}

// onDatagram validates, parses and dispatches one inbound datagram.
func (s *Server) onDatagram(data []byte, src *net.UDPAddr) {
	if len(data) < headerSize {
		s.mu.Lock()
		s.malformed++
		s.mu.Unlock()
		s.metrics.RTPMalformed.Add(context.Background(), 1)
		s.log.Warn("dropping undersized rtp datagram", "bytes", len(data), "src", src.String())
		return
	}

	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		s.mu.Lock()
		s.malformed++
		s.mu.Unlock()
		s.metrics.RTPMalformed.Add(context.Background(), 1)
		s.log.Warn("dropping unparseable rtp datagram", "bytes", len(data), "src", src.String(), "err", err)
		return
	}

	s.registerEndpoint(src)

	s.mu.Lock()
	s.packetsIn++
	s.bytesIn += uint64(len(pkt.Payload))
	s.mu.Unlock()
	s.metrics.RTPPacketsIn.Add(context.Background(), 1)
	s.metrics.RTPBytesIn.Add(context.Background(), int64(len(pkt.Payload)))

	if s.handler == nil {
		return
	}
	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)
	s.handler(Packet{
		Payload:        payload,
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		SSRC:           pkt.SSRC,
		PayloadType:    pkt.PayloadType,
		Marker:         pkt.Marker,
		Source:         src,
	})
}

// registerEndpoint records the sender, announcing it on first sight. The most
// recent sender becomes the default Send target.
func (s *Server) registerEndpoint(src *net.UDPAddr) {
	key := src.String()

	s.mu.Lock()
	ep, known := s.endpoints[key]
	if !known {
		ep = &endpoint{addr: src}
		s.endpoints[key] = ep
	}
	ep.lastSeen = time.Now()
	ep.packets++
	s.remote = ep.addr
	s.mu.Unlock()

	if !known {
		s.log.Info("rtp client connected", "client", key)
	}
}

// statsLoop periodically logs traffic counters and resets the window.
func (s *Server) statsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			in, inB := s.packetsIn, s.bytesIn
			out, outB := s.packetsOut, s.bytesOut
			bad := s.malformed
			s.packetsIn, s.bytesIn = 0, 0
			s.packetsOut, s.bytesOut = 0, 0
			s.malformed = 0
			clients := len(s.endpoints)
			s.mu.Unlock()

			if in == 0 && out == 0 && bad == 0 {
				continue
			}
			s.log.Debug("rtp traffic",
				"packets_in", in,
				"bytes_in", inB,
				"packets_out", out,
				"bytes_out", outB,
				"malformed", bad,
				"clients", clients,
			)
		}
	}
}
