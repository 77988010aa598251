// Package ari is a thin client for the Asterisk REST Interface, covering the
// handful of operations the bridge needs: answering channels, mixing bridges,
// snoop and external-media channels, media playback, and the application
// event websocket.
//
// The rest of the system consumes the [ControlPlane] interface; tests use the
// mock subpackage instead of a live Asterisk.
package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// ControlPlane is the telephony control surface consumed by the call layer.
// All operations are synchronous; completion of asynchronous work (playback
// finishing, channels leaving) is delivered as an [Event].
type ControlPlane interface {
	// AnswerChannel answers an incoming channel.
	AnswerChannel(ctx context.Context, channelID string) error

	// CreateBridge creates a mixing bridge and returns its id.
	CreateBridge(ctx context.Context) (string, error)

	// AddChannelToBridge places a channel into a bridge.
	AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error

	// SnoopChannel creates an audio tap on a channel, spying in the given
	// direction ("in", "out" or "both"), and returns the snoop channel id.
	SnoopChannel(ctx context.Context, channelID, spy string) (string, error)

	// StartExternalMedia creates an external-media channel that exchanges
	// the application's audio as RTP with host:port in the given format
	// (e.g. "ulaw"). Returns the external-media channel id.
	StartExternalMedia(ctx context.Context, hostPort, format string) (string, error)

	// Play starts playback of a media resource on a channel and returns the
	// playback id. Completion arrives as EventPlaybackFinished.
	Play(ctx context.Context, channelID, mediaURI string) (string, error)

	// DestroyBridge tears a bridge down.
	DestroyBridge(ctx context.Context, bridgeID string) error

	// DeleteChannel hangs a channel up. Used for the helper channels the
	// bridge creates itself; caller channels hang up on their own.
	DeleteChannel(ctx context.Context, channelID string) error
}

// Config holds connection settings for an Asterisk ARI endpoint.
type Config struct {
	// URL is the base ARI URL, e.g. "http://localhost:8088/ari".
	URL string

	// Username and Password authenticate against ARI.
	Username string
	Password string

	// Application is the Stasis application name events are subscribed to.
	Application string
}

// Client talks to a live Asterisk over ARI. It satisfies [ControlPlane].
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

var _ ControlPlane = (*Client)(nil)

// NewClient creates an ARI client. The HTTP client applies a conservative
// per-request timeout; pass a context with a tighter deadline to shorten it.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  slog.Default().With("ari_app", cfg.Application),
	}
}

// AnswerChannel answers an incoming channel.
func (c *Client) AnswerChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil, nil)
}

// CreateBridge creates a mixing bridge and returns its id.
func (c *Client) CreateBridge(ctx context.Context) (string, error) {
	var bridge bridgeResource
	q := url.Values{"type": {"mixing"}}
	if err := c.do(ctx, http.MethodPost, "/bridges", q, &bridge); err != nil {
		return "", err
	}
	return bridge.ID, nil
}

// AddChannelToBridge places a channel into a bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	return c.do(ctx, http.MethodPost, "/bridges/"+url.PathEscape(bridgeID)+"/addChannel", q, nil)
}

// SnoopChannel creates an audio tap on a channel.
func (c *Client) SnoopChannel(ctx context.Context, channelID, spy string) (string, error) {
	var ch channelResource
	q := url.Values{
		"spy": {spy},
		"app": {c.cfg.Application},
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/snoop", q, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

// StartExternalMedia creates an external-media channel targeting hostPort.
func (c *Client) StartExternalMedia(ctx context.Context, hostPort, format string) (string, error) {
	var ch channelResource
	q := url.Values{
		"app":           {c.cfg.Application},
		"external_host": {hostPort},
		"format":        {format},
	}
	if err := c.do(ctx, http.MethodPost, "/channels/externalMedia", q, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

// Play starts playback of a media resource on a channel.
func (c *Client) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	var pb playbackResource
	q := url.Values{"media": {mediaURI}}
	if err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play", q, &pb); err != nil {
		return "", err
	}
	return pb.ID, nil
}

// DestroyBridge tears a bridge down.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+url.PathEscape(bridgeID), nil, nil)
}

// DeleteChannel hangs a channel up.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil, nil)
}

// Ping verifies the control plane is reachable and authenticated by fetching
// engine info. Used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/asterisk/info", nil, nil)
}

// do issues one ARI request and decodes the JSON response into out when
// out is non-nil. Non-2xx responses become errors carrying the body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	reqURL := c.cfg.URL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("ari: build request %s %s: %w", method, path, err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ari: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ari: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ari: decode %s %s response: %w", method, path, err)
	}
	return nil
}

// Listen connects to the ARI application event websocket and delivers events
// on the returned channel until ctx is cancelled or the connection drops.
// The channel is closed when the read loop exits.
func (c *Client) Listen(ctx context.Context) (<-chan Event, error) {
	wsBase := strings.Replace(c.cfg.URL, "http", "ws", 1)
	q := url.Values{
		"app":     {c.cfg.Application},
		"api_key": {c.cfg.Username + ":" + c.cfg.Password},
	}
	wsURL := wsBase + "/events?" + q.Encode()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ari: dial events: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer conn.Close(websocket.StatusNormalClosure, "shutting down")

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("ari event stream closed", "err", err)
				}
				return
			}
			evt, ok := parseEvent(data)
			if !ok {
				continue
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// parseEvent reduces a raw ARI event to the bridge's [Event]. Unknown event
// types are dropped.
func parseEvent(data []byte) (Event, bool) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, false
	}

	evt := Event{Type: raw.Type, Args: raw.Args, Digit: raw.Digit}
	if raw.Channel != nil {
		evt.ChannelID = raw.Channel.ID
	}
	if raw.Playback != nil {
		evt.PlaybackID = raw.Playback.ID
		// target_uri is "channel:<id>" for channel playbacks.
		if id, ok := strings.CutPrefix(raw.Playback.TargetURI, "channel:"); ok {
			evt.ChannelID = id
		}
	}

	switch raw.Type {
	case EventStasisStart, EventStasisEnd, EventPlaybackFinished, EventPlaybackFailed, EventChannelDtmfReceived:
		return evt, true
	default:
		return Event{}, false
	}
}
