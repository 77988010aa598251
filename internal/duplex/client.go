// Package duplex implements the bidirectional message channel between one
// call and the agent relay service. A single websocket connection carries
// JSON control messages as text frames and raw audio as binary frames.
//
// Some intermediaries do not preserve the websocket frame-type flag, so
// binary frames beginning with '{' are treated as misdelivered JSON control
// messages. That check is the one and only text-vs-binary disambiguation
// point in the system.
package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// maxMessageSize bounds a single frame; agent audio chunks can be large.
const maxMessageSize = 1 << 20

// Handler receives inbound messages from the channel's read loop. Callbacks
// are invoked sequentially from a single goroutine. OnClosed is called
// exactly once, last, with the read error (nil after a clean local Close).
type Handler interface {
	OnStatus(status, message string)
	OnTranscript(t Transcript)
	OnActions(actions []Action)
	OnPong(timestamp int64)
	OnAudio(data []byte)
	OnAudioComplete()
	OnErrorMessage(message string)
	OnClosed(err error)
}

// Client is one duplex channel connection. Create with [Dial]; all Send
// methods are safe for concurrent use.
type Client struct {
	conn    *websocket.Conn
	handler Handler
	log     *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	writeMu sync.Mutex
}

// Dial connects to the agent relay at url and starts the read loop.
// The context bounds the dial only; the connection itself lives until Close.
func Dial(ctx context.Context, url string, handler Handler) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("duplex: dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		handler: handler,
		log:     slog.Default().With("duplex_url", url),
		ctx:     connCtx,
		cancel:  cancel,
	}
	go c.receiveLoop()
	return c, nil
}

// SendInit announces the call to the agent relay.
func (c *Client) SendInit(channelID string) error {
	return c.writeJSON(initMessage{Type: "init", ChannelID: channelID})
}

// SendPing sends a heartbeat ping carrying the current timestamp in
// milliseconds.
func (c *Client) SendPing(channelID string, timestampMillis int64) error {
	return c.writeJSON(pingMessage{Type: "ping", ChannelID: channelID, Timestamp: timestampMillis})
}

// SendDTMF reports a key press by the caller.
func (c *Client) SendDTMF(channelID, digit string) error {
	return c.writeJSON(dtmfMessage{Type: "dtmf", ChannelID: channelID, Digit: digit})
}

// SendTerminate tells the agent relay the call is going away. Best effort;
// callers typically ignore the error during teardown.
func (c *Client) SendTerminate(channelID, reason string) error {
	return c.writeJSON(terminateMessage{Type: "terminate", ChannelID: channelID, Reason: reason})
}

// SendActionResponse confirms a function-call request, echoing its
// correlation id and name.
func (c *Client) SendActionResponse(functionCallID, functionName, confirmation string) error {
	return c.writeJSON(actionResponseMessage{
		Type:           "action_response",
		FunctionCallID: functionCallID,
		FunctionName:   functionName,
		Response:       actionResponsePayload{Confirmation: confirmation},
	})
}

// SendAudio sends one converted audio frame as a binary websocket frame.
func (c *Client) SendAudio(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(c.ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("duplex: send audio: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call multiple times; after the
// first call the read loop reports OnClosed with a nil error.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close(websocket.StatusNormalClosure, "bye")
	})
	return err
}

// writeJSON marshals v and writes it as a text websocket frame.
func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("duplex: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("duplex: send: %w", err)
	}
	return nil
}

// receiveLoop reads frames until the connection dies and dispatches them to
// the handler. It owns the OnClosed notification.
func (c *Client) receiveLoop() {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				c.handler.OnClosed(nil)
			} else {
				c.handler.OnClosed(err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			// Frame-type flag may be lost in transit: a binary frame that
			// starts with '{' is really a JSON control message.
			if len(data) > 0 && data[0] == '{' {
				c.dispatchControl(data)
				continue
			}
			c.handler.OnAudio(data)
			continue
		}
		c.dispatchControl(data)
	}
}

// dispatchControl decodes one JSON control message and routes it.
func (c *Client) dispatchControl(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("discarding unparseable control message", "bytes", len(data), "err", err)
		return
	}

	switch msg.Type {
	case "status":
		c.handler.OnStatus(msg.Status, msg.Message)
	case "transcript":
		if msg.Data != nil {
			c.handler.OnTranscript(*msg.Data)
		}
	case "actions":
		if len(msg.Actions) > 0 {
			c.handler.OnActions(msg.Actions)
		}
	case "pong":
		c.handler.OnPong(msg.Timestamp)
	case "audioComplete":
		c.handler.OnAudioComplete()
	case "error":
		c.handler.OnErrorMessage(msg.Message)
	default:
		c.log.Debug("ignoring unknown control message", "type", msg.Type)
	}
}
