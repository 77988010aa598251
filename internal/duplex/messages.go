package duplex

import "encoding/json"

// Status values carried by status messages from the agent relay.
const (
	StatusConnected  = "connected"
	StatusReady      = "ready"
	StatusNotReady   = "not_ready"
	StatusClosed     = "closed"
	StatusTerminated = "terminated"
)

// ── Outbound control messages ─────────────────────────────────────────────────

type initMessage struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}

type pingMessage struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	Timestamp int64  `json:"timestamp"`
}

type dtmfMessage struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	Digit     string `json:"digit"`
}

type terminateMessage struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	Reason    string `json:"reason,omitempty"`
}

type actionResponseMessage struct {
	Type           string                `json:"type"`
	FunctionCallID string                `json:"function_call_id"`
	FunctionName   string                `json:"function_name"`
	Response       actionResponsePayload `json:"response"`
}

type actionResponsePayload struct {
	Confirmation string `json:"confirmation"`
}

// ── Inbound messages ──────────────────────────────────────────────────────────

// Transcript is one speech-to-text fragment reported by the agent.
type Transcript struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Action is one function-call request issued by the agent. Fields beyond the
// identifying pair are preserved raw for the action-response path.
type Action struct {
	FunctionCallID string          `json:"function_call_id"`
	FunctionName   string          `json:"function_name"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
}

// serverMessage is the envelope for every JSON frame the agent relay sends.
// Only the fields relevant to the message's Type are populated.
type serverMessage struct {
	Type string `json:"type"`

	// status
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	// transcript
	Data *Transcript `json:"data,omitempty"`

	// actions
	Actions []Action `json:"actions,omitempty"`

	// pong
	Timestamp int64 `json:"timestamp,omitempty"`
}
