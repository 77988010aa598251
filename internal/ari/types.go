package ari

// EventType identifies a control-plane event delivered over the ARI
// application websocket.
type EventType string

const (
	// EventStasisStart fires when a channel enters the bridge application.
	EventStasisStart EventType = "StasisStart"

	// EventStasisEnd fires when a channel leaves the application, which for
	// this bridge means the telephony leg ended.
	EventStasisEnd EventType = "StasisEnd"

	// EventPlaybackFinished fires when a queued media playback completes.
	EventPlaybackFinished EventType = "PlaybackFinished"

	// EventPlaybackFailed fires when a media playback could not complete.
	EventPlaybackFailed EventType = "PlaybackFailed"

	// EventChannelDtmfReceived fires when the remote party presses a key.
	EventChannelDtmfReceived EventType = "ChannelDtmfReceived"
)

// Event is one control-plane event, reduced to the fields the bridge needs.
type Event struct {
	Type EventType

	// ChannelID identifies the telephony channel the event concerns. For
	// playback events it is derived from the playback target.
	ChannelID string

	// Args carries the application arguments from StasisStart.
	Args []string

	// PlaybackID identifies the playback for playback events.
	PlaybackID string

	// Digit is the DTMF digit for ChannelDtmfReceived.
	Digit string
}

// rawEvent is the wire shape of an ARI event envelope. Only the fields the
// bridge consumes are declared.
type rawEvent struct {
	Type EventType `json:"type"`

	Channel *struct {
		ID string `json:"id"`
	} `json:"channel,omitempty"`

	Args []string `json:"args,omitempty"`

	Playback *struct {
		ID        string `json:"id"`
		TargetURI string `json:"target_uri"`
	} `json:"playback,omitempty"`

	Digit string `json:"digit,omitempty"`
}

// bridgeResource is the wire shape of an ARI bridge.
type bridgeResource struct {
	ID string `json:"id"`
}

// channelResource is the wire shape of an ARI channel.
type channelResource struct {
	ID string `json:"id"`
}

// playbackResource is the wire shape of an ARI playback handle.
type playbackResource struct {
	ID string `json:"id"`
}
