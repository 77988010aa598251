// Package config provides the configuration schema and loader for the
// telephony bridge.
package config

import "time"

// LogLevel controls log verbosity for the bridge.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// OutputMode selects how agent audio is returned to the caller.
type OutputMode string

const (
	// OutputPlayback queues agent audio as file playbacks on the channel.
	OutputPlayback OutputMode = "playback"

	// OutputRTP streams agent audio back over the external media leg.
	OutputRTP OutputMode = "rtp"
)

// IsValid reports whether m is a recognised output mode.
func (m OutputMode) IsValid() bool {
	return m == OutputPlayback || m == OutputRTP
}

// Config is the root configuration structure for the bridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	ARI       ARIConfig       `yaml:"ari"`
	Agent     AgentConfig     `yaml:"agent"`
	RTP       RTPConfig       `yaml:"rtp"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// ServerConfig holds network and logging settings for the bridge's own
// HTTP surface (health and metrics).
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ARIConfig holds the connection settings for the telephony control plane.
type ARIConfig struct {
	// URL is the base REST endpoint (e.g., "http://localhost:8088/ari").
	URL string `yaml:"url"`

	// Username and Password authenticate every REST call and the event
	// websocket.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Application is the Stasis application name calls are routed to.
	Application string `yaml:"application"`
}

// AgentConfig holds the voice-agent connection and audio settings.
type AgentConfig struct {
	// URL is the websocket endpoint of the agent relay
	// (e.g., "ws://localhost:9090/session").
	URL string `yaml:"url"`

	// InputSampleRate is the rate, in Hz, of PCM sent to the agent.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate, in Hz, of PCM received from the agent.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// OutputMode selects how agent audio reaches the caller.
	OutputMode OutputMode `yaml:"output_mode"`
}

// RTPConfig holds the local media endpoint settings.
type RTPConfig struct {
	// Host is the address external media is directed to. It must be
	// reachable from the telephony engine.
	Host string `yaml:"host"`

	// PortMin and PortMax bound the UDP port range per-call endpoints
	// are allocated from.
	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`
}

// HeartbeatConfig tunes the agent connection watchdog.
type HeartbeatConfig struct {
	// Interval is how often a ping is sent.
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the bridge waits for a pong before treating
	// the connection as dead.
	Timeout time.Duration `yaml:"timeout"`
}

// Defaults returns a Config populated with the values used when a field is
// left unset in the file.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		ARI: ARIConfig{
			URL:         "http://localhost:8088/ari",
			Application: "aribridge",
		},
		Agent: AgentConfig{
			InputSampleRate:  16000,
			OutputSampleRate: 16000,
			OutputMode:       OutputPlayback,
		},
		RTP: RTPConfig{
			Host:    "127.0.0.1",
			PortMin: 10000,
			PortMax: 20000,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 5 * time.Second,
			Timeout:  15 * time.Second,
		},
	}
}

// applyDefaults fills zero-valued fields from [Defaults].
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = def.Server.ListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.ARI.URL == "" {
		cfg.ARI.URL = def.ARI.URL
	}
	if cfg.ARI.Application == "" {
		cfg.ARI.Application = def.ARI.Application
	}
	if cfg.Agent.InputSampleRate == 0 {
		cfg.Agent.InputSampleRate = def.Agent.InputSampleRate
	}
	if cfg.Agent.OutputSampleRate == 0 {
		cfg.Agent.OutputSampleRate = def.Agent.OutputSampleRate
	}
	if cfg.Agent.OutputMode == "" {
		cfg.Agent.OutputMode = def.Agent.OutputMode
	}
	if cfg.RTP.Host == "" {
		cfg.RTP.Host = def.RTP.Host
	}
	if cfg.RTP.PortMin == 0 {
		cfg.RTP.PortMin = def.RTP.PortMin
	}
	if cfg.RTP.PortMax == 0 {
		cfg.RTP.PortMax = def.RTP.PortMax
	}
	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if cfg.Heartbeat.Timeout == 0 {
		cfg.Heartbeat.Timeout = def.Heartbeat.Timeout
	}
}
