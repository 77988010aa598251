package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/aribridge/internal/config"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
ari:
  url: http://localhost:8088/ari
  username: bridge
  password: secret
  application: aribridge
agent:
  url: ws://localhost:9090/session
  input_sample_rate: 16000
  output_sample_rate: 16000
  output_mode: playback
rtp:
  host: 127.0.0.1
  port_min: 10000
  port_max: 20000
heartbeat:
  interval: 5s
  timeout: 15s
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ARI.Application != "aribridge" {
		t.Errorf("ari.application: got %q, want %q", cfg.ARI.Application, "aribridge")
	}
	if cfg.Agent.OutputMode != config.OutputPlayback {
		t.Errorf("agent.output_mode: got %q, want %q", cfg.Agent.OutputMode, config.OutputPlayback)
	}
	if cfg.Heartbeat.Interval != 5*time.Second {
		t.Errorf("heartbeat.interval: got %s, want 5s", cfg.Heartbeat.Interval)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()
	yaml := `
ari:
  username: bridge
  password: secret
agent:
  url: ws://localhost:9090/session
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := config.Defaults()
	if cfg.Server.ListenAddr != def.Server.ListenAddr {
		t.Errorf("listen_addr default: got %q, want %q", cfg.Server.ListenAddr, def.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level default: got %q, want info", cfg.Server.LogLevel)
	}
	if cfg.RTP.PortMin != def.RTP.PortMin || cfg.RTP.PortMax != def.RTP.PortMax {
		t.Errorf("rtp port range default: got [%d, %d], want [%d, %d]",
			cfg.RTP.PortMin, cfg.RTP.PortMax, def.RTP.PortMin, def.RTP.PortMax)
	}
	if cfg.Heartbeat.Timeout != def.Heartbeat.Timeout {
		t.Errorf("heartbeat.timeout default: got %s, want %s", cfg.Heartbeat.Timeout, def.Heartbeat.Timeout)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := validYAML + `
extras:
  nope: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestValidate_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantSub string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "bananas" },
			wantSub: "server.log_level",
		},
		{
			name:    "missing ari credentials",
			mutate:  func(c *config.Config) { c.ARI.Username = "" },
			wantSub: "ari.username",
		},
		{
			name:    "missing agent url",
			mutate:  func(c *config.Config) { c.Agent.URL = "" },
			wantSub: "agent.url",
		},
		{
			name:    "agent url not websocket",
			mutate:  func(c *config.Config) { c.Agent.URL = "http://localhost:9090" },
			wantSub: "agent.url",
		},
		{
			name:    "bad output mode",
			mutate:  func(c *config.Config) { c.Agent.OutputMode = "tape" },
			wantSub: "agent.output_mode",
		},
		{
			name:    "inverted rtp port range",
			mutate:  func(c *config.Config) { c.RTP.PortMin = 30000; c.RTP.PortMax = 20000 },
			wantSub: "rtp.port_min",
		},
		{
			name: "timeout below interval",
			mutate: func(c *config.Config) {
				c.Heartbeat.Interval = 10 * time.Second
				c.Heartbeat.Timeout = 5 * time.Second
			},
			wantSub: "heartbeat.timeout",
		},
		{
			name:    "sample rate below telephony floor",
			mutate:  func(c *config.Config) { c.Agent.InputSampleRate = 4000 },
			wantSub: "agent.input_sample_rate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
			if err != nil {
				t.Fatalf("base config invalid: %v", err)
			}
			tt.mutate(cfg)
			err = config.Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error should mention %q, got: %v", tt.wantSub, err)
			}
		})
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	cfg.Server.LogLevel = "loud"
	cfg.ARI.Password = ""
	cfg.Agent.URL = ""
	err = config.Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	for _, sub := range []string{"server.log_level", "ari.password", "agent.url"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("joined error should mention %q, got: %v", sub, err)
		}
	}
}
