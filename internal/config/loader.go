package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Control plane
	if u, err := url.Parse(cfg.ARI.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("ari.url %q is not a valid http(s) URL", cfg.ARI.URL))
	}
	if cfg.ARI.Username == "" {
		errs = append(errs, errors.New("ari.username is required"))
	}
	if cfg.ARI.Password == "" {
		errs = append(errs, errors.New("ari.password is required"))
	}
	if cfg.ARI.Application == "" {
		errs = append(errs, errors.New("ari.application is required"))
	}

	// Agent
	if cfg.Agent.URL == "" {
		errs = append(errs, errors.New("agent.url is required"))
	} else if u, err := url.Parse(cfg.Agent.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("agent.url %q is not a valid ws(s) URL", cfg.Agent.URL))
	}
	if cfg.Agent.InputSampleRate < 8000 {
		errs = append(errs, fmt.Errorf("agent.input_sample_rate %d is below the 8000 Hz minimum", cfg.Agent.InputSampleRate))
	}
	if cfg.Agent.OutputSampleRate < 8000 {
		errs = append(errs, fmt.Errorf("agent.output_sample_rate %d is below the 8000 Hz minimum", cfg.Agent.OutputSampleRate))
	}
	if !cfg.Agent.OutputMode.IsValid() {
		errs = append(errs, fmt.Errorf("agent.output_mode %q is invalid; valid values: playback, rtp", cfg.Agent.OutputMode))
	}

	// RTP port range
	if cfg.RTP.PortMin < 1 || cfg.RTP.PortMin > 65535 {
		errs = append(errs, fmt.Errorf("rtp.port_min %d is out of range [1, 65535]", cfg.RTP.PortMin))
	}
	if cfg.RTP.PortMax < 1 || cfg.RTP.PortMax > 65535 {
		errs = append(errs, fmt.Errorf("rtp.port_max %d is out of range [1, 65535]", cfg.RTP.PortMax))
	}
	if cfg.RTP.PortMin > cfg.RTP.PortMax {
		errs = append(errs, fmt.Errorf("rtp.port_min %d is greater than rtp.port_max %d", cfg.RTP.PortMin, cfg.RTP.PortMax))
	}

	// Heartbeat
	if cfg.Heartbeat.Interval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval %s must be positive", cfg.Heartbeat.Interval))
	}
	if cfg.Heartbeat.Timeout <= cfg.Heartbeat.Interval {
		errs = append(errs, fmt.Errorf("heartbeat.timeout %s must be greater than heartbeat.interval %s", cfg.Heartbeat.Timeout, cfg.Heartbeat.Interval))
	}

	return errors.Join(errs...)
}
