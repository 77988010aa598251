package config

// Diff describes what changed between two configs. Only fields that can be
// safely hot-reloaded are tracked; anything else requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// HeartbeatChanged is set when the watchdog cadence or timeout moved.
	// New calls pick the values up; established calls keep their old
	// cadence.
	HeartbeatChanged bool
	NewHeartbeat     HeartbeatConfig

	// RestartRequired is set when a non-reloadable section (control
	// plane, agent, RTP range, listen address) differs.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Heartbeat != new.Heartbeat {
		d.HeartbeatChanged = true
		d.NewHeartbeat = new.Heartbeat
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.ARI != new.ARI ||
		old.Agent != new.Agent ||
		old.RTP != new.RTP {
		d.RestartRequired = true
	}

	return d
}
