package config

import "time"

// Config holds the console application configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Site        SiteRef           `mapstructure:"site"`
	Watchdog    WatchdogConfig    `mapstructure:"watchdog"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	UI          UIConfig          `mapstructure:"ui"`
	Status      StatusConfig      `mapstructure:"status"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// SiteRef points at the host-wide site configuration file.
type SiteRef struct {
	Config string `mapstructure:"config"`
}

// WatchdogConfig configures the background canceller.
type WatchdogConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"interval_seconds"`
	IntervalCount   int  `mapstructure:"interval_count"`
}

// GracePeriod returns the total time before the stop request is issued.
func (w WatchdogConfig) GracePeriod() time.Duration {
	return time.Duration(w.IntervalSeconds*w.IntervalCount) * time.Second
}

// DiagnosticsConfig configures crash dumps and resource monitoring.
type DiagnosticsConfig struct {
	CrashDumpDir    string `mapstructure:"crash_dump_dir"`
	MaxFiles        int    `mapstructure:"max_files"`
	IncludeStack    bool   `mapstructure:"include_stack"`
	IncludeEnv      bool   `mapstructure:"include_env"`
	MonitorInterval string `mapstructure:"monitor_interval"`
}

// UIConfig selects the interactive console flavour.
type UIConfig struct {
	Mode string `mapstructure:"mode"` // auto, tui, plain
}

// StatusConfig configures the optional HTTP status endpoint.
type StatusConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}
