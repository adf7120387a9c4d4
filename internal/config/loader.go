package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. SIMCONSOLE_WATCHDOG_INTERVAL_SECONDS.
	EnvPrefix = "SIMCONSOLE"

	// DefaultSiteConfig is the site configuration consulted when none is given.
	DefaultSiteConfig = "/etc/simconsole/site.toml"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: EnvPrefix,
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: EnvPrefix,
	}
}

// WithConfigFile sets an explicit console config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (SIMCONSOLE_*)
// 3. Console config (.simconsole.yaml in the current directory)
// 4. User config (~/.config/simconsole/.simconsole.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".simconsole")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "simconsole"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading console config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling console config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")
	l.v.SetDefault("log.file", ".simconsole/console.log")

	l.v.SetDefault("site.config", DefaultSiteConfig)

	// 6s x 5 gives the default 30s grace period.
	l.v.SetDefault("watchdog.enabled", true)
	l.v.SetDefault("watchdog.interval_seconds", 6)
	l.v.SetDefault("watchdog.interval_count", 5)

	l.v.SetDefault("diagnostics.crash_dump_dir", ".simconsole/crashdumps")
	l.v.SetDefault("diagnostics.max_files", 10)
	l.v.SetDefault("diagnostics.include_stack", true)
	l.v.SetDefault("diagnostics.include_env", false)
	l.v.SetDefault("diagnostics.monitor_interval", "30s")

	l.v.SetDefault("ui.mode", "auto")

	l.v.SetDefault("status.addr", "")
	l.v.SetDefault("status.cors_origins", []string{})
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
