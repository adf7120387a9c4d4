package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DriverLocal runs realizations as local subprocesses.
const DriverLocal = "local"

// Site holds host-wide settings shared by every model run on this machine.
type Site struct {
	QueueDriver string
	MaxRunning  int
	JobTimeout  time.Duration
	Env         map[string]string
	// InstallJobs maps a job name to the executable that implements it.
	InstallJobs map[string]string

	Path string
	// Missing is set when no site file existed and defaults were used.
	Missing bool
}

type siteFile struct {
	QueueDriver string            `toml:"queue_driver"`
	MaxRunning  int               `toml:"max_running"`
	JobTimeout  string            `toml:"job_timeout"`
	Env         map[string]string `toml:"env"`
	InstallJobs map[string]string `toml:"install_jobs"`
}

// DefaultSite returns the settings used when no site file is present.
func DefaultSite() *Site {
	return &Site{
		QueueDriver: DriverLocal,
		MaxRunning:  4,
		JobTimeout:  time.Hour,
		Env:         map[string]string{},
		InstallJobs: map[string]string{},
	}
}

// LoadSite decodes the site configuration at path on top of DefaultSite.
// A missing file is not an error; the returned site has Missing set.
func LoadSite(path string) (*Site, error) {
	site := DefaultSite()
	site.Path = path

	if path == "" {
		site.Missing = true
		return site, nil
	}

	var raw siteFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			site.Missing = true
			return site, nil
		}
		return nil, fmt.Errorf("load site config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("load site config: unknown keys: %s", strings.Join(keys, ", "))
	}

	if meta.IsDefined("queue_driver") {
		driver := strings.TrimSpace(raw.QueueDriver)
		if driver != DriverLocal {
			return nil, fmt.Errorf("load site config: unsupported queue_driver %q", driver)
		}
		site.QueueDriver = driver
	}

	if meta.IsDefined("max_running") {
		if raw.MaxRunning <= 0 {
			return nil, fmt.Errorf("load site config: max_running must be positive, got %d", raw.MaxRunning)
		}
		site.MaxRunning = raw.MaxRunning
	}

	if meta.IsDefined("job_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.JobTimeout))
		if err != nil {
			return nil, fmt.Errorf("parse job_timeout: %w", err)
		}
		site.JobTimeout = d
	}

	if meta.IsDefined("env") {
		for k, v := range raw.Env {
			site.Env[k] = v
		}
	}

	if meta.IsDefined("install_jobs") {
		for name, exe := range raw.InstallJobs {
			site.InstallJobs[strings.TrimSpace(name)] = os.ExpandEnv(strings.TrimSpace(exe))
		}
	}

	return site, nil
}
