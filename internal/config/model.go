package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Model describes one ensemble experiment: how many realizations to run
// and which forward-model steps make up each realization.
type Model struct {
	Name            string            `yaml:"name"`
	NumRealizations int               `yaml:"num_realizations"`
	Storage         string            `yaml:"storage"`
	Queue           QueueConfig       `yaml:"queue"`
	ForwardModel    []ForwardStep     `yaml:"forward_model"`
	Env             map[string]string `yaml:"env"`

	// Path is the absolute path the model was loaded from.
	Path string `yaml:"-"`
}

// QueueConfig overrides the site queue settings for one model.
type QueueConfig struct {
	Driver     string `yaml:"driver"`
	MaxRunning int    `yaml:"max_running"`
	MaxSubmit  int    `yaml:"max_submit"`
}

// ForwardStep is one step of the forward model. A step either runs
// Command, simulates work for Duration, or names an installed job from
// the site configuration.
type ForwardStep struct {
	Name     string   `yaml:"name"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Duration string   `yaml:"duration"`
}

// ParsedDuration returns the step's simulated work duration, zero when unset.
func (s ForwardStep) ParsedDuration() time.Duration {
	if s.Duration == "" {
		return 0
	}
	d, err := time.ParseDuration(s.Duration)
	if err != nil {
		return 0
	}
	return d
}

// Model defaults applied when the file leaves a field empty.
const (
	DefaultNumRealizations = 1
	DefaultStorageFile     = "storage/simconsole.db"
	DefaultMaxSubmit       = 1
)

// LoadModel reads and decodes the model configuration at path.
// Decoding is strict: unknown keys are reported as errors.
func LoadModel(path string) (*Model, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving model path: %w", err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("opening model config: %w", err)
	}
	defer f.Close()

	var m Model
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing model config %s: %w", abs, err)
	}

	m.Path = abs
	m.applyDefaults()
	return &m, nil
}

func (m *Model) applyDefaults() {
	if m.Name == "" {
		base := filepath.Base(m.Path)
		m.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if m.NumRealizations == 0 {
		m.NumRealizations = DefaultNumRealizations
	}
	if m.Storage == "" {
		m.Storage = DefaultStorageFile
	}
	if m.Queue.MaxSubmit == 0 {
		m.Queue.MaxSubmit = DefaultMaxSubmit
	}
}

// StoragePath returns the storage location, resolved against the model file directory.
func (m *Model) StoragePath() string {
	if filepath.IsAbs(m.Storage) {
		return m.Storage
	}
	return filepath.Join(filepath.Dir(m.Path), m.Storage)
}

// ValidateModel checks a decoded model against the installed jobs of the site.
func ValidateModel(m *Model, site *Site) error {
	v := NewValidator()

	if m.NumRealizations < 0 {
		v.addError("num_realizations", m.NumRealizations, "must be positive")
	}
	if m.Queue.MaxRunning < 0 {
		v.addError("queue.max_running", m.Queue.MaxRunning, "must be non-negative")
	}
	if m.Queue.MaxSubmit < 0 {
		v.addError("queue.max_submit", m.Queue.MaxSubmit, "must be non-negative")
	}
	if m.Queue.Driver != "" && m.Queue.Driver != DriverLocal {
		v.addError("queue.driver", m.Queue.Driver, "unsupported queue driver")
	}

	seen := make(map[string]bool, len(m.ForwardModel))
	for i, step := range m.ForwardModel {
		field := fmt.Sprintf("forward_model[%d]", i)
		if step.Name == "" {
			v.addError(field+".name", step.Name, "is required")
			continue
		}
		if seen[step.Name] {
			v.addError(field+".name", step.Name, "duplicate step name")
		}
		seen[step.Name] = true

		if step.Duration != "" {
			if d, err := time.ParseDuration(step.Duration); err != nil || d < 0 {
				v.addError(field+".duration", step.Duration, "invalid duration")
			}
		}
		if step.Command == "" && step.Duration == "" {
			if site == nil || site.InstallJobs[step.Name] == "" {
				v.addError(field, step.Name, "needs command, duration or an installed job")
			}
		}
	}

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}
