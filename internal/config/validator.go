package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the console configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateWatchdog(&cfg.Watchdog)
	v.validateDiagnostics(&cfg.Diagnostics)
	v.validateUI(&cfg.UI)
	v.validateStatus(&cfg.Status)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}
}

func (v *Validator) validateWatchdog(cfg *WatchdogConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.IntervalSeconds <= 0 {
		v.addError("watchdog.interval_seconds", cfg.IntervalSeconds, "must be positive")
	}
	if cfg.IntervalCount <= 0 {
		v.addError("watchdog.interval_count", cfg.IntervalCount, "must be positive")
	}
}

func (v *Validator) validateDiagnostics(cfg *DiagnosticsConfig) {
	if cfg.MaxFiles < 0 {
		v.addError("diagnostics.max_files", cfg.MaxFiles, "must be non-negative")
	}
	if cfg.MonitorInterval != "" {
		d, err := time.ParseDuration(cfg.MonitorInterval)
		if err != nil {
			v.addError("diagnostics.monitor_interval", cfg.MonitorInterval, "invalid duration")
		} else if d < time.Second {
			v.addError("diagnostics.monitor_interval", cfg.MonitorInterval, "must be at least 1s")
		}
	}
	if cfg.CrashDumpDir != "" && !isValidPath(filepath.Join(cfg.CrashDumpDir, "x")) {
		v.addError("diagnostics.crash_dump_dir", cfg.CrashDumpDir, "invalid directory")
	}
}

func (v *Validator) validateUI(cfg *UIConfig) {
	switch cfg.Mode {
	case "auto", "tui", "plain":
	default:
		v.addError("ui.mode", cfg.Mode, "must be one of: auto, tui, plain")
	}
}

func (v *Validator) validateStatus(cfg *StatusConfig) {
	if cfg.Addr == "" {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		v.addError("status.addr", cfg.Addr, "must be host:port")
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
