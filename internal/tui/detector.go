package tui

import (
	"os"

	"golang.org/x/term"
)

// OutputMode selects the console implementation.
type OutputMode int

const (
	// ModeTUI uses the full bubbletea console.
	ModeTUI OutputMode = iota

	// ModePlain uses the line-oriented console.
	ModePlain
)

// String returns the string representation of the output mode.
func (m OutputMode) String() string {
	switch m {
	case ModeTUI:
		return "tui"
	case ModePlain:
		return "plain"
	default:
		return "unknown"
	}
}

// Detector determines the appropriate output mode.
type Detector struct {
	forceMode *OutputMode
	isTTY     func() bool
}

// NewDetector creates a new output mode detector.
func NewDetector() *Detector {
	return &Detector{isTTY: stdioIsTerminal}
}

// ForceMode forces a specific output mode.
func (d *Detector) ForceMode(mode OutputMode) *Detector {
	d.forceMode = &mode
	return d
}

// Detect determines the appropriate output mode.
func (d *Detector) Detect() OutputMode {
	if d.forceMode != nil {
		return *d.forceMode
	}

	if os.Getenv("CI") != "" || os.Getenv("SIMCONSOLE_PLAIN") == "1" {
		return ModePlain
	}
	if os.Getenv("TERM") == "dumb" {
		return ModePlain
	}

	if !d.isTTY() {
		return ModePlain
	}
	return ModeTUI
}

// stdioIsTerminal requires both ends of the console to be a terminal.
func stdioIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// ParseOutputMode maps the ui.mode setting to a detector. "auto" and
// unknown values detect from the environment.
func ParseOutputMode(s string) *Detector {
	d := NewDetector()
	switch s {
	case "tui":
		d.ForceMode(ModeTUI)
	case "plain":
		d.ForceMode(ModePlain)
	}
	return d
}
