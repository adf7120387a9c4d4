package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/simconsole/internal/logging"
)

// Registry labels written during startup, in order.
const (
	LabelVersion    = "version"
	LabelBuildTime  = "build time"
	LabelConfigFile = "configuration file"
	LabelSiteConfig = "site configuration"
	LabelSessionID  = "session id"
)

// Startup validates the configuration path, records the build and
// configuration context in the registry and bootstraps the session.
type Startup struct {
	Registry     *diagnostics.Registry
	Bootstrapper Bootstrapper
	Trap         Aborter
	Build        BuildInfo
	SiteConfig   string
	Out          io.Writer
	Logger       *logging.Logger
}

// Run starts the session for configPath.
//
// A missing or unreadable configuration file returns a ConfigNotFound error
// and bootstrap is not attempted. A bootstrap failure is fatal: it is handed
// to the fault trap, which reports the registry and exits the process.
func (s *Startup) Run(ctx context.Context, configPath string) (core.Session, error) {
	out := s.Out
	if out == nil {
		out = os.Stdout
	}
	logger := s.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := checkConfigFile(configPath); err != nil {
		return nil, err
	}

	abs, err := resolvePath(configPath)
	if err != nil {
		return nil, core.ErrConfigNotFound(configPath).WithCause(err)
	}

	// Recorded before bootstrap so a crash during bootstrap is reported
	// with this context.
	s.Registry.Append(LabelVersion, s.Build.String())
	s.Registry.Append(LabelBuildTime, s.Build.BuildTime())
	s.Registry.Append(LabelConfigFile, abs)
	s.Registry.Append(LabelSiteConfig, siteLabel(s.SiteConfig))

	fmt.Fprintf(out, "simconsole %s\n", s.Build.String())
	fmt.Fprintf(out, "Built: %s\n", s.Build.BuildTime())
	fmt.Fprintf(out, "Configuration: %s\n", abs)

	logger.Info("bootstrapping session", "config", abs, "site", s.SiteConfig)
	session, err := s.Bootstrapper.Bootstrap(ctx, s.SiteConfig, abs, core.BootstrapFlags{Strict: true, Verbose: true})
	if err != nil {
		berr := core.ErrBootstrap(err)
		s.Trap.Abort(berr)
		// Only reached when the trap's exit function returns (tests).
		return nil, berr
	}

	s.Registry.Append(LabelSessionID, session.ID())
	fmt.Fprintln(out, "Bootstrap complete")
	return session, nil
}

// checkConfigFile requires path to be an existing, readable regular file.
func checkConfigFile(path string) error {
	if path == "" {
		return core.ErrConfigNotFound(path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return core.ErrConfigNotFound(path).WithCause(err)
	}
	if !info.Mode().IsRegular() {
		return core.ErrConfigNotFound(path).WithDetail("reason", "not a regular file")
	}
	f, err := os.Open(path)
	if err != nil {
		return core.ErrConfigNotFound(path).WithCause(err)
	}
	return f.Close()
}

func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

func siteLabel(path string) string {
	if path == "" {
		return "(none)"
	}
	return path
}
