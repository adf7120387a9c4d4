// Package lifecycle drives a console session from startup to shutdown:
// it validates the configuration path, records diagnostic context,
// bootstraps the session, runs the watchdog next to the interactive loop
// and tears everything down once the loop returns.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
)

// Bootstrapper creates the session from the site and model configuration.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, sitePath, modelPath string, flags core.BootstrapFlags) (core.Session, error)
}

// BootstrapFunc adapts a function to Bootstrapper.
type BootstrapFunc func(ctx context.Context, sitePath, modelPath string, flags core.BootstrapFlags) (core.Session, error)

// Bootstrap calls f.
func (f BootstrapFunc) Bootstrap(ctx context.Context, sitePath, modelPath string, flags core.BootstrapFlags) (core.Session, error) {
	return f(ctx, sitePath, modelPath, flags)
}

// InteractiveLoop runs the user-facing console until the user exits or
// the session's work has been stopped.
type InteractiveLoop interface {
	Run(ctx context.Context, session core.Session) error
}

// Watchdog is the background canceller started next to the loop.
type Watchdog interface {
	Start(ctx context.Context, dispatcher core.JobDispatcher) error
	Stop()
	Wait(ctx context.Context) error
}

// Aborter terminates the process through the fault trap.
type Aborter interface {
	Abort(reason error)
}

// Service runs alongside the loop for the life of the session, for
// example the status endpoint. Services are stopped before the session
// is released.
type Service interface {
	Name() string
	Start(ctx context.Context, session core.Session) error
	Stop(ctx context.Context) error
}

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// String renders the build identifier.
func (b BuildInfo) String() string {
	version := b.Version
	if version == "" {
		version = "dev"
	}
	if b.Commit == "" || b.Commit == "none" {
		return version
	}
	return fmt.Sprintf("%s (%s)", version, b.Commit)
}

// BuildTime returns the build timestamp, or "unknown".
func (b BuildInfo) BuildTime() string {
	if b.Date == "" {
		return "unknown"
	}
	return b.Date
}
