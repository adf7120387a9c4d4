package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/hugo-lorenzo-mato/simconsole/internal/logging"
)

// Envelope wires the startup sequence, the watchdog, the interactive loop
// and the shutdown sequence together.
type Envelope struct {
	Startup  *Startup
	Shutdown *Shutdown
	Loop     InteractiveLoop
	// Watchdog is optional; nil disables it.
	Watchdog Watchdog
	Services []Service
	Logger   *logging.Logger
}

// Run executes one console session for configPath. Whichever ends first,
// the user leaving the loop or the watchdog stopping the dispatcher, the
// shutdown sequence runs exactly once afterwards.
//
// Once the loop has been entered the session ends with a nil error: loop
// and shutdown failures are logged. Only a failure to start a service or
// the watchdog is returned.
func (e *Envelope) Run(ctx context.Context, configPath string) error {
	logger := e.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	session, err := e.Startup.Run(ctx, configPath)
	if err != nil {
		return err
	}

	shutdown := e.Shutdown
	if shutdown == nil {
		shutdown = &Shutdown{Registry: e.Startup.Registry, Logger: logger}
	}
	shutdown.Watchdog = e.Watchdog

	var errs []error
	for _, svc := range e.Services {
		if err := svc.Start(ctx, session); err != nil {
			errs = append(errs, fmt.Errorf("starting %s: %w", svc.Name(), err))
			break
		}
		shutdown.Services = append(shutdown.Services, svc)
	}

	if len(errs) == 0 {
		// Started strictly after bootstrap so the stop request always
		// targets a live or already released dispatcher.
		if e.Watchdog != nil {
			if err := e.Watchdog.Start(ctx, session.JobDispatcher()); err != nil {
				errs = append(errs, fmt.Errorf("starting watchdog: %w", err))
			}
		}
	}

	if len(errs) == 0 {
		if err := e.Loop.Run(ctx, session); err != nil {
			logger.Warn("interactive loop ended with error", "error", err)
		}
	}

	if err := shutdown.Run(context.WithoutCancel(ctx), session); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	return errors.Join(errs...)
}
