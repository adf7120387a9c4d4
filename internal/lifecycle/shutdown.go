package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/simconsole/internal/logging"
)

// Default bounds for the shutdown steps.
const (
	DefaultWatchdogJoinTimeout = 2 * time.Second
	DefaultReleaseTimeout      = 30 * time.Second
)

// Shutdown tears the session down once the interactive loop has returned:
// it joins the watchdog, stops the services, releases the session and
// clears the registry. It runs at most once.
type Shutdown struct {
	Registry *diagnostics.Registry
	Watchdog Watchdog
	Services []Service
	Logger   *logging.Logger

	WatchdogJoinTimeout time.Duration
	ReleaseTimeout      time.Duration

	once sync.Once
	err  error
}

// Run performs the shutdown. Later calls return the first call's result.
func (s *Shutdown) Run(ctx context.Context, session core.Session) error {
	s.once.Do(func() {
		s.err = s.run(ctx, session)
	})
	return s.err
}

func (s *Shutdown) run(ctx context.Context, session core.Session) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	if s.Watchdog != nil {
		s.Watchdog.Stop()
		joinCtx, cancel := context.WithTimeout(ctx, orDefault(s.WatchdogJoinTimeout, DefaultWatchdogJoinTimeout))
		if err := s.Watchdog.Wait(joinCtx); err != nil {
			// A late stop request against the released session is a no-op.
			logger.Warn("watchdog did not exit, abandoning it", "error", err)
		}
		cancel()
	}

	var errs []error
	for i := len(s.Services) - 1; i >= 0; i-- {
		svc := s.Services[i]
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", svc.Name(), err))
		}
	}

	if session != nil {
		releaseCtx, cancel := context.WithTimeout(ctx, orDefault(s.ReleaseTimeout, DefaultReleaseTimeout))
		if err := session.Release(releaseCtx); err != nil {
			errs = append(errs, fmt.Errorf("releasing session: %w", err))
		}
		cancel()
	}

	if s.Registry != nil {
		s.Registry.Clear()
	}
	logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
