package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hugo-lorenzo-mato/simconsole/internal/config"
	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/diagnostics"
)

// diagnosticsService samples process resources for the life of the session
// and tags crash dumps with the session id.
type diagnosticsService struct {
	monitor *diagnostics.ResourceMonitor
	dumps   *diagnostics.CrashDumpWriter
}

func (s *diagnosticsService) Name() string { return "resource monitor" }

func (s *diagnosticsService) Start(ctx context.Context, session core.Session) error {
	s.dumps.SetSession(session.ID())
	s.monitor.Start(ctx)
	return nil
}

func (s *diagnosticsService) Stop(context.Context) error {
	s.monitor.Stop()
	return nil
}

// configWatchService tells the operator when the model configuration is
// edited on disk. The running session keeps the configuration it was
// bootstrapped with.
type configWatchService struct {
	path    string
	notify  func(string)
	logger  *slog.Logger
	recover func()

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *configWatchService) Name() string { return "configuration watcher" }

func (s *configWatchService) Start(ctx context.Context, _ core.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	err := config.Watch(ctx, s.path, func(path string) {
		s.logger.Info("model configuration changed", "path", path)
		s.notify(fmt.Sprintf("%s changed on disk; restart to apply", path))
	}, config.WithWatchRecover(s.recover))
	if err != nil {
		cancel()
		// Losing the notice is not worth failing the session over.
		s.logger.Warn("not watching model configuration", "path", s.path, "error", err)
		return nil
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return nil
}

func (s *configWatchService) Stop(context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
