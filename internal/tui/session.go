package tui

import (
	"context"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/engine"
	"github.com/hugo-lorenzo-mato/simconsole/internal/storage"
)

// Controller is what the console needs from a session beyond core.Session.
type Controller interface {
	core.Session
	StartRun(ctx context.Context) (string, error)
	Status() engine.Status
	Runs(ctx context.Context, limit int) ([]storage.Run, error)
	Pause()
	Resume()
	Done() <-chan struct{}
}

var _ Controller = (*engine.Session)(nil)
