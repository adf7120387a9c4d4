// Package engine bootstraps a simulation session from its site and model
// configuration and runs ensembles of realizations through the job queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/simconsole/internal/config"
	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/simconsole/internal/jobqueue"
	"github.com/hugo-lorenzo-mato/simconsole/internal/logging"
	"github.com/hugo-lorenzo-mato/simconsole/internal/storage"
)

// minFreeFDPercent is the file descriptor headroom required before a
// forward-model subprocess is started.
const minFreeFDPercent = 5

// Option configures Bootstrap.
type Option func(*options)

type options struct {
	logger    *logging.Logger
	monitor   *diagnostics.ResourceMonitor
	driver    jobqueue.Driver
	observers []jobqueue.Observer
	onOutput  func(job jobqueue.Job, step, stream, line string)
	onRun     func(runID string)
	recover   func()
}

// WithLogger sets the session logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMonitor lets subprocess pre-flight checks consult the resource monitor.
func WithMonitor(m *diagnostics.ResourceMonitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithDriver replaces the local subprocess driver.
func WithDriver(d jobqueue.Driver) Option {
	return func(o *options) { o.driver = d }
}

// WithObserver registers a callback for realization state transitions.
func WithObserver(fn jobqueue.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, fn) }
}

// WithOutput forwards forward-model output lines.
func WithOutput(fn func(job jobqueue.Job, step, stream, line string)) Option {
	return func(o *options) { o.onOutput = fn }
}

// WithRunHook is called with the run ID when a run starts and with ""
// once it has finished.
func WithRunHook(fn func(runID string)) Option {
	return func(o *options) { o.onRun = fn }
}

// WithRecover is deferred at the top of every goroutine the session starts.
func WithRecover(fn func()) Option {
	return func(o *options) { o.recover = fn }
}

// Session owns the engine state of one console run: its configuration, its
// storage and the job queue it dispatches realizations to.
type Session struct {
	id     string
	site   *config.Site
	model  *config.Model
	store  *storage.Store
	queue  *jobqueue.Queue
	logger *logging.Logger
	opts   options

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	current *run

	done        chan struct{}
	released    atomic.Bool
	releaseOnce sync.Once
	releaseErr  error
}

var _ core.Session = (*Session)(nil)

// Bootstrap loads the site and model configuration, opens storage and
// builds the job queue. With flags.Strict, model validation problems are
// fatal; otherwise they are logged.
func Bootstrap(ctx context.Context, sitePath, modelPath string, flags core.BootstrapFlags, opts ...Option) (*Session, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if o.recover == nil {
		o.recover = func() {}
	}

	id := uuid.NewString()
	logger := o.logger.WithSession(id).WithComponent("engine")

	site, err := config.LoadSite(sitePath)
	if err != nil {
		return nil, err
	}
	if site.Missing && flags.Verbose {
		logger.Warn("site configuration not found, using defaults", "path", sitePath)
	}

	model, err := config.LoadModel(modelPath)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateModel(model, site); err != nil {
		if flags.Strict {
			return nil, err
		}
		logger.Warn("model configuration has problems", "error", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	store, err := storage.Open(model.StoragePath())
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	maxRunning := site.MaxRunning
	if model.Queue.MaxRunning > 0 {
		maxRunning = model.Queue.MaxRunning
	}

	driver := o.driver
	if driver == nil {
		executor := diagnostics.NewSafeExecutor(o.monitor, logger.Slog(), minFreeFDPercent).
			WithRecover(o.recover)
		driver = jobqueue.NewLocalDriver(executor, jobqueue.LocalOptions{
			Env:      mergeMaps(site.Env, model.Env),
			Logger:   logger.Slog(),
			OnOutput: o.onOutput,
		})
	}
	driver = jobqueue.WithResubmit(driver, model.Queue.MaxSubmit, logger.Slog())

	queue := jobqueue.New(driver, jobqueue.Options{
		MaxRunning: maxRunning,
		JobTimeout: site.JobTimeout,
		Logger:     logger.Slog(),
		Recover:    o.recover,
	})

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		site:       site,
		model:      model,
		store:      store,
		queue:      queue,
		logger:     logger,
		opts:       o,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		done:       make(chan struct{}),
	}
	go s.watchStopped()

	if flags.Verbose {
		logger.Info("session bootstrapped",
			"model", model.Name,
			"realizations", model.NumRealizations,
			"max_running", maxRunning,
			"storage", store.Path(),
		)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Model returns the model configuration the session was bootstrapped with.
func (s *Session) Model() *config.Model {
	return s.model
}

// Site returns the site configuration.
func (s *Session) Site() *config.Site {
	return s.site
}

// JobDispatcher returns the session's job queue.
func (s *Session) JobDispatcher() core.JobDispatcher {
	return s.queue
}

// Queue returns the concrete job queue.
func (s *Session) Queue() *jobqueue.Queue {
	return s.queue
}

// Pause holds new realizations until Resume.
func (s *Session) Pause() {
	s.queue.Control().Pause()
}

// Resume releases a Pause.
func (s *Session) Resume() {
	s.queue.Control().Resume()
}

// Done is closed once the dispatcher has been stopped and no run is in flight.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) watchStopped() {
	defer s.opts.recover()

	<-s.queue.Stopped()

	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r != nil {
		<-r.done
	}
	close(s.done)
}

// Runs lists stored runs, newest first.
func (s *Session) Runs(ctx context.Context, limit int) ([]storage.Run, error) {
	if s.released.Load() {
		return nil, core.ErrState(core.CodeSessionReleased, "session released")
	}
	return s.store.ListRuns(ctx, limit)
}

// Release stops the dispatcher, waits for the in-flight run to unwind and
// closes the queue and storage. If ctx expires first, running jobs are
// cancelled outright and Release waits for them to exit.
func (s *Session) Release(ctx context.Context) error {
	s.releaseOnce.Do(func() {
		s.released.Store(true)
		s.queue.RequestStop()

		s.mu.Lock()
		r := s.current
		s.mu.Unlock()

		if r != nil {
			select {
			case <-r.done:
			case <-ctx.Done():
				s.logger.Warn("run did not unwind in time, cancelling jobs", "run", r.id)
				s.cancelBase()
				<-r.done
			}
		}

		s.cancelBase()
		s.queue.Close()
		if err := s.store.Close(); err != nil {
			s.releaseErr = fmt.Errorf("closing storage: %w", err)
		}
		s.logger.Info("session released")
	})
	return s.releaseErr
}

// runsDir is where realization run directories are created.
func (s *Session) runsDir() string {
	return filepath.Join(filepath.Dir(s.store.Path()), "runs")
}

func mergeMaps(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// isStopErr reports whether err came from the dispatcher refusing new work.
func isStopErr(err error) bool {
	return errors.Is(err, core.ErrState(core.CodeDispatcherStopped, "")) ||
		errors.Is(err, core.ErrState(core.CodeSessionReleased, ""))
}

func timePtr(t time.Time) *time.Time {
	return &t
}
