package jobqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/simconsole/internal/control"
	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
)

// Options configures a Queue.
type Options struct {
	// MaxRunning bounds concurrently running jobs. Zero means 1.
	MaxRunning int
	// JobTimeout bounds a single job. Zero disables the bound.
	JobTimeout time.Duration
	Logger     *slog.Logger
	// Recover is deferred at the top of every goroutine the queue starts.
	Recover func()
}

// Queue dispatches the jobs of an ensemble run onto a Driver. It is the
// session's job dispatcher: RequestStop may be called from any goroutine
// at any time, including when the queue is idle or already closed.
type Queue struct {
	driver  Driver
	opts    Options
	control *control.Plane
	logger  *slog.Logger

	runMu   sync.Mutex
	active  atomic.Bool
	running atomic.Int32
	closed  atomic.Bool
}

// New creates a queue.
func New(driver Driver, opts Options) *Queue {
	if opts.MaxRunning <= 0 {
		opts.MaxRunning = 1
	}
	if opts.Recover == nil {
		opts.Recover = func() {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		driver:  driver,
		opts:    opts,
		control: control.New(),
		logger:  logger,
	}
}

// Control exposes pause and resume to the console.
func (q *Queue) Control() *control.Plane {
	return q.control
}

// RequestStop asks the queue to stop: no further jobs start and running
// jobs are cancelled. It never blocks.
func (q *Queue) RequestStop() {
	q.control.RequestStop()
}

// Stopped returns a channel closed once a stop has been requested.
func (q *Queue) Stopped() <-chan struct{} {
	return q.control.Stopped()
}

// IsIdle reports whether no Run is in progress.
func (q *Queue) IsIdle() bool {
	return !q.active.Load()
}

// Running returns the number of jobs currently executing.
func (q *Queue) Running() int {
	return int(q.running.Load())
}

// MaxRunning returns the concurrency bound.
func (q *Queue) MaxRunning() int {
	return q.opts.MaxRunning
}

// Close stops the queue for good. Later Runs fail and later stop requests are no-ops.
func (q *Queue) Close() {
	q.closed.Store(true)
	q.control.RequestStop()
}

// Run executes jobs with at most MaxRunning in flight and blocks until all
// of them reached a terminal state. Job failures do not abort the run;
// they are counted in the summary. A stop request (or ctx cancellation)
// prevents queued jobs from starting and cancels running ones.
func (q *Queue) Run(ctx context.Context, jobs []Job, observe Observer) (Summary, error) {
	if q.closed.Load() {
		return Summary{}, core.ErrState(core.CodeSessionReleased, "job queue closed")
	}
	if err := q.control.CheckStopped(); err != nil {
		return Summary{}, err
	}
	if !q.runMu.TryLock() {
		return Summary{}, core.ErrState(core.CodeRunInProgress, "a run is already in progress")
	}
	defer q.runMu.Unlock()

	q.active.Store(true)
	defer q.active.Store(false)

	if observe == nil {
		observe = func(Event) {}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer q.opts.Recover()
		select {
		case <-q.control.Stopped():
			cancel()
		case <-runCtx.Done():
		}
	}()

	start := time.Now()
	states := make([]State, len(jobs))
	for i, job := range jobs {
		states[i] = StateWaiting
		observe(Event{Job: job, State: StateWaiting, At: time.Now()})
	}

	var g errgroup.Group
	g.SetLimit(q.opts.MaxRunning)

	for i, job := range jobs {
		if err := q.control.WaitIfPaused(runCtx); err != nil || runCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			defer q.opts.Recover()
			states[i] = q.runJob(runCtx, job, observe)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{Total: len(jobs), Duration: time.Since(start)}
	for i, st := range states {
		switch st {
		case StateSuccess:
			summary.Success++
		case StateFailed:
			summary.Failed++
		default:
			if st == StateWaiting {
				observe(Event{Job: jobs[i], State: StateCancelled, At: time.Now()})
			}
			summary.Cancelled++
		}
	}
	summary.Stopped = q.control.IsStopped()

	q.logger.Info("run finished",
		"total", summary.Total,
		"success", summary.Success,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
		"stopped", summary.Stopped,
	)

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (q *Queue) runJob(ctx context.Context, job Job, observe Observer) State {
	// Released from the limiter after a stop: do not start.
	if ctx.Err() != nil {
		observe(Event{Job: job, State: StateCancelled, At: time.Now()})
		return StateCancelled
	}

	jobCtx := ctx
	if q.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, q.opts.JobTimeout)
		defer cancel()
	}

	q.running.Add(1)
	observe(Event{Job: job, State: StateRunning, At: time.Now()})
	err := q.driver.Run(jobCtx, job)
	q.running.Add(-1)

	var state State
	switch {
	case ctx.Err() != nil:
		state = StateCancelled
	case err != nil:
		state = StateFailed
		if errors.Is(err, context.DeadlineExceeded) {
			err = core.ErrExecution(core.CodeJobFailed, "job timed out").WithCause(err)
		}
		q.logger.Warn("job failed", "job", job.ID, "realization", job.Realization, "error", err)
	default:
		state = StateSuccess
	}

	observe(Event{Job: job, State: state, Err: err, At: time.Now()})
	return state
}
