// Package watchdog issues a single cooperative stop request to the job
// dispatcher once a grace period of fixed intervals has elapsed.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
)

// Defaults give a 30 second grace period.
const (
	DefaultIntervalSeconds = 6
	DefaultIntervalCount   = 5
)

// ErrAlreadyStarted is returned by a second Start; a watchdog is single-shot.
var ErrAlreadyStarted = core.ErrState(core.CodeAlreadyStarted, "watchdog already started")

// Config sets the countdown.
type Config struct {
	IntervalSeconds int
	IntervalCount   int
}

// DefaultConfig returns the 6 x 5 second countdown.
func DefaultConfig() Config {
	return Config{IntervalSeconds: DefaultIntervalSeconds, IntervalCount: DefaultIntervalCount}
}

// Validate checks that both parameters are positive.
func (c Config) Validate() error {
	var errs []error
	if c.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("interval seconds must be positive, got %d", c.IntervalSeconds))
	}
	if c.IntervalCount <= 0 {
		errs = append(errs, fmt.Errorf("interval count must be positive, got %d", c.IntervalCount))
	}
	return errors.Join(errs...)
}

// GracePeriod is the total time before the stop request.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.IntervalSeconds*c.IntervalCount) * time.Second
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithOutput sets where progress markers are printed. Default stdout.
func WithOutput(w io.Writer) Option {
	return func(wd *Watchdog) { wd.out = w }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(wd *Watchdog) { wd.logger = l }
}

// WithRecover is deferred at the top of the watchdog goroutine.
func WithRecover(fn func()) Option {
	return func(wd *Watchdog) { wd.recover = fn }
}

// WithInterval overrides the interval unit. Tests use it to run the
// countdown in milliseconds.
func WithInterval(unit time.Duration) Option {
	return func(wd *Watchdog) { wd.unit = unit }
}

// Watchdog counts down IntervalCount intervals of IntervalSeconds each,
// printing a marker after every interval, then calls RequestStop on the
// dispatcher exactly once. It never retries and does nothing afterwards.
type Watchdog struct {
	cfg     Config
	unit    time.Duration
	out     io.Writer
	logger  *slog.Logger
	recover func()

	started atomic.Bool
	fired   atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// New creates a watchdog. Non-positive parameters are logged and fall back
// to the defaults.
func New(cfg Config, opts ...Option) *Watchdog {
	wd := &Watchdog{
		cfg:     cfg,
		unit:    time.Second,
		out:     os.Stdout,
		logger:  slog.New(slog.DiscardHandler),
		recover: func() {},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(wd)
	}

	if err := cfg.Validate(); err != nil {
		wd.logger.Warn("invalid watchdog configuration, using defaults", "error", err)
		if cfg.IntervalSeconds <= 0 {
			wd.cfg.IntervalSeconds = DefaultIntervalSeconds
		}
		if cfg.IntervalCount <= 0 {
			wd.cfg.IntervalCount = DefaultIntervalCount
		}
	}
	return wd
}

// Config returns the effective countdown.
func (wd *Watchdog) Config() Config {
	return wd.cfg
}

// Start launches the countdown against dispatcher. It must be called after
// the session finished bootstrapping. Cancelling ctx, or calling Stop,
// ends the countdown without a stop request.
func (wd *Watchdog) Start(ctx context.Context, dispatcher core.JobDispatcher) error {
	if !wd.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	wd.mu.Lock()
	wd.cancel = cancel
	wd.mu.Unlock()

	go wd.run(ctx, dispatcher)
	return nil
}

func (wd *Watchdog) run(ctx context.Context, dispatcher core.JobDispatcher) {
	defer close(wd.done)
	defer wd.recover()

	interval := time.Duration(wd.cfg.IntervalSeconds) * wd.unit
	timer := time.NewTimer(interval)
	defer timer.Stop()

	wd.logger.Debug("watchdog armed", "interval", interval, "count", wd.cfg.IntervalCount)

	for i := 1; i <= wd.cfg.IntervalCount; i++ {
		select {
		case <-ctx.Done():
			wd.logger.Debug("watchdog cancelled", "completed_intervals", i-1)
			return
		case <-timer.C:
		}
		fmt.Fprintf(wd.out, "#### %d\n", i)
		if i < wd.cfg.IntervalCount {
			timer.Reset(interval)
		}
	}

	fmt.Fprintln(wd.out, strings.Repeat("=", 40))
	wd.fired.Store(true)
	wd.logger.Info("grace period elapsed, requesting dispatcher stop")
	dispatcher.RequestStop()
}

// Stop cancels a pending countdown. It does not wait; use Wait to join.
func (wd *Watchdog) Stop() {
	wd.mu.Lock()
	cancel := wd.cancel
	wd.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the watchdog goroutine has returned or ctx is done.
// It returns immediately if the watchdog was never started.
func (wd *Watchdog) Wait(ctx context.Context) error {
	if !wd.started.Load() {
		return nil
	}
	select {
	case <-wd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fired reports whether the stop request was issued.
func (wd *Watchdog) Fired() bool {
	return wd.fired.Load()
}
