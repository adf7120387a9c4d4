package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/diagnostics"
)

// killGrace is how long a cancelled step may take to exit before its
// output pipes are force-closed.
const killGrace = 2 * time.Second

// LocalOptions configures a LocalDriver.
type LocalOptions struct {
	// Env is added to every step's environment, before the step's own Env.
	Env    map[string]string
	Logger *slog.Logger
	// OnOutput, when set, receives every line a step writes.
	OnOutput func(job Job, step, stream, line string)
}

// LocalDriver runs jobs on the local host. Command steps run as
// subprocesses in the job directory; other steps sleep for their Duration.
type LocalDriver struct {
	exec *diagnostics.SafeExecutor
	opts LocalOptions
}

// NewLocalDriver creates a local driver.
func NewLocalDriver(executor *diagnostics.SafeExecutor, opts LocalOptions) *LocalDriver {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &LocalDriver{exec: executor, opts: opts}
}

// Run executes the job's steps in order and stops at the first failure.
func (d *LocalDriver) Run(ctx context.Context, job Job) error {
	if job.Dir != "" {
		if err := os.MkdirAll(job.Dir, 0o750); err != nil {
			return fmt.Errorf("creating job directory: %w", err)
		}
	}

	for _, step := range job.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		if step.Command != "" {
			err = d.runCommand(ctx, job, step)
		} else {
			err = simulate(ctx, step.Duration)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return core.ErrExecution(core.CodeJobFailed,
				fmt.Sprintf("realization %d: step %s failed", job.Realization, step.Name)).WithCause(err)
		}
		d.opts.Logger.Debug("step finished", "job", job.ID, "step", step.Name)
	}
	return nil
}

func (d *LocalDriver) runCommand(ctx context.Context, job Job, step Step) error {
	cmd := exec.CommandContext(ctx, step.Command, step.Args...)
	cmd.Dir = job.Dir
	cmd.WaitDelay = killGrace
	cmd.Env = mergeEnv(os.Environ(), d.opts.Env, step.Env,
		map[string]string{"SIMCONSOLE_REALIZATION": fmt.Sprint(job.Realization)})

	var onLine func(stream, line string)
	if d.opts.OnOutput != nil {
		onLine = func(stream, line string) {
			d.opts.OnOutput(job, step.Name, stream, line)
		}
	}
	return d.exec.Execute(cmd, onLine)
}

func simulate(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// mergeEnv appends overrides to base in a stable order; later maps win.
func mergeEnv(base []string, overrides ...map[string]string) []string {
	env := append([]string(nil), base...)
	for _, m := range overrides {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+m[k])
		}
	}
	return env
}
