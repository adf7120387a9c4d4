package diagnostics

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// ErrPreflightFailed is returned when resources are too low to start a job.
var ErrPreflightFailed = errors.New("preflight check failed")

// PreflightResult contains the result of pre-execution checks.
type PreflightResult struct {
	OK       bool
	Warnings []string
	Errors   []string
	Snapshot ResourceSnapshot
}

// SafeExecutor runs job subprocesses with a resource pre-flight and
// guaranteed pipe cleanup, so a failed Start never leaks descriptors.
type SafeExecutor struct {
	monitor          *ResourceMonitor
	logger           *slog.Logger
	minFreeFDPercent int
	recover          func()
}

// NewSafeExecutor creates a safe executor. monitor may be nil, which disables pre-flight.
func NewSafeExecutor(monitor *ResourceMonitor, logger *slog.Logger, minFreeFDPercent int) *SafeExecutor {
	return &SafeExecutor{
		monitor:          monitor,
		logger:           logger,
		minFreeFDPercent: minFreeFDPercent,
		recover:          func() {},
	}
}

// WithRecover sets a hook deferred in the output reader goroutines.
func (e *SafeExecutor) WithRecover(fn func()) *SafeExecutor {
	if fn != nil {
		e.recover = fn
	}
	return e
}

// RunPreflight checks that enough file descriptors remain to start a job.
func (e *SafeExecutor) RunPreflight() PreflightResult {
	result := PreflightResult{OK: true}
	if e.monitor == nil || e.minFreeFDPercent <= 0 {
		return result
	}

	result.Snapshot = e.monitor.TakeSnapshot()
	if result.Snapshot.MaxFDs == 0 {
		return result
	}

	free := 100.0 - result.Snapshot.FDUsagePercent
	switch floor := float64(e.minFreeFDPercent); {
	case free < floor:
		result.OK = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("insufficient free FDs: %.1f%% free (minimum: %d%%)", free, e.minFreeFDPercent))
	case free < floor*1.5:
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("FD usage approaching limit: %.1f%% free", free))
	}
	return result
}

// PipeSet holds stdout and stderr pipes with their cleanup function.
type PipeSet struct {
	Stdout  io.ReadCloser
	Stderr  io.ReadCloser
	cleanup func()
	once    sync.Once
}

// Cleanup closes the pipes and releases the job slot. Safe to call multiple times.
func (p *PipeSet) Cleanup() {
	p.once.Do(func() {
		if p.cleanup != nil {
			p.cleanup()
		}
	})
}

// PrepareCommand attaches stdout and stderr pipes to cmd.
// The returned PipeSet must be cleaned up even if cmd.Start fails.
func (e *SafeExecutor) PrepareCommand(cmd *exec.Cmd) (*PipeSet, error) {
	if e.monitor != nil {
		e.monitor.JobStarted()
	}
	release := func() {
		if e.monitor != nil {
			e.monitor.JobFinished()
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		release()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		release()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	return &PipeSet{
		Stdout: stdout,
		Stderr: stderr,
		cleanup: func() {
			// Already closed by Wait after a successful Start; closing again is harmless.
			_ = stdout.Close()
			_ = stderr.Close()
			release()
		},
	}, nil
}

// Execute runs cmd to completion, passing every output line to onLine
// (which may be nil). The tail of stderr is included in the returned error
// when the command fails.
func (e *SafeExecutor) Execute(cmd *exec.Cmd, onLine func(stream, line string)) error {
	if pre := e.RunPreflight(); !pre.OK {
		return fmt.Errorf("%w: %s", ErrPreflightFailed, strings.Join(pre.Errors, "; "))
	} else if len(pre.Warnings) > 0 && e.logger != nil {
		e.logger.Warn("preflight warnings", "warnings", pre.Warnings)
	}

	pipes, err := e.PrepareCommand(cmd)
	if err != nil {
		return err
	}
	defer pipes.Cleanup()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", cmd.Path, err)
	}

	var (
		wg      sync.WaitGroup
		tailMu  sync.Mutex
		errTail []string
	)
	scan := func(stream string, r io.Reader) {
		defer wg.Done()
		defer e.recover()
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := sc.Text()
			if onLine != nil {
				onLine(stream, line)
			}
			if stream == "stderr" {
				tailMu.Lock()
				errTail = append(errTail, line)
				if len(errTail) > 5 {
					errTail = errTail[1:]
				}
				tailMu.Unlock()
			}
		}
	}
	wg.Add(2)
	go scan("stdout", pipes.Stdout)
	go scan("stderr", pipes.Stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if len(errTail) > 0 {
			return fmt.Errorf("%s: %w: %s", cmd.Path, err, strings.Join(errTail, " | "))
		}
		return fmt.Errorf("%s: %w", cmd.Path, err)
	}
	return nil
}
