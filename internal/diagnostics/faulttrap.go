package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
)

// ErrTrapInstalled is returned by a second call to Install.
var ErrTrapInstalled = errors.New("fault trap already installed")

// stackBufferSize bounds the goroutine dump printed on a fault.
const stackBufferSize = 1 << 20

// TrappedSignals are the signals the fault trap handles.
var TrappedSignals = []os.Signal{syscall.SIGSEGV, syscall.SIGINT, syscall.SIGTERM}

var signalNames = map[os.Signal]string{
	syscall.SIGSEGV: "SIGSEGV",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGTERM: "SIGTERM",
}

// SignalName returns the conventional name of a trapped signal.
func SignalName(sig os.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return sig.String()
}

// SignalExitCode returns 128 plus the signal number.
func SignalExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return core.ExitSignalBase + int(s)
	}
	return core.ExitAbort
}

// TrapOption configures a FaultTrap.
type TrapOption func(*FaultTrap)

// WithOutput sets where fault reports are written. Defaults to stderr.
func WithOutput(w io.Writer) TrapOption {
	return func(t *FaultTrap) { t.out = w }
}

// WithExitFunc replaces os.Exit.
func WithExitFunc(fn func(code int)) TrapOption {
	return func(t *FaultTrap) { t.exit = fn }
}

// WithNotifier replaces signal.Notify.
func WithNotifier(fn func(c chan<- os.Signal, sig ...os.Signal)) TrapOption {
	return func(t *FaultTrap) { t.notify = fn }
}

// WithTrapLogger sets the logger used for crash dump failures.
func WithTrapLogger(logger *slog.Logger) TrapOption {
	return func(t *FaultTrap) { t.logger = logger }
}

// FaultTrap turns fatal signals, aborts and panics into a diagnostic
// report followed by process exit. The report is the registry content,
// then a dump of every goroutine, then (when configured) a crash dump file.
type FaultTrap struct {
	registry *Registry
	out      io.Writer
	exit     func(int)
	notify   func(chan<- os.Signal, ...os.Signal)
	logger   *slog.Logger
	dumps    atomic.Pointer[CrashDumpWriter]

	hooksMu  sync.Mutex
	hooks    map[int]func()
	nextHook int

	installed atomic.Bool
	firing    atomic.Bool
	done      chan struct{}

	// Allocated at construction so the fault path does not grow the heap.
	stackBuf []byte
	sigCh    chan os.Signal
	once     sync.Once
}

// NewFaultTrap creates a fault trap reporting the given registry.
func NewFaultTrap(registry *Registry, opts ...TrapOption) *FaultTrap {
	t := &FaultTrap{
		registry: registry,
		out:      os.Stderr,
		exit:     os.Exit,
		notify:   signal.Notify,
		done:     make(chan struct{}),
		stackBuf: make([]byte, stackBufferSize),
		sigCh:    make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetCrashDumpWriter enables crash dump files. It may be called after Install,
// once the diagnostics configuration is known.
func (t *FaultTrap) SetCrashDumpWriter(w *CrashDumpWriter) {
	t.dumps.Store(w)
}

// OnFatal registers fn to run before the fault report is written, for
// example to restore a terminal the report would otherwise land in. The
// returned function unregisters it.
func (t *FaultTrap) OnFatal(fn func()) (unregister func()) {
	t.hooksMu.Lock()
	defer t.hooksMu.Unlock()
	if t.hooks == nil {
		t.hooks = make(map[int]func())
	}
	id := t.nextHook
	t.nextHook++
	t.hooks[id] = fn
	return func() {
		t.hooksMu.Lock()
		defer t.hooksMu.Unlock()
		delete(t.hooks, id)
	}
}

func (t *FaultTrap) runHooks() {
	t.hooksMu.Lock()
	hooks := make([]func(), 0, len(t.hooks))
	for _, fn := range t.hooks {
		hooks = append(hooks, fn)
	}
	t.hooksMu.Unlock()

	for _, fn := range hooks {
		func() {
			// A failing hook must not cost the report.
			defer func() { _ = recover() }()
			fn()
		}()
	}
}

// Install registers the handlers for SIGSEGV, SIGINT and SIGTERM.
// Handlers stay installed for the life of the process.
func (t *FaultTrap) Install() error {
	if !t.installed.CompareAndSwap(false, true) {
		return ErrTrapInstalled
	}

	debug.SetTraceback("all")
	t.notify(t.sigCh, TrappedSignals...)

	go func() {
		for sig := range t.sigCh {
			t.fire(fmt.Sprintf("signal %s", SignalName(sig)), SignalExitCode(sig))
		}
	}()
	return nil
}

// Installed reports whether Install has run.
func (t *FaultTrap) Installed() bool {
	return t.installed.Load()
}

// Abort reports reason and exits with ExitAbort.
func (t *FaultTrap) Abort(reason error) {
	msg := "abort"
	if reason != nil {
		msg = "abort: " + reason.Error()
	}
	t.fire(msg, core.ExitAbort)
}

// Recover converts a panic in the calling goroutine into Abort.
// Use as: defer trap.Recover()
func (t *FaultTrap) Recover() {
	if r := recover(); r != nil {
		t.fire(fmt.Sprintf("panic: %v", r), core.ExitAbort)
	}
}

// fire writes the report and exits. Only the first fault is reported;
// concurrent faults wait for it to finish.
func (t *FaultTrap) fire(trigger string, code int) {
	if !t.firing.CompareAndSwap(false, true) {
		<-t.done
		return
	}
	defer t.once.Do(func() { close(t.done) })

	t.runHooks()

	fmt.Fprintf(t.out, "\n ** simconsole terminated: %s (exit status %d)\n", trigger, code)
	io.WriteString(t.out, "-- diagnostics ----------------------------------------------\n")
	if t.registry != nil {
		t.registry.WriteTo(t.out)
	}

	io.WriteString(t.out, "-- goroutines -----------------------------------------------\n")
	n := runtime.Stack(t.stackBuf, true)
	t.out.Write(t.stackBuf[:n])

	if w := t.dumps.Load(); w != nil {
		report := CrashReport{
			Trigger:  trigger,
			ExitCode: code,
			Stack:    t.stackBuf[:n],
		}
		if t.registry != nil {
			report.Registry = t.registry.Entries()
		}
		path, err := w.Write(report)
		if err != nil {
			fmt.Fprintf(t.out, " ** crash dump not written: %v\n", err)
			if t.logger != nil {
				t.logger.Error("failed to write crash dump", "error", err, "trigger", trigger)
			}
		} else {
			fmt.Fprintf(t.out, " ** crash dump written to %s\n", path)
		}
	}

	t.exit(code)
}
