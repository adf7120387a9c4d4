package tui

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
)

// noticeBuffer bounds undelivered notices; older ones are dropped.
const noticeBuffer = 64

// Options configures a Console.
type Options struct {
	Mode   OutputMode
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
	// Recover is deferred in the goroutines the console starts.
	Recover func()
	// OnFatal registers a hook run before a fatal report is written and
	// returns its unregister function. The full-screen console uses it to
	// hand the terminal back first.
	OnFatal func(hook func()) (unregister func())
}

// Console is the interactive loop. It returns when the user quits, when
// the input ends, or when the session reports that its dispatcher was
// stopped and the in-flight run unwound.
type Console struct {
	opts     Options
	registry *CommandRegistry
	notices  chan string
}

// NewConsole creates a console.
func NewConsole(opts Options) *Console {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Recover == nil {
		opts.Recover = func() {}
	}
	return &Console{
		opts:     opts,
		registry: NewCommandRegistry(),
		notices:  make(chan string, noticeBuffer),
	}
}

// Mode returns the console's output mode.
func (c *Console) Mode() OutputMode {
	return c.opts.Mode
}

// Notify queues a one-line message for the operator. It never blocks and
// may be called from any goroutine.
func (c *Console) Notify(msg string) {
	select {
	case c.notices <- msg:
		return
	default:
	}
	select {
	case <-c.notices:
	default:
	}
	select {
	case c.notices <- msg:
	default:
	}
}

// NoticeWriter returns a writer whose lines become notices. Background
// components use it instead of stdout while the full-screen console runs.
func (c *Console) NoticeWriter() io.Writer {
	return &noticeWriter{notify: c.Notify}
}

// Run implements the interactive loop for session.
func (c *Console) Run(ctx context.Context, session core.Session) error {
	ctl, ok := session.(Controller)
	if !ok {
		return core.ErrInternal("session does not support the interactive console")
	}

	c.opts.Logger.Info("console started", "mode", c.opts.Mode.String())
	defer c.opts.Logger.Info("console finished")

	if c.opts.Mode == ModeTUI {
		return c.runTUI(ctx, ctl)
	}
	return c.runPlain(ctx, ctl)
}

func (c *Console) runTUI(ctx context.Context, ctl Controller) error {
	model := NewModel(ctx, ctl, c.registry, c.notices)
	p := tea.NewProgram(model,
		tea.WithContext(ctx),
		tea.WithInput(c.opts.In),
		tea.WithOutput(c.opts.Out),
		tea.WithAltScreen(),
		// Fatal signals belong to the fault trap.
		tea.WithoutSignalHandler(),
	)
	if c.opts.OnFatal != nil {
		unregister := c.opts.OnFatal(func() { _ = p.ReleaseTerminal() })
		defer unregister()
	}
	_, err := p.Run()
	if err != nil && errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

type noticeWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	notify func(string)
}

func (w *noticeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.notify(line[:len(line)-1])
	}
	return len(p), nil
}
