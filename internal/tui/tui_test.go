package tui

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/engine"
	"github.com/hugo-lorenzo-mato/simconsole/internal/storage"
)

// fakeController is an in-memory session.
type fakeController struct {
	mu       sync.Mutex
	runs     int
	paused   bool
	stops    int
	done     chan struct{}
	doneOnce sync.Once
	startErr error
	history  []storage.Run
}

func newFakeController() *fakeController {
	return &fakeController{done: make(chan struct{})}
}

func (f *fakeController) ID() string                        { return "0123456789" }
func (f *fakeController) JobDispatcher() core.JobDispatcher { return f }
func (f *fakeController) Release(context.Context) error     { return nil }
func (f *fakeController) Done() <-chan struct{}             { return f.done }

func (f *fakeController) RequestStop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeController) StartRun(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.runs++
	return "run-abcdef-123", nil
}

func (f *fakeController) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := engine.Status{SessionID: "0123456789", Model: "poly", Realizations: 4, MaxRunning: 2, Paused: f.paused}
	if f.runs > 0 {
		st.Run = &engine.RunStatus{ID: "run-abcdef-123", State: "running", Total: 4, Running: 2, Waiting: 1, Success: 1}
	}
	return st
}

func (f *fakeController) Runs(_ context.Context, limit int) ([]storage.Run, error) {
	if limit < len(f.history) {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeController) Pause()  { f.mu.Lock(); f.paused = true; f.mu.Unlock() }
func (f *fakeController) Resume() { f.mu.Lock(); f.paused = false; f.mu.Unlock() }

type bareSession struct{}

func (bareSession) ID() string                        { return "bare" }
func (bareSession) JobDispatcher() core.JobDispatcher { return nil }
func (bareSession) Release(context.Context) error     { return nil }

func TestDetector(t *testing.T) {
	assert.Equal(t, ModePlain, NewDetector().ForceMode(ModePlain).Detect())
	assert.Equal(t, ModeTUI, ParseOutputMode("tui").Detect())
	assert.Equal(t, ModePlain, ParseOutputMode("plain").Detect())

	t.Setenv("CI", "")
	t.Setenv("SIMCONSOLE_PLAIN", "")
	t.Setenv("TERM", "xterm")
	d := NewDetector()
	d.isTTY = func() bool { return false }
	assert.Equal(t, ModePlain, d.Detect())
	d.isTTY = func() bool { return true }
	assert.Equal(t, ModeTUI, d.Detect())

	t.Setenv("CI", "true")
	assert.Equal(t, ModePlain, d.Detect())

	assert.Equal(t, "tui", ModeTUI.String())
	assert.Equal(t, "plain", ModePlain.String())
}

func TestCommandRegistry_Parse(t *testing.T) {
	r := NewCommandRegistry()

	tests := []struct {
		input    string
		wantCmd  string
		wantArgs []string
		wantErr  bool
	}{
		{"run", "run", []string{}, false},
		{"  /status ", "status", []string{}, false},
		{"q", "quit", []string{}, false},
		{"RUNS 5", "runs", []string{"5"}, false},
		{"pa", "pause", []string{}, false},
		{"re", "resume", []string{}, false},
		{"xyz", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd, args, err := r.Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cmd)
			assert.Equal(t, tt.wantCmd, cmd.Name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}

	cmd, _, err := r.Parse("   ")
	assert.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestCommandRegistry_Suggest(t *testing.T) {
	r := NewCommandRegistry()
	assert.Contains(t, r.Suggest("stts"), "status")
	assert.Len(t, r.Suggest(""), len(r.All()))

	_, _, err := r.Parse("stts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean")
}

func TestRenderHelp(t *testing.T) {
	md := helpMarkdown(NewCommandRegistry())
	for _, name := range []string{"run", "status", "pause", "resume", "stop", "runs", "help", "quit"} {
		assert.Contains(t, md, "`"+name)
	}
	out := renderHelp(NewCommandRegistry(), "notty", 100)
	assert.Contains(t, out, "Console commands")
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	r := NewCommandRegistry()
	ctl := newFakeController()
	get := func(name string) *Command { c, _ := r.Get(name); return c }

	res := execute(ctx, ctl, get("run"), nil)
	require.NoError(t, res.err)
	assert.Contains(t, res.output, "run run-abcd started (4 realizations)")

	res = execute(ctx, ctl, get("status"), nil)
	assert.Contains(t, res.output, "model poly")
	assert.Contains(t, res.output, "running=2")

	execute(ctx, ctl, get("pause"), nil)
	assert.Contains(t, execute(ctx, ctl, get("status"), nil).output, "[paused]")
	execute(ctx, ctl, get("resume"), nil)
	assert.NotContains(t, execute(ctx, ctl, get("status"), nil).output, "[paused]")

	assert.Equal(t, "no runs recorded", execute(ctx, ctl, get("runs"), nil).output)
	assert.Error(t, execute(ctx, ctl, get("runs"), []string{"zero"}).err)

	ctl.history = []storage.Run{{ID: "abcdefgh-1", State: "completed", StartedAt: time.Now(), Counts: storage.Counts{Total: 4, Success: 4}}}
	assert.Contains(t, execute(ctx, ctl, get("runs"), []string{"3"}).output, "abcdefgh  completed")

	assert.True(t, execute(ctx, ctl, get("help"), nil).help)
	assert.True(t, execute(ctx, ctl, get("quit"), nil).quit)

	ctl.startErr = core.ErrState(core.CodeDispatcherStopped, "dispatcher stopped")
	assert.Error(t, execute(ctx, ctl, get("run"), nil).err)

	execute(ctx, ctl, get("stop"), nil)
	assert.Equal(t, 1, ctl.stops)
}

func TestConsole_RejectsBareSession(t *testing.T) {
	c := NewConsole(Options{Mode: ModePlain, In: strings.NewReader(""), Out: &bytes.Buffer{}})
	err := c.Run(context.Background(), bareSession{})
	assert.True(t, core.IsCategory(err, core.ErrCatInternal))
}

func TestConsole_PlainQuit(t *testing.T) {
	out := &bytes.Buffer{}
	ctl := newFakeController()
	c := NewConsole(Options{Mode: ModePlain, In: strings.NewReader("status\nrun\nbogus\nquit\nrun\n"), Out: out})

	require.NoError(t, c.Run(context.Background(), ctl))

	assert.Contains(t, out.String(), "Model poly ready")
	assert.Contains(t, out.String(), "session 01234567")
	assert.Contains(t, out.String(), "unknown command")
	assert.Equal(t, 1, ctl.runs, "input after quit is not executed")
	assert.Equal(t, ModePlain, c.Mode())
}

func TestConsole_PlainEndOfInput(t *testing.T) {
	c := NewConsole(Options{Mode: ModePlain, In: strings.NewReader("help\n"), Out: &bytes.Buffer{}})
	assert.NoError(t, c.Run(context.Background(), newFakeController()))
}

func TestConsole_PlainExitsWhenSessionDone(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	out := &syncBuffer{}
	ctl := newFakeController()
	c := NewConsole(Options{Mode: ModePlain, In: pr, Out: out})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), ctl) }()

	c.Notify("configuration changed on disk; restart to apply")
	time.Sleep(20 * time.Millisecond)
	ctl.RequestStop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("console did not exit after the dispatcher stopped")
	}
	assert.Contains(t, out.String(), "Dispatcher stopped")
	assert.Contains(t, out.String(), "configuration changed on disk")
}

func TestConsole_PlainContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsole(Options{Mode: ModePlain, In: pr, Out: &syncBuffer{}})

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, newFakeController()) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("console ignored context cancellation")
	}
}

func TestNoticeWriter(t *testing.T) {
	c := NewConsole(Options{})
	w := c.NoticeWriter()

	_, _ = w.Write([]byte("#### 1\n#### "))
	_, _ = w.Write([]byte("2\n"))

	assert.Equal(t, "#### 1", <-c.notices)
	assert.Equal(t, "#### 2", <-c.notices)

	for i := 0; i < noticeBuffer+10; i++ {
		c.Notify(fmt.Sprintf("flood %d", i))
	}
	assert.Len(t, c.notices, noticeBuffer)
	assert.Equal(t, "flood 10", <-c.notices, "oldest notices are dropped")
}

func TestConsole_TUIRegistersTerminalRestore(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var mu sync.Mutex
	registered, unregistered := 0, 0
	ctl := newFakeController()
	ctl.RequestStop()

	c := NewConsole(Options{
		Mode: ModeTUI,
		In:   pr,
		Out:  &syncBuffer{},
		OnFatal: func(hook func()) func() {
			mu.Lock()
			defer mu.Unlock()
			require.NotNil(t, hook)
			registered++
			return func() {
				mu.Lock()
				defer mu.Unlock()
				unregistered++
			}
		},
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), ctl) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("full-screen console did not exit after the dispatcher stopped")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, registered)
	assert.Equal(t, 1, unregistered, "restore hook is dropped once the console exits")
}

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func typeLine(t *testing.T, m Model, line string) (Model, tea.Cmd) {
	t.Helper()
	var updated tea.Model = m
	for _, r := range line {
		updated, _ = updated.Update(keyMsg(string(r)))
	}
	updated, cmd := updated.Update(keyMsg("enter"))
	return updated.(Model), cmd
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestModel_Commands(t *testing.T) {
	ctl := newFakeController()
	m := NewModel(context.Background(), ctl, NewCommandRegistry(), nil)
	require.NotNil(t, m.Init())

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m = updated.(Model)

	m, cmd := typeLine(t, m, "run")
	assert.False(t, isQuit(cmd))
	assert.Equal(t, 1, ctl.runs)
	assert.Contains(t, strings.Join(m.Output(), "\n"), "started")
	assert.Contains(t, m.View(), "run-abcd")

	m, _ = typeLine(t, m, "nope")
	assert.Contains(t, strings.Join(m.Output(), "\n"), "unknown command")

	m, _ = typeLine(t, m, "help")
	assert.Contains(t, m.View(), "esc to close help")
	updated, _ = m.Update(keyMsg("esc"))
	m = updated.(Model)
	assert.NotContains(t, m.View(), "esc to close help")

	_, cmd = typeLine(t, m, "quit")
	assert.True(t, isQuit(cmd))
}

func TestModel_QuitsWhenSessionDone(t *testing.T) {
	ctl := newFakeController()
	m := NewModel(context.Background(), ctl, NewCommandRegistry(), nil)

	ctl.RequestStop()
	msg := waitForDone(ctl.Done())()
	updated, cmd := m.Update(msg)

	assert.True(t, isQuit(cmd))
	assert.True(t, updated.(Model).stopped)
	assert.Contains(t, strings.Join(updated.(Model).Output(), "\n"), "Dispatcher stopped")
}

func TestModel_NoticesAndTicks(t *testing.T) {
	notices := make(chan string, 1)
	ctl := newFakeController()
	m := NewModel(context.Background(), ctl, NewCommandRegistry(), notices)

	notices <- "#### 3"
	updated, cmd := m.Update(waitForNotice(notices)())
	assert.NotNil(t, cmd)
	assert.Contains(t, strings.Join(updated.(Model).Output(), "\n"), "#### 3")

	ctl.Pause()
	updated, cmd = updated.Update(statusTickMsg(time.Now()))
	assert.NotNil(t, cmd)
	assert.True(t, updated.(Model).status.Paused)
	assert.Contains(t, updated.View(), "paused")

	_, cmd = updated.Update(keyMsg("ctrl+c"))
	assert.True(t, isQuit(cmd))
}

func TestModel_OutputIsBounded(t *testing.T) {
	m := NewModel(context.Background(), newFakeController(), NewCommandRegistry(), nil)
	for i := 0; i < maxOutputLines+50; i++ {
		m.appendOutput("line")
	}
	assert.Len(t, m.Output(), maxOutputLines)
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
