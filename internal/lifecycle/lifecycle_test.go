package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/simconsole/internal/logging"
	"github.com/hugo-lorenzo-mato/simconsole/internal/watchdog"
)

// fakeDispatcher counts stop requests.
type fakeDispatcher struct {
	stops atomic.Int32
}

func (d *fakeDispatcher) RequestStop() { d.stops.Add(1) }

// fakeSession records release calls and, when stopped, closes done.
type fakeSession struct {
	dispatcher *fakeDispatcher
	releases   atomic.Int32
	events     *[]string
	mu         *sync.Mutex
}

func newFakeSession() *fakeSession {
	return &fakeSession{dispatcher: &fakeDispatcher{}, events: &[]string{}, mu: &sync.Mutex{}}
}

func (s *fakeSession) ID() string                        { return "session-1" }
func (s *fakeSession) JobDispatcher() core.JobDispatcher { return s.dispatcher }
func (s *fakeSession) Release(context.Context) error {
	s.releases.Add(1)
	s.log("release")
	return nil
}

func (s *fakeSession) log(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.events = append(*s.events, event)
}

// recordingTrap captures Abort instead of exiting.
type recordingTrap struct {
	reasons []error
}

func (t *recordingTrap) Abort(reason error) { t.reasons = append(t.reasons, reason) }

// bootstrapRecorder snapshots the registry at bootstrap time.
type bootstrapRecorder struct {
	registry *diagnostics.Registry
	session  *fakeSession
	err      error

	calls     int
	modelPath string
	flags     core.BootstrapFlags
	snapshot  []diagnostics.Entry
}

func (b *bootstrapRecorder) Bootstrap(_ context.Context, _, modelPath string, flags core.BootstrapFlags) (core.Session, error) {
	b.calls++
	b.modelPath = modelPath
	b.flags = flags
	b.snapshot = b.registry.Entries()
	if b.err != nil {
		return nil, b.err
	}
	return b.session, nil
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_realizations: 1\n"), 0o600))
	return path
}

func newStartup(reg *diagnostics.Registry, b Bootstrapper, trap Aborter, out *bytes.Buffer) *Startup {
	return &Startup{
		Registry:     reg,
		Bootstrapper: b,
		Trap:         trap,
		Build:        BuildInfo{Version: "1.2.0", Commit: "abc123", Date: "2026-10-01T12:00:00Z"},
		SiteConfig:   "/etc/simconsole/site.toml",
		Out:          out,
	}
}

func TestBuildInfo(t *testing.T) {
	assert.Equal(t, "dev", BuildInfo{}.String())
	assert.Equal(t, "1.0", BuildInfo{Version: "1.0", Commit: "none"}.String())
	assert.Equal(t, "1.0 (abc)", BuildInfo{Version: "1.0", Commit: "abc"}.String())
	assert.Equal(t, "unknown", BuildInfo{}.BuildTime())
}

func TestStartup_MissingConfigSkipsBootstrap(t *testing.T) {
	reg := diagnostics.NewRegistry()
	b := &bootstrapRecorder{registry: reg, session: newFakeSession()}
	trap := &recordingTrap{}

	for _, path := range []string{"/tmp/missing.cfg", "", t.TempDir()} {
		_, err := newStartup(reg, b, trap, &bytes.Buffer{}).Run(context.Background(), path)
		require.Error(t, err, path)
		assert.True(t, core.IsCategory(err, core.ErrCatNotFound), path)
		assert.Equal(t, 1, core.ExitCode(err))
	}

	assert.Zero(t, b.calls)
	assert.Zero(t, reg.Len())
	assert.Empty(t, trap.reasons)
}

func TestStartup_RegistryPopulatedBeforeBootstrap(t *testing.T) {
	reg := diagnostics.NewRegistry()
	b := &bootstrapRecorder{registry: reg, session: newFakeSession()}
	out := &bytes.Buffer{}
	path := writeConfig(t)

	session, err := newStartup(reg, b, &recordingTrap{}, out).Run(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "session-1", session.ID())

	abs, _ := filepath.EvalSymlinks(path)
	require.Len(t, b.snapshot, 4)
	assert.Equal(t, LabelVersion, b.snapshot[0].Label)
	assert.Equal(t, "1.2.0 (abc123)", b.snapshot[0].Value)
	assert.Equal(t, LabelBuildTime, b.snapshot[1].Label)
	assert.Equal(t, LabelConfigFile, b.snapshot[2].Label)
	assert.Equal(t, abs, b.snapshot[2].Value)
	assert.Equal(t, LabelSiteConfig, b.snapshot[3].Label)

	assert.Equal(t, abs, b.modelPath)
	assert.Equal(t, core.BootstrapFlags{Strict: true, Verbose: true}, b.flags)

	entries := reg.Entries()
	assert.Equal(t, LabelSessionID, entries[len(entries)-1].Label)

	assert.Contains(t, out.String(), "simconsole 1.2.0 (abc123)")
	assert.Contains(t, out.String(), "Configuration: "+abs)
	assert.Contains(t, out.String(), "Bootstrap complete")
}

func TestStartup_ResolvesSymlinks(t *testing.T) {
	target := writeConfig(t)
	link := filepath.Join(t.TempDir(), "link.yaml")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	reg := diagnostics.NewRegistry()
	b := &bootstrapRecorder{registry: reg, session: newFakeSession()}
	_, err := newStartup(reg, b, &recordingTrap{}, &bytes.Buffer{}).Run(context.Background(), link)
	require.NoError(t, err)

	resolved, _ := filepath.EvalSymlinks(target)
	assert.Equal(t, resolved, b.modelPath)
}

func TestStartup_BootstrapFailureAborts(t *testing.T) {
	reg := diagnostics.NewRegistry()
	b := &bootstrapRecorder{registry: reg, err: errors.New("malformed forward model")}
	trap := &recordingTrap{}
	out := &bytes.Buffer{}

	_, err := newStartup(reg, b, trap, out).Run(context.Background(), writeConfig(t))
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatBootstrap))
	assert.Equal(t, core.ExitAbort, core.ExitCode(err))

	require.Len(t, trap.reasons, 1)
	assert.ErrorIs(t, trap.reasons[0], core.ErrBootstrap(nil))
	assert.Contains(t, trap.reasons[0].Error(), "malformed forward model")

	// Context survives for the crash report.
	assert.Equal(t, 4, reg.Len())
	assert.NotContains(t, out.String(), "Bootstrap complete")
}

// fakeService records start/stop order.
type fakeService struct {
	name     string
	session  *fakeSession
	startErr error
	stopErr  error
	started  bool
	stopped  bool
}

func (s *fakeService) Name() string { return s.name }
func (s *fakeService) Start(_ context.Context, sess core.Session) error {
	s.started = true
	return s.startErr
}
func (s *fakeService) Stop(context.Context) error {
	s.stopped = true
	s.session.log("stop " + s.name)
	return s.stopErr
}

func TestShutdown_OrderAndIdempotence(t *testing.T) {
	reg := diagnostics.NewRegistry()
	reg.Append("version", "1")
	session := newFakeSession()

	wd := watchdog.New(watchdog.Config{IntervalSeconds: 6, IntervalCount: 5}, watchdog.WithOutput(&bytes.Buffer{}))
	require.NoError(t, wd.Start(context.Background(), session.dispatcher))

	a := &fakeService{name: "a", session: session}
	b := &fakeService{name: "b", session: session}
	sd := &Shutdown{Registry: reg, Watchdog: wd, Services: []Service{a, b}}

	start := time.Now()
	require.NoError(t, sd.Run(context.Background(), session))
	require.NoError(t, sd.Run(context.Background(), session))

	assert.Less(t, time.Since(start), time.Second, "watchdog mid-sleep must not delay shutdown")
	assert.Equal(t, []string{"stop b", "stop a", "release"}, *session.events)
	assert.Equal(t, int32(1), session.releases.Load())
	assert.Zero(t, reg.Len())
	assert.Zero(t, session.dispatcher.stops.Load())
}

type stuckWatchdog struct{}

func (stuckWatchdog) Start(context.Context, core.JobDispatcher) error { return nil }
func (stuckWatchdog) Stop()                                           {}
func (stuckWatchdog) Wait(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestShutdown_AbandonsUnjoinableWatchdog(t *testing.T) {
	session := newFakeSession()
	sd := &Shutdown{
		Registry:            diagnostics.NewRegistry(),
		Watchdog:            stuckWatchdog{},
		WatchdogJoinTimeout: 20 * time.Millisecond,
	}

	require.NoError(t, sd.Run(context.Background(), session))
	assert.Equal(t, int32(1), session.releases.Load())
}

// scriptedLoop ends when told to or when the dispatcher was stopped.
type scriptedLoop struct {
	runFor  time.Duration
	until   func(core.Session) bool
	err     error
	entered chan struct{}
}

func (l *scriptedLoop) Run(ctx context.Context, s core.Session) error {
	if l.entered != nil {
		close(l.entered)
	}
	deadline := time.After(l.runFor)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			return l.err
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if l.until != nil && l.until(s) {
				return l.err
			}
		}
	}
}

func newEnvelope(t *testing.T, session *fakeSession, loop InteractiveLoop, wd Watchdog, services ...Service) (*Envelope, *diagnostics.Registry) {
	t.Helper()
	reg := diagnostics.NewRegistry()
	b := &bootstrapRecorder{registry: reg, session: session}
	return &Envelope{
		Startup:  newStartup(reg, b, &recordingTrap{}, &bytes.Buffer{}),
		Shutdown: &Shutdown{Registry: reg},
		Loop:     loop,
		Watchdog: wd,
		Services: services,
	}, reg
}

func TestEnvelope_WatchdogEndsIndefiniteLoop(t *testing.T) {
	session := newFakeSession()
	wd := watchdog.New(watchdog.Config{IntervalSeconds: 1, IntervalCount: 3},
		watchdog.WithOutput(&bytes.Buffer{}), watchdog.WithInterval(10*time.Millisecond))
	loop := &scriptedLoop{
		runFor: time.Minute,
		until:  func(s core.Session) bool { return session.dispatcher.stops.Load() > 0 },
	}

	env, reg := newEnvelope(t, session, loop, wd)
	require.NoError(t, env.Run(context.Background(), writeConfig(t)))

	assert.Equal(t, int32(1), session.dispatcher.stops.Load())
	assert.True(t, wd.Fired())
	assert.Equal(t, int32(1), session.releases.Load())
	assert.Zero(t, reg.Len())
}

func TestEnvelope_UserExitBeforeWatchdog(t *testing.T) {
	session := newFakeSession()
	wd := watchdog.New(watchdog.Config{IntervalSeconds: 6, IntervalCount: 5}, watchdog.WithOutput(&bytes.Buffer{}))
	loop := &scriptedLoop{runFor: 50 * time.Millisecond}

	env, _ := newEnvelope(t, session, loop, wd)
	start := time.Now()
	require.NoError(t, env.Run(context.Background(), writeConfig(t)))

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, wd.Fired())
	assert.Zero(t, session.dispatcher.stops.Load())
	assert.Equal(t, int32(1), session.releases.Load())

	// A late stop against the released session is harmless.
	assert.NotPanics(t, session.JobDispatcher().RequestStop)
}

func TestEnvelope_MissingConfig(t *testing.T) {
	session := newFakeSession()
	loop := &scriptedLoop{entered: make(chan struct{})}

	env, _ := newEnvelope(t, session, loop, nil)
	err := env.Run(context.Background(), "/tmp/missing.cfg")
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))

	select {
	case <-loop.entered:
		t.Fatal("loop must not run without a session")
	default:
	}
	assert.Zero(t, session.releases.Load())
}

func TestEnvelope_LoopErrorIsLoggedNotReturned(t *testing.T) {
	session := newFakeSession()
	svc := &fakeService{name: "status", session: session}
	loop := &scriptedLoop{runFor: time.Millisecond, err: errors.New("terminal lost")}

	var logs bytes.Buffer
	env, _ := newEnvelope(t, session, loop, nil, svc)
	env.Logger = logging.New(logging.Config{Level: "debug", Format: "text", Output: &logs})
	require.NoError(t, env.Run(context.Background(), writeConfig(t)))
	assert.Contains(t, logs.String(), "terminal lost")

	assert.True(t, svc.started)
	assert.True(t, svc.stopped)
	assert.Equal(t, int32(1), session.releases.Load())
}

func TestEnvelope_ShutdownErrorsDoNotFailOrderlyExit(t *testing.T) {
	session := newFakeSession()
	svc := &fakeService{name: "status", session: session, stopErr: errors.New("listener stuck")}
	loop := &scriptedLoop{runFor: time.Millisecond}

	var logs bytes.Buffer
	env, _ := newEnvelope(t, session, loop, nil, svc)
	env.Logger = logging.New(logging.Config{Level: "debug", Format: "text", Output: &logs})
	require.NoError(t, env.Run(context.Background(), writeConfig(t)))

	assert.Contains(t, logs.String(), "shutdown incomplete")
	assert.Contains(t, logs.String(), "listener stuck")
	assert.Equal(t, int32(1), session.releases.Load())
}

func TestEnvelope_ServiceStartFailureStillShutsDown(t *testing.T) {
	session := newFakeSession()
	bad := &fakeService{name: "status", session: session, startErr: errors.New("address in use")}
	loop := &scriptedLoop{entered: make(chan struct{})}

	env, _ := newEnvelope(t, session, loop, nil, bad)
	err := env.Run(context.Background(), writeConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")

	select {
	case <-loop.entered:
		t.Fatal("loop must not run after a service failed to start")
	default:
	}
	assert.False(t, bad.stopped, "a service that failed to start is not stopped")
	assert.Equal(t, int32(1), session.releases.Load())
}
