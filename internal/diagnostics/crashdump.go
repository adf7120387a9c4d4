package diagnostics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
)

// CrashDump contains all information captured when the process dies abnormally.
type CrashDump struct {
	// Metadata
	Timestamp time.Time `json:"timestamp"`
	ProcessID int       `json:"process_id"`
	GoVersion string    `json:"go_version"`
	GOOS      string    `json:"goos"`
	GOARCH    string    `json:"goarch"`

	// What ended the process
	Trigger  string `json:"trigger"`
	ExitCode int    `json:"exit_code"`

	// Registry content at the time of the fault, in insertion order
	Registry   []Entry `json:"registry"`
	StackTrace string  `json:"stack_trace,omitempty"`

	// Session context
	SessionID string `json:"session_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`

	// System state at crash
	ResourceState   ResourceSnapshot   `json:"resource_state"`
	ResourceHistory []ResourceSnapshot `json:"resource_history,omitempty"`
	SystemMetrics   *SystemMetrics     `json:"system_metrics,omitempty"`

	// Environment (redacted)
	RedactedEnv map[string]string `json:"redacted_env,omitempty"`
}

// CrashReport is what the fault trap hands to the writer.
type CrashReport struct {
	Trigger  string
	ExitCode int
	Registry []Entry
	Stack    []byte
}

// CrashDumpOptions configures a CrashDumpWriter.
type CrashDumpOptions struct {
	Dir          string
	MaxFiles     int
	IncludeStack bool
	IncludeEnv   bool
}

// CrashDumpWriter handles crash dump generation and persistence.
type CrashDumpWriter struct {
	opts    CrashDumpOptions
	logger  *slog.Logger
	monitor *ResourceMonitor
	metrics *SystemMetricsCollector

	sessionID atomic.Value // string
	runID     atomic.Value // string

	mu sync.Mutex // Protects file operations
}

const (
	crashDumpPrefix = "crash-"
	crashDumpSuffix = ".json"
	// Lexical order of this layout matches chronological order.
	crashDumpTimeLayout = "20060102T150405.000000000Z"
)

// NewCrashDumpWriter creates a crash dump writer. monitor and metrics may be nil.
func NewCrashDumpWriter(opts CrashDumpOptions, logger *slog.Logger, monitor *ResourceMonitor, metrics *SystemMetricsCollector) *CrashDumpWriter {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 10
	}
	if opts.Dir == "" {
		opts.Dir = ".simconsole/crashdumps"
	}

	w := &CrashDumpWriter{
		opts:    opts,
		logger:  logger,
		monitor: monitor,
		metrics: metrics,
	}
	w.sessionID.Store("")
	w.runID.Store("")
	return w
}

// Dir returns the directory dumps are written to.
func (w *CrashDumpWriter) Dir() string {
	return w.opts.Dir
}

// SetSession records the active session for later dumps.
func (w *CrashDumpWriter) SetSession(id string) {
	w.sessionID.Store(id)
}

// SetRun records the active ensemble run; pass "" once it finishes.
func (w *CrashDumpWriter) SetRun(id string) {
	w.runID.Store(id)
}

// Write builds a dump from report and persists it atomically.
func (w *CrashDumpWriter) Write(report CrashReport) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dump := CrashDump{
		Timestamp: time.Now().UTC(),
		ProcessID: os.Getpid(),
		GoVersion: runtime.Version(),
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
		Trigger:   report.Trigger,
		ExitCode:  report.ExitCode,
		Registry:  report.Registry,
	}

	if w.opts.IncludeStack {
		dump.StackTrace = string(report.Stack)
	}
	if id, ok := w.sessionID.Load().(string); ok {
		dump.SessionID = id
	}
	if id, ok := w.runID.Load().(string); ok {
		dump.RunID = id
	}

	if w.monitor != nil {
		dump.ResourceState = w.monitor.TakeSnapshot()
		dump.ResourceHistory = w.monitor.GetHistory()
	}
	if w.metrics != nil {
		m := w.metrics.Collect()
		dump.SystemMetrics = &m
	}
	if w.opts.IncludeEnv {
		dump.RedactedEnv = redactEnvironment(os.Environ())
	}

	if err := os.MkdirAll(w.opts.Dir, 0o750); err != nil {
		return "", fmt.Errorf("creating crash dump dir: %w", err)
	}

	filename := crashDumpPrefix + dump.Timestamp.Format(crashDumpTimeLayout) + crashDumpSuffix
	path := filepath.Join(w.opts.Dir, filename)

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling crash dump: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing crash dump: %w", err)
	}

	w.pruneOldDumps()

	return path, nil
}

// pruneOldDumps removes the oldest dumps beyond MaxFiles.
func (w *CrashDumpWriter) pruneOldDumps() {
	names, err := listCrashDumps(w.opts.Dir)
	if err != nil {
		return
	}

	for len(names) > w.opts.MaxFiles {
		path := filepath.Join(w.opts.Dir, names[0])
		if err := os.Remove(path); err != nil && w.logger != nil {
			w.logger.Warn("failed to remove old crash dump",
				"path", path,
				"error", err,
			)
		}
		names = names[1:]
	}
}

// listCrashDumps returns dump file names, oldest first.
func listCrashDumps(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), crashDumpPrefix) && strings.HasSuffix(e.Name(), crashDumpSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

var sensitiveEnvSubstrings = []string{
	"TOKEN", "KEY", "SECRET", "PASSWORD", "CREDENTIAL",
	"AUTH", "PRIVATE", "LICENSE",
}

func redactEnvironment(environ []string) map[string]string {
	result := make(map[string]string, len(environ))
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}

		upper := strings.ToUpper(key)
		for _, s := range sensitiveEnvSubstrings {
			if strings.Contains(upper, s) {
				value = "[REDACTED]"
				break
			}
		}
		result[key] = value
	}
	return result
}

// LoadLatestCrashDump loads the most recent crash dump from the directory.
func LoadLatestCrashDump(dir string) (*CrashDump, string, error) {
	names, err := listCrashDumps(dir)
	if err != nil {
		return nil, "", fmt.Errorf("reading crash dump dir: %w", err)
	}
	if len(names) == 0 {
		return nil, "", fmt.Errorf("no crash dumps found in %s", dir)
	}
	newest := names[len(names)-1]

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, "", fmt.Errorf("opening crash dump dir: %w", err)
	}
	defer func() { _ = root.Close() }()

	data, err := root.ReadFile(newest)
	if err != nil {
		return nil, "", fmt.Errorf("reading crash dump: %w", err)
	}

	var dump CrashDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, "", fmt.Errorf("parsing crash dump: %w", err)
	}

	return &dump, filepath.Join(dir, newest), nil
}
