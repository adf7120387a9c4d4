package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/simconsole/internal/config"
	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/simconsole/internal/engine"
	"github.com/hugo-lorenzo-mato/simconsole/internal/lifecycle"
	"github.com/hugo-lorenzo-mato/simconsole/internal/logging"
	"github.com/hugo-lorenzo-mato/simconsole/internal/statusapi"
	"github.com/hugo-lorenzo-mato/simconsole/internal/tui"
	"github.com/hugo-lorenzo-mato/simconsole/internal/watchdog"
)

var (
	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string

	// Set via SetFaultTrap() by main once the trap is installed.
	registry  *diagnostics.Registry
	faultTrap *diagnostics.FaultTrap
)

// SetVersion injects the build identifiers.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// SetFaultTrap hands the process-wide registry and fault trap to the commands.
func SetFaultTrap(reg *diagnostics.Registry, trap *diagnostics.FaultTrap) {
	registry = reg
	faultTrap = trap
}

func buildInfo() lifecycle.BuildInfo {
	return lifecycle.BuildInfo{Version: appVersion, Commit: appCommit, Date: appDate}
}

type rootOptions struct {
	consoleConfig string
	noWatchdog    bool
	v             *viper.Viper
}

// NewRootCmd builds the simconsole command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	root := &cobra.Command{
		Use:   "simconsole [flags] <model-config>",
		Short: "Interactive console for ensemble simulation runs",
		Long: `simconsole bootstraps a simulation session from a model configuration
and opens an interactive console to start, watch and stop ensemble runs.

A background watchdog requests a cooperative stop of the job dispatcher
once its grace period elapses. Fatal signals print the diagnostic registry
and a goroutine dump before the process exits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          exactlyOneConfig,
		RunE: func(c *cobra.Command, args []string) error {
			return runConsole(c, opts, args[0])
		},
	}

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return core.ErrUsage(err.Error()).WithCause(err)
	})

	flags := root.Flags()
	flags.StringVar(&opts.consoleConfig, "console-config", "",
		"console settings file (default: .simconsole.yaml)")
	flags.String("site-config", "", "site configuration file (default: "+config.DefaultSiteConfig+")")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (auto, text, json)")
	flags.String("ui", "", "console mode (auto, tui, plain)")
	flags.String("status-addr", "", "serve the status endpoint on host:port")
	flags.BoolVar(&opts.noWatchdog, "no-watchdog", false, "do not start the watchdog")

	// Bind flags to viper (errors are nil when flag exists)
	_ = opts.v.BindPFlag("site.config", flags.Lookup("site-config"))
	_ = opts.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = opts.v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = opts.v.BindPFlag("ui.mode", flags.Lookup("ui"))
	_ = opts.v.BindPFlag("status.addr", flags.Lookup("status-addr"))

	root.AddCommand(newVersionCmd(), newCrashDumpCmd())
	return root
}

// Execute runs the command line. Usage and missing-configuration errors
// are reported with the usage banner on stdout.
func Execute() error {
	return execute(NewRootCmd())
}

func execute(root *cobra.Command) error {
	c, err := root.ExecuteC()
	if err == nil {
		return nil
	}
	if c == nil {
		c = root
	}
	switch core.GetCategory(err) {
	case core.ErrCatUsage, core.ErrCatNotFound:
		reportUsage(c, err)
	default:
		fmt.Fprintf(c.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}

func reportUsage(c *cobra.Command, err error) {
	msg := err.Error()
	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		msg = domErr.Message
	}
	out := c.OutOrStdout()
	fmt.Fprintf(out, " ** Sorry: %s\n\n", msg)
	fmt.Fprint(out, c.UsageString())
}

func exactlyOneConfig(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return core.ErrUsage(fmt.Sprintf("expected exactly one configuration file, got %d arguments", len(args)))
	}
	return nil
}

func runConsole(c *cobra.Command, opts *rootOptions, modelPath string) error {
	cfg, err := config.NewLoaderWithViper(opts.v).WithConfigFile(opts.consoleConfig).Load()
	if err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, "loading console settings").WithCause(err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return core.ErrValidation(core.CodeInvalidConfig, "invalid console settings").WithCause(err)
	}
	if opts.noWatchdog {
		cfg.Watchdog.Enabled = false
	}

	reg, trap := registry, faultTrap
	if reg == nil {
		reg = diagnostics.NewRegistry()
	}
	if trap == nil {
		trap = diagnostics.NewFaultTrap(reg)
	}

	mode := tui.ParseOutputMode(cfg.UI.Mode).Detect()
	logger, closeLog, err := newLogger(cfg.Log, mode, c.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	monitor := diagnostics.NewResourceMonitor(monitorOptions(cfg.Diagnostics, trap.Recover), logger.WithComponent("monitor").Slog())
	metrics := diagnostics.NewSystemMetricsCollector("")
	dumps := diagnostics.NewCrashDumpWriter(diagnostics.CrashDumpOptions{
		Dir:          cfg.Diagnostics.CrashDumpDir,
		MaxFiles:     cfg.Diagnostics.MaxFiles,
		IncludeStack: cfg.Diagnostics.IncludeStack,
		IncludeEnv:   cfg.Diagnostics.IncludeEnv,
	}, logger.Slog(), monitor, metrics)
	trap.SetCrashDumpWriter(dumps)

	out := c.OutOrStdout()
	console := tui.NewConsole(tui.Options{
		Mode:    mode,
		In:      c.InOrStdin(),
		Out:     out,
		Logger:  logger.WithComponent("console").Slog(),
		Recover: trap.Recover,
		OnFatal: trap.OnFatal,
	})

	bootstrap := lifecycle.BootstrapFunc(func(ctx context.Context, site, model string, flags core.BootstrapFlags) (core.Session, error) {
		s, err := engine.Bootstrap(ctx, site, model, flags,
			engine.WithLogger(logger),
			engine.WithMonitor(monitor),
			engine.WithRunHook(dumps.SetRun),
			engine.WithRecover(trap.Recover),
		)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	services := []lifecycle.Service{
		&diagnosticsService{monitor: monitor, dumps: dumps},
		&configWatchService{path: modelPath, notify: console.Notify, logger: logger.Slog(), recover: trap.Recover},
	}
	if cfg.Status.Addr != "" {
		services = append(services, statusapi.NewServer(cfg.Status.Addr, reg,
			statusapi.WithLogger(logger.WithComponent("status").Slog()),
			statusapi.WithCORSOrigins(cfg.Status.CORSOrigins),
			statusapi.WithMonitor(monitor),
			statusapi.WithSystemMetrics(metrics),
			statusapi.WithRecover(trap.Recover),
		))
	}

	// Left as a nil interface when disabled.
	var wd lifecycle.Watchdog
	if cfg.Watchdog.Enabled {
		wdOut := out
		if mode == tui.ModeTUI {
			wdOut = console.NoticeWriter()
		}
		wd = watchdog.New(watchdog.Config{
			IntervalSeconds: cfg.Watchdog.IntervalSeconds,
			IntervalCount:   cfg.Watchdog.IntervalCount,
		},
			watchdog.WithOutput(wdOut),
			watchdog.WithLogger(logger.WithComponent("watchdog").Slog()),
			watchdog.WithRecover(trap.Recover),
		)
	}

	env := &lifecycle.Envelope{
		Startup: &lifecycle.Startup{
			Registry:     reg,
			Bootstrapper: bootstrap,
			Trap:         trap,
			Build:        buildInfo(),
			SiteConfig:   cfg.Site.Config,
			Out:          out,
			Logger:       logger,
		},
		Shutdown: &lifecycle.Shutdown{Registry: reg, Logger: logger},
		Loop:     console,
		Watchdog: wd,
		Services: services,
		Logger:   logger,
	}
	return env.Run(c.Context(), modelPath)
}

// newLogger writes to stderr in plain mode. The full-screen console owns
// the terminal, so in TUI mode logs go to the configured file.
func newLogger(cfg config.LogConfig, mode tui.OutputMode, stderr io.Writer) (*logging.Logger, func(), error) {
	lc := logging.Config{Level: cfg.Level, Format: cfg.Format, Output: stderr}
	if mode != tui.ModeTUI || cfg.File == "" {
		return logging.New(lc), func() {}, nil
	}

	f, err := logging.OpenFile(cfg.File)
	if err != nil {
		return nil, nil, err
	}
	lc.Output = f
	return logging.New(lc), func() { _ = f.Close() }, nil
}

func monitorOptions(cfg config.DiagnosticsConfig, onPanic func()) diagnostics.MonitorOptions {
	opts := diagnostics.DefaultMonitorOptions()
	opts.Recover = onPanic
	if d, err := time.ParseDuration(cfg.MonitorInterval); err == nil && d > 0 {
		opts.Interval = d
	}
	return opts
}
