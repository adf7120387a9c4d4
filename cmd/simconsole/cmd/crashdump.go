package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/simconsole/internal/config"
	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/diagnostics"
)

func newCrashDumpCmd() *cobra.Command {
	var (
		dir       string
		showStack bool
	)

	c := &cobra.Command{
		Use:   "crashdump",
		Short: "Show the most recent crash dump",
		Long: `Print a summary of the newest crash dump: what ended the process,
the diagnostic registry at the time and the resource state.

Without --dir the directory comes from diagnostics.crash_dump_dir.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			if dir == "" {
				cfg, err := config.NewLoader().Load()
				if err != nil {
					return core.ErrValidation(core.CodeInvalidConfig, "loading console settings").WithCause(err)
				}
				dir = cfg.Diagnostics.CrashDumpDir
			}

			dump, path, err := diagnostics.LoadLatestCrashDump(dir)
			if err != nil {
				return err
			}
			printCrashDump(c.OutOrStdout(), dump, path, showStack)
			return nil
		},
	}

	c.Flags().StringVar(&dir, "dir", "", "crash dump directory")
	c.Flags().BoolVar(&showStack, "stack", false, "include the goroutine dump")
	return c
}

func printCrashDump(out io.Writer, dump *diagnostics.CrashDump, path string, showStack bool) {
	fmt.Fprintf(out, "Crash dump: %s\n\n", path)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Time:\t%s\n", dump.Timestamp.Local().Format(time.RFC3339))
	fmt.Fprintf(tw, "Trigger:\t%s\n", dump.Trigger)
	fmt.Fprintf(tw, "Exit status:\t%d\n", dump.ExitCode)
	fmt.Fprintf(tw, "Process:\t%d (%s %s/%s)\n", dump.ProcessID, dump.GoVersion, dump.GOOS, dump.GOARCH)
	if dump.SessionID != "" {
		fmt.Fprintf(tw, "Session:\t%s\n", dump.SessionID)
	}
	if dump.RunID != "" {
		fmt.Fprintf(tw, "Run:\t%s\n", dump.RunID)
	}
	_ = tw.Flush()

	if len(dump.Registry) > 0 {
		fmt.Fprintln(out, "\nDiagnostics:")
		for _, e := range dump.Registry {
			fmt.Fprintf(out, "  %s: %s\n", e.Label, e.Value)
		}
	}

	rs := dump.ResourceState
	fmt.Fprintln(out, "\nResources:")
	fmt.Fprintf(out, "  goroutines: %d\n", rs.Goroutines)
	fmt.Fprintf(out, "  heap:       %.1f MB\n", rs.HeapAllocMB)
	fmt.Fprintf(out, "  open fds:   %d/%d\n", rs.OpenFDs, rs.MaxFDs)
	fmt.Fprintf(out, "  jobs:       %d active, %d started\n", rs.JobsActive, rs.JobsStarted)

	if showStack && dump.StackTrace != "" {
		fmt.Fprintln(out, "\nGoroutines:")
		fmt.Fprintln(out, strings.TrimRight(dump.StackTrace, "\n"))
	}
}
