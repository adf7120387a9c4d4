package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// result is the outcome of one console command.
type result struct {
	output string
	help   bool
	quit   bool
	err    error
}

// execute runs a parsed command against the session.
func execute(ctx context.Context, ctl Controller, cmd *Command, args []string) result {
	switch cmd.Name {
	case "run":
		id, err := ctl.StartRun(ctx)
		if err != nil {
			return result{err: err}
		}
		return result{output: fmt.Sprintf("run %s started (%d realizations)", shortID(id), ctl.Status().Realizations)}

	case "status":
		return result{output: formatStatus(ctl)}

	case "pause":
		ctl.Pause()
		return result{output: "paused: queued realizations are held"}

	case "resume":
		ctl.Resume()
		return result{output: "resumed"}

	case "stop":
		ctl.JobDispatcher().RequestStop()
		return result{output: "stop requested"}

	case "runs":
		limit := 10
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return result{err: fmt.Errorf("invalid limit %q", args[0])}
			}
			limit = n
		}
		runs, err := ctl.Runs(ctx, limit)
		if err != nil {
			return result{err: err}
		}
		if len(runs) == 0 {
			return result{output: "no runs recorded"}
		}
		var b strings.Builder
		for _, r := range runs {
			fmt.Fprintf(&b, "%s  %-9s  %s  ok=%d failed=%d cancelled=%d/%d\n",
				shortID(r.ID), r.State, r.StartedAt.Local().Format(time.DateTime),
				r.Counts.Success, r.Counts.Failed, r.Counts.Cancelled, r.Counts.Total)
		}
		return result{output: strings.TrimRight(b.String(), "\n")}

	case "help":
		return result{help: true}

	case "quit":
		return result{quit: true}
	}
	return result{err: fmt.Errorf("command %q not implemented", cmd.Name)}
}

func formatStatus(ctl Controller) string {
	st := ctl.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "session %s  model %s  realizations %d  max running %d",
		shortID(st.SessionID), st.Model, st.Realizations, st.MaxRunning)
	switch {
	case st.Stopped:
		b.WriteString("  [stopped]")
	case st.Paused:
		b.WriteString("  [paused]")
	}
	if r := st.Run; r != nil {
		fmt.Fprintf(&b, "\nrun %s %s: waiting=%d running=%d success=%d failed=%d cancelled=%d",
			shortID(r.ID), r.State, r.Waiting, r.Running, r.Success, r.Failed, r.Cancelled)
	} else {
		b.WriteString("\nno run started")
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
