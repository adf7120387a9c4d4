package main

import (
	"fmt"
	"os"

	"github.com/hugo-lorenzo-mato/simconsole/cmd/simconsole/cmd"
	"github.com/hugo-lorenzo-mato/simconsole/internal/core"
	"github.com/hugo-lorenzo-mato/simconsole/internal/diagnostics"
)

// Version information - set by ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// The trap goes in before anything else so every later fault is reported.
	registry := diagnostics.NewRegistry()
	trap := diagnostics.NewFaultTrap(registry)
	if err := trap.Install(); err != nil {
		fmt.Fprintf(os.Stderr, "installing fault trap: %v\n", err)
		os.Exit(core.ExitAbort)
	}
	defer trap.Recover()

	cmd.SetVersion(version, commit, date)
	cmd.SetFaultTrap(registry, trap)

	os.Exit(core.ExitCode(cmd.Execute()))
}
