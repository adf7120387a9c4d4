package tui

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

const prompt = "simconsole> "

// runPlain runs the line-oriented console.
func (c *Console) runPlain(ctx context.Context, ctl Controller) error {
	out := c.opts.Out
	lines := make(chan string)
	inputErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)

	// The reader may stay blocked in Read after the console returns; it
	// exits with the process.
	go func() {
		defer c.opts.Recover()
		scanner := bufio.NewScanner(c.opts.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-quit:
				return
			}
		}
		inputErr <- scanner.Err()
	}()

	fmt.Fprintf(out, "Model %s ready. Type help for commands.\n", ctl.Status().Model)
	fmt.Fprint(out, prompt)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ctl.Done():
			fmt.Fprintln(out, "\nDispatcher stopped; leaving console.")
			return nil

		case msg := <-c.notices:
			fmt.Fprintf(out, "\n%s\n%s", msg, prompt)

		case err := <-inputErr:
			fmt.Fprintln(out)
			return err

		case line := <-lines:
			if c.handleLine(ctx, ctl, line) {
				return nil
			}
			fmt.Fprint(out, prompt)
		}
	}
}

// handleLine executes one input line and reports whether to quit.
func (c *Console) handleLine(ctx context.Context, ctl Controller, line string) bool {
	out := c.opts.Out
	if strings.TrimSpace(line) == "" {
		return false
	}

	cmd, args, err := c.registry.Parse(line)
	if err != nil {
		fmt.Fprintln(out, err)
		return false
	}

	res := execute(ctx, ctl, cmd, args)
	switch {
	case res.err != nil:
		fmt.Fprintf(out, "error: %v\n", res.err)
	case res.help:
		fmt.Fprint(out, renderHelp(c.registry, "notty", 80))
	case res.output != "":
		fmt.Fprintln(out, res.output)
	}
	return res.quit
}
