package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/styles"
)

// helpMarkdown lists the commands as a markdown table.
func helpMarkdown(r *CommandRegistry) string {
	var b strings.Builder
	b.WriteString("# Console commands\n\n")
	b.WriteString("| Command | Aliases | Description |\n")
	b.WriteString("|---|---|---|\n")
	for _, cmd := range r.All() {
		fmt.Fprintf(&b, "| `%s` | %s | %s |\n", cmd.Usage, strings.Join(cmd.Aliases, ", "), cmd.Description)
	}
	b.WriteString("\nThe console closes on `quit`, or once the dispatcher has been stopped ")
	b.WriteString("and the current run has unwound.\n")
	return b.String()
}

// renderHelp renders the help text for a terminal of the given width.
// style is a glamour standard style name; rendering errors fall back to
// the raw markdown.
func renderHelp(r *CommandRegistry, style string, width int) string {
	md := helpMarkdown(r)
	if width <= 0 {
		width = 80
	}
	if style == "" {
		style = styles.DarkStyle
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return out
}
