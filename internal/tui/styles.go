package tui

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	mutedStyle   = lipgloss.NewStyle().Foreground(ColorTextMuted)
	runningStyle = lipgloss.NewStyle().Foreground(ColorSecondary).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(ColorSuccess)
	failedStyle  = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	noticeStyle  = lipgloss.NewStyle().Foreground(ColorWarning)
	outputStyle  = lipgloss.NewStyle().Foreground(ColorText)
)
