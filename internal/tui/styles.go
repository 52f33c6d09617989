// Package tui is the terminal chat client built on bubbletea.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary = lipgloss.Color("#7AA2F7")
	colorAccent  = lipgloss.Color("#9ECE6A")
	colorError   = lipgloss.Color("#F7768E")
	colorText    = lipgloss.Color("#C0CAF5")
	colorTextDim = lipgloss.Color("#565F89")
)

var (
	headerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)

	hintStyle = lipgloss.NewStyle().Foreground(colorTextDim)

	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	userTextStyle       = lipgloss.NewStyle().Foreground(colorText)

	pendingStyle = lipgloss.NewStyle().Italic(true).Foreground(colorTextDim)
	failedStyle  = lipgloss.NewStyle().Foreground(colorError)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorError)

	inputPanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorTextDim).
			Padding(0, 1)
)
