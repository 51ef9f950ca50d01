package ui

import "github.com/charmbracelet/lipgloss"

var (
	PrimaryColor = lipgloss.Color("205")
	AccentColor  = lipgloss.Color("86")
	MutedColor   = lipgloss.Color("243")
	ErrorColor   = lipgloss.Color("196")
	SuccessColor = lipgloss.Color("42")
	WarningColor = lipgloss.Color("214")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor)

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor).
			Padding(0, 1)

	focusedPaneStyle = paneStyle.
				BorderForeground(PrimaryColor)

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(AccentColor)

	mutedStyle   = lipgloss.NewStyle().Foreground(MutedColor)
	errorStyle   = lipgloss.NewStyle().Foreground(ErrorColor)
	successStyle = lipgloss.NewStyle().Foreground(SuccessColor)
	warningStyle = lipgloss.NewStyle().Foreground(WarningColor)
	selfStyle    = lipgloss.NewStyle().Bold(true).Foreground(PrimaryColor)
	peerStyle    = lipgloss.NewStyle().Bold(true).Foreground(AccentColor)
	unreadStyle  = lipgloss.NewStyle().Bold(true).Foreground(WarningColor)
)
