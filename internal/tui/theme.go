package tui

import "github.com/charmbracelet/lipgloss"

// Color palette (Catppuccin Mocha)
var (
	colorBg     = lipgloss.Color("#1e1e2e")
	colorBorder = lipgloss.Color("#45475a")
	colorMuted  = lipgloss.Color("#6c7086")
	colorText   = lipgloss.Color("#cdd6f4")

	colorPrimary   = lipgloss.Color("#89b4fa")
	colorSuccess   = lipgloss.Color("#a6e3a1")
	colorWarning   = lipgloss.Color("#f9e2af")
	colorSecondary = lipgloss.Color("#cba6f7")
	colorAccent    = lipgloss.Color("#89dceb")
	colorError     = lipgloss.Color("#f38ba8")
)

// Styles
var (
	headerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 2)

	titleStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	sectionStyle = lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	valueStyle = lipgloss.NewStyle().
			Foreground(colorText)

	contentStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(1, 2)

	normalStyle = lipgloss.NewStyle().
			Foreground(colorText)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	successStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(colorWarning)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	spinnerStyle = lipgloss.NewStyle().
			Foreground(colorPrimary)

	barFilledStyle = lipgloss.NewStyle().
			Foreground(colorPrimary)

	barEmptyStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	statValueStyle = lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true)

	videoBadge = lipgloss.NewStyle().
			Foreground(colorBg).
			Background(colorPrimary).
			Padding(0, 1).
			Bold(true)

	audioBadge = lipgloss.NewStyle().
			Foreground(colorBg).
			Background(colorSecondary).
			Padding(0, 1).
			Bold(true)

	subtitleBadge = lipgloss.NewStyle().
			Foreground(colorBg).
			Background(colorAccent).
			Padding(0, 1).
			Bold(true)
)

var spinner = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
