package hostui

import "github.com/charmbracelet/lipgloss"

var (
	colorRed    = lipgloss.Color("#FF4444")
	colorCyan   = lipgloss.Color("#00FFFF")
	colorYellow = lipgloss.Color("#FFFF00")
	colorGray   = lipgloss.Color("#666666")
	colorWhite  = lipgloss.Color("#FFFFFF")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	focusedLabelStyle = lipgloss.NewStyle().
				Foreground(colorCyan).
				Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray).
			Padding(0, 1)

	focusedBoxStyle = boxStyle.
			BorderForeground(colorCyan)

	// previewStyle is the translucent hypothesis bubble.
	previewStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Italic(true)

	fadingStyle = lipgloss.NewStyle().
			Foreground(colorGray).
			Italic(true)

	indicatorStyle = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorRed).
			Bold(true).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	caretStyle = lipgloss.NewStyle().
			Reverse(true)
)
