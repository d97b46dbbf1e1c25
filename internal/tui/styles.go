package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/labhya/labhya/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("245"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236"))

	statusColors = map[models.SessionStatus]lipgloss.Color{
		models.StatusPending:   lipgloss.Color("214"),
		models.StatusActive:    lipgloss.Color("42"),
		models.StatusCompleted: lipgloss.Color("33"),
		models.StatusCancelled: lipgloss.Color("241"),
	}
)

func statusStyle(status models.SessionStatus) lipgloss.Style {
	color, ok := statusColors[status]
	if !ok {
		color = lipgloss.Color("252")
	}
	return lipgloss.NewStyle().Foreground(color)
}
