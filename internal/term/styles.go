package term

import "github.com/charmbracelet/lipgloss"

var (
	PromptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	SpinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	ErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)
