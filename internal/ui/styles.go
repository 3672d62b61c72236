// Package ui renders terminal output for the smartmark CLI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1d4ed8", Dark: "#60a5fa"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#15803d", Dark: "#4ade80"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#b45309", Dark: "#fbbf24"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#b91c1c", Dark: "#f87171"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6b7280", Dark: "#9ca3af"}

	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

func init() {
	if termenv.EnvNoColor() {
		DisableColor()
	}
}

// DisableColor strips all styling, e.g. when output is piped or NO_COLOR
// is set.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// IsColorDisabled reports whether styling is off.
func IsColorDisabled() bool {
	return lipgloss.ColorProfile() == termenv.Ascii
}

// UseStdout picks the color profile of stdout.
func UseStdout() {
	if termenv.EnvNoColor() {
		DisableColor()
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
