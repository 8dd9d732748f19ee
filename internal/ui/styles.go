// Package ui renders terminal output for the esocial CLI.
package ui

import "fmt"

// ANSI256 color codes.
const (
	colorAccent = 74  // blue
	colorCmd    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorOK     = 114 // green
	colorWarn   = 179 // amber
	colorFail   = 167 // red
)

var noColor bool

func paint(code int, s string) string {
	if noColor || s == "" {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderCommand returns s styled as a command name (light gray).
func RenderCommand(s string) string { return paint(colorCmd, s) }

// RenderOK returns s in green.
func RenderOK(s string) string { return paint(colorOK, s) }

// RenderWarn returns s in amber.
func RenderWarn(s string) string { return paint(colorWarn, s) }

// RenderFail returns s in red.
func RenderFail(s string) string { return paint(colorFail, s) }

// RenderStatus colors a lifecycle or job status word: finished work is
// green, failures red, anything in flight amber and drafts muted.
func RenderStatus(status string) string {
	switch status {
	case "processed", "completed", "valid", "ok":
		return RenderOK(status)
	case "error", "failed", "invalid":
		return RenderFail(status)
	case "preparing", "queued", "cancelled":
		return RenderMuted(status)
	default:
		return RenderWarn(status)
	}
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
