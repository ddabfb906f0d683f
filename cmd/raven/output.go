package main

import (
	"fmt"
	"os"
	"time"

	"github.com/kalambet/raven/internal/jobs"
	"github.com/kalambet/raven/internal/status"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func statusColor(s jobs.Status) string {
	switch s {
	case jobs.StatusCompleted:
		return colorGreen
	case jobs.StatusFailed:
		return colorRed
	case jobs.StatusProcessing:
		return colorYellow
	}
	return colorCyan
}

// formatEntry renders one job as a single terminal line:
// short id, padded status, title, then phase, elapsed time or error.
func formatEntry(e status.Entry, now time.Time) string {
	id := e.JobID
	if len(id) > 8 {
		id = id[:8]
	}
	line := fmt.Sprintf("%s  %s  %s", id, colorize(statusColor(e.Status), fmt.Sprintf("%-10s", e.Status)), e.Title)

	switch {
	case e.Status == jobs.StatusFailed && e.Error != nil:
		line += "  " + e.Error.Message
	case e.Status.Terminal():
		if e.TimeStarted != nil && e.TimeCompleted != nil {
			line += "  " + e.TimeCompleted.Sub(*e.TimeStarted).Round(time.Second).String()
		}
	case e.Phase != "":
		line += "  " + e.Phase
		if e.Elapsed != "" {
			line += " (" + e.Elapsed + ")"
		}
	default:
		line += "  waiting " + now.Sub(e.TimeReceived).Round(time.Second).String()
	}
	return line
}
