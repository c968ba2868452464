package utils

import (
	"fmt"
	"time"
)

// FormatUptime renders d at minute or second resolution, e.g. "3h07m",
// "4m09s" or "12s".
func FormatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

// FormatClock renders a message timestamp for terminal output.
func FormatClock(t time.Time) string {
	return t.Local().Format("15:04:05")
}
