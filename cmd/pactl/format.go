package main

import (
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// formatCount renders n with thousands separators.
func formatCount[T ~int | ~int64 | ~uint64 | ~uintptr](n T) string {
	return printer.Sprintf("%d", n)
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n uintptr) string {
	const unit = 1024
	if n < unit {
		return printer.Sprintf("%d B", n)
	}
	div, exp := uintptr(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return printer.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// formatRate renders ops per second over d.
func formatRate(ops int64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return printer.Sprintf("%.0f ops/s", float64(ops)/d.Seconds())
}
