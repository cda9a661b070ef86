package monitor

import (
	"fmt"
	"time"
)

// FormatScore formats a stability score in [0,1] as a percentage.
func FormatScore(score float64) string {
	return fmt.Sprintf("%.0f%%", score*100)
}

// FormatAge formats a heartbeat age as "Xs", "Xm Ys", or "Xh Ym".
func FormatAge(age time.Duration) string {
	if age < 0 {
		age = 0
	}
	switch {
	case age >= time.Hour:
		return fmt.Sprintf("%dh %dm", int(age.Hours()), int(age.Minutes())%60)
	case age >= time.Minute:
		return fmt.Sprintf("%dm %ds", int(age.Minutes()), int(age.Seconds())%60)
	default:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	}
}

// FormatCount renders large counts compactly: 950, 1.2k, 3.4M.
func FormatCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
