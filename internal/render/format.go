package render

import (
	"fmt"
	"strings"
	"time"
)

var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// HumanBytes formats n with binary multiples: "512 B", "1.5 KB", "3.2 GB".
func HumanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(byteUnits)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d %s", n, byteUnits[0])
	}
	return fmt.Sprintf("%.1f %s", v, byteUnits[i])
}

// HumanDuration keeps the two most significant units: "3d 4h", "2h 5m",
// "7m", "42s".
func HumanDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	m, s := secs/60, secs%60
	h, m := m/60, m%60
	days, h := h/24, h%24
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, h)
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// Bar draws a fixed-width text gauge such as "[███░░░░░░░]".
func Bar(current, maximum int64, width int) string {
	if maximum <= 0 {
		return "[" + strings.Repeat("░", width) + "]"
	}
	frac := float64(current) / float64(maximum)
	frac = min(max(frac, 0), 1)
	filled := int(frac*float64(width) + 0.5)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

// Bandwidth formats a BANDWIDTH value in Mbps; negative means unlimited.
func Bandwidth(mbps int) string {
	if mbps < 0 {
		return "Unlimited"
	}
	return fmt.Sprintf("%d Mbps", mbps)
}

func minutesAgo(age time.Duration) string {
	n := int(age / time.Minute)
	if n < 1 {
		n = 1
	}
	if n == 1 {
		return "1 minute ago"
	}
	return fmt.Sprintf("%d minutes ago", n)
}
