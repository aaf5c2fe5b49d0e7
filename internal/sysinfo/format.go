// 本文件用于资源数值格式化
package sysinfo

import (
	"fmt"
	"math"
	"time"
)

func formatBytes(value float64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
		tb = gb * 1024
	)
	switch {
	case value >= tb:
		return fmt.Sprintf("%.1f TB", value/tb)
	case value >= gb:
		return fmt.Sprintf("%.1f GB", value/gb)
	case value >= mb:
		return fmt.Sprintf("%.1f MB", value/mb)
	case value >= kb:
		return fmt.Sprintf("%.1f KB", value/kb)
	case value > 0:
		return fmt.Sprintf("%.0f B", value)
	default:
		return "0 B"
	}
}

func formatDurationCN(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	totalMinutes := int(d.Minutes())
	if totalMinutes <= 0 {
		return "1分"
	}
	days := totalMinutes / (60 * 24)
	hours := (totalMinutes / 60) % 24
	mins := totalMinutes % 60
	if days > 0 {
		return fmt.Sprintf("%d天 %d小时 %d分", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%d小时 %d分", hours, mins)
	}
	return fmt.Sprintf("%d分", mins)
}

func roundPct(value float64) float64 {
	if value < 0 {
		value = 0
	}
	return math.Round(value*10) / 10
}
