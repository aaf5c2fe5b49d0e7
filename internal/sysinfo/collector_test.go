package sysinfo

import (
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	cases := map[float64]string{0: "0 B", 512: "512 B", 2048: "2.0 KB", 3 * 1024 * 1024: "3.0 MB"}
	for input, want := range cases {
		if got := formatBytes(input); got != want {
			t.Fatalf("formatBytes(%v) = %s, 期望 %s", input, got, want)
		}
	}
}

func TestFormatDurationCN(t *testing.T) {
	cases := map[time.Duration]string{
		0:                          "--",
		30 * time.Second:           "1分",
		90 * time.Minute:           "1小时 30分",
		26*time.Hour + time.Minute: "1天 2小时 1分",
	}
	for input, want := range cases {
		if got := formatDurationCN(input); got != want {
			t.Fatalf("formatDurationCN(%v) = %s, 期望 %s", input, got, want)
		}
	}
}

func TestSnapshotCached(t *testing.T) {
	c := NewCollector(time.Minute)
	first := c.Snapshot()
	if first.PID <= 0 || first.Goroutines <= 0 || first.CollectedAt == "" {
		t.Fatalf("快照缺少基本字段: %+v", first)
	}
	if second := c.Snapshot(); second.CollectedAt != first.CollectedAt {
		t.Fatalf("缓存有效期内应返回同一快照")
	}
}
