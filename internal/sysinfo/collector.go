// 本文件用于采集服务进程与主机的资源快照 供健康检查展示
package sysinfo

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const defaultCacheTTL = 2 * time.Second

// Snapshot 进程与主机资源快照，采集失败的项保留零值
type Snapshot struct {
	Host          string  `json:"host"`
	PID           int32   `json:"pid"`
	Goroutines    int     `json:"goroutines"`
	Threads       int32   `json:"threads"`
	CPUPct        float64 `json:"cpuPct"`
	RSS           string  `json:"rss"`
	RSSBytes      uint64  `json:"rssBytes"`
	Uptime        string  `json:"uptime"`
	HostMemUsed   float64 `json:"hostMemUsedPct"`
	HostLoad1     float64 `json:"hostLoad1"`
	CollectedAt   string  `json:"collectedAt"`
	CollectErrors int     `json:"collectErrors,omitempty"`
}

// Collector 带短缓存的快照采集器，健康检查被频繁调用时不重复采集
type Collector struct {
	mu       sync.Mutex
	cacheTTL time.Duration
	proc     *process.Process
	started  time.Time
	last     Snapshot
	lastAt   time.Time
}

// NewCollector 创建采集器
func NewCollector(cacheTTL time.Duration) *Collector {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{cacheTTL: cacheTTL, proc: proc, started: time.Now()}
}

// Snapshot 返回资源快照
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if !c.lastAt.IsZero() && now.Sub(c.lastAt) < c.cacheTTL {
		return c.last
	}

	snap := Snapshot{
		PID:         int32(os.Getpid()),
		Goroutines:  runtime.NumGoroutine(),
		Uptime:      formatDurationCN(now.Sub(c.started)),
		CollectedAt: now.Format(time.RFC3339),
	}
	if info, err := host.Info(); err == nil {
		snap.Host = info.Hostname
	} else {
		snap.CollectErrors++
	}
	if c.proc != nil {
		if pct, err := c.proc.CPUPercent(); err == nil {
			snap.CPUPct = roundPct(pct)
		} else {
			snap.CollectErrors++
		}
		if memInfo, err := c.proc.MemoryInfo(); err == nil && memInfo != nil {
			snap.RSSBytes = memInfo.RSS
			snap.RSS = formatBytes(float64(memInfo.RSS))
		} else {
			snap.CollectErrors++
		}
		if threads, err := c.proc.NumThreads(); err == nil {
			snap.Threads = threads
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.HostMemUsed = roundPct(vm.UsedPercent)
	} else {
		snap.CollectErrors++
	}
	if avg, err := load.Avg(); err == nil {
		snap.HostLoad1 = avg.Load1
	}

	c.last = snap
	c.lastAt = now
	return snap
}
