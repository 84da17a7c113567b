// Package metrics 采集主机与进程指标，供 /api/stats 展示。
package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const gb = 1024 * 1024 * 1024

// SystemMetric 主机与进程快照。
type SystemMetric struct {
	CPULoad        float64   `json:"cpu_load"`
	CPUProcessors  int       `json:"cpu_processors"`
	Goroutines     int       `json:"goroutines"`
	DiskTotalGB    float64   `json:"disk_total_gb"`
	DiskUsedGB     float64   `json:"disk_used_gb"`
	DiskUsageRatio float64   `json:"disk_usage_ratio"`
	MemTotalGB     float64   `json:"mem_total_gb"`
	ProcRSSGB      float64   `json:"proc_rss_gb"`
	ProcMemUsage   float64   `json:"proc_mem_usage"`
	Score          float64   `json:"score"`
	CollectedAt    time.Time `json:"collected_at"`
}

// Collect 采集指标；数据目录所在磁盘用于磁盘占用（为空时取根目录）。
// 单项采集失败时该项保持零值。
func Collect(ctx context.Context, dataDir string) SystemMetric {
	out := SystemMetric{CPUProcessors: runtime.NumCPU(), Goroutines: runtime.NumGoroutine(), CollectedAt: time.Now()}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.CPULoad = avg.Load1
	}
	if dataDir == "" {
		dataDir = "/"
	}
	if du, err := disk.UsageWithContext(ctx, dataDir); err == nil && du.Total > 0 {
		out.DiskTotalGB = float64(du.Total) / gb
		out.DiskUsedGB = float64(du.Used) / gb
		out.DiskUsageRatio = du.UsedPercent / 100.0
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm.Total > 0 {
		out.MemTotalGB = float64(vm.Total) / gb
	}
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if pm, err := p.MemoryInfoWithContext(ctx); err == nil && pm != nil {
			out.ProcRSSGB = float64(pm.RSS) / gb
			if out.MemTotalGB > 0 {
				out.ProcMemUsage = out.ProcRSSGB / out.MemTotalGB
			}
		}
	}
	out.Score = score(out)
	return out
}

// score 0~100 的健康分，负载与占用越高分越低。
func score(m SystemMetric) float64 {
	s := 100.0
	if m.CPULoad > 0 && m.CPUProcessors > 0 {
		s -= m.CPULoad / float64(m.CPUProcessors) * 40
	}
	s -= m.DiskUsageRatio * 20
	s -= m.ProcMemUsage * 30
	if s < 0 {
		s = 0
	}
	return s
}
