package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSampler samples the host through gopsutil instead of shelling out
type HostSampler struct {
	diskPath string
	window   time.Duration
}

// NewHostSampler creates a sampler measuring CPU over window
func NewHostSampler(diskPath string, window time.Duration) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	if window <= 0 {
		window = time.Second
	}
	return &HostSampler{diskPath: diskPath, window: window}
}

// CPUUsage returns the overall CPU utilization over the sampling window
func (s *HostSampler) CPUUsage(ctx context.Context) (float64, error) {
	percent, err := cpu.PercentWithContext(ctx, s.window, false)
	if err != nil {
		return DefaultCPUUsage, err
	}
	if len(percent) == 0 {
		return DefaultCPUUsage, fmt.Errorf("no CPU samples")
	}
	return percent[0], nil
}

// MemoryFree returns free memory in megabytes, as "<n> MB"
func (s *HostSampler) MemoryFree(ctx context.Context) (string, error) {
	info, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return DefaultMemoryFree, err
	}
	return fmt.Sprintf("%d MB", info.Free/(1024*1024)), nil
}

// DiskFree returns the human readable free space of the disk path
func (s *HostSampler) DiskFree(ctx context.Context) (string, error) {
	usage, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return DefaultDiskFree, err
	}
	return HumanBytes(usage.Free), nil
}

// HumanBytes formats n with binary units the way df -h does ("512M", "1.5G")
func HumanBytes(n uint64) string {
	const units = "KMGTPE"
	if n < 1024 {
		return fmt.Sprintf("%dB", n)
	}

	value := float64(n)
	unit := -1
	for value >= 1024 && unit < len(units)-1 {
		value /= 1024
		unit++
	}
	if value < 10 {
		return fmt.Sprintf("%.1f%c", value, units[unit])
	}
	return fmt.Sprintf("%.0f%c", value, units[unit])
}

// Capacity describes what this host can offer to tenants
type Capacity struct {
	Hostname        string  `json:"hostname" yaml:"hostname"`
	Platform        string  `json:"platform" yaml:"platform"`
	KernelVersion   string  `json:"kernel_version" yaml:"kernel_version"`
	CPUCores        int     `json:"cpu_cores" yaml:"cpu_cores"`
	CPUModel        string  `json:"cpu_model" yaml:"cpu_model"`
	MemoryTotal     uint64  `json:"memory_total_bytes" yaml:"memory_total_bytes"`
	MemoryAvailable uint64  `json:"memory_available_bytes" yaml:"memory_available_bytes"`
	DiskTotal       uint64  `json:"disk_total_bytes" yaml:"disk_total_bytes"`
	DiskFree        uint64  `json:"disk_free_bytes" yaml:"disk_free_bytes"`
	DiskUsedPercent float64 `json:"disk_used_percent" yaml:"disk_used_percent"`
}

// DetectCapacity reads host capacity. Fields that cannot be read are left
// zero; the first error is returned alongside the partial result.
func DetectCapacity(ctx context.Context, diskPath string) (Capacity, error) {
	var capacity Capacity
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	info, err := host.InfoWithContext(ctx)
	keep(err)
	if err == nil {
		capacity.Hostname = info.Hostname
		capacity.Platform = info.Platform + " " + info.PlatformVersion
		capacity.KernelVersion = info.KernelVersion
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	keep(err)
	capacity.CPUCores = cores

	cpuInfo, err := cpu.InfoWithContext(ctx)
	keep(err)
	if len(cpuInfo) > 0 {
		capacity.CPUModel = cpuInfo[0].ModelName
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	keep(err)
	if err == nil {
		capacity.MemoryTotal = memInfo.Total
		capacity.MemoryAvailable = memInfo.Available
	}

	if diskPath == "" {
		diskPath = "/"
	}
	usage, err := disk.UsageWithContext(ctx, diskPath)
	keep(err)
	if err == nil {
		capacity.DiskTotal = usage.Total
		capacity.DiskFree = usage.Free
		capacity.DiskUsedPercent = usage.UsedPercent
	}

	return capacity, firstErr
}
