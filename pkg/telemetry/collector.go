package telemetry

import (
	"context"
	"time"

	"github.com/kumulus/kumulus-agent/pkg/executor"
	"github.com/kumulus/kumulus-agent/pkg/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Collector builds health reports. Each figure is gathered independently;
// a failed sub-collection leaves its default in the report.
type Collector struct {
	sampler Sampler
	runner  executor.Runner
	binary  string
	logger  *zap.Logger

	now func() time.Time
}

// NewCollector creates a collector sampling through sampler and querying
// the container engine binary through runner
func NewCollector(sampler Sampler, runner executor.Runner, binary string, logger *zap.Logger) *Collector {
	if binary == "" {
		binary = "docker"
	}
	return &Collector{
		sampler: sampler,
		runner:  runner,
		binary:  binary,
		logger:  logger,
		now:     time.Now,
	}
}

// Collect gathers one health report
func (c *Collector) Collect(ctx context.Context) HealthReport {
	report := HealthReport{
		CPUUsage:     DefaultCPUUsage,
		MemoryFree:   DefaultMemoryFree,
		DiskFree:     DefaultDiskFree,
		DockerStatus: EngineUnknown,
	}

	var g errgroup.Group
	g.Go(func() error {
		v, err := c.sampler.CPUUsage(ctx)
		if err != nil {
			c.logger.Warn("Failed to sample CPU usage", zap.Error(err))
			return nil
		}
		report.CPUUsage = v
		return nil
	})
	g.Go(func() error {
		v, err := c.sampler.MemoryFree(ctx)
		if err != nil {
			c.logger.Warn("Failed to sample free memory", zap.Error(err))
			return nil
		}
		report.MemoryFree = v
		return nil
	})
	g.Go(func() error {
		v, err := c.sampler.DiskFree(ctx)
		if err != nil {
			c.logger.Warn("Failed to sample free disk", zap.Error(err))
			return nil
		}
		report.DiskFree = v
		return nil
	})
	g.Go(func() error {
		health := CheckEngine(ctx, c.runner, c.binary, c.logger)
		report.DockerStatus = health.Status
		report.RunningContainers = health.Running
		report.UnhealthyContainers = health.Unhealthy
		return nil
	})
	_ = g.Wait()

	stamp(&report, c.now())

	observability.HostCPUUsagePercent.Set(report.CPUUsage)
	observability.EngineContainers.WithLabelValues("running").Set(float64(report.RunningContainers))
	observability.EngineContainers.WithLabelValues("unhealthy").Set(float64(report.UnhealthyContainers))

	c.logger.Debug("Health report collected",
		zap.Float64("cpu_usage", report.CPUUsage),
		zap.String("memory_free", report.MemoryFree),
		zap.String("disk_free", report.DiskFree),
		zap.String("docker_status", report.DockerStatus),
		zap.Int("running_containers", report.RunningContainers),
		zap.Int("unhealthy_containers", report.UnhealthyContainers),
	)
	return report
}
