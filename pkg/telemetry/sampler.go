package telemetry

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kumulus/kumulus-agent/pkg/executor"
)

// Sampler reads host CPU, memory and disk figures
type Sampler interface {
	CPUUsage(ctx context.Context) (float64, error)
	MemoryFree(ctx context.Context) (string, error)
	DiskFree(ctx context.Context) (string, error)
}

// CommandSampler samples the host with top, free and df
type CommandSampler struct {
	runner   executor.Runner
	diskPath string
}

// NewCommandSampler creates a sampler that reports free disk for diskPath
func NewCommandSampler(runner executor.Runner, diskPath string) *CommandSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &CommandSampler{runner: runner, diskPath: diskPath}
}

func (s *CommandSampler) run(ctx context.Context, name string, args ...string) (string, error) {
	res := s.runner.Run(ctx, name, args...)
	if res.Err != nil {
		return "", res.Err
	}
	if !res.Success() {
		return "", fmt.Errorf("%s exited with code %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// CPUUsage returns user plus system CPU percentage from one top iteration
func (s *CommandSampler) CPUUsage(ctx context.Context) (float64, error) {
	out, err := s.run(ctx, "top", "-bn1")
	if err != nil {
		return DefaultCPUUsage, err
	}
	return ParseTopCPU(out)
}

// MemoryFree returns free memory in megabytes, as "<n> MB"
func (s *CommandSampler) MemoryFree(ctx context.Context) (string, error) {
	out, err := s.run(ctx, "free", "-m")
	if err != nil {
		return DefaultMemoryFree, err
	}
	return ParseFreeMemory(out)
}

// DiskFree returns the human readable available space of the disk path
func (s *CommandSampler) DiskFree(ctx context.Context) (string, error) {
	out, err := s.run(ctx, "df", "-h", s.diskPath)
	if err != nil {
		return DefaultDiskFree, err
	}
	return ParseDiskFree(out)
}

var numberPattern = regexp.MustCompile(`\d+(?:[.,]\d+)?`)

// ParseTopCPU sums the first two figures (user and system) of the Cpu(s)
// line of top batch output
func ParseTopCPU(out string) (float64, error) {
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, "Cpu(s)")
		if idx < 0 {
			continue
		}

		figures := numberPattern.FindAllString(line[idx+len("Cpu(s)"):], 2)
		if len(figures) < 2 {
			return DefaultCPUUsage, fmt.Errorf("unexpected Cpu(s) line %q", line)
		}

		var total float64
		for _, f := range figures {
			v, err := strconv.ParseFloat(strings.ReplaceAll(f, ",", "."), 64)
			if err != nil {
				return DefaultCPUUsage, fmt.Errorf("invalid CPU figure %q: %w", f, err)
			}
			total += v
		}
		return total, nil
	}
	return DefaultCPUUsage, fmt.Errorf("no Cpu(s) line in top output")
}

// ParseFreeMemory reads the free column of the Mem: row of free -m output
func ParseFreeMemory(out string) (string, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return DefaultMemoryFree, fmt.Errorf("unexpected free output")
	}

	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		return DefaultMemoryFree, fmt.Errorf("unexpected free row %q", lines[1])
	}
	if _, err := strconv.ParseUint(fields[3], 10, 64); err != nil {
		return DefaultMemoryFree, fmt.Errorf("invalid free memory %q", fields[3])
	}
	return fields[3] + " MB", nil
}

// ParseDiskFree reads the Avail column of df -h output
func ParseDiskFree(out string) (string, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return DefaultDiskFree, fmt.Errorf("unexpected df output")
	}

	// Long device names make df wrap the row onto a second line
	row := strings.Join(lines[1:], " ")
	fields := strings.Fields(row)
	if len(fields) < 4 {
		return DefaultDiskFree, fmt.Errorf("unexpected df row %q", row)
	}
	return fields[3], nil
}
