package telemetry

import (
	"encoding/json"
	"time"
)

// Engine status values reported in docker_status
const (
	EngineRunning    = "running"
	EngineNotRunning = "not running"
	EngineUnknown    = "unknown"
)

// Defaults used when a sub-collection fails
const (
	DefaultCPUUsage   = 0.0
	DefaultMemoryFree = "0 MB"
	DefaultDiskFree   = "0 GB"
)

// HealthReport is one snapshot of host health. It is built once per
// collection and never modified afterwards.
type HealthReport struct {
	CPUUsage            float64 `json:"cpu_usage" yaml:"cpu_usage"`
	MemoryFree          string  `json:"memory_free" yaml:"memory_free"`
	DiskFree            string  `json:"disk_free" yaml:"disk_free"`
	DockerStatus        string  `json:"docker_status" yaml:"docker_status"`
	RunningContainers   int     `json:"running_containers" yaml:"running_containers"`
	UnhealthyContainers int     `json:"unhealthy_containers" yaml:"unhealthy_containers"`
	TimestampUnix       int64   `json:"timestamp_unix" yaml:"timestamp_unix"`
	TimestampHuman      string  `json:"timestamp_human" yaml:"timestamp_human"`
}

// isoMillis matches the millisecond ISO-8601 form the control plane stores
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func stamp(r *HealthReport, now time.Time) {
	now = now.UTC()
	r.TimestampUnix = now.Unix()
	r.TimestampHuman = now.Format(isoMillis)
}

// Marshal returns the canonical JSON serialization that gets signed
func (r HealthReport) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
