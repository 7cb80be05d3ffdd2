package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kumulus/kumulus-agent/pkg/executor"
	"github.com/kumulus/kumulus-agent/test/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const topOutput = `top - 10:15:01 up 3 days,  2:11,  1 user,  load average: 0.15, 0.10, 0.05
Tasks: 201 total,   1 running, 200 sleeping,   0 stopped,   0 zombie
%Cpu(s):  2.3 us,  0.8 sy,  0.0 ni, 96.6 id,  0.2 wa,  0.0 hi,  0.1 si,  0.0 st
MiB Mem :  15902.4 total,   8123.9 free,   3011.2 used,   4767.3 buff/cache
`

const freeOutput = `               total        used        free      shared  buff/cache   available
Mem:           15902        3011        8123         412        4767       12150
Swap:           2047           0        2047
`

const dfOutput = `Filesystem      Size  Used Avail Use% Mounted on
/dev/nvme0n1p2  468G  201G  244G  46% /
`

func TestParseTopCPU(t *testing.T) {
	v, err := ParseTopCPU(topOutput)
	require.NoError(t, err)
	assert.InDelta(t, 3.1, v, 0.0001)

	// Older procps and comma decimal locales
	v, err = ParseTopCPU("Cpu(s): 10,5%us,  4,5%sy,  0,0%ni, 85,0%id")
	require.NoError(t, err)
	assert.InDelta(t, 15.0, v, 0.0001)

	_, err = ParseTopCPU("no cpu line here")
	assert.Error(t, err)

	_, err = ParseTopCPU("%Cpu(s): n/a")
	assert.Error(t, err)
}

func TestParseFreeMemory(t *testing.T) {
	v, err := ParseFreeMemory(freeOutput)
	require.NoError(t, err)
	assert.Equal(t, "8123 MB", v)

	_, err = ParseFreeMemory("")
	assert.Error(t, err)

	_, err = ParseFreeMemory("header\nMem: 1 2")
	assert.Error(t, err)
}

func TestParseDiskFree(t *testing.T) {
	v, err := ParseDiskFree(dfOutput)
	require.NoError(t, err)
	assert.Equal(t, "244G", v)

	wrapped := "Filesystem Size Used Avail Use% Mounted on\n/dev/mapper/very-long-volume-group-name\n 100G 40G 60G 40% /\n"
	v, err = ParseDiskFree(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "60G", v)

	_, err = ParseDiskFree("Filesystem")
	assert.Error(t, err)
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512B", HumanBytes(512))
	assert.Equal(t, "1.0K", HumanBytes(1024))
	assert.Equal(t, "512M", HumanBytes(512*1024*1024))
	assert.Equal(t, "1.5G", HumanBytes(3*512*1024*1024))
	assert.Equal(t, "244G", HumanBytes(244*1024*1024*1024))
}

func TestCheckEngine(t *testing.T) {
	tests := []struct {
		name   string
		engine *mocks.Engine
		want   EngineHealth
	}{
		{
			name: "running",
			engine: mocks.NewEngine().
				Respond("docker ps --format", executor.Result{Stdout: "a1\nb2\nc3\n"}).
				Respond("docker ps --filter health=unhealthy", executor.Result{Stdout: "b2\n"}),
			want: EngineHealth{Status: EngineRunning, Running: 3, Unhealthy: 1},
		},
		{
			name:   "idle",
			engine: mocks.NewEngine(),
			want:   EngineHealth{Status: EngineRunning},
		},
		{
			name:   "daemon down",
			engine: mocks.NewEngine().Fail("docker ps", 1, "Cannot connect to the Docker daemon"),
			want:   EngineHealth{Status: EngineNotRunning},
		},
		{
			name: "binary missing",
			engine: mocks.NewEngine().Respond("docker", executor.Result{
				ExitCode: 1, Err: &executor.ExecutionError{Command: "docker", Err: errors.New("not found")},
			}),
			want: EngineHealth{Status: EngineUnknown},
		},
		{
			name: "unhealthy query fails",
			engine: mocks.NewEngine().
				Respond("docker ps --format", executor.Result{Stdout: "a1\n"}).
				Fail("docker ps --filter", 1, "boom"),
			want: EngineHealth{Status: EngineRunning, Running: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckEngine(context.Background(), tt.engine, "docker", zap.NewNop())
			assert.Equal(t, tt.want, got)
		})
	}
}

func healthyHost() *mocks.Engine {
	return mocks.NewEngine().
		Respond("top -bn1", executor.Result{Stdout: topOutput}).
		Respond("free -m", executor.Result{Stdout: freeOutput}).
		Respond("df -h /", executor.Result{Stdout: dfOutput}).
		Respond("docker ps --format", executor.Result{Stdout: "a1\nb2\n"}).
		Respond("docker ps --filter health=unhealthy", executor.Result{Stdout: ""})
}

func TestCollector_Collect(t *testing.T) {
	engine := healthyHost()
	collector := NewCollector(NewCommandSampler(engine, "/"), engine, "docker", zap.NewNop())
	collector.now = func() time.Time { return time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC) }

	report := collector.Collect(context.Background())

	assert.InDelta(t, 3.1, report.CPUUsage, 0.0001)
	assert.Equal(t, "8123 MB", report.MemoryFree)
	assert.Equal(t, "244G", report.DiskFree)
	assert.Equal(t, EngineRunning, report.DockerStatus)
	assert.Equal(t, 2, report.RunningContainers)
	assert.Equal(t, 0, report.UnhealthyContainers)
	assert.Equal(t, int64(1714566600), report.TimestampUnix)
	assert.Equal(t, "2024-05-01T12:30:00.000Z", report.TimestampHuman)
}

func TestCollector_PartialFailure(t *testing.T) {
	engine := healthyHost().
		Fail("top -bn1", 127, "top: not found").
		Respond("df -h /", executor.Result{Stdout: "garbage"})
	collector := NewCollector(NewCommandSampler(engine, "/"), engine, "docker", zap.NewNop())

	report := collector.Collect(context.Background())

	assert.Equal(t, DefaultCPUUsage, report.CPUUsage)
	assert.Equal(t, "8123 MB", report.MemoryFree)
	assert.Equal(t, DefaultDiskFree, report.DiskFree)
	assert.Equal(t, EngineRunning, report.DockerStatus)
	assert.NotZero(t, report.TimestampUnix)
}

func TestCollector_EverythingFails(t *testing.T) {
	engine := mocks.NewEngine().
		Fail("top", 1, "").
		Fail("free", 1, "").
		Fail("df", 1, "").
		Fail("docker", 1, "Cannot connect to the Docker daemon")
	collector := NewCollector(NewCommandSampler(engine, ""), engine, "", zap.NewNop())

	report := collector.Collect(context.Background())

	assert.Equal(t, 0.0, report.CPUUsage)
	assert.Equal(t, "0 MB", report.MemoryFree)
	assert.Equal(t, "0 GB", report.DiskFree)
	assert.Equal(t, "not running", report.DockerStatus)
	assert.Equal(t, 0, report.RunningContainers)
	assert.Equal(t, 0, report.UnhealthyContainers)
}

func TestHealthReport_JSONShape(t *testing.T) {
	report := HealthReport{
		CPUUsage:          3.1,
		MemoryFree:        "8123 MB",
		DiskFree:          "244G",
		DockerStatus:      EngineRunning,
		RunningContainers: 2,
		TimestampUnix:     1714566600,
		TimestampHuman:    "2024-05-01T12:30:00.000Z",
	}
	data, err := report.Marshal()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{
		"cpu_usage", "memory_free", "disk_free", "docker_status",
		"running_containers", "unhealthy_containers", "timestamp_unix", "timestamp_human",
	} {
		assert.Contains(t, decoded, key)
	}
	assert.Len(t, decoded, 8)
}

func TestHostSampler(t *testing.T) {
	sampler := NewHostSampler(t.TempDir(), 10*time.Millisecond)
	ctx := context.Background()

	cpu, err := sampler.CPUUsage(ctx)
	if err == nil {
		assert.GreaterOrEqual(t, cpu, 0.0)
	}

	disk, err := sampler.DiskFree(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, disk)

	mem, err := sampler.MemoryFree(ctx)
	if err == nil {
		assert.Contains(t, mem, " MB")
	}
}
