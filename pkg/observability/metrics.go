package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tenant Environment Metrics
var (
	EnvironmentOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumulus_environment_operations_total",
			Help: "Total number of tenant environment operations",
		},
		[]string{"operation", "result"}, // operation: create/stop/start/status/logs/delete, result: success/failure/invalid
	)

	EnvironmentOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kumulus_environment_operation_duration_seconds",
			Help:    "Duration of tenant environment operations in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0},
		},
		[]string{"operation"},
	)

	SSHPortsClaimed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumulus_ssh_ports_claimed",
			Help: "Number of SSH ports currently claimed by in-flight environment creations",
		},
	)
)

// Container Engine Metrics
var (
	EngineCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumulus_engine_commands_total",
			Help: "Total number of external commands executed",
		},
		[]string{"command", "result"}, // result: success/failure/start_error
	)

	EngineCommandDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kumulus_engine_command_duration_seconds",
			Help:    "Duration of external commands in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0, 600.0},
		},
		[]string{"command"},
	)
)

// Telemetry Metrics
var (
	TelemetryTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumulus_telemetry_ticks_total",
			Help: "Total number of telemetry loop ticks",
		},
		[]string{"action"}, // report, poll_validation
	)

	HealthReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumulus_health_reports_total",
			Help: "Total number of signed reports sent to the control plane",
		},
		[]string{"kind", "result"}, // kind: health/ip, result: success/failure
	)

	ControlPlaneRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kumulus_control_plane_request_duration_seconds",
			Help:    "Duration of control plane requests in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"endpoint"}, // providers, healthstats
	)

	ProviderPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kumulus_provider_phase",
			Help: "Current registration phase of this provider (1 for the active phase)",
		},
		[]string{"phase"}, // unregistered, registered_unvalidated, registered_validated
	)

	HostCPUUsagePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumulus_host_cpu_usage_percent",
			Help: "CPU usage reported in the last health report",
		},
	)

	EngineContainers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kumulus_engine_containers",
			Help: "Container counts reported in the last health report",
		},
		[]string{"state"}, // running, unhealthy
	)
)

// General System Metrics
var (
	SystemInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kumulus_system_info",
			Help: "System information (version, build time, etc.)",
		},
		[]string{"version", "build_time", "git_commit"},
	)

	UptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumulus_uptime_seconds",
			Help: "Uptime of the agent in seconds",
		},
	)
)

// Public Address Metrics
var (
	PublicIPLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumulus_public_ip_lookups_total",
			Help: "Total number of public address lookups",
		},
		[]string{"method", "result"}, // method: http/stun
	)
)
