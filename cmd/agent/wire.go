package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kumulus/kumulus-agent/pkg/agent"
	"github.com/kumulus/kumulus-agent/pkg/controlplane"
	"github.com/kumulus/kumulus-agent/pkg/environment"
	"github.com/kumulus/kumulus-agent/pkg/executor"
	"github.com/kumulus/kumulus-agent/pkg/identity"
	"github.com/kumulus/kumulus-agent/pkg/observability"
	"github.com/kumulus/kumulus-agent/pkg/ports"
	"github.com/kumulus/kumulus-agent/pkg/publicip"
	"github.com/kumulus/kumulus-agent/pkg/telemetry"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// loadConfig builds the agent configuration from flags, environment and
// config file
func loadConfig(v *viper.Viper, logger *zap.Logger) (*agent.Config, error) {
	config := &agent.Config{
		ListenAddr:          v.GetString("listen_addr"),
		MetricsAddr:         v.GetString("metrics_addr"),
		Mnemonic:            v.GetString("identity.mnemonic"),
		ControlPlaneURL:     v.GetString("control_plane.base_url"),
		ProvidersURL:        v.GetString("control_plane.providers_url"),
		HealthstatsURL:      v.GetString("control_plane.healthstats_url"),
		ControlPlaneTimeout: v.GetDuration("control_plane.timeout"),
		TelemetryInterval:   v.GetDuration("telemetry.interval"),
		Sampler:             v.GetString("telemetry.sampler"),
		DiskPath:            v.GetString("telemetry.disk_path"),
		PublicIPMethod:      v.GetString("public_ip.method"),
		PublicIPURL:         v.GetString("public_ip.url"),
		STUNServers:         v.GetStringSlice("public_ip.stun_servers"),
		Engine: environment.Config{
			Binary:              v.GetString("engine.binary"),
			BuildDir:            v.GetString("engine.build_dir"),
			BaseImage:           v.GetString("engine.base_image"),
			ImagePrefix:         v.GetString("engine.image_prefix"),
			ApplyDiskLimit:      v.GetBool("engine.apply_disk_limit"),
			RemoveImageOnDelete: v.GetBool("engine.remove_image_on_delete"),
			StrictErrors:        v.GetBool("lifecycle.strict_errors"),
		},
		PortStart: v.GetInt("ports.start"),
		PortCount: v.GetInt("ports.count"),
		Logger:    logger,
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// tracerConfig reads the tracing section
func tracerConfig(v *viper.Viper) observability.TracerConfig {
	return observability.TracerConfig{
		Enabled:        v.GetBool("tracing.enabled"),
		Endpoint:       v.GetString("tracing.endpoint"),
		ServiceName:    "kumulus-agent",
		ServiceVersion: Version,
		SampleRate:     v.GetFloat64("tracing.sample_rate"),
		Insecure:       v.GetBool("tracing.insecure"),
	}
}

// components are the long-lived parts of a running agent
type components struct {
	runner    *executor.ExecRunner
	allocator *ports.Allocator
	manager   *environment.Manager
	signer    *identity.Signer
	plane     *controlplane.Client
	collector *telemetry.Collector
	resolver  publicip.Resolver
}

// componentLogger tags every entry of a subsystem with its name
func componentLogger(logger *zap.Logger, name string) *zap.Logger {
	return observability.WithFields(logger, zap.String("component", name))
}

func buildComponents(config *agent.Config, engineTimeout time.Duration, logger *zap.Logger) (*components, error) {
	runner := newRunner(engineTimeout, componentLogger(logger, "executor"))

	allocator := ports.NewAllocator(ports.Config{
		Start: config.PortStart,
		Count: config.PortCount,
		OnChange: func(claimed int) {
			observability.SSHPortsClaimed.Set(float64(claimed))
		},
	}, componentLogger(logger, "ports"))

	manager, err := environment.NewManager(config.Engine, runner, allocator, componentLogger(logger, "environment"))
	if err != nil {
		return nil, fmt.Errorf("failed to create environment manager: %w", err)
	}

	plane, err := controlplane.NewClient(controlplane.Config{
		ProvidersURL:   config.ProvidersURL,
		HealthstatsURL: config.HealthstatsURL,
		Timeout:        config.ControlPlaneTimeout,
	}, componentLogger(logger, "controlplane"))
	if err != nil {
		return nil, fmt.Errorf("failed to create control plane client: %w", err)
	}

	return &components{
		runner:    runner,
		allocator: allocator,
		manager:   manager,
		signer:    identity.NewSigner(config.Mnemonic, componentLogger(logger, "identity")),
		plane:     plane,
		collector: telemetry.NewCollector(buildSampler(config, runner), runner, config.Engine.Binary, componentLogger(logger, "telemetry")),
		resolver:  buildResolver(config, componentLogger(logger, "publicip")),
	}, nil
}

func newRunner(timeout time.Duration, logger *zap.Logger) *executor.ExecRunner {
	return executor.NewExecRunner(logger,
		executor.WithTimeout(timeout),
		executor.WithObserver(recordCommand),
	)
}

// recordCommand feeds external command outcomes into the engine metrics
func recordCommand(name string, args []string, result executor.Result, elapsed time.Duration) {
	command := commandLabel(name, args)

	outcome := "success"
	switch {
	case result.Err != nil:
		outcome = "start_error"
	case !result.Success():
		outcome = "failure"
	}

	observability.EngineCommandsTotal.WithLabelValues(command, outcome).Inc()
	observability.EngineCommandDurationSeconds.WithLabelValues(command).Observe(elapsed.Seconds())
}

// commandLabel keeps metric cardinality bounded: the binary plus its
// subcommand, never IDs or paths
func commandLabel(name string, args []string) string {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return name
	}
	return name + " " + args[0]
}

func buildSampler(config *agent.Config, runner executor.Runner) telemetry.Sampler {
	if config.Sampler == agent.SamplerHost {
		return telemetry.NewHostSampler(config.DiskPath, time.Second)
	}
	return telemetry.NewCommandSampler(runner, config.DiskPath)
}

func buildResolver(config *agent.Config, logger *zap.Logger) publicip.Resolver {
	httpResolver := publicip.NewHTTPResolver(config.PublicIPURL, config.ControlPlaneTimeout, logger)
	switch config.PublicIPMethod {
	case agent.PublicIPSTUN:
		return publicip.NewSTUNResolver(config.STUNServers, 0, logger)
	case agent.PublicIPAuto:
		return publicip.NewFallbackResolver(logger,
			httpResolver,
			publicip.NewSTUNResolver(config.STUNServers, 0, logger),
		)
	default:
		return httpResolver
	}
}

// engineReady is a readiness check that fails while the container engine
// is unreachable
func engineReady(runner executor.Runner, binary string, logger *zap.Logger) observability.ReadyCheck {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		health := telemetry.CheckEngine(ctx, runner, binary, logger)
		if health.Status != telemetry.EngineRunning {
			return fmt.Errorf("container engine is %s", health.Status)
		}
		return nil
	}
}

// identityReady is a readiness check that fails while no signing identity
// can be derived
func identityReady(signer *identity.Signer) observability.ReadyCheck {
	return func() error {
		_, err := signer.Address()
		return err
	}
}
