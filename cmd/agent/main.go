package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kumulus/kumulus-agent/pkg/agent"
	"github.com/kumulus/kumulus-agent/pkg/api"
	"github.com/kumulus/kumulus-agent/pkg/identity"
	"github.com/kumulus/kumulus-agent/pkg/observability"
	"github.com/kumulus/kumulus-agent/pkg/ports"
	"github.com/kumulus/kumulus-agent/pkg/publicip"
	"github.com/kumulus/kumulus-agent/pkg/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCommand(viper.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kumulus-agent",
		Short: "Kumulus Agent - provider host agent",
		Long: `The Kumulus Agent runs on each provider host. It serves the control API that
builds, runs and removes SSH-reachable tenant environments, and reports signed
host health to the Kumulus control plane once the provider is validated.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfigFile(v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file path")
	flags.String("listen-addr", agent.DefaultListenAddr, "Control API bind address")
	flags.String("metrics-addr", agent.DefaultMetricsAddr, "Metrics server bind address")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("control-plane-url", agent.DefaultControlPlaneURL, "Control plane base URL")
	flags.String("providers-url", "", "Provider lookup URL (default <control-plane-url>/providers)")
	flags.String("healthstats-url", "", "Health report URL (default <control-plane-url>/healthstats)")
	flags.Duration("control-plane-timeout", 0, "Timeout for control plane requests (0 for none)")
	flags.Duration("telemetry-interval", agent.DefaultTelemetryInterval, "Telemetry tick interval")
	flags.String("sampler", agent.SamplerCommand, "Host sampler (command, host)")
	flags.String("disk-path", "/", "Path whose filesystem is reported as free disk")
	flags.String("public-ip-method", agent.PublicIPHTTP, "Public address discovery (http, stun, auto)")
	flags.String("public-ip-url", publicip.DefaultURL, "Plain-text public address service")
	flags.StringSlice("stun-servers", nil, "STUN servers for public address discovery")
	flags.String("engine-binary", "docker", "Container engine CLI")
	flags.String("engine-build-dir", "", "Directory for per-build contexts (default OS temp dir)")
	flags.String("engine-base-image", "ubuntu:jammy", "Base image of tenant environments")
	flags.String("engine-image-prefix", "ubuntu-vm-", "Prefix of per-tenant image names")
	flags.Duration("engine-timeout", 0, "Timeout for container engine commands (0 for none)")
	flags.Bool("engine-apply-disk-limit", false, "Pass the disk limit as --storage-opt size=")
	flags.Bool("engine-remove-image-on-delete", true, "Remove the per-tenant image on delete")
	flags.Bool("strict-errors", false, "Report stop/start/delete failures to the caller")
	flags.Int("ports-start", ports.DefaultStart, "First host port for tenant SSH")
	flags.Int("ports-count", ports.DefaultCount, "Number of host ports for tenant SSH")
	flags.Bool("tracing-enabled", false, "Export traces over OTLP")
	flags.String("tracing-endpoint", "localhost:4317", "OTLP gRPC endpoint")
	flags.Float64("tracing-sample-rate", 1.0, "Trace sample rate (0.0 - 1.0)")
	flags.Bool("tracing-insecure", true, "Use a plaintext connection to the OTLP endpoint")

	bindFlags(v, rootCmd)

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newInspectCommand(v))
	rootCmd.AddCommand(newAddressCommand(v))
	rootCmd.AddCommand(newReportCommand(v))

	return rootCmd
}

// flagKeys maps persistent flags to configuration keys
var flagKeys = map[string]string{
	"config":                        "config",
	"listen-addr":                   "listen_addr",
	"metrics-addr":                  "metrics_addr",
	"log-level":                     "log_level",
	"control-plane-url":             "control_plane.base_url",
	"providers-url":                 "control_plane.providers_url",
	"healthstats-url":               "control_plane.healthstats_url",
	"control-plane-timeout":         "control_plane.timeout",
	"telemetry-interval":            "telemetry.interval",
	"sampler":                       "telemetry.sampler",
	"disk-path":                     "telemetry.disk_path",
	"public-ip-method":              "public_ip.method",
	"public-ip-url":                 "public_ip.url",
	"stun-servers":                  "public_ip.stun_servers",
	"engine-binary":                 "engine.binary",
	"engine-build-dir":              "engine.build_dir",
	"engine-base-image":             "engine.base_image",
	"engine-image-prefix":           "engine.image_prefix",
	"engine-timeout":                "engine.timeout",
	"engine-apply-disk-limit":       "engine.apply_disk_limit",
	"engine-remove-image-on-delete": "engine.remove_image_on_delete",
	"strict-errors":                 "lifecycle.strict_errors",
	"ports-start":                   "ports.start",
	"ports-count":                   "ports.count",
	"tracing-enabled":               "tracing.enabled",
	"tracing-endpoint":              "tracing.endpoint",
	"tracing-sample-rate":           "tracing.sample_rate",
	"tracing-insecure":              "tracing.insecure",
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	for flag, key := range flagKeys {
		_ = v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag))
	}

	// Set up environment variable binding: KUMULUS_TELEMETRY_INTERVAL etc.
	v.SetEnvPrefix("KUMULUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The seed phrase is never a flag. MNEMONIC is what existing provider
	// hosts already export.
	_ = v.BindEnv("identity.mnemonic", "KUMULUS_IDENTITY_MNEMONIC", "MNEMONIC")
}

func readConfigFile(v *viper.Viper) error {
	configFile := v.GetString("config")
	if configFile == "" {
		return nil
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func run(v *viper.Viper) error {
	logger, err := observability.NewLogger(v.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Kumulus Agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)
	observability.SystemInfo.WithLabelValues(Version, BuildTime, GitCommit).Set(1)

	config, err := loadConfig(v, logger)
	if err != nil {
		return err
	}
	if config.Mnemonic == "" {
		logger.Warn("No mnemonic configured, health reports cannot be signed")
	}

	tracer, err := observability.NewTracerProvider(tracerConfig(v), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	comps, err := buildComponents(config, v.GetDuration("engine.timeout"), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsServer := observability.NewMetricsServer(config.MetricsAddr, logger)
	metricsServer.AddReadyCheck("identity", identityReady(comps.signer))
	metricsServer.AddReadyCheck("engine", engineReady(comps.runner, config.Engine.Binary, logger))
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	apiServer := api.NewServer(config.ListenAddr, api.New(comps.manager, componentLogger(logger, "api")).Router(), logger)
	if err := apiServer.Start(); err != nil {
		return err
	}

	telemetryAgent, err := agent.New(config, agent.Dependencies{
		Signer:       comps.signer,
		ControlPlane: comps.plane,
		Collector:    comps.collector,
		Resolver:     comps.resolver,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = telemetryAgent.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		started := time.Now()
		agent.IntervalTicker{}.OnTick(ctx, 15*time.Second, func(context.Context) {
			observability.UptimeSeconds.Set(time.Since(started).Seconds())
		})
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping control API", zap.Error(err))
		shutdownErr = errors.Join(shutdownErr, err)
	}

	// An in-flight tick finishes before the loop returns
	wg.Wait()

	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", zap.Error(err))
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error flushing traces", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return shutdownErr
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Kumulus Agent\n")
			fmt.Fprintf(out, "  Version:    %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newAddressCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the signing address derived from the mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Derive(v.GetString("identity.mnemonic"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.Address())
			return nil
		},
	}
}

func newReportCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Collect one health report and print it without sending it",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("output")
			out, err := NewOutputter(format, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			logger := quietLogger(v)
			config, err := loadConfig(v, logger)
			if err != nil {
				return err
			}

			runner := newRunner(v.GetDuration("engine.timeout"), logger)
			collector := telemetry.NewCollector(buildSampler(config, runner), runner, config.Engine.Binary, logger)
			return out.PrintReport(collector.Collect(cmd.Context()))
		},
	}
	cmd.Flags().StringP("output", "o", string(OutputTable), "Output format: table, json, yaml")
	return cmd
}

func newInspectCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect host capacity, engine and managed environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("output")
			out, err := NewOutputter(format, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			logger := quietLogger(v)
			config, err := loadConfig(v, logger)
			if err != nil {
				return err
			}
			comps, err := buildComponents(config, v.GetDuration("engine.timeout"), logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			capacity, err := telemetry.DetectCapacity(ctx, config.DiskPath)
			if err != nil {
				logger.Warn("Some host capacity figures are unavailable", zap.Error(err))
			}

			health := telemetry.CheckEngine(ctx, comps.runner, config.Engine.Binary, logger)
			first, last := comps.allocator.Range()

			report := inspection{
				Capacity:     capacity,
				Engine:       config.Engine.Binary,
				EngineStatus: health.Status,
				SSHPorts:     fmt.Sprintf("%d-%d", first, last),
			}
			if health.Status == telemetry.EngineRunning {
				envs, err := comps.manager.List(ctx)
				if err != nil {
					logger.Warn("Failed to list managed environments", zap.Error(err))
				}
				report.Environments = envs
			}
			return out.PrintInspection(report)
		},
	}
	cmd.Flags().StringP("output", "o", string(OutputTable), "Output format: table, json, yaml")
	return cmd
}

// quietLogger is used by one-shot commands, whose output is the report
// itself
func quietLogger(v *viper.Viper) *zap.Logger {
	level := v.GetString("log_level")
	if level == "info" {
		level = "warn"
	}
	logger, err := observability.NewLogger(level)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
