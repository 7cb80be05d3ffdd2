package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/kumulus/kumulus-agent/pkg/controlplane"
	"github.com/kumulus/kumulus-agent/pkg/identity"
	"github.com/kumulus/kumulus-agent/pkg/observability"
	"github.com/kumulus/kumulus-agent/pkg/publicip"
	"github.com/kumulus/kumulus-agent/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Signer signs outgoing reports with the provider identity
type Signer interface {
	AddressSource
	Sign(message []byte) (identity.Signature, error)
}

// ControlPlane is the remote service the agent reports to
type ControlPlane interface {
	ProviderLookup
	PostEnvelope(ctx context.Context, envelope controlplane.SignedEnvelope) error
}

// Collector produces health reports
type Collector interface {
	Collect(ctx context.Context) telemetry.HealthReport
}

// Dependencies are the collaborators of the telemetry loop
type Dependencies struct {
	Signer       Signer
	ControlPlane ControlPlane
	Collector    Collector
	Resolver     publicip.Resolver

	// Ticker defaults to IntervalTicker
	Ticker Ticker
}

// Agent runs the identity-gated telemetry loop: it announces itself once
// registered and reports host health on every tick once validated.
type Agent struct {
	config *Config
	logger *zap.Logger

	signer    Signer
	plane     ControlPlane
	collector Collector
	resolver  publicip.Resolver
	ticker    Ticker

	state   *State
	machine *StateMachine

	now func() time.Time
}

// New creates a new agent instance
func New(config *Config, deps Dependencies) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if deps.Signer == nil || deps.ControlPlane == nil || deps.Collector == nil || deps.Resolver == nil {
		return nil, fmt.Errorf("signer, control plane, collector and resolver are required")
	}
	if deps.Ticker == nil {
		deps.Ticker = IntervalTicker{}
	}

	state := NewState()
	return &Agent{
		config:    config,
		logger:    config.Logger,
		signer:    deps.Signer,
		plane:     deps.ControlPlane,
		collector: deps.Collector,
		resolver:  deps.Resolver,
		ticker:    deps.Ticker,
		state:     state,
		machine:   NewStateMachine(state, deps.ControlPlane, deps.Signer, config.Logger),
		now:       time.Now,
	}, nil
}

// State returns a copy of the current agent state
func (a *Agent) State() Snapshot {
	return a.state.Snapshot()
}

// StateMachine exposes the registration/validation state machine
func (a *Agent) StateMachine() *StateMachine {
	return a.machine
}

// Run bootstraps the agent and then ticks until ctx is done
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Starting telemetry loop",
		zap.Duration("interval", a.config.TelemetryInterval),
		zap.String("providers_url", a.config.ProvidersURL),
		zap.String("healthstats_url", a.config.HealthstatsURL),
	)

	a.Bootstrap(ctx)
	a.ticker.OnTick(ctx, a.config.TelemetryInterval, a.Tick)

	a.logger.Info("Telemetry loop stopped")
	return nil
}

// Bootstrap derives the identity, checks registration and, when the
// provider is registered, announces its public address and sends a first
// health report.
func (a *Agent) Bootstrap(ctx context.Context) {
	ctx, span := observability.StartSpan(ctx, observability.TracerTelemetry, "agent.bootstrap")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var address string
	address, err = a.signer.Address()
	if err != nil {
		a.logger.Error("Signing identity unavailable, reports will not be sent", zap.Error(err))
		return
	}
	a.logger.Info("Provider identity ready", zap.String("address", address))

	if !a.machine.CheckRegistration(ctx) {
		a.logger.Info("Provider is not registered, skipping announcement", zap.String("address", address))
		return
	}

	if announceErr := a.AnnounceAddress(ctx); announceErr != nil {
		a.logger.Error("Failed to announce public address", zap.Error(announceErr))
	}
	if err = a.SendHealthReport(ctx); err != nil {
		a.logger.Error("Failed to send health report", zap.Error(err))
	}
}

// Tick runs one iteration of the telemetry loop. A validated provider
// sends a report; any other provider polls for validation instead.
func (a *Agent) Tick(ctx context.Context) {
	ctx, span := observability.StartSpan(ctx, observability.TracerTelemetry, "agent.tick")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	if !a.state.Snapshot().IsValidated {
		observability.TelemetryTicksTotal.WithLabelValues("poll_validation").Inc()
		observability.AddSpanAttributes(ctx, attribute.String("tick.action", "poll_validation"))
		a.machine.CheckValidation(ctx)
		return
	}

	observability.TelemetryTicksTotal.WithLabelValues("report").Inc()
	observability.AddSpanAttributes(ctx, attribute.String("tick.action", "report"))
	if err = a.SendHealthReport(ctx); err != nil {
		a.logger.Error("Failed to send health report", zap.Error(err))
	}
}

// SendHealthReport collects, signs and posts one health report
func (a *Agent) SendHealthReport(ctx context.Context) error {
	report := a.collector.Collect(ctx)

	message, err := report.Marshal()
	if err != nil {
		observability.HealthReportsTotal.WithLabelValues("health", "failure").Inc()
		return fmt.Errorf("failed to encode health report: %w", err)
	}

	if err := a.post(ctx, "health", message, controlplane.NewMessageEnvelope); err != nil {
		return err
	}

	a.state.MarkReported(a.now())
	a.logger.Info("Health report sent",
		zap.Float64("cpu_usage", report.CPUUsage),
		zap.String("docker_status", report.DockerStatus),
		zap.Int("running_containers", report.RunningContainers),
	)
	return nil
}

// AnnounceAddress resolves the public address of the host and posts it
// signed to the control plane
func (a *Agent) AnnounceAddress(ctx context.Context) error {
	ip, err := a.resolver.Resolve(ctx)
	if err != nil {
		observability.HealthReportsTotal.WithLabelValues("ip", "failure").Inc()
		return fmt.Errorf("failed to resolve public address: %w", err)
	}

	if err := a.post(ctx, "ip", []byte(ip), func(_ string, sig identity.Signature) controlplane.SignedEnvelope {
		return controlplane.NewIPEnvelope(ip, sig)
	}); err != nil {
		return err
	}

	a.state.SetIPAddress(ip)
	a.logger.Info("Public address announced", zap.String("ip", ip))
	return nil
}

func (a *Agent) post(ctx context.Context, kind string, message []byte, envelope func(string, identity.Signature) controlplane.SignedEnvelope) error {
	sig, err := a.signer.Sign(message)
	if err != nil {
		observability.HealthReportsTotal.WithLabelValues(kind, "failure").Inc()
		return err
	}

	if err := a.plane.PostEnvelope(ctx, envelope(string(message), sig)); err != nil {
		observability.HealthReportsTotal.WithLabelValues(kind, "failure").Inc()
		return fmt.Errorf("failed to post %s report: %w", kind, err)
	}

	observability.HealthReportsTotal.WithLabelValues(kind, "success").Inc()
	return nil
}
