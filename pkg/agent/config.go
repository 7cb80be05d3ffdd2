package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/kumulus/kumulus-agent/pkg/environment"
	"github.com/kumulus/kumulus-agent/pkg/ports"
	"github.com/kumulus/kumulus-agent/pkg/publicip"
	"go.uber.org/zap"
)

// Control plane defaults
const (
	DefaultControlPlaneURL   = "https://test-kumulus-backend.deno.dev/kumulus"
	DefaultListenAddr        = "0.0.0.0:8000"
	DefaultMetricsAddr       = "0.0.0.0:9090"
	DefaultTelemetryInterval = time.Minute
)

// Sampler kinds
const (
	SamplerCommand = "command"
	SamplerHost    = "host"
)

// Public address resolution methods
const (
	PublicIPHTTP = "http"
	PublicIPSTUN = "stun"
	PublicIPAuto = "auto"
)

// Config represents the agent configuration
type Config struct {
	ListenAddr  string
	MetricsAddr string

	// Mnemonic is the seed phrase of the signing identity. An empty
	// mnemonic is allowed; signing then fails per tick and is logged.
	Mnemonic string

	ControlPlaneURL     string
	ProvidersURL        string
	HealthstatsURL      string
	ControlPlaneTimeout time.Duration

	TelemetryInterval time.Duration
	Sampler           string
	DiskPath          string

	PublicIPMethod string
	PublicIPURL    string
	STUNServers    []string

	Engine    environment.Config
	PortStart int
	PortCount int

	Logger *zap.Logger
}

// Validate fills defaults and rejects unusable values
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}

	if c.ControlPlaneURL == "" {
		c.ControlPlaneURL = DefaultControlPlaneURL
	}
	base := strings.TrimRight(c.ControlPlaneURL, "/")
	if c.ProvidersURL == "" {
		c.ProvidersURL = base + "/providers"
	}
	if c.HealthstatsURL == "" {
		c.HealthstatsURL = base + "/healthstats"
	}
	if c.ControlPlaneTimeout < 0 {
		return fmt.Errorf("control plane timeout must not be negative")
	}

	if c.TelemetryInterval == 0 {
		c.TelemetryInterval = DefaultTelemetryInterval
	}
	if c.TelemetryInterval < time.Second {
		return fmt.Errorf("telemetry interval must be at least 1s, got %s", c.TelemetryInterval)
	}

	switch c.Sampler {
	case "":
		c.Sampler = SamplerCommand
	case SamplerCommand, SamplerHost:
	default:
		return fmt.Errorf("unknown sampler %q (want %s or %s)", c.Sampler, SamplerCommand, SamplerHost)
	}
	if c.DiskPath == "" {
		c.DiskPath = "/"
	}

	switch c.PublicIPMethod {
	case "":
		c.PublicIPMethod = PublicIPHTTP
	case PublicIPHTTP, PublicIPSTUN, PublicIPAuto:
	default:
		return fmt.Errorf("unknown public IP method %q", c.PublicIPMethod)
	}
	if c.PublicIPURL == "" {
		c.PublicIPURL = publicip.DefaultURL
	}

	defaults := environment.DefaultConfig()
	if c.Engine.Binary == "" {
		c.Engine.Binary = defaults.Binary
	}
	if c.Engine.BaseImage == "" {
		c.Engine.BaseImage = defaults.BaseImage
	}
	if c.Engine.ImagePrefix == "" {
		c.Engine.ImagePrefix = defaults.ImagePrefix
	}
	if c.Engine.ContainerSSHPort == 0 {
		c.Engine.ContainerSSHPort = defaults.ContainerSSHPort
	}

	if c.PortStart == 0 {
		c.PortStart = ports.DefaultStart
	}
	if c.PortCount == 0 {
		c.PortCount = ports.DefaultCount
	}
	if c.PortStart < 1 || c.PortCount < 1 || c.PortStart+c.PortCount-1 > 65535 {
		return fmt.Errorf("invalid SSH port range %d+%d", c.PortStart, c.PortCount)
	}
	return nil
}
