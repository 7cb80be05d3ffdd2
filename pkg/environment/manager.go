package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kumulus/kumulus-agent/pkg/executor"
	"github.com/kumulus/kumulus-agent/pkg/image"
	"github.com/kumulus/kumulus-agent/pkg/observability"
	"github.com/kumulus/kumulus-agent/pkg/ports"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// ManagedLabel marks containers created by the agent
	ManagedLabel = "kumulus.managed"

	// OwnerLabel carries the tenant username on each container
	OwnerLabel = "kumulus.owner"
)

var (
	sizePattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?[kKmMgGtTpP]?[iI]?[bB]?$`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)
)

// Config holds lifecycle manager configuration
type Config struct {
	// Binary is the container engine CLI
	Binary string

	// BuildDir is where per-build contexts are created (OS temp dir if empty)
	BuildDir string

	BaseImage   string
	ImagePrefix string

	// ContainerSSHPort is the port sshd listens on inside the environment
	ContainerSSHPort int

	// ApplyDiskLimit passes the disk limit as --storage-opt size=, which
	// only some storage drivers support
	ApplyDiskLimit bool

	// RemoveImageOnDelete removes the per-tenant image after the container
	RemoveImageOnDelete bool

	// StrictErrors surfaces stop/start/delete failures instead of
	// reporting success
	StrictErrors bool
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() Config {
	return Config{
		Binary:              "docker",
		BaseImage:           image.DefaultBaseImage,
		ImagePrefix:         "ubuntu-vm-",
		ContainerSSHPort:    22,
		RemoveImageOnDelete: true,
	}
}

// Manager orchestrates tenant environments through the container engine.
// It keeps no state between requests; the engine is the source of truth.
type Manager struct {
	config  Config
	runner  executor.Runner
	ports   *ports.Allocator
	builder *image.Builder
	logger  *zap.Logger

	newID func() string
}

// NewManager creates a lifecycle manager
func NewManager(config Config, runner executor.Runner, allocator *ports.Allocator, logger *zap.Logger) (*Manager, error) {
	defaults := DefaultConfig()
	if config.Binary == "" {
		config.Binary = defaults.Binary
	}
	if config.BaseImage == "" {
		config.BaseImage = defaults.BaseImage
	}
	if config.ImagePrefix == "" {
		config.ImagePrefix = defaults.ImagePrefix
	}
	if config.ContainerSSHPort <= 0 {
		config.ContainerSSHPort = defaults.ContainerSSHPort
	}
	if config.BuildDir == "" {
		config.BuildDir = os.TempDir()
	}

	builder, err := image.NewBuilder(config.BaseImage)
	if err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}

	return &Manager{
		config:  config,
		runner:  runner,
		ports:   allocator,
		builder: builder,
		logger:  logger,
		newID:   func() string { return uuid.New().String() },
	}, nil
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.config
}

// ImageName returns the image tag used for environment id
func (m *Manager) ImageName(id string) string {
	return m.config.ImagePrefix + id
}

func (m *Manager) validate(req Request) error {
	switch {
	case req.Username == "":
		return missing("username")
	case req.SSHPublicKey == "":
		return missing("sshKey")
	case req.CPULimit == 0:
		return missing("cpu")
	case req.MemoryLimit == "":
		return missing("memory")
	case req.DiskLimit == "":
		return missing("disk")
	}

	if err := image.ValidateUsername(req.Username); err != nil {
		return malformed("username", err.Error())
	}
	if _, err := image.ValidatePublicKey(req.SSHPublicKey); err != nil {
		return malformed("sshKey", err.Error())
	}
	if req.CPULimit < 0 {
		return malformed("cpu", "must be positive")
	}
	if !sizePattern.MatchString(req.MemoryLimit) {
		return malformed("memory", fmt.Sprintf("%q is not a size like 512m", req.MemoryLimit))
	}
	if !sizePattern.MatchString(req.DiskLimit) {
		return malformed("disk", fmt.Sprintf("%q is not a size like 5g", req.DiskLimit))
	}
	return nil
}

func validateID(id string) error {
	if id == "" {
		return missing("vmId")
	}
	if !idPattern.MatchString(id) {
		return malformed("vmId", "must be a container name")
	}
	return nil
}

// Create claims an SSH port, builds a per-tenant image and starts it with
// the requested limits. A failed run step leaves the built image behind.
func (m *Manager) Create(ctx context.Context, req Request) (env *Environment, err error) {
	ctx, finish := m.begin(ctx, "create", attribute.String("tenant", req.Username))
	defer func() { finish(err) }()

	if err := m.validate(req); err != nil {
		return nil, err
	}

	spec, err := m.builder.Render(req.Username, req.SSHPublicKey)
	if err != nil {
		var inputErr *image.InvalidInputError
		if errors.As(err, &inputErr) {
			return nil, malformed(inputErr.Field, inputErr.Reason)
		}
		return nil, err
	}

	id := m.newID()
	imageName := m.ImageName(id)
	ctx = observability.WithEnvironmentID(observability.WithTenant(ctx, req.Username), id)
	logger := observability.ContextLogger(ctx, m.logger)

	logger.Info("Creating tenant environment",
		zap.String("image", imageName),
		zap.Float64("cpu", req.CPULimit),
		zap.String("memory", req.MemoryLimit),
		zap.String("disk", req.DiskLimit),
	)

	port, err := m.ports.Allocate(m.publishedPorts(ctx, logger)...)
	if err != nil {
		logger.Error("No SSH port available", zap.Error(err))
		return nil, err
	}
	defer m.ports.Release(port)

	if err := m.build(ctx, logger, id, imageName, spec); err != nil {
		return nil, err
	}
	observability.AddSpanEvent(ctx, "image built", attribute.String("image", imageName))

	args := []string{
		"run", "-d",
		"--cpus=" + strconv.FormatFloat(req.CPULimit, 'f', -1, 64),
		"--memory=" + req.MemoryLimit,
		"-p", fmt.Sprintf("%d:%d", port, m.config.ContainerSSHPort),
		"--name", id,
		"--label", OwnerLabel + "=" + req.Username,
		"--label", ManagedLabel + "=true",
	}
	if m.config.ApplyDiskLimit {
		args = append(args, "--storage-opt", "size="+req.DiskLimit)
	}
	args = append(args, imageName)

	res := m.runner.Run(ctx, m.config.Binary, args...)
	if !res.Success() {
		logger.Error("Failed to start container, image left in place",
			zap.String("image", imageName),
			zap.Int("ssh_port", port),
			zap.Int("exit_code", res.ExitCode),
			zap.String("stdout", res.Stdout),
			zap.String("stderr", res.Stderr),
		)
		return nil, m.processError("run", "Failed to start Docker container", res)
	}

	logger.Info("Tenant environment running", zap.Int("ssh_port", port))

	return &Environment{
		ID:        id,
		ImageName: imageName,
		SSHPort:   port,
		Owner:     req.Username,
		Status:    StatusRunning,
	}, nil
}

// publishedPorts returns the host ports bound by managed containers,
// stopped ones included: a stopped container gives up its bind but takes
// the same port back on start. Lookup failures are logged and yield what
// could be read.
func (m *Manager) publishedPorts(ctx context.Context, logger *zap.Logger) []int {
	res := m.runner.Run(ctx, m.config.Binary, "ps", "-a", "--filter", "label="+ManagedLabel+"=true", "-q")
	if !res.Success() {
		logger.Warn("Failed to list managed containers", zap.String("stderr", res.Stderr))
		return nil
	}
	ids := strings.Fields(res.Stdout)
	if len(ids) == 0 {
		return nil
	}

	res = m.runner.Run(ctx, m.config.Binary, append([]string{"inspect", "--format", "{{json .HostConfig.PortBindings}}"}, ids...)...)
	if !res.Success() {
		logger.Warn("Failed to inspect managed containers",
			zap.Int("containers", len(ids)),
			zap.String("stderr", res.Stderr),
		)
	}

	var published []int
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "null" {
			continue
		}
		var bindings map[string][]portBinding
		if err := json.Unmarshal([]byte(line), &bindings); err != nil {
			logger.Warn("Unreadable port bindings", zap.String("bindings", line), zap.Error(err))
			continue
		}
		for _, hostBindings := range bindings {
			for _, b := range hostBindings {
				if port, err := strconv.Atoi(b.HostPort); err == nil {
					published = append(published, port)
				}
			}
		}
	}
	return published
}

type portBinding struct {
	HostIP   string `json:"HostIp"`
	HostPort string `json:"HostPort"`
}

// build writes the build spec into a private build context and builds the
// tagged image. The build context is always removed.
func (m *Manager) build(ctx context.Context, logger *zap.Logger, id, imageName, spec string) error {
	dir, err := os.MkdirTemp(m.config.BuildDir, "kumulus-build-"+id+"-")
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("Failed to remove build context", zap.String("dir", dir), zap.Error(err))
		}
	}()

	specPath := filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(specPath, []byte(spec), 0o600); err != nil {
		return fmt.Errorf("failed to write build spec: %w", err)
	}

	res := m.runner.Run(ctx, m.config.Binary, "build", "-t", imageName, "-f", specPath, dir)
	if !res.Success() {
		logger.Error("Failed to build image",
			zap.String("image", imageName),
			zap.Int("exit_code", res.ExitCode),
			zap.String("stdout", res.Stdout),
			zap.String("stderr", res.Stderr),
		)
		return m.processError("build", "Failed to build Docker image", res)
	}
	return nil
}

// Stop stops a running environment. Engine failures are logged and only
// returned when StrictErrors is set.
func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.control(ctx, "stop", id, "Failed to stop VM", "stop", id)
}

// Start restarts a stopped environment, with the same error policy as Stop
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.control(ctx, "start", id, "Failed to start VM", "start", id)
}

// Delete force-removes an environment and, if configured, its image.
// Same error policy as Stop; image removal failures are only logged.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.control(ctx, "delete", id, "Failed to delete VM", "rm", "-f", id); err != nil {
		return err
	}
	if !m.config.RemoveImageOnDelete {
		return nil
	}

	res := m.runner.Run(ctx, m.config.Binary, "rmi", "-f", m.ImageName(id))
	if !res.Success() {
		observability.ContextLogger(ctx, m.logger).Warn("Failed to remove environment image",
			zap.String("vm_id", id),
			zap.String("image", m.ImageName(id)),
			zap.String("stderr", res.Stderr),
		)
	}
	return nil
}

func (m *Manager) control(ctx context.Context, op, id, message string, args ...string) (err error) {
	ctx, finish := m.begin(ctx, op, attribute.String("vm_id", id))
	defer func() { finish(err) }()

	if err := validateID(id); err != nil {
		return err
	}

	ctx = observability.WithEnvironmentID(ctx, id)
	logger := observability.ContextLogger(ctx, m.logger)

	res := m.runner.Run(ctx, m.config.Binary, args...)
	if res.Success() {
		logger.Info("Environment "+op+" completed")
		return nil
	}

	logger.Error("Environment "+op+" failed",
		zap.Int("exit_code", res.ExitCode),
		zap.String("stdout", res.Stdout),
		zap.String("stderr", res.Stderr),
	)
	if m.config.StrictErrors {
		return m.processError(op, message, res)
	}
	return nil
}

// Status derives the environment status from the engine
func (m *Manager) Status(ctx context.Context, id string) (status Status, err error) {
	ctx, finish := m.begin(ctx, "status", attribute.String("vm_id", id))
	defer func() { finish(err) }()

	if err := validateID(id); err != nil {
		return "", err
	}

	res := m.runner.Run(ctx, m.config.Binary,
		"ps", "-a",
		"--filter", "name=^"+id+"$",
		"--format", "{{.State}}",
	)
	if !res.Success() {
		return "", m.processError("status", "Failed to get VM status", res)
	}

	return statusFromState(firstLine(res.Stdout)), nil
}

func statusFromState(state string) Status {
	switch strings.ToLower(state) {
	case "":
		return StatusDestroyed
	case "running", "restarting":
		return StatusRunning
	default:
		return StatusStopped
	}
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// Logs returns the captured standard output of the environment
func (m *Manager) Logs(ctx context.Context, id string) (logs string, err error) {
	ctx, finish := m.begin(ctx, "logs", attribute.String("vm_id", id))
	defer func() { finish(err) }()

	if err := validateID(id); err != nil {
		return "", err
	}

	res := m.runner.Run(ctx, m.config.Binary, "logs", id)
	if !res.Success() {
		return "", m.processError("logs", "Failed to get VM logs", res)
	}
	return res.Stdout, nil
}

// List returns every environment the agent manages on this host
func (m *Manager) List(ctx context.Context) (summaries []Summary, err error) {
	ctx, finish := m.begin(ctx, "list")
	defer func() { finish(err) }()

	res := m.runner.Run(ctx, m.config.Binary,
		"ps", "-a",
		"--filter", "label="+ManagedLabel+"=true",
		"--format", `{{.Names}}\t{{.State}}\t{{.Label "`+OwnerLabel+`"}}`,
	)
	if !res.Success() {
		return nil, m.processError("list", "Failed to list VMs", res)
	}

	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		for len(fields) < 3 {
			fields = append(fields, "")
		}
		state := strings.TrimSpace(fields[1])
		summaries = append(summaries, Summary{
			ID:     strings.TrimSpace(fields[0]),
			State:  state,
			Owner:  strings.TrimSpace(fields[2]),
			Status: statusFromState(state),
		})
	}
	return summaries, nil
}

func (m *Manager) processError(op, message string, res executor.Result) *ExternalProcessError {
	return &ExternalProcessError{
		Op:       op,
		Message:  message,
		Command:  m.config.Binary,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Err:      res.Err,
	}
}

// begin opens a span for op and returns a finisher that ends it and
// records the operation metrics
func (m *Manager) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, observability.TracerEnvironment, "environment."+op)
	span.SetAttributes(attrs...)

	return ctx, func(err error) {
		result := "success"
		var validationErr *ValidationError
		switch {
		case errors.As(err, &validationErr):
			result = "invalid"
		case err != nil:
			result = "failure"
		}
		observability.EnvironmentOperationsTotal.WithLabelValues(op, result).Inc()
		observability.EnvironmentOperationDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
		observability.EndSpan(span, err)
	}
}
