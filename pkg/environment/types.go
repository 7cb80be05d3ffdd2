package environment

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a tenant environment
type Status string

const (
	StatusBuilding  Status = "Building"
	StatusRunning   Status = "Running"
	StatusStopped   Status = "Stopped"
	StatusDestroyed Status = "Destroyed"
)

// Request describes a tenant environment to create. Every field is
// mandatory; a zero CPULimit counts as missing.
type Request struct {
	Username     string
	SSHPublicKey string
	CPULimit     float64
	MemoryLimit  string
	DiskLimit    string
}

// Environment is a running tenant environment. ID doubles as the container
// name used for every later lookup.
type Environment struct {
	ID        string `json:"vmId"`
	ImageName string `json:"imageName"`
	SSHPort   int    `json:"sshPort"`
	Owner     string `json:"username"`
	Status    Status `json:"status"`
}

// Summary is one managed environment as reported by the engine
type Summary struct {
	ID     string `json:"vmId" yaml:"vmId"`
	Owner  string `json:"username" yaml:"username"`
	State  string `json:"state" yaml:"state"`
	Status Status `json:"status" yaml:"status"`
}

// ValidationError reports a missing or malformed request field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func missing(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("Missing required parameter: %s", field),
	}
}

func malformed(field, reason string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("Invalid parameter %s: %s", field, reason),
	}
}

// ExternalProcessError reports a container engine command that failed.
// Stdout and Stderr carry the captured output for diagnostics.
type ExternalProcessError struct {
	Op       string
	Message  string
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ExternalProcessError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if detail == "" {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.ExitCode)
	}
	return fmt.Sprintf("%s (exit code %d): %s", e.Message, e.ExitCode, detail)
}

func (e *ExternalProcessError) Unwrap() error {
	return e.Err
}
