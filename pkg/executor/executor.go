package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result holds the outcome of a single external command
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// Err is set only when the command could not be started at all
	// (binary missing, permission denied). ExitCode is 1 in that case.
	Err error
}

// Success reports whether the command exited with status 0
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Started reports whether the process was actually spawned
func (r Result) Started() bool {
	return r.Err == nil
}

// ExecutionError describes a command that could not be started
type ExecutionError struct {
	Command string
	Args    []string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Runner runs external commands. Implementations never return an error for
// a non-zero exit; callers branch on Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) Result
}

// Observer is notified after every command completes
type Observer func(name string, args []string, result Result, elapsed time.Duration)

// ExecRunner runs commands as local OS processes
type ExecRunner struct {
	logger   *zap.Logger
	timeout  time.Duration
	observer Observer
}

// Option configures an ExecRunner
type Option func(*ExecRunner)

// WithTimeout bounds every command. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(r *ExecRunner) {
		r.timeout = timeout
	}
}

// WithObserver installs a completion callback, used for metrics
func WithObserver(observer Observer) Option {
	return func(r *ExecRunner) {
		r.observer = observer
	}
}

// NewExecRunner creates a runner backed by os/exec
func NewExecRunner(logger *zap.Logger, opts ...Option) *ExecRunner {
	r := &ExecRunner{logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes name with args and blocks until it exits
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) Result {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.logger.Debug("Running command",
		zap.String("command", name),
		zap.String("args", strings.Join(args, " ")),
	)

	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := Result{}
	err := cmd.Run()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			// Killed by signal (e.g. timeout) reports -1
			if result.ExitCode < 0 {
				result.ExitCode = 1
			}
		} else {
			execErr := &ExecutionError{Command: name, Args: args, Err: err}
			r.logger.Error("Command execution failed",
				zap.String("command", name),
				zap.Error(execErr),
			)
			result.ExitCode = 1
			result.Stdout = ""
			result.Stderr = err.Error()
			result.Err = execErr
		}
	}

	elapsed := time.Since(start)
	r.logger.Debug("Command finished",
		zap.String("command", name),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("elapsed", elapsed),
	)

	if r.observer != nil {
		r.observer(name, args, result, elapsed)
	}

	return result
}
