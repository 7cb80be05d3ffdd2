package telemetry

import (
	"context"
	"strings"

	"github.com/kumulus/kumulus-agent/pkg/executor"
	"go.uber.org/zap"
)

// EngineHealth summarises the container engine
type EngineHealth struct {
	Status    string
	Running   int
	Unhealthy int
}

// CheckEngine counts running and unhealthy containers. An engine that
// answers with a non-zero exit is "not running"; an engine binary that
// cannot be executed at all is "unknown". Counts are zero unless the
// engine is running.
func CheckEngine(ctx context.Context, runner executor.Runner, binary string, logger *zap.Logger) EngineHealth {
	res := runner.Run(ctx, binary, "ps", "--format", "{{.ID}}")
	if res.Err != nil {
		logger.Warn("Container engine could not be queried", zap.Error(res.Err))
		return EngineHealth{Status: EngineUnknown}
	}
	if !res.Success() {
		logger.Warn("Container engine is not running",
			zap.Int("exit_code", res.ExitCode),
			zap.String("stderr", strings.TrimSpace(res.Stderr)),
		)
		return EngineHealth{Status: EngineNotRunning}
	}

	health := EngineHealth{Status: EngineRunning, Running: countLines(res.Stdout)}

	res = runner.Run(ctx, binary, "ps", "--filter", "health=unhealthy", "--format", "{{.ID}}")
	if res.Success() {
		health.Unhealthy = countLines(res.Stdout)
	} else {
		logger.Warn("Failed to count unhealthy containers",
			zap.Int("exit_code", res.ExitCode),
			zap.String("stderr", strings.TrimSpace(res.Stderr)),
		)
	}
	return health
}

func countLines(s string) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
