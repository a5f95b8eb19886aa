package concurrency

import (
	"os"
	"runtime"
	"strconv"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// WorkersEnv overrides the default worker count of a node.
const WorkersEnv = "RULENODE_WORKERS"

// Init sets GOMAXPROCS to the container CPU quota. The returned function
// restores the previous value.
func Init(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	if err != nil {
		logger.Warn("Failed to set GOMAXPROCS", zap.Error(err))
		return func() {}
	}
	logger.Info("Concurrency initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}

// DefaultWorkers returns the worker count from RULENODE_WORKERS, or
// GOMAXPROCS when it is unset or invalid.
func DefaultWorkers() int {
	if v := os.Getenv(WorkersEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return runtime.GOMAXPROCS(0)
}
