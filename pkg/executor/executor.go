package executor

import (
	"context"

	"github.com/coursecraft/loom/pkg/types"
)

// Executor launches and supervises worker processes in one execution mode.
// The direct and container implementations share nothing but this contract.
//
// StartWorker errors are expected during partial pool startup: callers log
// them, skip the slot, and continue with the workers that did launch.
type Executor interface {
	// StartWorker launches one worker and returns its executor id: a
	// stable opaque handle (container id, pid-derived string) that callers
	// never parse beyond the direct- prefix convention.
	StartWorker(ctx context.Context, workerType types.JobType, index int, cfg types.WorkerConfig) (string, error)

	// StopWorker stops a worker by executor id. Returns true when the
	// worker was found and stopped.
	StopWorker(ctx context.Context, executorID string) bool

	// IsWorkerRunning reports whether the worker still runs. Errors during
	// the check yield false, never a failure.
	IsWorkerRunning(ctx context.Context, executorID string) bool

	// WorkerStats returns best-effort resource usage, or nil when the
	// worker is unknown.
	WorkerStats(ctx context.Context, executorID string) *types.ResourceStats

	// Cleanup stops every worker this executor manages
	Cleanup(ctx context.Context)
}

// Env variable names of the worker bootstrap protocol. Both executors pass
// the same set; workers read them on startup to find the queue.
const (
	EnvWorkerType     = "WORKER_TYPE"
	EnvWorkerID       = "WORKER_ID"
	EnvDBPath         = "DB_PATH"
	EnvWorkspacePath  = "WORKSPACE_PATH"
	EnvLogLevel       = "LOG_LEVEL"
	EnvUseSQLiteQueue = "USE_SQLITE_QUEUE"
)
