package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/coursecraft/loom/pkg/log"
	"github.com/coursecraft/loom/pkg/types"
)

// stopGracePeriod is how long a worker gets to exit after SIGTERM before it
// is killed
const stopGracePeriod = 10 * time.Second

// DirectExecutor runs workers as child processes of the orchestrator. Each
// worker is the loom binary itself re-executed with the worker entry point;
// on Unix every child gets its own process group so stopping a worker also
// stops anything it spawned.
type DirectExecutor struct {
	binary        string
	dbPath        string
	workspacePath string
	logLevel      string
	logger        zerolog.Logger

	mu    sync.Mutex
	procs map[string]*procHandle
}

type procHandle struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// DirectConfig configures a DirectExecutor
type DirectConfig struct {
	// Binary is the worker entry point. Defaults to the current executable.
	Binary        string
	DBPath        string
	WorkspacePath string
	LogLevel      string
}

// NewDirectExecutor creates a subprocess executor
func NewDirectExecutor(cfg DirectConfig) (*DirectExecutor, error) {
	binary := cfg.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worker binary: %w", err)
		}
		binary = self
	}

	logLevel := cfg.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	return &DirectExecutor{
		binary:        binary,
		dbPath:        cfg.DBPath,
		workspacePath: cfg.WorkspacePath,
		logLevel:      logLevel,
		logger:        log.WithComponent("direct-executor"),
		procs:         make(map[string]*procHandle),
	}, nil
}

// StartWorker spawns a worker subprocess and returns its synthetic executor
// id of the form direct-<type>-<index>-<8-char-hex>
func (e *DirectExecutor) StartWorker(ctx context.Context, workerType types.JobType, index int, cfg types.WorkerConfig) (string, error) {
	executorID := fmt.Sprintf("%s%s-%d-%s",
		types.DirectExecutorIDPrefix, workerType, index, uuid.NewString()[:8])

	cmd := exec.Command(e.binary, "worker", "run", "--type", string(workerType))
	cmd.Env = append(os.Environ(),
		EnvWorkerType+"="+string(workerType),
		EnvWorkerID+"="+executorID,
		EnvDBPath+"="+e.dbPath,
		EnvWorkspacePath+"="+e.workspacePath,
		EnvLogLevel+"="+e.logLevel,
		EnvUseSQLiteQueue+"=true",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	setProcAttributes(cmd)

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start worker %s-%d: %w", workerType, index, err)
	}

	handle := &procHandle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		handle.waitErr = cmd.Wait()
		close(handle.done)
	}()

	e.mu.Lock()
	e.procs[executorID] = handle
	e.mu.Unlock()

	e.logger.Info().
		Str("executor_id", executorID).
		Int("pid", cmd.Process.Pid).
		Msg("Started direct worker")

	return executorID, nil
}

// StopWorker terminates a worker: SIGTERM to its process group, then SIGKILL
// after the grace period. On Windows the process is terminated directly.
func (e *DirectExecutor) StopWorker(ctx context.Context, executorID string) bool {
	e.mu.Lock()
	handle, ok := e.procs[executorID]
	if ok {
		delete(e.procs, executorID)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Warn().Str("executor_id", executorID).Msg("Worker not found in process list")
		return false
	}

	select {
	case <-handle.done:
		e.logger.Debug().Str("executor_id", executorID).Msg("Worker already terminated")
		return true
	default:
	}

	pid := handle.cmd.Process.Pid
	e.logger.Info().Str("executor_id", executorID).Int("pid", pid).Msg("Stopping worker")

	if err := terminateProcess(handle.cmd); err != nil {
		e.logger.Error().Err(err).Str("executor_id", executorID).Msg("Failed to signal worker")
	}

	select {
	case <-handle.done:
		e.logger.Info().Str("executor_id", executorID).Msg("Worker stopped gracefully")
	case <-time.After(stopGracePeriod):
		e.logger.Warn().Str("executor_id", executorID).Msg("Worker did not stop gracefully, killing")
		if err := killProcess(handle.cmd); err != nil {
			e.logger.Error().Err(err).Str("executor_id", executorID).Msg("Failed to kill worker")
		}
		<-handle.done
	}

	return true
}

// IsWorkerRunning reports whether the worker process is still alive
func (e *DirectExecutor) IsWorkerRunning(ctx context.Context, executorID string) bool {
	e.mu.Lock()
	handle, ok := e.procs[executorID]
	e.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case <-handle.done:
		return false
	default:
		return true
	}
}

// WorkerStats returns resource usage for a worker process via gopsutil, or
// liveness only when process inspection fails
func (e *DirectExecutor) WorkerStats(ctx context.Context, executorID string) *types.ResourceStats {
	e.mu.Lock()
	handle, ok := e.procs[executorID]
	e.mu.Unlock()

	if !ok {
		return nil
	}

	pid := int32(handle.cmd.Process.Pid)
	stats := &types.ResourceStats{
		Alive: e.IsWorkerRunning(ctx, executorID),
		PID:   pid,
	}

	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return stats
	}

	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	}

	return stats
}

// Cleanup stops all managed worker processes
func (e *DirectExecutor) Cleanup(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.procs))
	for id := range e.procs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(ids)).Msg("Cleaning up direct workers")
	for _, id := range ids {
		e.StopWorker(ctx, id)
	}
}
