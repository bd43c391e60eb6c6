package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/coursecraft/loom/pkg/log"
	"github.com/coursecraft/loom/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for Loom workers
	DefaultNamespace = "loom"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerExecutor runs workers in containers via containerd. The executor
// id of a container worker is its container id.
type ContainerExecutor struct {
	client        *containerd.Client
	namespace     string
	dbPath        string
	workspacePath string
	logLevel      string
	logger        zerolog.Logger

	mu         sync.Mutex
	containers map[string]struct{}
}

// ContainerConfig configures a ContainerExecutor
type ContainerConfig struct {
	SocketPath    string
	Namespace     string
	DBPath        string
	WorkspacePath string
	LogLevel      string
}

// NewContainerExecutor connects to containerd and creates a container
// executor
func NewContainerExecutor(cfg ContainerConfig) (*ContainerExecutor, error) {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	logLevel := cfg.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerExecutor{
		client:        client,
		namespace:     namespace,
		dbPath:        cfg.DBPath,
		workspacePath: cfg.WorkspacePath,
		logLevel:      logLevel,
		logger:        log.WithComponent("container-executor"),
		containers:    make(map[string]struct{}),
	}, nil
}

// Close closes the containerd client connection
func (e *ContainerExecutor) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// StartWorker creates and starts a worker container. An existing container
// with the intended name is forcibly removed first.
func (e *ContainerExecutor) StartWorker(ctx context.Context, workerType types.JobType, index int, cfg types.WorkerConfig) (string, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	containerName := fmt.Sprintf("loom-%s-worker-%d", workerType, index)

	// Remove leftovers from a previous session under the same name
	if existing, err := e.client.LoadContainer(ctx, containerName); err == nil {
		e.logger.Warn().Str("container", containerName).Msg("Container already exists, removing")
		e.removeContainer(ctx, existing)
	}

	image, err := e.client.Pull(ctx, cfg.Image, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", cfg.Image, err)
	}

	// Mount the database directory, not the file, so WAL sidecars travel
	// with it
	dbDir, err := filepath.Abs(filepath.Dir(e.dbPath))
	if err != nil {
		return "", fmt.Errorf("failed to resolve database directory: %w", err)
	}
	dbFile := filepath.Base(e.dbPath)

	workspace, err := filepath.Abs(e.workspacePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace directory: %w", err)
	}

	env := []string{
		EnvWorkerType + "=" + string(workerType),
		EnvWorkerID + "=" + containerName,
		EnvDBPath + "=/db/" + dbFile,
		EnvWorkspacePath + "=/workspace",
		EnvLogLevel + "=" + e.logLevel,
		EnvUseSQLiteQueue + "=true",
	}

	mounts := []specs.Mount{
		{
			Source:      workspace,
			Destination: "/workspace",
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		},
		{
			Source:      dbDir,
			Destination: "/db",
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		},
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithMounts(mounts),
	}

	if limit, err := parseMemoryLimit(cfg.MemoryLimit); err == nil && limit > 0 {
		opts = append(opts, oci.WithMemoryLimit(limit))
	} else if err != nil {
		e.logger.Warn().
			Str("memory_limit", cfg.MemoryLimit).
			Msg("Ignoring unparseable memory limit")
	}

	container, err := e.client.NewContainer(
		ctx,
		containerName,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerName+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", containerName, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		e.removeContainer(ctx, container)
		return "", fmt.Errorf("failed to create task for %s: %w", containerName, err)
	}

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		e.removeContainer(ctx, container)
		return "", fmt.Errorf("failed to start container %s: %w", containerName, err)
	}

	e.mu.Lock()
	e.containers[container.ID()] = struct{}{}
	e.mu.Unlock()

	e.logger.Info().
		Str("container", containerName).
		Str("image", cfg.Image).
		Msg("Started container worker")

	return container.ID(), nil
}

// StopWorker stops a container worker with a grace period and removes it
func (e *ContainerExecutor) StopWorker(ctx context.Context, executorID string) bool {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	e.mu.Lock()
	delete(e.containers, executorID)
	e.mu.Unlock()

	container, err := e.client.LoadContainer(ctx, executorID)
	if err != nil {
		e.logger.Warn().Str("executor_id", executorID).Msg("Container not found")
		return false
	}

	if err := e.stopTask(ctx, container, stopGracePeriod); err != nil {
		e.logger.Error().Err(err).Str("executor_id", executorID).Msg("Error stopping container task")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		e.logger.Error().Err(err).Str("executor_id", executorID).Msg("Error removing container")
		return false
	}

	e.logger.Info().Str("executor_id", executorID).Msg("Stopped container worker")
	return true
}

// IsWorkerRunning reports whether the container's task is running. Errors
// yield false.
func (e *ContainerExecutor) IsWorkerRunning(ctx context.Context, executorID string) bool {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, executorID)
	if err != nil {
		return false
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return false
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false
	}
	return status.Status == containerd.Running
}

// WorkerStats returns resource usage for the container's task process, or
// nil when the container is unknown
func (e *ContainerExecutor) WorkerStats(ctx context.Context, executorID string) *types.ResourceStats {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, executorID)
	if err != nil {
		return nil
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	pid := int32(task.Pid())
	stats := &types.ResourceStats{PID: pid}

	status, err := task.Status(ctx)
	if err == nil && status.Status == containerd.Running {
		stats.Alive = true
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

// Cleanup stops and removes all managed containers
func (e *ContainerExecutor) Cleanup(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.containers))
	for id := range e.containers {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(ids)).Msg("Cleaning up container workers")
	for _, id := range ids {
		e.StopWorker(ctx, id)
	}
}

// stopTask kills the container's task with SIGTERM, escalating to SIGKILL
// after the grace period, and deletes it
func (e *ContainerExecutor) stopTask(ctx context.Context, container containerd.Container, grace time.Duration) error {
	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container is not running
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// removeContainer force-removes a container and its task
func (e *ContainerExecutor) removeContainer(ctx context.Context, container containerd.Container) {
	if err := e.stopTask(ctx, container, 5*time.Second); err != nil {
		e.logger.Warn().Err(err).Str("container", container.ID()).Msg("Failed to stop container before removal")
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		e.logger.Warn().Err(err).Str("container", container.ID()).Msg("Failed to remove container")
	}
}

// parseMemoryLimit converts limits like "512m" or "1g" to bytes
func parseMemoryLimit(limit string) (uint64, error) {
	if limit == "" {
		return 0, nil
	}

	limit = strings.ToLower(strings.TrimSpace(limit))
	multiplier := uint64(1)
	switch {
	case strings.HasSuffix(limit, "g"):
		multiplier = 1 << 30
		limit = strings.TrimSuffix(limit, "g")
	case strings.HasSuffix(limit, "m"):
		multiplier = 1 << 20
		limit = strings.TrimSuffix(limit, "m")
	case strings.HasSuffix(limit, "k"):
		multiplier = 1 << 10
		limit = strings.TrimSuffix(limit, "k")
	}

	value, err := strconv.ParseUint(limit, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", limit, err)
	}
	return value * multiplier, nil
}
