package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coursecraft/loom/pkg/executor"
	"github.com/coursecraft/loom/pkg/log"
	"github.com/coursecraft/loom/pkg/queue"
	"github.com/coursecraft/loom/pkg/types"
)

// Discovery enumerates registered workers and classifies their health. It is
// created with no executors; the pool manager injects its executor map after
// wire-up so health checks can verify process liveness without a dependency
// cycle between the two packages.
type Discovery struct {
	queue     *queue.JobQueue
	executors map[types.ExecutionMode]executor.Executor
	logger    zerolog.Logger

	// Now provides the instant used for heartbeat age checks. All
	// comparisons use timezone-aware UTC instants from this single source.
	Now func() time.Time
}

// New creates a discovery service over the jobs queue
func New(q *queue.JobQueue) *Discovery {
	return &Discovery{
		queue:     q,
		executors: make(map[types.ExecutionMode]executor.Executor),
		logger:    log.WithComponent("discovery"),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetExecutors injects the executors used for liveness checks. Health checks
// fall back to registry-only rules for modes with no executor.
func (d *Discovery) SetExecutors(executors map[types.ExecutionMode]executor.Executor) {
	d.executors = executors
}

// DiscoverWorkers returns worker rows annotated with execution mode and
// health. Filters are optional: an empty worker type matches all types, an
// empty status filter matches all statuses.
func (d *Discovery) DiscoverWorkers(ctx context.Context, workerType types.JobType, statusFilter []types.WorkerStatus) ([]types.DiscoveredWorker, error) {
	workers, err := d.queue.ListWorkers(ctx, workerType, statusFilter)
	if err != nil {
		return nil, err
	}

	discovered := make([]types.DiscoveredWorker, 0, len(workers))
	for _, w := range workers {
		discovered = append(discovered, types.DiscoveredWorker{
			Worker:    w,
			IsDocker:  !strings.HasPrefix(w.ExecutorID, types.DirectExecutorIDPrefix),
			IsHealthy: d.CheckWorkerHealth(ctx, &w),
		})
	}
	return discovered, nil
}

// CheckWorkerHealth applies the health rules to one worker row. A worker is
// healthy only if its status is idle or busy, its heartbeat is no older than
// 30 seconds, and — when an executor for its mode is available — the
// executor confirms it is running. Liveness check errors make the worker
// unhealthy, never fail the call.
func (d *Discovery) CheckWorkerHealth(ctx context.Context, w *types.Worker) bool {
	if w.Status != types.WorkerStatusIdle && w.Status != types.WorkerStatusBusy {
		return false
	}

	if d.Now().UTC().Sub(w.LastHeartbeat.UTC()) > queue.HeartbeatMaxAge {
		return false
	}

	mode := types.ExecutionModeDocker
	if strings.HasPrefix(w.ExecutorID, types.DirectExecutorIDPrefix) {
		mode = types.ExecutionModeDirect
	}
	if exec, ok := d.executors[mode]; ok && w.ExecutorID != "" {
		if !exec.IsWorkerRunning(ctx, w.ExecutorID) {
			return false
		}
	}

	return true
}

// CountHealthyWorkers counts healthy workers of one type
func (d *Discovery) CountHealthyWorkers(ctx context.Context, workerType types.JobType) (int, error) {
	workers, err := d.DiscoverWorkers(ctx, workerType, nil)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, w := range workers {
		if w.IsHealthy {
			count++
		}
	}
	return count, nil
}

// WorkerSummary aggregates worker health per type
func (d *Discovery) WorkerSummary(ctx context.Context) (map[types.JobType]types.WorkerSummary, error) {
	workers, err := d.DiscoverWorkers(ctx, "", nil)
	if err != nil {
		return nil, err
	}

	summary := make(map[types.JobType]types.WorkerSummary)
	for _, w := range workers {
		s := summary[w.Type]
		s.Total++
		if w.IsHealthy {
			s.Healthy++
		} else {
			s.Unhealthy++
		}
		summary[w.Type] = s
	}
	return summary, nil
}
