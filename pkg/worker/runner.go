package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coursecraft/loom/pkg/executor"
	"github.com/coursecraft/loom/pkg/log"
	"github.com/coursecraft/loom/pkg/queue"
	"github.com/coursecraft/loom/pkg/storage"
	"github.com/coursecraft/loom/pkg/types"
)

const (
	// heartbeatInterval keeps heartbeats well below the 30 s staleness
	// threshold: three beats may be lost before a worker looks dead
	heartbeatInterval = 10 * time.Second

	// idleSleep is how long the claim loop waits when the queue is empty
	idleSleep = 1 * time.Second
)

// Runner is the worker-side runtime. It registers the worker in the
// database, emits heartbeats, claims jobs of its type, hands them to the
// processor, and reports outcomes. On graceful shutdown it deletes its
// registry row.
type Runner struct {
	queue      *queue.JobQueue
	workerType types.JobType
	executorID string
	workspace  string
	processor  Processor
	logger     zerolog.Logger

	workerID int64
}

// RunnerConfig configures a worker runner
type RunnerConfig struct {
	WorkerType types.JobType
	// ExecutorID is the handle assigned by the executor that launched this
	// worker, passed through the WORKER_ID environment variable. Generated
	// when empty (workers started by hand).
	ExecutorID string
	Workspace  string
	Processor  Processor
}

// NewRunner creates a worker runner over an open jobs queue
func NewRunner(q *queue.JobQueue, cfg RunnerConfig) (*Runner, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("no processor for worker type %s", cfg.WorkerType)
	}

	executorID := cfg.ExecutorID
	if executorID == "" {
		executorID = fmt.Sprintf("%s%s-0-%s",
			types.DirectExecutorIDPrefix, cfg.WorkerType, uuid.NewString()[:8])
	}

	return &Runner{
		queue:      q,
		workerType: cfg.WorkerType,
		executorID: executorID,
		workspace:  cfg.Workspace,
		processor:  cfg.Processor,
		logger:     log.WithComponent("worker"),
	}, nil
}

// NewRunnerFromEnv builds a runner from the bootstrap environment variables
// set by the executors
func NewRunnerFromEnv(processor Processor) (*Runner, *queue.JobQueue, error) {
	workerType := types.JobType(os.Getenv(executor.EnvWorkerType))
	if workerType == "" {
		return nil, nil, fmt.Errorf("%s not set", executor.EnvWorkerType)
	}

	dbPath := os.Getenv(executor.EnvDBPath)
	if dbPath == "" {
		return nil, nil, fmt.Errorf("%s not set", executor.EnvDBPath)
	}

	db, err := storage.OpenJobs(dbPath)
	if err != nil {
		return nil, nil, err
	}

	q := queue.NewJobQueue(db)
	r, err := NewRunner(q, RunnerConfig{
		WorkerType: workerType,
		ExecutorID: os.Getenv(executor.EnvWorkerID),
		Workspace:  os.Getenv(executor.EnvWorkspacePath),
		Processor:  processor,
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return r, q, nil
}

// Run executes the worker loop until the context is cancelled
func (r *Runner) Run(ctx context.Context) error {
	workerID, err := r.queue.RegisterWorker(ctx, r.workerType, r.executorID)
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	r.workerID = workerID
	r.logger = r.logger.With().Int64("worker_id", workerID).Logger()

	r.logger.Info().
		Str("worker_type", string(r.workerType)).
		Str("executor_id", r.executorID).
		Msg("Worker started")

	heartbeatDone := make(chan struct{})
	go r.heartbeatLoop(ctx, heartbeatDone)

	r.claimLoop(ctx)

	<-heartbeatDone

	// Graceful shutdown removes the registry row; a killed worker leaves
	// its row behind for the monitor to mark dead
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.queue.DeleteWorker(cleanupCtx, workerID); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to deregister worker")
	}

	r.logger.Info().Msg("Worker stopped")
	return nil
}

// heartbeatLoop refreshes last_heartbeat until the context is cancelled
func (r *Runner) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.queue.Heartbeat(ctx, r.workerID); err != nil {
				r.logger.Error().Err(err).Msg("Heartbeat failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// claimLoop claims and processes jobs until the context is cancelled
func (r *Runner) claimLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.queue.ClaimNext(ctx, r.workerType, r.workerID)
		if err != nil {
			r.logger.Error().Err(err).Msg("Failed to claim job")
			sleepOrDone(ctx, idleSleep)
			continue
		}
		if job == nil {
			sleepOrDone(ctx, idleSleep)
			continue
		}

		r.processJob(ctx, job)
	}
}

// processJob runs one claimed job through the processor and records the
// outcome
func (r *Runner) processJob(ctx context.Context, job *types.Job) {
	logger := log.ForJob(r.logger, job.ID, job.CorrelationID).
		With().Str("input_file", job.InputFile).Logger()

	if err := r.queue.SetWorkerStatus(ctx, r.workerID, types.WorkerStatusBusy); err != nil {
		logger.Error().Err(err).Msg("Failed to mark worker busy")
	}

	start := time.Now()
	err := r.processor.Process(ctx, job, r.workspace)

	if err != nil {
		logger.Error().Err(err).Msg("Job processing failed")
		if uerr := r.queue.UpdateStatus(ctx, job.ID, types.JobStatusFailed, err.Error()); uerr != nil {
			logger.Error().Err(uerr).Msg("Failed to record job failure")
		}
		if rerr := r.queue.RecordJobOutcome(ctx, r.workerID, true); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to record outcome")
		}
	} else {
		logger.Info().Dur("duration", time.Since(start)).Msg("Job processed")
		if uerr := r.queue.UpdateStatus(ctx, job.ID, types.JobStatusCompleted, ""); uerr != nil {
			logger.Error().Err(uerr).Msg("Failed to record job completion")
		}
		if cerr := r.queue.AddToCache(ctx, job.OutputFile, job.ContentHash, ""); cerr != nil {
			logger.Warn().Err(cerr).Msg("Failed to update output cache")
		}
		if rerr := r.queue.RecordJobOutcome(ctx, r.workerID, false); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to record outcome")
		}
	}

	if err := r.queue.SetWorkerStatus(ctx, r.workerID, types.WorkerStatusIdle); err != nil {
		logger.Error().Err(err).Msg("Failed to mark worker idle")
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
