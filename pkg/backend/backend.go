package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coursecraft/loom/pkg/cache"
	"github.com/coursecraft/loom/pkg/discovery"
	"github.com/coursecraft/loom/pkg/log"
	"github.com/coursecraft/loom/pkg/queue"
	"github.com/coursecraft/loom/pkg/report"
	"github.com/coursecraft/loom/pkg/types"
)

var (
	// ErrNoWorkers is the fatal error returned when a job type has no
	// healthy workers; the driver aborts the session on it
	ErrNoWorkers = errors.New("no workers available")

	// ErrUnknownService marks an operation whose service name has no job
	// type mapping
	ErrUnknownService = errors.New("unknown service")

	// ErrTimeout marks a WaitForCompletion that exceeded its deadline
	ErrTimeout = errors.New("jobs did not complete within deadline")
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxWait      = 20 * time.Minute

	// rescueInterval is how often WaitForCompletion additionally scans for
	// jobs assigned to dead workers. Complements the pool monitor.
	rescueInterval = 5 * time.Second

	// shutdownGrace bounds how long Shutdown keeps waiting for in-flight
	// jobs before abandoning them in-queue
	shutdownGrace = 5 * time.Second
)

// ProgressTracker receives job lifecycle notifications from the backend
type ProgressTracker interface {
	JobSubmitted(jobID int64, jobType types.JobType, inputFile, correlationID string)
	JobCompleted(jobID int64)
	JobFailed(jobID int64, message string)
}

// Config configures a Backend
type Config struct {
	// Workspace anchors relative payload paths
	Workspace string

	// Results enables the artifact cache when non-nil
	Results *cache.ResultStore

	// Reporter receives categorized failures; optional
	Reporter report.Reporter

	// Tracker receives progress notifications; optional
	Tracker ProgressTracker

	// SkipWorkerCheck bypasses the healthy-worker gate (tests only)
	SkipWorkerCheck bool

	PollInterval time.Duration
	MaxWait      time.Duration
}

// Backend is the driver-facing entry point: it submits operations to the
// queue, short-circuiting on cache hits, and waits for workers to complete
// them.
type Backend struct {
	queue     *queue.JobQueue
	discovery *discovery.Discovery
	cfg       Config
	logger    zerolog.Logger

	mu     sync.Mutex
	active map[int64]*activeJob

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

type activeJob struct {
	jobType        types.JobType
	inputFile      string
	outputFile     string
	contentHash    string
	outputMetadata string
	correlationID  string
	payload        map[string]any
}

// New creates a backend over the jobs queue and discovery service
func New(q *queue.JobQueue, disc *discovery.Discovery, cfg Config) *Backend {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = defaultMaxWait
	}

	return &Backend{
		queue:      q,
		discovery:  disc,
		cfg:        cfg,
		logger:     log.WithComponent("backend"),
		active:     make(map[int64]*activeJob),
		shutdownCh: make(chan struct{}),
	}
}

// ActiveJobs returns the number of jobs submitted and not yet resolved
func (b *Backend) ActiveJobs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// ExecuteOperation submits one operation. The artifact cache and the
// output-file cache are consulted first; a hit reproduces the output
// without enqueueing. Otherwise the operation is translated to a job and
// inserted, provided at least one healthy worker of the type exists.
func (b *Backend) ExecuteOperation(ctx context.Context, op Operation, payload *Payload) error {
	jobType, err := JobTypeForService(op.ServiceName)
	if err != nil {
		return err
	}

	// Artifact-cache short-circuit: reproduce the output and resurface the
	// stored issues without touching a worker
	if b.cfg.Results != nil {
		hit, err := b.tryResultCache(ctx, payload)
		if err != nil {
			b.logger.Warn().Err(err).Str("input_file", payload.InputFile).Msg("Artifact cache lookup failed")
		} else if hit {
			return nil
		}
	}

	// Output-file cache short-circuit: the artifact is the file itself
	if metadata, ok, err := b.queue.CheckCache(ctx, payload.OutputFile, payload.ContentHash); err != nil {
		b.logger.Warn().Err(err).Str("output_file", payload.OutputFile).Msg("Queue cache lookup failed")
	} else if ok {
		outputPath := b.resolvePath(payload.OutputFile)
		if _, statErr := os.Stat(outputPath); statErr == nil {
			b.logger.Debug().
				Str("output_file", payload.OutputFile).
				Str("metadata", metadata).
				Msg("Queue cache hit")
			return nil
		}
		b.logger.Warn().Str("output_file", outputPath).Msg("Cache indicated file exists but not found")
	}

	// Worker availability gate: refuse rather than queue into the void
	if !b.cfg.SkipWorkerCheck {
		available, err := b.discovery.CountHealthyWorkers(ctx, jobType)
		if err != nil {
			return fmt.Errorf("failed to check worker availability: %w", err)
		}
		if available == 0 {
			if b.cfg.Reporter != nil {
				b.cfg.Reporter.ReportError(report.NoWorkersError(jobType))
			}
			return fmt.Errorf("%w for job type %q: start %s workers before submitting jobs",
				ErrNoWorkers, jobType, jobType)
		}
	}

	jobID, err := b.queue.Submit(
		ctx, jobType,
		payload.InputFile, payload.OutputFile, payload.ContentHash,
		payload.Fields(), payload.Priority, payload.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}

	b.mu.Lock()
	b.active[jobID] = &activeJob{
		jobType:        jobType,
		inputFile:      payload.InputFile,
		outputFile:     payload.OutputFile,
		contentHash:    payload.ContentHash,
		outputMetadata: payload.OutputMetadata,
		correlationID:  payload.CorrelationID,
		payload:        payload.Fields(),
	}
	b.mu.Unlock()

	if b.cfg.Tracker != nil {
		b.cfg.Tracker.JobSubmitted(jobID, jobType, payload.InputFile, payload.CorrelationID)
	}

	return nil
}

// tryResultCache serves an operation from the artifact cache. On a hit the
// stored artifact is written to the output file and any stored issues are
// reported tagged as cached.
func (b *Backend) tryResultCache(ctx context.Context, payload *Payload) (bool, error) {
	result, err := b.cfg.Results.Get(ctx, payload.InputFile, payload.ContentHash, payload.OutputMetadata)
	if err != nil {
		return false, err
	}
	if result == nil {
		return false, nil
	}

	outputPath := b.resolvePath(payload.OutputFile)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return false, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(outputPath, result, 0o644); err != nil {
		return false, fmt.Errorf("failed to write cached result: %w", err)
	}

	b.logger.Info().
		Str("input_file", payload.InputFile).
		Str("output_file", payload.OutputFile).
		Msg("Artifact cache hit, skipping worker execution")

	if b.cfg.Reporter != nil {
		errs, warnings, err := b.cfg.Results.GetIssues(ctx, payload.InputFile, payload.ContentHash, payload.OutputMetadata)
		if err != nil {
			b.logger.Warn().Err(err).Msg("Failed to load cached issues")
		} else {
			for _, e := range errs {
				e.FromCache = true
				b.cfg.Reporter.ReportError(e)
			}
			for _, w := range warnings {
				w.FromCache = true
				b.cfg.Reporter.ReportWarning(w)
			}
		}
	}

	return true, nil
}

// WaitForCompletion polls the queue until every active job resolves, the
// deadline passes, or the backend shuts down. Completed jobs are written
// back to the artifact cache; failed jobs are categorized and reported.
// Returns true when all jobs completed successfully.
func (b *Backend) WaitForCompletion(ctx context.Context) (bool, error) {
	if b.ActiveJobs() == 0 {
		return true, nil
	}

	b.logger.Info().Int("count", b.ActiveJobs()).Msg("Waiting for jobs to complete")

	deadline := time.Now().Add(b.cfg.MaxWait)
	lastRescue := time.Now()
	allOK := true

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for b.ActiveJobs() > 0 {
		// Rescue pass: jobs assigned to workers that died since the last
		// poll go back to pending so a healthy worker can take them
		if time.Since(lastRescue) >= rescueInterval {
			if reset, err := b.queue.ResetDeadWorkerJobs(ctx); err != nil {
				b.logger.Error().Err(err).Msg("Dead-worker rescue failed")
			} else if reset > 0 {
				b.logger.Info().Int64("count", reset).Msg("Reset jobs from dead workers")
			}
			lastRescue = time.Now()
		}

		ok, err := b.pollActiveJobs(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			allOK = false
		}

		if b.ActiveJobs() == 0 {
			break
		}

		if time.Now().After(deadline) {
			return false, fmt.Errorf("%w: %d job(s) still pending after %s",
				ErrTimeout, b.ActiveJobs(), b.cfg.MaxWait)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false, ctx.Err()
		case <-b.shutdownCh:
			b.logger.Warn().Int("count", b.ActiveJobs()).Msg("Shutdown requested, leaving jobs in queue")
			return false, nil
		}
	}

	if allOK {
		b.logger.Info().Msg("All jobs completed successfully")
	}
	return allOK, nil
}

// pollActiveJobs checks each active job once. Returns false when any job
// failed during this poll.
func (b *Backend) pollActiveJobs(ctx context.Context) (bool, error) {
	b.mu.Lock()
	ids := make([]int64, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	allOK := true

	for _, jobID := range ids {
		job, err := b.queue.GetJob(ctx, jobID)
		if err != nil {
			return false, err
		}
		if job == nil {
			b.logger.Warn().Int64("job_id", jobID).Msg("Job not found in database")
			b.removeActive(jobID)
			continue
		}

		switch job.Status {
		case types.JobStatusCompleted:
			b.handleCompleted(ctx, jobID)
		case types.JobStatusFailed:
			b.handleFailed(ctx, jobID, job)
			allOK = false
		}
	}

	return allOK, nil
}

func (b *Backend) handleCompleted(ctx context.Context, jobID int64) {
	b.mu.Lock()
	info := b.active[jobID]
	b.mu.Unlock()

	if info != nil {
		b.logger.Info().
			Int64("job_id", jobID).
			Str("input_file", info.inputFile).
			Str("output_file", info.outputFile).
			Msg("Job completed")
	}

	if b.cfg.Tracker != nil {
		b.cfg.Tracker.JobCompleted(jobID)
	}

	// Write the produced artifact back into the cache so the next build
	// of the same input short-circuits entirely
	if b.cfg.Results != nil && info != nil {
		outputPath := b.resolvePath(info.outputFile)
		if data, err := os.ReadFile(outputPath); err == nil {
			if err := b.cfg.Results.Store(ctx, info.inputFile, info.contentHash, info.correlationID, data, info.outputMetadata); err != nil {
				b.logger.Warn().Err(err).Int64("job_id", jobID).Msg("Could not cache result")
			}
		} else {
			b.logger.Warn().Err(err).Int64("job_id", jobID).Msg("Completed job output missing, not cached")
		}
	}

	b.removeActive(jobID)
}

func (b *Backend) handleFailed(ctx context.Context, jobID int64, job *types.Job) {
	b.mu.Lock()
	info := b.active[jobID]
	b.mu.Unlock()

	if info == nil {
		b.removeActive(jobID)
		return
	}

	buildErr := report.CategorizeJobError(
		info.jobType, info.inputFile, job.Error, info.payload, jobID, info.correlationID,
	)

	if b.cfg.Reporter != nil {
		b.cfg.Reporter.ReportError(buildErr)
	} else {
		b.logger.Error().
			Int64("job_id", jobID).
			Str("input_file", info.inputFile).
			Str("error", job.Error).
			Msg("Job failed")
	}

	// Persist the issue next to the (absent) artifact so a later cache hit
	// for a fixed-then-reverted input resurfaces it
	if b.cfg.Results != nil {
		if err := b.cfg.Results.StoreError(ctx, info.inputFile, info.contentHash, info.outputMetadata, buildErr); err != nil {
			b.logger.Warn().Err(err).Int64("job_id", jobID).Msg("Could not store issue")
		}
	}

	if b.cfg.Tracker != nil {
		b.cfg.Tracker.JobFailed(jobID, job.Error)
	}

	b.removeActive(jobID)
}

func (b *Backend) removeActive(jobID int64) {
	b.mu.Lock()
	delete(b.active, jobID)
	b.mu.Unlock()
}

// Shutdown aborts an in-progress wait after a short grace period. Jobs
// still pending stay in the queue for a later session to pick up.
func (b *Backend) Shutdown(ctx context.Context) {
	if n := b.ActiveJobs(); n > 0 {
		b.logger.Warn().Int("count", n).Msg("Shutdown called with jobs still pending")

		graceCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
		if _, err := b.WaitForCompletion(graceCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			b.logger.Warn().Err(err).Msg("Error while draining jobs during shutdown")
		}
	}

	b.shutdownOnce.Do(func() { close(b.shutdownCh) })
}

func (b *Backend) resolvePath(path string) string {
	if filepath.IsAbs(path) || b.cfg.Workspace == "" {
		return path
	}
	return filepath.Join(b.cfg.Workspace, path)
}
