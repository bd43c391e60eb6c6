package backend

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursecraft/loom/pkg/cache"
	"github.com/coursecraft/loom/pkg/discovery"
	"github.com/coursecraft/loom/pkg/queue"
	"github.com/coursecraft/loom/pkg/report"
	"github.com/coursecraft/loom/pkg/storage"
	"github.com/coursecraft/loom/pkg/types"
)

// recordingReporter accumulates reported issues
type recordingReporter struct {
	mu       sync.Mutex
	errors   []*report.BuildError
	warnings []*report.BuildWarning
}

func (r *recordingReporter) ReportError(err *report.BuildError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recordingReporter) ReportWarning(w *report.BuildWarning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, w)
}

func (r *recordingReporter) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

type testEnv struct {
	backend   *Backend
	queue     *queue.JobQueue
	results   *cache.ResultStore
	reporter  *recordingReporter
	workspace string
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	dir := t.TempDir()

	jobsDB, err := storage.OpenJobs(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jobsDB.Close() })

	cachePath := filepath.Join(dir, "cache.db")
	cacheDB, err := storage.OpenCache(cachePath)
	require.NoError(t, err)
	t.Cleanup(func() { cacheDB.Close() })

	q := queue.NewJobQueue(jobsDB)
	results := cache.NewResultStore(cacheDB, cachePath)
	reporter := &recordingReporter{}
	workspace := filepath.Join(dir, "workspace")
	require.NoError(t, os.MkdirAll(workspace, 0o755))

	cfg := Config{
		Workspace:       workspace,
		Results:         results,
		Reporter:        reporter,
		SkipWorkerCheck: true,
		PollInterval:    20 * time.Millisecond,
		MaxWait:         5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return &testEnv{
		backend:   New(q, discovery.New(q), cfg),
		queue:     q,
		results:   results,
		reporter:  reporter,
		workspace: workspace,
	}
}

func notebookPayload(hash string) *Payload {
	return &Payload{
		InputFile:      "in.nb",
		OutputFile:     "out/in.nb",
		ContentHash:    hash,
		OutputMetadata: "en:python:completed",
		CorrelationID:  "corr-1",
		Extra:          map[string]any{"language": "en", "prog_lang": "python"},
	}
}

func TestExecuteOperationUnknownService(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.backend.ExecuteOperation(context.Background(),
		Operation{ServiceName: "mystery-service"}, notebookPayload("abc"))
	require.ErrorIs(t, err, ErrUnknownService)
	assert.Equal(t, 0, env.backend.ActiveJobs())
}

func TestExecuteOperationNoWorkers(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.SkipWorkerCheck = false })
	ctx := context.Background()

	err := env.backend.ExecuteOperation(ctx,
		Operation{ServiceName: "notebook-processor"}, notebookPayload("abc"))
	require.ErrorIs(t, err, ErrNoWorkers)

	// The job was never inserted
	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)

	// The fatal error reached the reporter
	require.Equal(t, 1, env.reporter.errorCount())
	assert.Equal(t, report.SeverityFatal, env.reporter.errors[0].Severity)
	assert.Equal(t, "no_workers", env.reporter.errors[0].Category)
}

func TestExecuteOperationSubmits(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.backend.ExecuteOperation(ctx,
		Operation{ServiceName: "notebook-processor"}, notebookPayload("abc")))

	assert.Equal(t, 1, env.backend.ActiveJobs())

	jobs, err := env.queue.JobsByStatus(ctx, types.JobStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobTypeNotebook, jobs[0].Type)
	assert.Equal(t, "in.nb", jobs[0].InputFile)
	assert.Equal(t, "corr-1", jobs[0].CorrelationID)
	assert.Equal(t, "en", jobs[0].Payload["language"])
}

func TestWorkerAvailabilityGatePasses(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.SkipWorkerCheck = false })
	ctx := context.Background()

	_, err := env.queue.RegisterWorker(ctx, types.JobTypeNotebook, "direct-notebook-0-aaaa1111")
	require.NoError(t, err)

	require.NoError(t, env.backend.ExecuteOperation(ctx,
		Operation{ServiceName: "notebook-processor"}, notebookPayload("abc")))
	assert.Equal(t, 1, env.backend.ActiveJobs())
}

func TestArtifactCacheShortCircuit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	artifact := []byte("cached notebook output")
	require.NoError(t, env.results.Store(ctx, "in.nb", "abc", "corr-0", artifact, "en:python:completed"))
	require.NoError(t, env.results.StoreError(ctx, "in.nb", "abc", "en:python:completed", &report.BuildError{
		ErrorType: report.ErrorTypeUser,
		Severity:  report.SeverityError,
		Message:   "previous failure",
	}))
	require.NoError(t, env.results.StoreWarning(ctx, "in.nb", "abc", "en:python:completed", &report.BuildWarning{
		Message: "previous warning",
	}))

	require.NoError(t, env.backend.ExecuteOperation(ctx,
		Operation{ServiceName: "notebook-processor"}, notebookPayload("abc")))

	// Nothing was enqueued; the output was reproduced from cache
	assert.Equal(t, 0, env.backend.ActiveJobs())
	data, err := os.ReadFile(filepath.Join(env.workspace, "out/in.nb"))
	require.NoError(t, err)
	assert.Equal(t, artifact, data)

	// Stored issues resurfaced, tagged as cached
	require.Equal(t, 1, env.reporter.errorCount())
	assert.True(t, env.reporter.errors[0].FromCache)
	require.Len(t, env.reporter.warnings, 1)
	assert.True(t, env.reporter.warnings[0].FromCache)
}

func TestQueueCacheShortCircuit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Results = nil })
	ctx := context.Background()

	// The output file exists and the queue cache knows its hash
	outPath := filepath.Join(env.workspace, "out/in.nb")
	require.NoError(t, os.MkdirAll(filepath.Dir(outPath), 0o755))
	require.NoError(t, os.WriteFile(outPath, []byte("already produced"), 0o644))
	require.NoError(t, env.queue.AddToCache(ctx, "out/in.nb", "abc", ""))

	require.NoError(t, env.backend.ExecuteOperation(ctx,
		Operation{ServiceName: "notebook-processor"}, notebookPayload("abc")))
	assert.Equal(t, 0, env.backend.ActiveJobs())
}

func TestQueueCacheHitWithMissingFileFallsThrough(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Results = nil })
	ctx := context.Background()

	require.NoError(t, env.queue.AddToCache(ctx, "out/in.nb", "abc", ""))

	// Cache says yes but the file is gone: submit anyway
	require.NoError(t, env.backend.ExecuteOperation(ctx,
		Operation{ServiceName: "notebook-processor"}, notebookPayload("abc")))
	assert.Equal(t, 1, env.backend.ActiveJobs())
}

// completeJobs plays the worker role: claims jobs and completes them,
// writing the output file
func completeJobs(t *testing.T, env *testEnv, workerID int64) {
	t.Helper()
	ctx := context.Background()

	for {
		job, err := env.queue.ClaimNext(ctx, types.JobTypeNotebook, workerID)
		require.NoError(t, err)
		if job == nil {
			return
		}
		outPath := filepath.Join(env.workspace, job.OutputFile)
		require.NoError(t, os.MkdirAll(filepath.Dir(outPath), 0o755))
		require.NoError(t, os.WriteFile(outPath, []byte("worker output"), 0o644))
		require.NoError(t, env.queue.UpdateStatus(ctx, job.ID, types.JobStatusCompleted, ""))
	}
}

func TestWaitForCompletionSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.backend.ExecuteOperation(ctx,
		Operation{ServiceName: "notebook-processor"}, notebookPayload("abc")))

	completeJobs(t, env, 1)

	ok, err := env.backend.WaitForCompletion(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, env.backend.ActiveJobs())

	// The produced artifact was written back into the cache
	cached, err := env.results.Get(ctx, "in.nb", "abc", "en:python:completed")
	require.NoError(t, err)
	assert.Equal(t, []byte("worker output"), cached)
}

func TestWaitForCompletionFailureIsCategorized(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.backend.ExecuteOperation(ctx,
		Operation{ServiceName: "notebook-processor"}, notebookPayload("abc")))

	jobs, err := env.queue.JobsByStatus(ctx, types.JobStatusPending, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, env.queue.UpdateStatus(ctx, jobs[0].ID, types.JobStatusFailed,
		`{"error_message":"SyntaxError: invalid syntax in cell #3","error_class":"SyntaxError"}`))

	ok, err := env.backend.WaitForCompletion(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.Equal(t, 1, env.reporter.errorCount())
	reported := env.reporter.errors[0]
	assert.Equal(t, report.ErrorTypeUser, reported.ErrorType)
	assert.Equal(t, "notebook_compilation", reported.Category)
	assert.Equal(t, 3, reported.Details["cell_number"])

	// The categorized error was persisted in the issue log
	errs, _, err := env.results.GetIssues(ctx, "in.nb", "abc", "en:python:completed")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "notebook_compilation", errs[0].Category)
}

func TestWaitForCompletionTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxWait = 150 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, env.backend.ExecuteOperation(ctx,
		Operation{ServiceName: "notebook-processor"}, notebookPayload("abc")))

	_, err := env.backend.WaitForCompletion(ctx)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestWaitForCompletionDeadWorkerRescue(t *testing.T) {
	// The rescue pass runs on a 5 s cadence; leave room for it
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxWait = 20 * time.Second })
	ctx := context.Background()

	workerID, err := env.queue.RegisterWorker(ctx, types.JobTypeNotebook, "direct-notebook-0-aaaa1111")
	require.NoError(t, err)

	require.NoError(t, env.backend.ExecuteOperation(ctx,
		Operation{ServiceName: "notebook-processor"}, notebookPayload("abc")))

	// The worker claims the job and dies
	job, err := env.queue.ClaimNext(ctx, types.JobTypeNotebook, workerID)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, env.queue.SetWorkerStatus(ctx, workerID, types.WorkerStatusDead))

	// A healthy worker picks up the rescued job
	healthyID, err := env.queue.RegisterWorker(ctx, types.JobTypeNotebook, "direct-notebook-1-bbbb2222")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(8 * time.Second)
		for time.Now().Before(deadline) {
			rescued, err := env.queue.ClaimNext(ctx, types.JobTypeNotebook, healthyID)
			if err == nil && rescued != nil {
				outPath := filepath.Join(env.workspace, rescued.OutputFile)
				os.MkdirAll(filepath.Dir(outPath), 0o755)
				os.WriteFile(outPath, []byte("rescued output"), 0o644)
				env.queue.UpdateStatus(ctx, rescued.ID, types.JobStatusCompleted, "")
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	ok, err := env.backend.WaitForCompletion(ctx)
	<-done
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShutdownLeavesJobsInQueue(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxWait = 30 * time.Second }) // no timeout during test
	ctx := context.Background()

	require.NoError(t, env.backend.ExecuteOperation(ctx,
		Operation{ServiceName: "notebook-processor"}, notebookPayload("abc")))

	start := time.Now()
	env.backend.Shutdown(ctx)
	assert.Less(t, time.Since(start), 10*time.Second)

	// The job is still pending for a later session
	jobs, err := env.queue.JobsByStatus(ctx, types.JobStatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestPayloadSerializesBytesAsBase64(t *testing.T) {
	p := notebookPayload("abc")
	p.Extra["attachment"] = []byte{0x01, 0x02, 0xff}

	data, err := p.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"attachment":"AQL/"`)
	assert.Contains(t, string(data), `"content_hash":"abc"`)
}
