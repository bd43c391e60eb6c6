package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursecraft/loom/pkg/storage"
	"github.com/coursecraft/loom/pkg/types"
)

func newTestQueue(t *testing.T) *JobQueue {
	t.Helper()

	db, err := storage.OpenJobs(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewJobQueue(db)
}

func submitJob(t *testing.T, q *JobQueue, jobType types.JobType, priority int) int64 {
	t.Helper()

	id, err := q.Submit(context.Background(), jobType,
		"/w/in.nb", "/w/out.nb", "abc",
		map[string]any{"kind": "completed"}, priority, "")
	require.NoError(t, err)
	return id
}

func TestSubmitAndGetJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, types.JobTypeNotebook,
		"/w/in.nb", "/w/out.nb", "abc",
		map[string]any{"language": "en", "prog_lang": "python"}, 5, "corr-1")
	require.NoError(t, err)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, types.JobTypeNotebook, job.Type)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, "/w/in.nb", job.InputFile)
	assert.Equal(t, "/w/out.nb", job.OutputFile)
	assert.Equal(t, "abc", job.ContentHash)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, types.DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, "corr-1", job.CorrelationID)
	assert.Equal(t, "en", job.Payload["language"])
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Nil(t, job.WorkerID)
}

func TestGetJobNotFound(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.GetJob(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNext(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id := submitJob(t, q, types.JobTypeNotebook, 0)

	job, err := q.ClaimNext(ctx, types.JobTypeNotebook, 7)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, id, job.ID)
	assert.Equal(t, types.JobStatusProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, int64(7), *job.WorkerID)
	assert.NotNil(t, job.StartedAt)

	// The row reflects the claim
	stored, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusProcessing, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestClaimNextEmptyQueue(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.ClaimNext(context.Background(), types.JobTypeNotebook, 1)
	require.NoError(t, err)
	assert.Nil(t, job)

	// No rows were touched
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending+stats.Processing+stats.Completed+stats.Failed)
}

func TestClaimNextWrongType(t *testing.T) {
	q := newTestQueue(t)

	submitJob(t, q, types.JobTypeNotebook, 0)

	job, err := q.ClaimNext(context.Background(), types.JobTypePlantUML, 1)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNextPriorityOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	low := submitJob(t, q, types.JobTypeNotebook, 1)
	high := submitJob(t, q, types.JobTypeNotebook, 10)

	first, err := q.ClaimNext(ctx, types.JobTypeNotebook, 1)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high, first.ID)

	second, err := q.ClaimNext(ctx, types.JobTypeNotebook, 1)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, low, second.ID)
}

func TestClaimNextOldestFirstWithinPriority(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.Now = func() time.Time { return base }
	older := submitJob(t, q, types.JobTypeNotebook, 0)
	q.Now = func() time.Time { return base.Add(time.Minute) }
	submitJob(t, q, types.JobTypeNotebook, 0)
	q.Now = func() time.Time { return base.Add(2 * time.Minute) }

	first, err := q.ClaimNext(ctx, types.JobTypeNotebook, 1)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, older, first.ID)
}

func TestClaimNextSingleClaim(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	submitJob(t, q, types.JobTypeNotebook, 0)
	submitJob(t, q, types.JobTypeNotebook, 0)

	// Two concurrent claimers must see distinct jobs
	var wg sync.WaitGroup
	claimed := make([]int64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			job, err := q.ClaimNext(ctx, types.JobTypeNotebook, int64(worker+1))
			if assert.NoError(t, err) && assert.NotNil(t, job) {
				claimed[worker] = job.ID
			}
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, claimed[0], claimed[1])

	// Queue is drained
	job, err := q.ClaimNext(ctx, types.JobTypeNotebook, 3)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNextAttemptBound(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id := submitJob(t, q, types.JobTypeNotebook, 0)

	for i := 0; i < types.DefaultMaxAttempts; i++ {
		job, err := q.ClaimNext(ctx, types.JobTypeNotebook, 1)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d should claim", i+1)
		assert.Equal(t, id, job.ID)
		assert.LessOrEqual(t, job.Attempts, job.MaxAttempts)

		require.NoError(t, q.UpdateStatus(ctx, id, types.JobStatusPending, "transient"))
	}

	// Attempts are exhausted
	job, err := q.ClaimNext(ctx, types.JobTypeNotebook, 1)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestUpdateStatusCompleted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id := submitJob(t, q, types.JobTypeNotebook, 0)
	_, err := q.ClaimNext(ctx, types.JobTypeNotebook, 1)
	require.NoError(t, err)

	require.NoError(t, q.UpdateStatus(ctx, id, types.JobStatusFailed, "boom"))
	require.NoError(t, q.UpdateStatus(ctx, id, types.JobStatusCompleted, ""))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	// Completion clears a previously recorded error
	assert.Empty(t, job.Error)
}

func TestUpdateStatusFailed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id := submitJob(t, q, types.JobTypeNotebook, 0)
	require.NoError(t, q.UpdateStatus(ctx, id, types.JobStatusFailed, "kernel died"))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Equal(t, "kernel died", job.Error)
	assert.NotNil(t, job.CompletedAt)
}

func TestCheckCache(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	// Miss on empty cache
	_, hit, err := q.CheckCache(ctx, "/w/out.png", "h1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, q.AddToCache(ctx, "/w/out.png", "h1", `{"format":"png"}`))

	metadata, hit, err := q.CheckCache(ctx, "/w/out.png", "h1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, `{"format":"png"}`, metadata)

	// Different hash misses
	_, hit, err = q.CheckCache(ctx, "/w/out.png", "h2")
	require.NoError(t, err)
	assert.False(t, hit)

	// Access count is bumped per hit
	_, _, err = q.CheckCache(ctx, "/w/out.png", "h1")
	require.NoError(t, err)
	var count int
	require.NoError(t, q.DB().QueryRow(
		`SELECT access_count FROM results_cache WHERE output_file = ? AND content_hash = ?`,
		"/w/out.png", "h1",
	).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestResetHungJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-20 * time.Minute)
	q.Now = func() time.Time { return past }
	submitJob(t, q, types.JobTypeNotebook, 0)
	_, err := q.ClaimNext(ctx, types.JobTypeNotebook, 1)
	require.NoError(t, err)

	q.Now = func() time.Time { return time.Now().UTC() }

	n, err := q.ResetHungJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Idempotent: the second run with no intervening writes resets nothing
	n, err = q.ResetHungJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	jobs, err := q.JobsByStatus(ctx, types.JobStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Nil(t, jobs[0].WorkerID)
	assert.Nil(t, jobs[0].StartedAt)
}

func TestResetHungJobsLeavesFreshJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	submitJob(t, q, types.JobTypeNotebook, 0)
	_, err := q.ClaimNext(ctx, types.JobTypeNotebook, 1)
	require.NoError(t, err)

	n, err := q.ResetHungJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestResetDeadWorkerJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	workerID, err := q.RegisterWorker(ctx, types.JobTypeNotebook, "direct-notebook-0-deadbeef")
	require.NoError(t, err)

	id := submitJob(t, q, types.JobTypeNotebook, 0)
	job, err := q.ClaimNext(ctx, types.JobTypeNotebook, workerID)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Live worker: nothing to rescue
	n, err := q.ResetDeadWorkerJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, q.SetWorkerStatus(ctx, workerID, types.WorkerStatusDead))

	n, err = q.ResetDeadWorkerJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rescued, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, rescued.Status)
	assert.Nil(t, rescued.WorkerID)
}

func TestClearOldCompleted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id := submitJob(t, q, types.JobTypeNotebook, 0)
	_, err := q.ClaimNext(ctx, types.JobTypeNotebook, 1)
	require.NoError(t, err)

	// Complete the job far in the past
	q.Now = func() time.Time { return time.Now().UTC().Add(-10 * 24 * time.Hour) }
	require.NoError(t, q.UpdateStatus(ctx, id, types.JobStatusCompleted, ""))
	q.Now = func() time.Time { return time.Now().UTC() }

	n, err := q.ClearOldCompleted(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStatistics(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	submitJob(t, q, types.JobTypeNotebook, 0)
	submitJob(t, q, types.JobTypeNotebook, 0)
	id, err := q.Submit(ctx, types.JobTypePlantUML, "/w/d.puml", "/w/d.png", "h",
		map[string]any{}, 0, "")
	require.NoError(t, err)

	_, err = q.ClaimNext(ctx, types.JobTypePlantUML, 1)
	require.NoError(t, err)

	stats, err := q.Statistics(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.QueueStats.Processing)
	assert.Equal(t, 2, stats.ByType[types.JobTypeNotebook])
	assert.Equal(t, 1, stats.ByType[types.JobTypePlantUML])
	require.Len(t, stats.ProcessingJobs, 1)
	assert.Equal(t, id, stats.ProcessingJobs[0].JobID)
}
