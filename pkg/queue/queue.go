package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coursecraft/loom/pkg/log"
	"github.com/coursecraft/loom/pkg/metrics"
	"github.com/coursecraft/loom/pkg/types"
)

// timeFormat matches SQLite's CURRENT_TIMESTAMP so Go-written timestamps
// and datetime('now') comparisons stay consistent. All instants are UTC.
const timeFormat = "2006-01-02 15:04:05"

// JobQueue manages job submission, atomic claiming, and status transitions
// over the jobs database. All methods are safe for concurrent use; each call
// runs on its own pooled connection.
type JobQueue struct {
	db     *sql.DB
	logger zerolog.Logger

	// Now provides the current instant for every timestamp the queue
	// writes or compares. Overridable in tests.
	Now func() time.Time
}

// NewJobQueue creates a job queue over an open jobs database
func NewJobQueue(db *sql.DB) *JobQueue {
	return &JobQueue{
		db:     db,
		logger: log.WithComponent("queue"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying handle for components that share the jobs
// database (discovery, lifecycle journal)
func (q *JobQueue) DB() *sql.DB {
	return q.db
}

func (q *JobQueue) nowUTC() string {
	return q.Now().UTC().Format(timeFormat)
}

// Submit inserts a new pending job and returns its id
func (q *JobQueue) Submit(
	ctx context.Context,
	jobType types.JobType,
	inputFile, outputFile, contentHash string,
	payload map[string]any,
	priority int,
	correlationID string,
) (int64, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize payload: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (
			job_type, status, input_file, output_file,
			content_hash, payload, priority, max_attempts, correlation_id, created_at
		) VALUES (?, 'pending', ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobType, inputFile, outputFile, contentHash,
		string(payloadJSON), priority, types.DefaultMaxAttempts,
		nullString(correlationID), q.nowUTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}

	jobID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read job id: %w", err)
	}

	metrics.JobsSubmitted.WithLabelValues(string(jobType)).Inc()

	evt := q.logger.Info().
		Int64("job_id", jobID).
		Str("job_type", string(jobType)).
		Str("input_file", inputFile)
	if correlationID != "" {
		evt = evt.Str("correlation_id", correlationID)
	}
	evt.Msg("Job submitted")

	return jobID, nil
}

// CheckCache looks up the output-file cache. On a hit the access statistics
// are bumped within the same transaction and the stored result metadata is
// returned; on a miss the transaction rolls back cleanly.
func (q *JobQueue) CheckCache(ctx context.Context, outputFile, contentHash string) (string, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var metadata sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT result_metadata FROM results_cache
		WHERE output_file = ? AND content_hash = ?`,
		outputFile, contentHash,
	).Scan(&metadata)
	if err == sql.ErrNoRows {
		metrics.QueueCacheMisses.Inc()
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query results cache: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE results_cache
		SET last_accessed = ?, access_count = access_count + 1
		WHERE output_file = ? AND content_hash = ?`,
		q.nowUTC(), outputFile, contentHash,
	); err != nil {
		return "", false, fmt.Errorf("failed to update cache statistics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit cache access: %w", err)
	}

	metrics.QueueCacheHits.Inc()
	return metadata.String, true, nil
}

// AddToCache records that an output file has been produced for a content
// hash. Existing entries are replaced.
func (q *JobQueue) AddToCache(ctx context.Context, outputFile, contentHash, resultMetadata string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO results_cache
		(output_file, content_hash, result_metadata, last_accessed, access_count)
		VALUES (?, ?, ?, ?, 0)`,
		outputFile, contentHash, resultMetadata, q.nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to add cache entry: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the next pending job of the given type for a
// worker. Jobs are claimed in (priority DESC, created_at ASC) order; jobs
// that exhausted their attempts are never returned. Returns nil when no job
// is available.
func (q *JobQueue) ClaimNext(ctx context.Context, jobType types.JobType, workerID int64) (*types.Job, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ClaimLatency)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, job_type, status, input_file, output_file, content_hash,
		       payload, priority, attempts, max_attempts, created_at,
		       started_at, completed_at, worker_id, error, correlation_id
		FROM jobs
		WHERE status = 'pending' AND job_type = ? AND attempts < max_attempts
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`,
		jobType,
	)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending job: %w", err)
	}

	startedAt := q.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'processing', started_at = ?, worker_id = ?, attempts = attempts + 1
		WHERE id = ?`,
		startedAt.Format(timeFormat), workerID, job.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to mark job processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = types.JobStatusProcessing
	job.StartedAt = &startedAt
	job.WorkerID = &workerID
	job.Attempts++

	q.logger.Info().
		Int64("worker_id", workerID).
		Int64("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("input_file", job.InputFile).
		Msg("Job claimed")

	return job, nil
}

// UpdateStatus transitions a job. Completion sets completed_at and clears
// any error; failure sets completed_at and records the error.
func (q *JobQueue) UpdateStatus(ctx context.Context, jobID int64, status types.JobStatus, jobErr string) error {
	var err error
	switch status {
	case types.JobStatusCompleted:
		_, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, completed_at = ?, error = NULL WHERE id = ?`,
			status, q.nowUTC(), jobID,
		)
		if err == nil {
			q.logger.Info().Int64("job_id", jobID).Msg("Job completed")
		}
	case types.JobStatusFailed:
		_, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
			status, q.nowUTC(), nullString(jobErr), jobID,
		)
		if err == nil {
			q.logger.Error().Int64("job_id", jobID).Str("error", jobErr).Msg("Job failed")
		}
	default:
		_, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error = ? WHERE id = ?`,
			status, nullString(jobErr), jobID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", jobID, err)
	}
	return nil
}

// GetJob fetches a job by id, or nil when it does not exist
func (q *JobQueue) GetJob(ctx context.Context, jobID int64) (*types.Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, job_type, status, input_file, output_file, content_hash,
		       payload, priority, attempts, max_attempts, created_at,
		       started_at, completed_at, worker_id, error, correlation_id
		FROM jobs WHERE id = ?`,
		jobID,
	)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", jobID, err)
	}
	return job, nil
}

// JobsByStatus returns up to limit jobs with the given status, newest first
func (q *JobQueue) JobsByStatus(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, job_type, status, input_file, output_file, content_hash,
		       payload, priority, attempts, max_attempts, created_at,
		       started_at, completed_at, worker_id, error, correlation_id
		FROM jobs
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ResetHungJobs moves processing jobs whose started_at is older than the
// timeout back to pending and clears their worker assignment. Returns the
// number of jobs reset.
func (q *JobQueue) ResetHungJobs(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := q.Now().UTC().Add(-timeout).Format(timeFormat)

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', worker_id = NULL, started_at = NULL
		WHERE status = 'processing' AND started_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset hung jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.HungJobsReset.Add(float64(n))
		q.logger.Warn().Int64("count", n).Msg("Reset hung jobs to pending")
	}
	return n, nil
}

// ResetDeadWorkerJobs rescues jobs stuck in processing whose assigned worker
// has been marked dead, resetting them to pending inside one transaction.
// Returns the number of jobs reset.
func (q *JobQueue) ResetDeadWorkerJobs(ctx context.Context) (int64, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT j.id, j.job_type, j.input_file, w.id
		FROM jobs j
		INNER JOIN workers w ON j.worker_id = w.id
		WHERE j.status = 'processing' AND w.status = 'dead'`)
	if err != nil {
		return 0, fmt.Errorf("failed to find stuck jobs: %w", err)
	}

	type stuckJob struct {
		id        int64
		jobType   string
		inputFile string
		workerID  int64
	}
	var stuck []stuckJob
	for rows.Next() {
		var s stuckJob
		if err := rows.Scan(&s.id, &s.jobType, &s.inputFile, &s.workerID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan stuck job: %w", err)
		}
		stuck = append(stuck, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if len(stuck) == 0 {
		return 0, nil
	}

	for _, s := range stuck {
		q.logger.Warn().
			Int64("job_id", s.id).
			Str("job_type", s.jobType).
			Str("input_file", s.inputFile).
			Int64("worker_id", s.workerID).
			Msg("Resetting job from dead worker")

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'pending', worker_id = NULL, started_at = NULL
			WHERE id = ?`,
			s.id,
		); err != nil {
			return 0, fmt.Errorf("failed to reset job %d: %w", s.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit dead-worker reset: %w", err)
	}

	return int64(len(stuck)), nil
}

// ClearOldCompleted deletes completed jobs older than the given number of
// days. Returns the number of jobs deleted.
func (q *JobQueue) ClearOldCompleted(ctx context.Context, days int) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status = 'completed'
		AND completed_at < datetime('now', '-' || ? || ' days')`,
		days,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clear old completed jobs: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns job counts by status
func (q *JobQueue) Stats(ctx context.Context) (*types.QueueStats, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query job stats: %w", err)
	}
	defer rows.Close()

	stats := &types.QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch types.JobStatus(status) {
		case types.JobStatusPending:
			stats.Pending = count
		case types.JobStatusProcessing:
			stats.Processing = count
		case types.JobStatusCompleted:
			stats.Completed = count
		case types.JobStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// Statistics returns detailed queue statistics: counts by status and type
// plus currently-processing jobs with elapsed times
func (q *JobQueue) Statistics(ctx context.Context) (*types.QueueStatistics, error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return nil, err
	}

	result := &types.QueueStatistics{
		QueueStats: *stats,
		ByType:     make(map[types.JobType]int),
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT job_type, COUNT(*) FROM jobs GROUP BY job_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query type counts: %w", err)
	}
	for rows.Next() {
		var jobType string
		var count int
		if err := rows.Scan(&jobType, &count); err != nil {
			rows.Close()
			return nil, err
		}
		result.ByType[types.JobType(jobType)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	procRows, err := q.db.QueryContext(ctx, `
		SELECT id, job_type, input_file, worker_id,
		       (julianday('now') - julianday(started_at)) * 86400
		FROM jobs
		WHERE status = 'processing'`)
	if err != nil {
		return nil, fmt.Errorf("failed to query processing jobs: %w", err)
	}
	defer procRows.Close()

	for procRows.Next() {
		var p types.ProcessingJob
		var jobType string
		var workerID sql.NullInt64
		var elapsed sql.NullFloat64
		if err := procRows.Scan(&p.JobID, &jobType, &p.InputFile, &workerID, &elapsed); err != nil {
			return nil, err
		}
		p.Type = types.JobType(jobType)
		if workerID.Valid {
			p.WorkerID = &workerID.Int64
		}
		p.ElapsedSeconds = elapsed.Float64
		result.ProcessingJobs = append(result.ProcessingJobs, p)
	}
	return result, procRows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*types.Job, error) {
	var (
		job           types.Job
		jobType       string
		status        string
		payloadJSON   string
		startedAt     sql.NullTime
		completedAt   sql.NullTime
		workerID      sql.NullInt64
		jobErr        sql.NullString
		correlationID sql.NullString
	)

	err := s.Scan(
		&job.ID, &jobType, &status, &job.InputFile, &job.OutputFile,
		&job.ContentHash, &payloadJSON, &job.Priority, &job.Attempts,
		&job.MaxAttempts, &job.CreatedAt, &startedAt, &completedAt,
		&workerID, &jobErr, &correlationID,
	)
	if err != nil {
		return nil, err
	}

	job.Type = types.JobType(jobType)
	job.Status = types.JobStatus(status)
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for job %d: %w", job.ID, err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if workerID.Valid {
		id := workerID.Int64
		job.WorkerID = &id
	}
	job.Error = jobErr.String
	job.CorrelationID = correlationID.String

	return &job, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
