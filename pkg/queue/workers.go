package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/coursecraft/loom/pkg/types"
)

// HeartbeatMaxAge is how stale a worker heartbeat may be before the worker
// no longer counts as available. Workers heartbeat every 10 s, so anything
// beyond 30 s means three missed beats.
const HeartbeatMaxAge = 30 * time.Second

// RegisterWorker inserts a workers row for a starting worker process and
// returns its id. Called by the worker itself as the first step of the
// registration protocol.
func (q *JobQueue) RegisterWorker(ctx context.Context, workerType types.JobType, executorID string) (int64, error) {
	now := q.nowUTC()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO workers (worker_type, container_id, status, last_heartbeat, started_at)
		VALUES (?, ?, 'idle', ?, ?)`,
		workerType, executorID, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to register worker: %w", err)
	}

	workerID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read worker id: %w", err)
	}

	q.logger.Info().
		Int64("worker_id", workerID).
		Str("worker_type", string(workerType)).
		Str("executor_id", executorID).
		Msg("Worker registered")

	return workerID, nil
}

// Heartbeat refreshes a worker's last_heartbeat timestamp
func (q *JobQueue) Heartbeat(ctx context.Context, workerID int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE workers SET last_heartbeat = ? WHERE id = ?`,
		q.nowUTC(), workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to heartbeat worker %d: %w", workerID, err)
	}
	return nil
}

// SetWorkerStatus updates a worker's status
func (q *JobQueue) SetWorkerStatus(ctx context.Context, workerID int64, status types.WorkerStatus) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE workers SET status = ? WHERE id = ?`,
		status, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to set worker %d status: %w", workerID, err)
	}
	return nil
}

// RecordJobOutcome increments a worker's processed counter, and the failed
// counter when the job failed
func (q *JobQueue) RecordJobOutcome(ctx context.Context, workerID int64, failed bool) error {
	query := `UPDATE workers SET jobs_processed = jobs_processed + 1 WHERE id = ?`
	if failed {
		query = `UPDATE workers
			SET jobs_processed = jobs_processed + 1, jobs_failed = jobs_failed + 1
			WHERE id = ?`
	}
	if _, err := q.db.ExecContext(ctx, query, workerID); err != nil {
		return fmt.Errorf("failed to record job outcome for worker %d: %w", workerID, err)
	}
	return nil
}

// DeleteWorker removes a worker row. Called by the worker on graceful
// shutdown; forcibly terminated workers are left behind as dead until
// cleaned up.
func (q *JobQueue) DeleteWorker(ctx context.Context, workerID int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, workerID); err != nil {
		return fmt.Errorf("failed to delete worker %d: %w", workerID, err)
	}
	return nil
}

// ListWorkers returns worker rows, optionally filtered by type and status
func (q *JobQueue) ListWorkers(ctx context.Context, workerType types.JobType, statusFilter []types.WorkerStatus) ([]types.Worker, error) {
	query := `
		SELECT id, worker_type, container_id, status, last_heartbeat,
		       jobs_processed, jobs_failed, started_at
		FROM workers`
	var conditions []string
	var args []any

	if workerType != "" {
		conditions = append(conditions, "worker_type = ?")
		args = append(args, workerType)
	}
	if len(statusFilter) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statusFilter)), ",")
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders))
		for _, s := range statusFilter {
			args = append(args, s)
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// FindWorkerByExecutorID returns the worker registered under an executor id,
// or nil if none has registered yet. Used by the pool manager while waiting
// for a launched worker to appear.
func (q *JobQueue) FindWorkerByExecutorID(ctx context.Context, executorID string) (*types.Worker, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, worker_type, container_id, status, last_heartbeat,
		       jobs_processed, jobs_failed, started_at
		FROM workers WHERE container_id = ?`,
		executorID,
	)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find worker by executor id: %w", err)
	}
	return w, nil
}

// CountAvailableWorkers counts workers of a type that are idle or busy and
// have heartbeated within HeartbeatMaxAge
func (q *JobQueue) CountAvailableWorkers(ctx context.Context, workerType types.JobType) (int, error) {
	cutoff := q.Now().UTC().Add(-HeartbeatMaxAge).Format(timeFormat)

	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workers
		WHERE worker_type = ?
		AND status IN ('idle', 'busy')
		AND last_heartbeat > ?`,
		workerType, cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count available workers: %w", err)
	}
	return count, nil
}

func scanWorker(s scanner) (*types.Worker, error) {
	var (
		w          types.Worker
		workerType string
		executorID sql.NullString
		status     string
	)
	err := s.Scan(
		&w.ID, &workerType, &executorID, &status, &w.LastHeartbeat,
		&w.JobsProcessed, &w.JobsFailed, &w.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Type = types.JobType(workerType)
	w.ExecutorID = executorID.String
	w.Status = types.WorkerStatus(status)
	return &w, nil
}
