package queue

import (
	"context"
	"fmt"
)

// Worker lifecycle journal event types, persisted to workers_events so
// sessions can be reconstructed after the fact.
const (
	EventPoolStarting  = "pool.starting"
	EventPoolStarted   = "pool.started"
	EventPoolStopping  = "pool.stopping"
	EventPoolStopped   = "pool.stopped"
	EventWorkerStarted = "worker.started"
	EventWorkerStopped = "worker.stopped"
	EventWorkerDead    = "worker.dead"
)

// LogWorkerEvent appends an entry to the worker lifecycle journal
func (q *JobQueue) LogWorkerEvent(ctx context.Context, sessionID, eventType, workerType, executorID, detail string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO workers_events (session_id, event_type, worker_type, executor_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, eventType, nullString(workerType), nullString(executorID), nullString(detail), q.nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to log worker event: %w", err)
	}
	return nil
}

// WorkerEvent is one journal row
type WorkerEvent struct {
	SessionID  string
	EventType  string
	WorkerType string
	ExecutorID string
	Detail     string
	CreatedAt  string
}

// SessionEvents returns the journal entries for a session in order
func (q *JobQueue) SessionEvents(ctx context.Context, sessionID string) ([]WorkerEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT session_id, event_type,
		       COALESCE(worker_type, ''), COALESCE(executor_id, ''), COALESCE(detail, ''),
		       created_at
		FROM workers_events
		WHERE session_id = ?
		ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer rows.Close()

	var events []WorkerEvent
	for rows.Next() {
		var e WorkerEvent
		if err := rows.Scan(&e.SessionID, &e.EventType, &e.WorkerType, &e.ExecutorID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
